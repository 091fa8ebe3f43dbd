package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page size limits for List.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository defines the interface for event persistence.
type Repository interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository stores events in the events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new event repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts an event. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshalling event payload: %w", err)
	}

	var deviceID any
	if e.DeviceID != 0 {
		deviceID = e.DeviceID
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events (id, account_id, device_id, kind, severity, source_ip, destination_ip, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, deviceID, string(e.Kind), e.Severity,
		nullableString(e.SourceIP), nullableString(e.DestinationIP),
		string(payload), e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// List returns events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	var conditions []string
	var args []any
	if filter.AccountID != 0 {
		conditions = append(conditions, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.DeviceID != 0 {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, account_id, device_id, kind, severity, source_ip, destination_ip, payload, created_at
		 FROM events %s ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		where,
	)
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var deviceID sql.NullInt64
		var kind, payload, createdAt string
		var sourceIP, destIP sql.NullString

		if err := rows.Scan(&e.ID, &e.AccountID, &deviceID, &kind, &e.Severity,
			&sourceIP, &destIP, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		e.DeviceID = deviceID.Int64
		e.Kind = Kind(kind)
		e.SourceIP = sourceIP.String
		e.DestinationIP = destIP.String
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding event %s payload: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", createdAt, err)
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return events, nil
}

// PruneOlderThan deletes events created before cutoff and returns how many
// were removed.
func (r *SQLiteRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// nullableString returns nil for empty strings so TEXT columns store NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package blocklist stores the IP addresses an account has blocked.
//
// Entries are scoped to an account and optionally to a single device. The
// bridge adds entries when an alert names a source address and pushes the
// account's list to every registered sensor during the settings poll.
package blocklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEntry is returned when an entry has no account or address.
var ErrInvalidEntry = errors.New("blocklist: invalid entry")

// Entry is one blocked address.
type Entry struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	DeviceID  int64     `json:"device_id,omitempty"` // 0 means account-wide
	IP        string    `json:"ip_address"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository defines the interface for blocklist persistence.
type Repository interface {
	ListIPs(ctx context.Context, accountID int64) ([]string, error)
	Create(ctx context.Context, e Entry) (bool, error)
}

// SQLiteRepository stores entries in the blacklist table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new blocklist repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ListIPs returns the distinct addresses blocked for an account, in the
// order they were first added.
func (r *SQLiteRepository) ListIPs(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ip_address FROM blacklist WHERE account_id = ?
		 GROUP BY ip_address ORDER BY MIN(id)`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying blocklist: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scanning blocklist row: %w", err)
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocklist: %w", err)
	}
	return ips, nil
}

// Create adds an entry unless the same address is already blocked in the
// same scope. It reports whether a row was inserted.
func (r *SQLiteRepository) Create(ctx context.Context, e Entry) (bool, error) {
	e.IP = strings.TrimSpace(e.IP)
	if e.AccountID == 0 || e.IP == "" {
		return false, ErrInvalidEntry
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var deviceID, reason any
	if e.DeviceID != 0 {
		deviceID = e.DeviceID
	}
	if e.Reason != "" {
		reason = e.Reason
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blacklist (account_id, device_id, ip_address, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.AccountID, deviceID, e.IP, reason, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("inserting blocklist entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

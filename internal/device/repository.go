package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository defines the interface for device persistence operations.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id int64) (*Device, error)

	// Find returns every device matching the filter, ordered by ID.
	Find(ctx context.Context, filter Filter) ([]Device, error)

	// Create inserts a device together with its token and network profile.
	// Returns ErrDeviceExists if the esp_id is already taken.
	Create(ctx context.Context, device *Device) error

	// Save writes the device row, token and network profile in one
	// transaction. An empty Token removes the stored token.
	// Returns ErrDeviceNotFound if the device does not exist.
	Save(ctx context.Context, device *Device) error

	// Delete removes a device and all rows that depend on it.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id int64) error

	// PruneStale deletes devices last seen before cutoff, with their
	// dependents, and returns the deleted IDs.
	PruneStale(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevice = `
	SELECT d.id, d.account_id, d.name, d.esp_id, d.mac_address, d.ip_address,
		d.is_active, d.created_at, d.updated_at,
		t.token, p.last_seen, p.wifi_last_result, p.mqtt_last_result
	FROM devices d
	LEFT JOIN device_tokens t ON t.device_id = d.id
	LEFT JOIN device_network_profiles p ON p.device_id = d.id`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevice+" WHERE d.id = ?", id)
	dev, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return dev, nil
}

// Find returns every device matching the filter, ordered by ID.
func (r *SQLiteRepository) Find(ctx context.Context, filter Filter) ([]Device, error) {
	var conditions []string
	var args []any

	if filter.AccountID != 0 {
		conditions = append(conditions, "d.account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.ID != 0 {
		conditions = append(conditions, "d.id = ?")
		args = append(args, filter.ID)
	}
	if filter.MAC != "" {
		mac := NormalizeMAC(filter.MAC)
		if mac == "" {
			mac = strings.TrimSpace(filter.MAC)
		}
		conditions = append(conditions, "UPPER(d.mac_address) = UPPER(?)")
		args = append(args, mac)
	}
	if filter.Token != "" {
		conditions = append(conditions, "t.token = ?")
		args = append(args, filter.Token)
	}
	if filter.ESPID != "" {
		conditions = append(conditions, "d.esp_id = ?")
		args = append(args, filter.ESPID)
	}
	if filter.IP != "" {
		conditions = append(conditions, "d.ip_address = ?")
		args = append(args, filter.IP)
	}
	if filter.Name != "" {
		conditions = append(conditions, "d.name = ? COLLATE NOCASE")
		args = append(args, filter.Name)
	}
	if filter.HasToken {
		conditions = append(conditions, "t.token IS NOT NULL AND t.token <> ''")
	}

	query := selectDevice
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY d.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// Create inserts a device together with its token and network profile.
// ID, CreatedAt and UpdatedAt are set on success.
func (r *SQLiteRepository) Create(ctx context.Context, dev *Device) error {
	if dev.AccountID <= 0 {
		return fmt.Errorf("%w: account_id is required", ErrInvalidDevice)
	}
	if dev.Name == "" {
		dev.Name = PlaceholderName
	}
	if dev.ESPID == "" {
		dev.ESPID = UnknownESPID
	}
	if mac := NormalizeMAC(dev.MAC); mac != "" {
		dev.MAC = mac
	}

	now := time.Now().UTC().Truncate(time.Second)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO devices (account_id, name, esp_id, mac_address, ip_address, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.AccountID, dev.Name, dev.ESPID,
		nullableString(dev.MAC), nullableString(dev.IP),
		boolToInt(dev.Active), formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}

	if err := writeToken(ctx, tx, id, dev.Token, now); err != nil {
		return err
	}
	if err := writeProfile(ctx, tx, id, dev.AccountID, dev.Profile, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}

	dev.ID = id
	dev.CreatedAt = now
	dev.UpdatedAt = now
	return nil
}

// Save writes the device row, token and network profile in one transaction.
func (r *SQLiteRepository) Save(ctx context.Context, dev *Device) error {
	if mac := NormalizeMAC(dev.MAC); mac != "" {
		dev.MAC = mac
	}

	now := time.Now().UTC().Truncate(time.Second)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET name = ?, esp_id = ?, mac_address = ?, ip_address = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		dev.Name, dev.ESPID, nullableString(dev.MAC), nullableString(dev.IP),
		boolToInt(dev.Active), formatTime(now), dev.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("updating device: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	} else if n == 0 {
		return ErrDeviceNotFound
	}

	if err := writeToken(ctx, tx, dev.ID, dev.Token, now); err != nil {
		return err
	}
	if err := writeProfile(ctx, tx, dev.ID, dev.AccountID, dev.Profile, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}

	dev.UpdatedAt = now
	return nil
}

// Delete removes a device and all rows that depend on it.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	found, err := deleteDevice(ctx, tx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrDeviceNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device delete: %w", err)
	}
	return nil
}

// PruneStale deletes devices whose last contact is before cutoff. A device
// that was never seen counts from its creation time.
func (r *SQLiteRepository) PruneStale(ctx context.Context, cutoff time.Time) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT d.id
		FROM devices d
		LEFT JOIN device_network_profiles p ON p.device_id = d.id
		WHERE COALESCE(p.last_seen, d.created_at) < ?
		ORDER BY d.id`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale devices: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning stale device: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale devices: %w", err)
	}

	for _, id := range ids {
		if _, err := deleteDevice(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing prune: %w", err)
	}
	return ids, nil
}

// deleteDevice removes the device row and its dependents inside tx.
func deleteDevice(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	dependents := []struct {
		table string
		what  string
	}{
		{"events", "events"},
		{"blacklist", "blacklist entries"},
		{"device_tokens", "token"},
		{"device_network_profiles", "network profile"},
	}
	for _, dep := range dependents {
		//nolint:gosec // table names are constants above
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+dep.table+" WHERE device_id = ?", id); err != nil {
			return false, fmt.Errorf("deleting device %s: %w", dep.what, err)
		}
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("deleting device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

func writeToken(ctx context.Context, tx *sql.Tx, deviceID int64, token string, now time.Time) error {
	if token == "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM device_tokens WHERE device_id = ?", deviceID); err != nil {
			return fmt.Errorf("clearing device token: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_tokens (device_id, token, created_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET token = excluded.token`,
		deviceID, token, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("writing device token: %w", err)
	}
	return nil
}

func writeProfile(ctx context.Context, tx *sql.Tx, deviceID, accountID int64, p NetworkProfile, now time.Time) error {
	var lastSeen any
	if p.LastSeen != nil {
		lastSeen = formatTime(*p.LastSeen)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_network_profiles
			(device_id, account_id, last_seen, wifi_last_result, mqtt_last_result, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			wifi_last_result = excluded.wifi_last_result,
			mqtt_last_result = excluded.mqtt_last_result,
			updated_at = excluded.updated_at`,
		deviceID, accountID, lastSeen,
		nullableString(p.WiFiLastResult), nullableString(p.MQTTLastResult),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("writing network profile: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var dev Device
	var mac, ip, token, lastSeen, wifi, mqttResult sql.NullString
	var active int
	var createdAt, updatedAt string

	err := s.Scan(
		&dev.ID, &dev.AccountID, &dev.Name, &dev.ESPID, &mac, &ip,
		&active, &createdAt, &updatedAt,
		&token, &lastSeen, &wifi, &mqttResult,
	)
	if err != nil {
		return nil, err
	}

	dev.MAC = mac.String
	dev.IP = ip.String
	dev.Token = token.String
	dev.Active = active != 0
	dev.Profile.WiFiLastResult = wifi.String
	dev.Profile.MQTTLastResult = mqttResult.String

	if dev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if dev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid && lastSeen.String != "" {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		dev.Profile.LastSeen = &t
	}

	return &dev, nil
}

// Timestamps are stored as fixed-width RFC3339 UTC so they compare as text.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableString returns nil for empty strings so TEXT columns store NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Package account reads per-account bridge settings.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DefaultLogRetentionDays applies when an account has no settings row.
const DefaultLogRetentionDays = 30

// Settings are the per-account switches the bridge consults.
type Settings struct {
	AccountID        int64  `json:"account_id"`
	AutoBlockEnabled bool   `json:"auto_block_enabled"`
	Timezone         string `json:"timezone,omitempty"` // empty means the site zone
	LogRetentionDays int    `json:"log_retention_days"`
}

// Defaults returns the settings used for an account with no stored row.
func Defaults(accountID int64) Settings {
	return Settings{
		AccountID:        accountID,
		AutoBlockEnabled: true,
		LogRetentionDays: DefaultLogRetentionDays,
	}
}

// Repository defines the interface for account settings.
type Repository interface {
	Get(ctx context.Context, accountID int64) (Settings, error)
}

// SQLiteRepository reads the account_settings table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new account settings repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns the settings for an account, or Defaults if none are stored.
func (r *SQLiteRepository) Get(ctx context.Context, accountID int64) (Settings, error) {
	s := Settings{AccountID: accountID}
	var autoBlock int
	var tz sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT auto_block_enabled, timezone, log_retention_days
		 FROM account_settings WHERE account_id = ?`,
		accountID,
	).Scan(&autoBlock, &tz, &s.LogRetentionDays)
	if errors.Is(err, sql.ErrNoRows) {
		return Defaults(accountID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("querying account settings: %w", err)
	}

	s.AutoBlockEnabled = autoBlock != 0
	s.Timezone = tz.String
	return s, nil
}

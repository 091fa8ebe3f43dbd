// Package database provides SQLite connectivity for the ESP bridge store.
//
// This package manages:
//   - Database connection with WAL mode and foreign keys enabled
//   - Schema migrations read from an embedded filesystem
//   - Connection lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be nullable or carry a default,
// and every .up.sql file has a matching .down.sql.
package database

// Package database provides SQLite connectivity for the feeder store.
//
// This package manages:
//   - Database connection with WAL mode so the telemetry bridge and the client can share the file
//   - Schema migrations read from an embedded MigrationSource
//   - Error classification for the transport retry layer (IsTransient, IsUniqueViolation)
//   - Shared column helpers (timestamps, nullable strings, booleans)
//
// All queries use parameterised statements. The database file is chmod 0600.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    log.Fatal(err)
//	}
package database

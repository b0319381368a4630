// Package database provides the gateway's local SQLite database.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Schema migrations read from an fs.FS (normally the embedded
//     migrations package)
//   - Connection lifecycle and health checks
//
// All queries use parameterised statements. The database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are named YYYYMMDD_HHMMSS_description.up.sql with a matching
// .down.sql, and are additive: new columns are NULLABLE or have DEFAULTs.
package database

package database

import "fmt"

// RunMigrations checks the current schema version and runs any pending
// migrations. Each migration is idempotent: column adds and index creates
// only, safe to re-run against a file already at or past that version.
func (d *Database) RunMigrations() error {
	version, err := d.GetSchemaVersion()
	if err != nil {
		version = 0
	}

	log.Info("checking migrations", "current_version", version, "target_version", SchemaVersion)

	if version >= SchemaVersion {
		log.Debug("database is up to date")
		return nil
	}

	// No migrations exist yet beyond the version-1 baseline InitSchema
	// creates directly. Future schema changes land here as
	// MigrationV<N>ToV<N+1> functions, applied sequentially:
	//
	//   if version < 2 { if err := MigrationV1ToV2(d.db); err != nil { return err } }

	if _, err := d.db.Exec(`
		INSERT OR REPLACE INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

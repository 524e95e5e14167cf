package store

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

func schema(d dialect) []string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	float := "REAL"
	if d == dialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
		float = "DOUBLE PRECISION"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id ` + pk + `,
			city TEXT NOT NULL,
			state_province TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL,
			zip_code TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			UNIQUE (city, state_province, country, zip_code)
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id ` + pk + `,
			base_name TEXT NOT NULL,
			sub_category TEXT NOT NULL DEFAULT 'generic',
			UNIQUE (base_name, sub_category)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id ` + pk + `,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			location_id BIGINT NOT NULL REFERENCES locations(id),
			address TEXT NOT NULL DEFAULT '',
			website TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_date TEXT NOT NULL,
			end_time TEXT NOT NULL,
			price ` + float + ` NULL,
			price_details TEXT NOT NULL DEFAULT '',
			is_valid INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_categories (
			event_id BIGINT NOT NULL REFERENCES events(id),
			category_id BIGINT NOT NULL REFERENCES categories(id),
			PRIMARY KEY (event_id, category_id)
		)`,
		`CREATE TABLE IF NOT EXISTS provenance_links (
			source TEXT NOT NULL,
			row_key TEXT NOT NULL,
			event_id BIGINT NOT NULL,
			needs_update INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (source, row_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_date, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_provenance_event ON provenance_links(event_id)`,
	}
}

// Migrate ensures the schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	d, ok := dialectFor(driver)
	if !ok {
		return fmt.Errorf("migrate: unsupported driver %q", driver)
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range schema(d) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i+1, err)
		}
	}

	_, err = tx.Exec(d.rebind(`INSERT INTO schema_migrations(version) VALUES (?)`), SchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}

	return nil
}

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the latest schema revision applied by Migrate.
const SchemaVersion = 1

// Column types differ per backend; statements are written once with
// placeholders and expanded per driver.
var (
	sqliteTypes = strings.NewReplacer(
		"{{bigint}}", "INTEGER",
		"{{real}}", "REAL",
		"{{bool}}", "INTEGER",
	)
	postgresTypes = strings.NewReplacer(
		"{{bigint}}", "BIGINT",
		"{{real}}", "DOUBLE PRECISION",
		"{{bool}}", "BOOLEAN",
	)
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS exposure_events (
		event_id TEXT PRIMARY KEY,
		timestamp_us {{bigint}} NOT NULL,
		office_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		exposure_id TEXT NOT NULL,
		exposure_class TEXT NOT NULL,
		exposure_status TEXT NOT NULL,
		event_action TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		severity {{bigint}} NOT NULL,
		risk_score {{real}},
		confidence {{real}},
		dst_ip TEXT,
		dst_port {{bigint}},
		protocol TEXT NOT NULL,
		transport TEXT NOT NULL,
		network_direction TEXT,
		service_json TEXT,
		resource_json TEXT,
		scanner_id TEXT NOT NULL,
		scanner_type TEXT NOT NULL,
		scan_run_id TEXT,
		dedupe_key TEXT,
		raw_payload_json TEXT NOT NULL,
		created_at_us {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_office_time ON exposure_events(office_id, timestamp_us)`,
	`CREATE INDEX IF NOT EXISTS idx_events_asset_time ON exposure_events(asset_id, timestamp_us)`,
	`CREATE INDEX IF NOT EXISTS idx_events_class_status ON exposure_events(exposure_class, exposure_status)`,
	`CREATE INDEX IF NOT EXISTS idx_events_exposure ON exposure_events(office_id, exposure_id)`,

	`CREATE TABLE IF NOT EXISTS exposures_current (
		office_id TEXT NOT NULL,
		exposure_id TEXT NOT NULL,
		exposure_class TEXT NOT NULL,
		status TEXT NOT NULL,
		dst_ip TEXT,
		dst_port {{bigint}},
		protocol TEXT NOT NULL,
		transport TEXT NOT NULL,
		network_direction TEXT,
		severity {{bigint}} NOT NULL,
		risk_score {{real}},
		confidence {{real}},
		first_seen_us {{bigint}} NOT NULL,
		last_seen_us {{bigint}} NOT NULL,
		asset_id TEXT NOT NULL,
		asset_hostname TEXT,
		asset_ip TEXT,
		asset_mac TEXT,
		asset_os TEXT,
		asset_managed {{bool}},
		service_name TEXT,
		service_product TEXT,
		service_version TEXT,
		service_tls {{bool}},
		service_auth TEXT,
		service_bind_scope TEXT,
		service_json TEXT,
		resource_json TEXT,
		event_action TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		scanner_id TEXT NOT NULL,
		scanner_type TEXT NOT NULL,
		office_name TEXT NOT NULL,
		office_region TEXT,
		office_network_zone TEXT,
		data_class_json TEXT,
		disposition_ticket TEXT,
		disposition_owner TEXT,
		disposition_sla TEXT,
		revision {{bigint}} NOT NULL DEFAULT 1,
		created_at_us {{bigint}} NOT NULL,
		updated_at_us {{bigint}} NOT NULL,
		PRIMARY KEY (office_id, exposure_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_current_status_severity ON exposures_current(status, severity)`,
	`CREATE INDEX IF NOT EXISTS idx_current_asset ON exposures_current(asset_id)`,
	`CREATE INDEX IF NOT EXISTS idx_current_office_class ON exposures_current(office_id, exposure_class)`,
	`CREATE INDEX IF NOT EXISTS idx_current_last_seen ON exposures_current(last_seen_us)`,

	`CREATE TABLE IF NOT EXISTS quarantined_files (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_size {{bigint}},
		file_hash TEXT,
		error_kind TEXT NOT NULL,
		error_message TEXT NOT NULL,
		error_details_json TEXT,
		scanner_type TEXT,
		office_id TEXT,
		quarantined_at_us {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quarantine_time ON quarantined_files(quarantined_at_us)`,
	`CREATE INDEX IF NOT EXISTS idx_quarantine_kind ON quarantined_files(error_kind)`,

	`CREATE TABLE IF NOT EXISTS schema_version (
		version {{bigint}} PRIMARY KEY,
		applied_at_us {{bigint}} NOT NULL
	)`,
}

// Migrate creates the tables and indexes if missing and records the schema
// version. Safe to run repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	types := sqliteTypes
	if d.driver == DriverPostgres {
		types = postgresTypes
	}

	for _, stmt := range schemaStatements {
		if _, err := d.db.ExecContext(ctx, types.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	_, err := d.db.ExecContext(ctx, d.Rebind(
		`INSERT INTO schema_version (version, applied_at_us) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`),
		SchemaVersion, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest applied schema version, 0 when none.
func (d *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := d.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

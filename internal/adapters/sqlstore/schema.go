package sqlstore

import (
	"context"
	"fmt"
)

// schema is the slice of the web application's tables the dispatcher reads
// and writes. Statements are portable between DuckDB and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS scenarios (
		id            BIGINT PRIMARY KEY,
		name          TEXT NOT NULL,
		scenario_type TEXT NOT NULL,
		crop_scheme   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS regions (
		id          BIGINT PRIMARY KEY,
		name        TEXT NOT NULL,
		mantis_id   TEXT NOT NULL,
		region_type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_runs (
		id                   BIGINT PRIMARY KEY,
		name                 TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		status_message       TEXT NOT NULL DEFAULT '',
		sim_end_year         INTEGER NOT NULL,
		reduction_start_year INTEGER NOT NULL,
		reduction_end_year   INTEGER NOT NULL,
		unsat_water_content  DOUBLE PRECISION NOT NULL DEFAULT 0,
		flow_scenario_id     BIGINT NOT NULL,
		load_scenario_id     BIGINT NOT NULL,
		unsat_scenario_id    BIGINT NOT NULL,
		n_wells              INTEGER,
		date_submitted       TIMESTAMP NOT NULL,
		date_completed       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS model_run_regions (
		model_run_id BIGINT NOT NULL,
		region_id    BIGINT NOT NULL,
		ordinal      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS modifications (
		model_run_id BIGINT NOT NULL,
		crop_id      BIGINT NOT NULL,
		proportion   DOUBLE PRECISION NOT NULL
	)`,
	// series is a JSON array, one entry per year, null where no well had a value
	`CREATE TABLE IF NOT EXISTS result_percentiles (
		model_run_id BIGINT NOT NULL,
		percentile   DOUBLE PRECISION NOT NULL,
		series       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id           TEXT PRIMARY KEY,
		model_run_id BIGINT NOT NULL,
		seq          BIGINT NOT NULL,
		from_status  TEXT,
		to_status    TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	)`,
}

// Migrate creates any missing tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

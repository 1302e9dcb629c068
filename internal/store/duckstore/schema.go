package duckstore

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "sessions",
		sql: `CREATE TABLE IF NOT EXISTS sessions (
			key VARCHAR PRIMARY KEY,
			identifier VARCHAR,
			data_source VARCHAR,
			type VARCHAR,
			version INTEGER,
			created_at TIMESTAMP,
			start_ns BIGINT,
			end_ns BIGINT,
			coverage_ns BIGINT,
			closed BOOLEAN DEFAULT false
		)`,
	},
	{
		name: "config_units",
		sql: `CREATE TABLE IF NOT EXISTS config_units (
			session_key VARCHAR NOT NULL,
			id VARCHAR NOT NULL,
			category VARCHAR,
			used BOOLEAN DEFAULT false,
			committed_at TIMESTAMP DEFAULT now(),
			PRIMARY KEY (session_key, id)
		)`,
	},
	{
		name: "parameter_groups",
		sql: `CREATE TABLE IF NOT EXISTS parameter_groups (
			session_key VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			description VARCHAR,
			PRIMARY KEY (session_key, name)
		)`,
	},
	{
		name: "conversions",
		sql: `CREATE TABLE IF NOT EXISTS conversions (
			session_key VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			units VARCHAR,
			format VARCHAR,
			PRIMARY KEY (session_key, name)
		)`,
	},
	{
		name: "channels",
		sql: `CREATE TABLE IF NOT EXISTS channels (
			session_key VARCHAR NOT NULL,
			handle INTEGER NOT NULL,
			name VARCHAR,
			interval_ns UBIGINT,
			data_type VARCHAR,
			kind VARCHAR,
			unit_id VARCHAR,
			PRIMARY KEY (session_key, handle)
		)`,
	},
	{
		name: "parameters",
		sql: `CREATE TABLE IF NOT EXISTS parameters (
			session_key VARCHAR NOT NULL,
			identifier VARCHAR NOT NULL,
			channel INTEGER NOT NULL,
			name VARCHAR,
			grp VARCHAR,
			conversion VARCHAR,
			description VARCHAR,
			min_value DOUBLE,
			max_value DOUBLE,
			PRIMARY KEY (session_key, identifier, channel)
		)`,
	},
	{
		name: "event_definitions",
		sql: `CREATE TABLE IF NOT EXISTS event_definitions (
			session_key VARCHAR NOT NULL,
			identifier VARCHAR NOT NULL,
			definition_id BIGINT,
			grp VARCHAR,
			priority VARCHAR,
			description VARCHAR,
			PRIMARY KEY (session_key, identifier)
		)`,
	},
	{
		name: "error_definitions",
		sql: `CREATE TABLE IF NOT EXISTS error_definitions (
			session_key VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			identifier VARCHAR,
			grp VARCHAR,
			description VARCHAR,
			current_channel INTEGER,
			logged_channel INTEGER,
			PRIMARY KEY (session_key, name)
		)`,
	},
	{
		name: "samples",
		sql: `CREATE TABLE IF NOT EXISTS samples (
			session_key VARCHAR NOT NULL,
			channel INTEGER NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			value DOUBLE,
			PRIMARY KEY (session_key, channel, timestamp_ns)
		)`,
	},
	{
		name: "can_frames",
		sql: `CREATE TABLE IF NOT EXISTS can_frames (
			session_key VARCHAR NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			bus UINTEGER,
			can_id UINTEGER,
			payload BLOB,
			direction UTINYINT
		)`,
	},
	{
		name: "markers",
		sql: `CREATE TABLE IF NOT EXISTS markers (
			session_key VARCHAR NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			label VARCHAR,
			type VARCHAR,
			description VARCHAR,
			value BIGINT
		)`,
	},
	{
		name: "laps",
		sql: `CREATE TABLE IF NOT EXISTS laps (
			session_key VARCHAR NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			number SMALLINT,
			trigger_source UTINYINT,
			name VARCHAR,
			count_for_fastest_lap BOOLEAN,
			PRIMARY KEY (session_key, timestamp_ns)
		)`,
	},
	{
		name: "events",
		sql: `CREATE TABLE IF NOT EXISTS events (
			session_key VARCHAR NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			definition_id BIGINT NOT NULL,
			grp VARCHAR,
			idx INTEGER NOT NULL,
			value DOUBLE,
			PRIMARY KEY (session_key, timestamp_ns, definition_id, idx)
		)`,
	},
	{
		name: "summaries",
		sql: `CREATE TABLE IF NOT EXISTS summaries (
			session_key VARCHAR NOT NULL,
			channel INTEGER NOT NULL,
			count BIGINT,
			min_value DOUBLE,
			max_value DOUBLE,
			p50 DOUBLE,
			p99 DOUBLE,
			PRIMARY KEY (session_key, channel)
		)`,
	},
	{
		name: "idx_samples_session",
		sql:  `CREATE INDEX IF NOT EXISTS idx_samples_session ON samples(session_key, channel)`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}

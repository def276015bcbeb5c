// Pankha
// Copyright (C) 2025 Pankha, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package storage is the typed relational layer over sqlite. It owns
// the schema and every query; no other package touches the database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pankhahq/pankha"
)

const (
	// busyTimeout is how long sqlite waits on a locked database before
	// returning SQLITE_BUSY.
	busyTimeout = 10 * time.Second

	// syncMode trades some durability for latency; history telemetry
	// dominates the write load and is best-effort anyway.
	syncMode = "NORMAL"
)

// Config holds storage layer configuration.
type Config struct {
	// Path is the sqlite database file. ":memory:" gives an in-memory
	// database, used by tests.
	Path string
	// Log is the parent logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing database path")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Storage is the relational persistence layer.
type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database and applies schema
// migrations.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	connStr := connectionURI(cfg.Path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, trace.Wrap(err, "opening database at %v", cfg.Path)
	}
	// sqlite serializes writers; extra connections only add lock
	// contention.
	db.SetMaxOpenConns(1)

	s := &Storage{
		db:  db,
		log: cfg.Log.With(pankha.ComponentKey, pankha.ComponentStorage),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func connectionURI(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	params.Set("_sync", syncMode)
	params.Set("_foreign_keys", "on")
	if path != ":memory:" {
		params.Set("_journal_mode", "WAL")
	}
	return fmt.Sprintf("file:%v?%v", path, params.Encode())
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

// inTransaction runs fn inside a transaction, committing on nil and
// rolling back otherwise.
func (s *Storage) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.ErrorContext(ctx, "Failed to roll back transaction.", "error", rbErr)
			if err == nil {
				err = trace.Wrap(rbErr)
			}
		}
	}()
	if err := fn(tx); err != nil {
		return trace.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return trace.Wrap(err)
	}
	committed = true
	return nil
}

// migrations are applied in order; user_version records the last one
// applied. Never reorder or edit an entry, only append.
var migrations = []string{
	`CREATE TABLE systems (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		platform TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '{}',
		config_data TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_seen_at INTEGER
	);
	CREATE INDEX systems_admission_idx ON systems (created_at, id);

	CREATE TABLE sensors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		system_id INTEGER NOT NULL REFERENCES systems (id) ON DELETE CASCADE,
		sensor_name TEXT NOT NULL,
		sensor_label TEXT NOT NULL,
		sensor_type TEXT NOT NULL DEFAULT 'other',
		current_temp REAL,
		temp_max REAL,
		temp_crit REAL,
		is_hidden INTEGER NOT NULL DEFAULT 0,
		UNIQUE (system_id, sensor_name)
	);

	CREATE TABLE fans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		system_id INTEGER NOT NULL REFERENCES systems (id) ON DELETE CASCADE,
		fan_name TEXT NOT NULL,
		fan_label TEXT NOT NULL,
		current_rpm INTEGER NOT NULL DEFAULT 0,
		current_speed INTEGER NOT NULL DEFAULT 0,
		min_speed INTEGER NOT NULL DEFAULT 0,
		max_speed INTEGER NOT NULL DEFAULT 100,
		has_pwm_control INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		UNIQUE (system_id, fan_name)
	);

	CREATE TABLE fan_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		system_id INTEGER REFERENCES systems (id) ON DELETE CASCADE,
		profile_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_builtin INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE fan_curve_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL REFERENCES fan_profiles (id) ON DELETE CASCADE,
		point_order INTEGER NOT NULL,
		temperature REAL NOT NULL,
		fan_speed INTEGER NOT NULL,
		UNIQUE (profile_id, point_order)
	);

	CREATE TABLE fan_profile_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fan_id INTEGER NOT NULL REFERENCES fans (id) ON DELETE CASCADE,
		profile_id INTEGER NOT NULL REFERENCES fan_profiles (id) ON DELETE CASCADE,
		sensor_id INTEGER REFERENCES sensors (id) ON DELETE CASCADE,
		sensor_identifier TEXT,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE UNIQUE INDEX assignments_active_fan_idx
		ON fan_profile_assignments (fan_id) WHERE is_active = 1;

	CREATE TABLE monitoring_data (
		system_id INTEGER NOT NULL REFERENCES systems (id) ON DELETE CASCADE,
		sensor_id INTEGER REFERENCES sensors (id) ON DELETE CASCADE,
		fan_id INTEGER REFERENCES fans (id) ON DELETE CASCADE,
		temperature REAL,
		fan_speed INTEGER,
		fan_rpm INTEGER,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX monitoring_data_system_ts_idx ON monitoring_data (system_id, timestamp);
	CREATE INDEX monitoring_data_ts_idx ON monitoring_data (timestamp);

	CREATE TABLE backend_settings (
		setting_key TEXT PRIMARY KEY,
		setting_value TEXT NOT NULL
	);

	CREATE TABLE licenses (
		license_key TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		agent_limit INTEGER NOT NULL,
		retention_days INTEGER NOT NULL,
		alert_limit INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		validated_at INTEGER NOT NULL
	);

	CREATE TABLE deployment_templates (
		token TEXT PRIMARY KEY,
		config TEXT NOT NULL DEFAULT '{}',
		expires_at INTEGER NOT NULL,
		used_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE sensor_group_visibility (
		system_id INTEGER NOT NULL REFERENCES systems (id) ON DELETE CASCADE,
		group_name TEXT NOT NULL,
		is_hidden INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (system_id, group_name)
	);`,
}

func (s *Storage) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return trace.Wrap(err)
	}
	for i := version; i < len(migrations); i++ {
		err := s.inTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return trace.Wrap(err, "applying migration %v", i+1)
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return trace.Wrap(err)
		})
		if err != nil {
			return trace.Wrap(err)
		}
		s.log.InfoContext(ctx, "Applied schema migration.", "version", i+1)
	}
	return nil
}

// toMillis converts a time to the unix millisecond representation used
// in every timestamp column.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullableMillis handles NULL timestamp columns.
func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/gravitational/trace"

	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/wire"
)

// System connection statuses.
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusRegistering = "registering"
	StatusError       = "error"
)

// AgentConfig is the negotiated per-agent runtime configuration,
// persisted as the config_data JSON column and mirrored in the
// registry.
type AgentConfig struct {
	UpdateIntervalMS int64   `json:"update_interval_ms"`
	FanStepPercent   int     `json:"fan_step_percent"`
	HysteresisTemp   float64 `json:"hysteresis_temp"`
	EmergencyTemp    float64 `json:"emergency_temp"`
	FailsafeSpeed    int     `json:"failsafe_speed"`
	LogLevel         string  `json:"log_level"`
	EnableFanControl bool    `json:"enable_fan_control"`
}

// SetDefaults fills zero-valued fields with server defaults.
func (c *AgentConfig) SetDefaults() {
	if c.UpdateIntervalMS == 0 {
		c.UpdateIntervalMS = defaults.UpdateInterval.Milliseconds()
	}
	if c.FanStepPercent == 0 {
		c.FanStepPercent = defaults.FanStepPercent
	}
	if c.HysteresisTemp == 0 {
		c.HysteresisTemp = defaults.HysteresisTemp
	}
	if c.EmergencyTemp == 0 {
		c.EmergencyTemp = defaults.EmergencyTemp
	}
	if c.FailsafeSpeed == 0 {
		c.FailsafeSpeed = defaults.FailsafeSpeed
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// UpdateInterval returns the telemetry period as a duration.
func (c *AgentConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMS) * time.Millisecond
}

// System is one registered host.
type System struct {
	ID           int64             `json:"id"`
	AgentID      string            `json:"agent_id"`
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	Platform     string            `json:"platform,omitempty"`
	AgentVersion string            `json:"agent_version,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	AuthToken    string            `json:"-"`
	Capabilities wire.Capabilities `json:"capabilities"`
	Config       AgentConfig       `json:"config"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
}

const systemColumns = `id, agent_id, name, status, platform, agent_version,
	ip_address, auth_token, capabilities, config_data,
	created_at, updated_at, last_seen_at`

func scanSystem(row interface{ Scan(...any) error }) (*System, error) {
	var (
		system           System
		caps, config     string
		created, updated int64
		lastSeen         sql.NullInt64
	)
	err := row.Scan(&system.ID, &system.AgentID, &system.Name, &system.Status,
		&system.Platform, &system.AgentVersion, &system.IPAddress, &system.AuthToken,
		&caps, &config, &created, &updated, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("system not found")
		}
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(caps), &system.Capabilities); err != nil {
		return nil, trace.Wrap(err, "decoding capabilities")
	}
	if err := json.Unmarshal([]byte(config), &system.Config); err != nil {
		return nil, trace.Wrap(err, "decoding config")
	}
	system.Config.SetDefaults()
	system.CreatedAt = fromMillis(created)
	system.UpdatedAt = fromMillis(updated)
	if lastSeen.Valid {
		t := fromMillis(lastSeen.Int64)
		system.LastSeenAt = &t
	}
	return &system, nil
}

// RegistrationParams captures what a register frame contributes to the
// system row.
type RegistrationParams struct {
	AgentID      string
	Name         string
	Platform     string
	AgentVersion string
	IPAddress    string
	AuthToken    string
	Capabilities wire.Capabilities
	Config       AgentConfig
	Now          time.Time
}

// UpsertSystemRegistration creates or updates a system row from a
// registration and marks it online. Returns the resulting row.
//
// When a row already exists with a non-empty auth token, the presented
// token must match; the first registration records whatever token the
// agent presented.
func (s *Storage) UpsertSystemRegistration(ctx context.Context, p RegistrationParams) (*System, error) {
	if p.AgentID == "" {
		return nil, trace.BadParameter("missing agent id")
	}
	p.Config.SetDefaults()
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	config, err := json.Marshal(p.Config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := toMillis(p.Now)

	var out *System
	err = s.inTransaction(ctx, func(tx *sql.Tx) error {
		var storedToken string
		err := tx.QueryRowContext(ctx,
			"SELECT auth_token FROM systems WHERE agent_id = ?", p.AgentID).Scan(&storedToken)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO systems
				(agent_id, name, status, platform, agent_version, ip_address,
				 auth_token, capabilities, config_data, created_at, updated_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.AgentID, p.Name, StatusOnline, p.Platform, p.AgentVersion, p.IPAddress,
				p.AuthToken, string(caps), string(config), now, now, now)
			if err != nil {
				return trace.Wrap(err)
			}
		case err != nil:
			return trace.Wrap(err)
		default:
			if storedToken != "" && storedToken != p.AuthToken {
				return trace.AccessDenied("agent %v presented a mismatched auth token", p.AgentID)
			}
			token := storedToken
			if token == "" {
				token = p.AuthToken
			}
			_, err = tx.ExecContext(ctx, `UPDATE systems SET
				status = ?, platform = ?, agent_version = ?, ip_address = ?,
				auth_token = ?, capabilities = ?, config_data = ?,
				updated_at = ?, last_seen_at = ?
				WHERE agent_id = ?`,
				StatusOnline, p.Platform, p.AgentVersion, p.IPAddress,
				token, string(caps), string(config), now, now, p.AgentID)
			if err != nil {
				return trace.Wrap(err)
			}
		}
		row := tx.QueryRowContext(ctx,
			"SELECT "+systemColumns+" FROM systems WHERE agent_id = ?", p.AgentID)
		out, err = scanSystem(row)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// GetSystem fetches a system by surrogate id.
func (s *Storage) GetSystem(ctx context.Context, id int64) (*System, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+systemColumns+" FROM systems WHERE id = ?", id)
	sys, err := scanSystem(row)
	return sys, trace.Wrap(err)
}

// GetSystemByAgentID fetches a system by its stable agent id.
func (s *Storage) GetSystemByAgentID(ctx context.Context, agentID string) (*System, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+systemColumns+" FROM systems WHERE agent_id = ?", agentID)
	sys, err := scanSystem(row)
	return sys, trace.Wrap(err)
}

// ListSystems returns all systems in canonical admission order:
// created_at ascending with id as the tiebreak.
func (s *Storage) ListSystems(ctx context.Context) ([]System, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+systemColumns+" FROM systems ORDER BY created_at, id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []System
	for rows.Next() {
		sys, err := scanSystem(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *sys)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateSystemName renames a system.
func (s *Storage) UpdateSystemName(ctx context.Context, id int64, name string, now time.Time) error {
	if name == "" {
		return trace.BadParameter("system name cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE systems SET name = ?, updated_at = ? WHERE id = ?",
		name, toMillis(now), id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "system %v not found", id))
}

// UpdateSystemStatus records a connection state change.
func (s *Storage) UpdateSystemStatus(ctx context.Context, agentID, status string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE systems SET status = ?, updated_at = ?, last_seen_at = ? WHERE agent_id = ?",
		status, toMillis(now), toMillis(now), agentID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "system %v not found", agentID))
}

// TouchSystemLastSeen bumps last_seen_at only.
func (s *Storage) TouchSystemLastSeen(ctx context.Context, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE systems SET last_seen_at = ? WHERE agent_id = ?",
		toMillis(now), agentID)
	return trace.Wrap(err)
}

// UpdateSystemConfig persists a new negotiated configuration.
func (s *Storage) UpdateSystemConfig(ctx context.Context, agentID string, cfg AgentConfig, now time.Time) error {
	cfg.SetDefaults()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE systems SET config_data = ?, updated_at = ? WHERE agent_id = ?",
		string(raw), toMillis(now), agentID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "system %v not found", agentID))
}

// DeleteSystem removes a system; sensors, fans, assignments,
// visibility and history cascade.
func (s *Storage) DeleteSystem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM systems WHERE id = ?", id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "system %v not found", id))
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound(format, args...)
	}
	return nil
}

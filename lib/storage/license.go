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
	"errors"
	"time"

	"github.com/gravitational/trace"
)

// LicenseCache is the single cached license decision. AgentLimit < 0
// means unlimited.
type LicenseCache struct {
	LicenseKey    string     `json:"license_key"`
	Tier          string     `json:"tier"`
	AgentLimit    int        `json:"agent_limit"`
	RetentionDays int        `json:"retention_days"`
	AlertLimit    int        `json:"alert_limit"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ValidatedAt   time.Time  `json:"validated_at"`
}

// GetLicenseCache returns the cached decision, if any.
func (s *Storage) GetLicenseCache(ctx context.Context) (*LicenseCache, error) {
	var (
		lc        LicenseCache
		expires   sql.NullInt64
		validated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
			license_key, tier, agent_limit, retention_days, alert_limit, expires_at, validated_at
		FROM licenses ORDER BY validated_at DESC LIMIT 1`).
		Scan(&lc.LicenseKey, &lc.Tier, &lc.AgentLimit, &lc.RetentionDays,
			&lc.AlertLimit, &expires, &validated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("no cached license")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if expires.Valid {
		t := fromMillis(expires.Int64)
		lc.ExpiresAt = &t
	}
	lc.ValidatedAt = fromMillis(validated)
	return &lc, nil
}

// PutLicenseCache replaces the cached decision. The table holds one
// logical row; older entries are cleared in the same transaction.
func (s *Storage) PutLicenseCache(ctx context.Context, lc LicenseCache) error {
	if lc.Tier == "" {
		return trace.BadParameter("missing license tier")
	}
	return trace.Wrap(s.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM licenses"); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO licenses
			(license_key, tier, agent_limit, retention_days, alert_limit, expires_at, validated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			lc.LicenseKey, lc.Tier, lc.AgentLimit, lc.RetentionDays, lc.AlertLimit,
			nullableMillis(lc.ExpiresAt), toMillis(lc.ValidatedAt))
		return trace.Wrap(err)
	}))
}

// DeployTemplate is one short-lived installer distribution token.
type DeployTemplate struct {
	Token     string    `json:"token"`
	Config    string    `json:"config"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedCount int       `json:"used_count"`
}

// CreateDeployTemplate stores a new installer token.
func (s *Storage) CreateDeployTemplate(ctx context.Context, t DeployTemplate) error {
	if t.Token == "" {
		return trace.BadParameter("missing deploy token")
	}
	if t.Config == "" {
		t.Config = "{}"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO deployment_templates
		(token, config, expires_at) VALUES (?, ?, ?)`,
		t.Token, t.Config, toMillis(t.ExpiresAt))
	return trace.Wrap(err)
}

// ConsumeDeployTemplate fetches a token, rejecting expired ones, and
// bumps its use counter.
func (s *Storage) ConsumeDeployTemplate(ctx context.Context, token string, now time.Time) (*DeployTemplate, error) {
	var out *DeployTemplate
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		var (
			t       DeployTemplate
			expires int64
		)
		err := tx.QueryRowContext(ctx,
			"SELECT token, config, expires_at, used_count FROM deployment_templates WHERE token = ?",
			token).Scan(&t.Token, &t.Config, &expires, &t.UsedCount)
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("deploy token not found")
		}
		if err != nil {
			return trace.Wrap(err)
		}
		t.ExpiresAt = fromMillis(expires)
		if now.After(t.ExpiresAt) {
			return trace.AccessDenied("deploy token expired")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE deployment_templates SET used_count = used_count + 1 WHERE token = ?",
			token); err != nil {
			return trace.Wrap(err)
		}
		t.UsedCount++
		out = &t
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// PurgeExpiredDeployTemplates clears expired tokens.
func (s *Storage) PurgeExpiredDeployTemplates(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM deployment_templates WHERE expires_at < ?", toMillis(now))
	return trace.Wrap(err)
}

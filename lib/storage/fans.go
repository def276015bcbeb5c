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

	"github.com/gravitational/trace"
)

// Fan is one fan owned by a system. A fan that reports RPM but has no
// PWM control is read-only.
type Fan struct {
	ID            int64  `json:"id"`
	SystemID      int64  `json:"system_id"`
	FanName       string `json:"fan_name"`
	FanLabel      string `json:"fan_label"`
	CurrentRPM    int    `json:"current_rpm"`
	CurrentSpeed  int    `json:"current_speed"`
	MinSpeed      int    `json:"min_speed"`
	MaxSpeed      int    `json:"max_speed"`
	HasPWMControl bool   `json:"has_pwm_control"`
	Enabled       bool   `json:"enabled"`
}

const fanColumns = `id, system_id, fan_name, fan_label, current_rpm,
	current_speed, min_speed, max_speed, has_pwm_control, enabled`

func scanFan(row interface{ Scan(...any) error }) (*Fan, error) {
	var fan Fan
	err := row.Scan(&fan.ID, &fan.SystemID, &fan.FanName, &fan.FanLabel,
		&fan.CurrentRPM, &fan.CurrentSpeed, &fan.MinSpeed, &fan.MaxSpeed,
		&fan.HasPWMControl, &fan.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("fan not found")
		}
		return nil, trace.Wrap(err)
	}
	return &fan, nil
}

// FanParams describes a fan sighting for upsert.
type FanParams struct {
	SystemID      int64
	FanName       string
	Label         string
	HasPWMControl bool
	MinSpeed      int
	MaxSpeed      int
}

// UpsertFan inserts a fan on first sighting or refreshes its control
// capability, returning the row id. Labels and user-set speed limits
// are preserved across re-registration.
func (s *Storage) UpsertFan(ctx context.Context, p FanParams) (int64, error) {
	if p.FanName == "" {
		return 0, trace.BadParameter("missing fan name")
	}
	label := p.Label
	if label == "" {
		label = p.FanName
	}
	if p.MaxSpeed == 0 {
		p.MaxSpeed = 100
	}
	if err := checkSpeedRange(p.MinSpeed, p.MaxSpeed); err != nil {
		return 0, trace.Wrap(err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO fans
		(system_id, fan_name, fan_label, min_speed, max_speed, has_pwm_control)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (system_id, fan_name) DO UPDATE SET
			has_pwm_control = excluded.has_pwm_control`,
		p.SystemID, p.FanName, label, p.MinSpeed, p.MaxSpeed, p.HasPWMControl)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM fans WHERE system_id = ? AND fan_name = ?",
		p.SystemID, p.FanName).Scan(&id)
	return id, trace.Wrap(err)
}

// GetFan fetches one fan.
func (s *Storage) GetFan(ctx context.Context, id int64) (*Fan, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fanColumns+" FROM fans WHERE id = ?", id)
	fan, err := scanFan(row)
	return fan, trace.Wrap(err)
}

// ListFans returns a system's fans ordered by name.
func (s *Storage) ListFans(ctx context.Context, systemID int64) ([]Fan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fanColumns+" FROM fans WHERE system_id = ? ORDER BY fan_name",
		systemID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Fan
	for rows.Next() {
		fan, err := scanFan(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *fan)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateFanLabel changes the user-facing label.
func (s *Storage) UpdateFanLabel(ctx context.Context, systemID, fanID int64, label string) error {
	if label == "" {
		return trace.BadParameter("fan label cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE fans SET fan_label = ? WHERE id = ? AND system_id = ?",
		label, fanID, systemID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "fan %v not found", fanID))
}

// UpdateFanLimits sets the clamping range for controller writes.
func (s *Storage) UpdateFanLimits(ctx context.Context, systemID, fanID int64, minSpeed, maxSpeed int) error {
	if err := checkSpeedRange(minSpeed, maxSpeed); err != nil {
		return trace.Wrap(err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE fans SET min_speed = ?, max_speed = ? WHERE id = ? AND system_id = ?",
		minSpeed, maxSpeed, fanID, systemID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "fan %v not found", fanID))
}

func checkSpeedRange(minSpeed, maxSpeed int) error {
	if minSpeed < 0 || maxSpeed > 100 || minSpeed > maxSpeed {
		return trace.BadParameter("invalid speed range [%v, %v]", minSpeed, maxSpeed)
	}
	return nil
}

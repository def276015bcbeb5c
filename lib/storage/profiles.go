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

	"github.com/pankhahq/pankha/lib/wire"
)

// FanProfile is a named temperature to fan speed curve. SystemID nil
// means the profile is global.
type FanProfile struct {
	ID          int64            `json:"id"`
	SystemID    *int64           `json:"system_id,omitempty"`
	ProfileName string           `json:"profile_name"`
	Description string           `json:"description,omitempty"`
	IsBuiltin   bool             `json:"is_builtin"`
	Points      []wire.CurvePoint `json:"points"`
}

// CheckPoints validates the curve invariants: at least two points,
// strictly increasing temperatures, speeds within [0, 100].
func CheckPoints(points []wire.CurvePoint) error {
	if len(points) < 2 {
		return trace.BadParameter("a fan curve needs at least two points")
	}
	for i, p := range points {
		if p.FanSpeed < 0 || p.FanSpeed > 100 {
			return trace.BadParameter("fan speed %v out of range [0, 100]", p.FanSpeed)
		}
		if i > 0 && p.Temperature <= points[i-1].Temperature {
			return trace.BadParameter("curve temperatures must be strictly increasing")
		}
	}
	return nil
}

// CreateFanProfile stores a new profile with its curve points and
// returns the profile with its assigned id.
func (s *Storage) CreateFanProfile(ctx context.Context, p FanProfile) (*FanProfile, error) {
	if p.ProfileName == "" {
		return nil, trace.BadParameter("missing profile name")
	}
	if err := CheckPoints(p.Points); err != nil {
		return nil, trace.Wrap(err)
	}
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO fan_profiles
			(system_id, profile_name, description, is_builtin) VALUES (?, ?, ?, ?)`,
			nullableInt(p.SystemID), p.ProfileName, p.Description, p.IsBuiltin)
		if err != nil {
			return trace.Wrap(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}
		p.ID = id
		return trace.Wrap(insertPoints(ctx, tx, id, p.Points))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

func insertPoints(ctx context.Context, tx *sql.Tx, profileID int64, points []wire.CurvePoint) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fan_curve_points
		(profile_id, point_order, temperature, fan_speed) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return trace.Wrap(err)
	}
	defer stmt.Close()
	for i, point := range points {
		if _, err := stmt.ExecContext(ctx, profileID, i, point.Temperature, point.FanSpeed); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetFanProfile fetches a profile with its points in point order.
func (s *Storage) GetFanProfile(ctx context.Context, id int64) (*FanProfile, error) {
	var (
		p        FanProfile
		systemID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, system_id, profile_name, description, is_builtin FROM fan_profiles WHERE id = ?",
		id).Scan(&p.ID, &systemID, &p.ProfileName, &p.Description, &p.IsBuiltin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("fan profile %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	if systemID.Valid {
		p.SystemID = &systemID.Int64
	}
	p.Points, err = s.profilePoints(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

func (s *Storage) profilePoints(ctx context.Context, profileID int64) ([]wire.CurvePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT temperature, fan_speed FROM fan_curve_points WHERE profile_id = ? ORDER BY point_order",
		profileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var points []wire.CurvePoint
	for rows.Next() {
		var p wire.CurvePoint
		if err := rows.Scan(&p.Temperature, &p.FanSpeed); err != nil {
			return nil, trace.Wrap(err)
		}
		points = append(points, p)
	}
	return points, trace.Wrap(rows.Err())
}

// ListFanProfiles returns global profiles plus, when systemID is not
// nil, the system's own profiles.
func (s *Storage) ListFanProfiles(ctx context.Context, systemID *int64) ([]FanProfile, error) {
	query := "SELECT id FROM fan_profiles WHERE system_id IS NULL"
	args := []any{}
	if systemID != nil {
		query += " OR system_id = ?"
		args = append(args, *systemID)
	}
	query += " ORDER BY is_builtin DESC, profile_name"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, trace.Wrap(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]FanProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetFanProfile(ctx, id)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *p)
	}
	return out, nil
}

// UpdateFanProfile replaces a profile's name, description and points.
// Built-in profiles are immutable.
func (s *Storage) UpdateFanProfile(ctx context.Context, p FanProfile) error {
	if err := CheckPoints(p.Points); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.inTransaction(ctx, func(tx *sql.Tx) error {
		var builtin bool
		err := tx.QueryRowContext(ctx,
			"SELECT is_builtin FROM fan_profiles WHERE id = ?", p.ID).Scan(&builtin)
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("fan profile %v not found", p.ID)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if builtin {
			return trace.BadParameter("built-in profiles cannot be modified")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE fan_profiles SET profile_name = ?, description = ? WHERE id = ?",
			p.ProfileName, p.Description, p.ID); err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM fan_curve_points WHERE profile_id = ?", p.ID); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(insertPoints(ctx, tx, p.ID, p.Points))
	}))
}

// DeleteFanProfile removes a profile; active assignments referencing
// it cascade away. Built-in profiles cannot be deleted.
func (s *Storage) DeleteFanProfile(ctx context.Context, id int64) error {
	return trace.Wrap(s.inTransaction(ctx, func(tx *sql.Tx) error {
		var builtin bool
		err := tx.QueryRowContext(ctx,
			"SELECT is_builtin FROM fan_profiles WHERE id = ?", id).Scan(&builtin)
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("fan profile %v not found", id)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if builtin {
			return trace.BadParameter("built-in profiles cannot be deleted")
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM fan_profiles WHERE id = ?", id)
		return trace.Wrap(err)
	}))
}

// builtinProfiles are seeded once at first boot.
var builtinProfiles = []FanProfile{
	{
		ProfileName: "Silent",
		Description: "Low noise, tolerates higher temperatures",
		IsBuiltin:   true,
		Points: []wire.CurvePoint{
			{Temperature: 30, FanSpeed: 10}, {Temperature: 50, FanSpeed: 25},
			{Temperature: 70, FanSpeed: 50}, {Temperature: 85, FanSpeed: 100},
		},
	},
	{
		ProfileName: "Balanced",
		Description: "Balance of noise and cooling",
		IsBuiltin:   true,
		Points: []wire.CurvePoint{
			{Temperature: 30, FanSpeed: 20}, {Temperature: 50, FanSpeed: 40},
			{Temperature: 70, FanSpeed: 70}, {Temperature: 85, FanSpeed: 100},
		},
	},
	{
		ProfileName: "Performance",
		Description: "Aggressive cooling for sustained load",
		IsBuiltin:   true,
		Points: []wire.CurvePoint{
			{Temperature: 30, FanSpeed: 35}, {Temperature: 45, FanSpeed: 55},
			{Temperature: 60, FanSpeed: 80}, {Temperature: 75, FanSpeed: 100},
		},
	},
}

// SeedBuiltinProfiles inserts the built-in global profiles if no
// built-ins exist yet.
func (s *Storage) SeedBuiltinProfiles(ctx context.Context) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fan_profiles WHERE is_builtin = 1").Scan(&count)
	if err != nil {
		return trace.Wrap(err)
	}
	if count > 0 {
		return nil
	}
	for _, p := range builtinProfiles {
		if _, err := s.CreateFanProfile(ctx, p); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func nullableInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

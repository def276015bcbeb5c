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
	"strings"

	"github.com/gravitational/trace"

	"github.com/pankhahq/pankha/lib/wire"
)

// Reserved sensor identifiers for assignments that do not bind a
// single sensor row.
const (
	// SensorHighest selects the hottest sensor of the whole system on
	// every tick.
	SensorHighest = "__highest__"

	// SensorGroupPrefix selects the hottest sensor of one chip group,
	// e.g. "__group__coretemp".
	SensorGroupPrefix = "__group__"
)

// IsReservedSensorIdentifier reports whether id is one of the
// reserved selectors.
func IsReservedSensorIdentifier(id string) bool {
	return id == SensorHighest || strings.HasPrefix(id, SensorGroupPrefix)
}

// FanAssignment binds one fan to one profile and one control sensor.
// Either SensorID references a sensor row, or SensorIdentifier holds a
// reserved selector.
type FanAssignment struct {
	ID               int64  `json:"id"`
	FanID            int64  `json:"fan_id"`
	ProfileID        int64  `json:"profile_id"`
	SensorID         *int64 `json:"sensor_id,omitempty"`
	SensorIdentifier string `json:"sensor_identifier,omitempty"`
	IsActive         bool   `json:"is_active"`
}

// Check validates the assignment shape.
func (a *FanAssignment) Check() error {
	if a.FanID == 0 {
		return trace.BadParameter("missing fan id")
	}
	if a.ProfileID == 0 {
		return trace.BadParameter("missing profile id")
	}
	hasSensor := a.SensorID != nil
	hasSelector := a.SensorIdentifier != ""
	if hasSensor == hasSelector {
		return trace.BadParameter("exactly one of sensor id or sensor identifier must be set")
	}
	if hasSelector && !IsReservedSensorIdentifier(a.SensorIdentifier) {
		return trace.BadParameter("unknown sensor identifier %q", a.SensorIdentifier)
	}
	return nil
}

// UpsertFanAssignment deactivates any active assignment for the fan
// and inserts the new one as active, returning it. At most one active
// assignment per fan is enforced by a partial unique index; this
// upsert is how the invariant is maintained across changes.
func (s *Storage) UpsertFanAssignment(ctx context.Context, a FanAssignment) (*FanAssignment, error) {
	if err := a.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE fan_profile_assignments SET is_active = 0 WHERE fan_id = ? AND is_active = 1",
			a.FanID); err != nil {
			return trace.Wrap(err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO fan_profile_assignments
			(fan_id, profile_id, sensor_id, sensor_identifier, is_active)
			VALUES (?, ?, ?, ?, 1)`,
			a.FanID, a.ProfileID, nullableInt(a.SensorID), nullableString(a.SensorIdentifier))
		if err != nil {
			return trace.Wrap(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}
		a.ID = id
		a.IsActive = true
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &a, nil
}

// DeactivateFanAssignment releases a fan to manual control. The server
// does not revert the fan's speed.
func (s *Storage) DeactivateFanAssignment(ctx context.Context, fanID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE fan_profile_assignments SET is_active = 0 WHERE fan_id = ? AND is_active = 1",
		fanID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "fan %v has no active assignment", fanID))
}

// GetActiveFanAssignment returns the active assignment for a fan.
func (s *Storage) GetActiveFanAssignment(ctx context.Context, fanID int64) (*FanAssignment, error) {
	var (
		a          FanAssignment
		sensorID   sql.NullInt64
		identifier sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, fan_id, profile_id, sensor_id, sensor_identifier, is_active
		FROM fan_profile_assignments WHERE fan_id = ? AND is_active = 1`, fanID).
		Scan(&a.ID, &a.FanID, &a.ProfileID, &sensorID, &identifier, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("fan %v has no active assignment", fanID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sensorID.Valid {
		a.SensorID = &sensorID.Int64
	}
	a.SensorIdentifier = identifier.String
	return &a, nil
}

// ActiveAssignment is one row of the controller's eager-joined view:
// assignment, fan, owning system and profile curve in one load.
type ActiveAssignment struct {
	ID            int64
	FanID         int64
	FanName       string
	MinSpeed      int
	MaxSpeed      int
	HasPWMControl bool
	Enabled       bool
	SystemID      int64
	AgentID       string
	ProfileID     int64
	Points        []wire.CurvePoint
	// SensorName is the sensor_name of the bound sensor, or the
	// reserved selector when no sensor row is bound.
	SensorName string
}

// ListActiveAssignments loads every active assignment with fan,
// system and curve joined, for one controller tick.
func (s *Storage) ListActiveAssignments(ctx context.Context) ([]ActiveAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			a.id, a.fan_id, f.fan_name, f.min_speed, f.max_speed, f.has_pwm_control, f.enabled,
			f.system_id, sys.agent_id, a.profile_id,
			COALESCE(sen.sensor_name, a.sensor_identifier, '')
		FROM fan_profile_assignments a
		JOIN fans f ON f.id = a.fan_id
		JOIN systems sys ON sys.id = f.system_id
		LEFT JOIN sensors sen ON sen.id = a.sensor_id
		WHERE a.is_active = 1
		ORDER BY sys.id, f.fan_name`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []ActiveAssignment
	profileIDs := make(map[int64]struct{})
	for rows.Next() {
		var a ActiveAssignment
		err := rows.Scan(&a.ID, &a.FanID, &a.FanName, &a.MinSpeed, &a.MaxSpeed,
			&a.HasPWMControl, &a.Enabled, &a.SystemID, &a.AgentID, &a.ProfileID, &a.SensorName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		profileIDs[a.ProfileID] = struct{}{}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	curves := make(map[int64][]wire.CurvePoint, len(profileIDs))
	for id := range profileIDs {
		points, err := s.profilePoints(ctx, id)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		curves[id] = points
	}
	for i := range out {
		out[i].Points = curves[out[i].ProfileID]
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

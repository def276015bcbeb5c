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
	"slices"
	"strings"

	"github.com/gravitational/trace"
)

// Sensor types.
const (
	SensorTypeCPU         = "cpu"
	SensorTypeGPU         = "gpu"
	SensorTypeMotherboard = "motherboard"
	SensorTypeStorage     = "storage"
	SensorTypeMemory      = "memory"
	SensorTypeOther       = "other"
)

var sensorTypes = []string{
	SensorTypeCPU, SensorTypeGPU, SensorTypeMotherboard,
	SensorTypeStorage, SensorTypeMemory, SensorTypeOther,
}

// NormalizeSensorType maps arbitrary agent-reported types onto the
// known set.
func NormalizeSensorType(t string) string {
	t = strings.ToLower(t)
	if slices.Contains(sensorTypes, t) {
		return t
	}
	return SensorTypeOther
}

// Sensor is one temperature source owned by a system. sensor_name is
// the agent-provided identity and is never mutated; sensor_label is
// what users edit.
type Sensor struct {
	ID          int64    `json:"id"`
	SystemID    int64    `json:"system_id"`
	SensorName  string   `json:"sensor_name"`
	SensorLabel string   `json:"sensor_label"`
	SensorType  string   `json:"sensor_type"`
	CurrentTemp *float64 `json:"current_temp,omitempty"`
	TempMax     *float64 `json:"temp_max,omitempty"`
	TempCrit    *float64 `json:"temp_crit,omitempty"`
	IsHidden    bool     `json:"is_hidden"`
}

// GroupName returns the chip prefix of the sensor name, used for
// group visibility and the __group__ assignment selector. For
// "coretemp_0" it is "coretemp"; names without an index are their own
// group.
func (s *Sensor) GroupName() string {
	if i := strings.LastIndex(s.SensorName, "_"); i > 0 {
		return s.SensorName[:i]
	}
	return s.SensorName
}

const sensorColumns = `id, system_id, sensor_name, sensor_label, sensor_type,
	current_temp, temp_max, temp_crit, is_hidden`

func scanSensor(row interface{ Scan(...any) error }) (*Sensor, error) {
	var (
		sensor           Sensor
		temp, tmax, tcrit sql.NullFloat64
	)
	err := row.Scan(&sensor.ID, &sensor.SystemID, &sensor.SensorName,
		&sensor.SensorLabel, &sensor.SensorType, &temp, &tmax, &tcrit, &sensor.IsHidden)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("sensor not found")
		}
		return nil, trace.Wrap(err)
	}
	if temp.Valid {
		sensor.CurrentTemp = &temp.Float64
	}
	if tmax.Valid {
		sensor.TempMax = &tmax.Float64
	}
	if tcrit.Valid {
		sensor.TempCrit = &tcrit.Float64
	}
	return &sensor, nil
}

// SensorParams describes a sensor sighting for upsert.
type SensorParams struct {
	SystemID   int64
	SensorName string
	Label      string
	SensorType string
	TempMax    *float64
	TempCrit   *float64
}

// UpsertSensor inserts a sensor on first sighting or refreshes its
// type and thresholds, returning the row id. Labels are only set on
// insert so user edits survive re-registration.
func (s *Storage) UpsertSensor(ctx context.Context, p SensorParams) (int64, error) {
	if p.SensorName == "" {
		return 0, trace.BadParameter("missing sensor name")
	}
	label := p.Label
	if label == "" {
		label = p.SensorName
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sensors
		(system_id, sensor_name, sensor_label, sensor_type, temp_max, temp_crit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (system_id, sensor_name) DO UPDATE SET
			sensor_type = excluded.sensor_type,
			temp_max = COALESCE(excluded.temp_max, sensors.temp_max),
			temp_crit = COALESCE(excluded.temp_crit, sensors.temp_crit)`,
		p.SystemID, p.SensorName, label, NormalizeSensorType(p.SensorType),
		nullableFloat(p.TempMax), nullableFloat(p.TempCrit))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM sensors WHERE system_id = ? AND sensor_name = ?",
		p.SystemID, p.SensorName).Scan(&id)
	return id, trace.Wrap(err)
}

// GetSensor fetches one sensor.
func (s *Storage) GetSensor(ctx context.Context, id int64) (*Sensor, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sensorColumns+" FROM sensors WHERE id = ?", id)
	sensor, err := scanSensor(row)
	return sensor, trace.Wrap(err)
}

// ListSensors returns a system's sensors ordered by name.
func (s *Storage) ListSensors(ctx context.Context, systemID int64) ([]Sensor, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sensorColumns+" FROM sensors WHERE system_id = ? ORDER BY sensor_name",
		systemID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *sensor)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateSensorLabel changes the user-facing label.
func (s *Storage) UpdateSensorLabel(ctx context.Context, systemID, sensorID int64, label string) error {
	if label == "" {
		return trace.BadParameter("sensor label cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sensors SET sensor_label = ? WHERE id = ? AND system_id = ?",
		label, sensorID, systemID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "sensor %v not found", sensorID))
}

// UpdateSensorVisibility hides or shows a sensor on the dashboard.
func (s *Storage) UpdateSensorVisibility(ctx context.Context, systemID, sensorID int64, hidden bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sensors SET is_hidden = ? WHERE id = ? AND system_id = ?",
		hidden, sensorID, systemID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(requireRow(res, "sensor %v not found", sensorID))
}

// SetSensorGroupVisibility hides or shows a whole sensor group.
func (s *Storage) SetSensorGroupVisibility(ctx context.Context, systemID int64, group string, hidden bool) error {
	if group == "" {
		return trace.BadParameter("missing group name")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sensor_group_visibility
		(system_id, group_name, is_hidden) VALUES (?, ?, ?)
		ON CONFLICT (system_id, group_name) DO UPDATE SET is_hidden = excluded.is_hidden`,
		systemID, group, hidden)
	return trace.Wrap(err)
}

// ListSensorGroupVisibility returns group name to hidden flag.
func (s *Storage) ListSensorGroupVisibility(ctx context.Context, systemID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_name, is_hidden FROM sensor_group_visibility WHERE system_id = ?",
		systemID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var group string
		var hidden bool
		if err := rows.Scan(&group, &hidden); err != nil {
			return nil, trace.Wrap(err)
		}
		out[group] = hidden
	}
	return out, trace.Wrap(rows.Err())
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

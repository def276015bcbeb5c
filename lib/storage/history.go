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
	"time"

	"github.com/gravitational/trace"
)

// HistoryPoint is one append-only time-series sample. Exactly one of
// SensorID or FanID is normally set.
type HistoryPoint struct {
	SystemID    int64     `json:"system_id"`
	SensorID    *int64    `json:"sensor_id,omitempty"`
	FanID       *int64    `json:"fan_id,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	FanSpeed    *int      `json:"fan_speed,omitempty"`
	FanRPM      *int      `json:"fan_rpm,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FanLiveState mirrors the latest fan readings onto the fan row.
type FanLiveState struct {
	RPM   int
	Speed int
}

// TelemetryBatch is one data frame's worth of persistence work,
// committed in a single transaction by the async history writer.
type TelemetryBatch struct {
	SystemID int64
	Points   []HistoryPoint
	// SensorTemps is sensor row id to latest temperature.
	SensorTemps map[int64]float64
	// FanStates is fan row id to latest readings.
	FanStates map[int64]FanLiveState
}

// CommitTelemetry appends the history points and refreshes the
// current readings on sensor and fan rows in one transaction.
func (s *Storage) CommitTelemetry(ctx context.Context, batch TelemetryBatch) error {
	return trace.Wrap(s.inTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO monitoring_data
			(system_id, sensor_id, fan_id, temperature, fan_speed, fan_rpm, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return trace.Wrap(err)
		}
		defer stmt.Close()
		for _, p := range batch.Points {
			_, err := stmt.ExecContext(ctx, p.SystemID,
				nullableInt(p.SensorID), nullableInt(p.FanID),
				nullableFloat(p.Temperature), nullableIntVal(p.FanSpeed), nullableIntVal(p.FanRPM),
				toMillis(p.Timestamp))
			if err != nil {
				return trace.Wrap(err)
			}
		}
		for sensorID, temp := range batch.SensorTemps {
			if _, err := tx.ExecContext(ctx,
				"UPDATE sensors SET current_temp = ? WHERE id = ?", temp, sensorID); err != nil {
				return trace.Wrap(err)
			}
		}
		for fanID, state := range batch.FanStates {
			if _, err := tx.ExecContext(ctx,
				"UPDATE fans SET current_rpm = ?, current_speed = ? WHERE id = ?",
				state.RPM, state.Speed, fanID); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}))
}

// QueryHistory returns raw samples for a system within [from, to],
// newest last, capped at limit rows (0 means a sane default).
func (s *Storage) QueryHistory(ctx context.Context, systemID int64, from, to time.Time, limit int) ([]HistoryPoint, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
			system_id, sensor_id, fan_id, temperature, fan_speed, fan_rpm, timestamp
		FROM monitoring_data
		WHERE system_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp LIMIT ?`,
		systemID, toMillis(from), toMillis(to), limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []HistoryPoint
	for rows.Next() {
		var (
			p           HistoryPoint
			sensorID    sql.NullInt64
			fanID       sql.NullInt64
			temperature sql.NullFloat64
			speed, rpm  sql.NullInt64
			ts          int64
		)
		err := rows.Scan(&p.SystemID, &sensorID, &fanID, &temperature, &speed, &rpm, &ts)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if sensorID.Valid {
			p.SensorID = &sensorID.Int64
		}
		if fanID.Valid {
			p.FanID = &fanID.Int64
		}
		if temperature.Valid {
			p.Temperature = &temperature.Float64
		}
		if speed.Valid {
			v := int(speed.Int64)
			p.FanSpeed = &v
		}
		if rpm.Valid {
			v := int(rpm.Int64)
			p.FanRPM = &v
		}
		p.Timestamp = fromMillis(ts)
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// ChartBucket is one down-sampled chart point for a sensor or fan.
type ChartBucket struct {
	SensorID *int64   `json:"sensor_id,omitempty"`
	FanID    *int64   `json:"fan_id,omitempty"`
	AvgTemp  *float64 `json:"avg_temp,omitempty"`
	AvgSpeed *float64 `json:"avg_speed,omitempty"`
	AvgRPM   *float64 `json:"avg_rpm,omitempty"`
	Bucket   time.Time `json:"bucket"`
}

// QueryChartSeries returns per-bucket averages for a system, suitable
// for dashboard graphs without shipping every raw sample.
func (s *Storage) QueryChartSeries(ctx context.Context, systemID int64, from, to time.Time, bucket time.Duration) ([]ChartBucket, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	bucketMS := bucket.Milliseconds()
	rows, err := s.db.QueryContext(ctx, `SELECT
			sensor_id, fan_id,
			AVG(temperature), AVG(fan_speed), AVG(fan_rpm),
			(timestamp / ?) * ? AS bucket_ts
		FROM monitoring_data
		WHERE system_id = ? AND timestamp >= ? AND timestamp <= ?
		GROUP BY sensor_id, fan_id, bucket_ts
		ORDER BY bucket_ts`,
		bucketMS, bucketMS, systemID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []ChartBucket
	for rows.Next() {
		var (
			b                    ChartBucket
			sensorID, fanID      sql.NullInt64
			temp, speed, rpm     sql.NullFloat64
			ts                   int64
		)
		if err := rows.Scan(&sensorID, &fanID, &temp, &speed, &rpm, &ts); err != nil {
			return nil, trace.Wrap(err)
		}
		if sensorID.Valid {
			b.SensorID = &sensorID.Int64
		}
		if fanID.Valid {
			b.FanID = &fanID.Int64
		}
		if temp.Valid {
			b.AvgTemp = &temp.Float64
		}
		if speed.Valid {
			b.AvgSpeed = &speed.Float64
		}
		if rpm.Valid {
			b.AvgRPM = &rpm.Float64
		}
		b.Bucket = fromMillis(ts)
		out = append(out, b)
	}
	return out, trace.Wrap(rows.Err())
}

// PurgeHistoryBefore deletes samples older than cutoff and returns
// how many rows went away.
func (s *Storage) PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM monitoring_data WHERE timestamp < ?", toMillis(cutoff))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

func nullableIntVal(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

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

// Package aggregator maintains the in-memory live view of every
// connected system. Each telemetry frame replaces the agent's snapshot
// wholesale, queues a history batch for the async writer, and fans the
// fresh snapshot out to the broadcast layer. Readers always observe a
// complete, immutable snapshot, never a half-applied frame.
package aggregator

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/storage"
	"github.com/pankhahq/pankha/lib/wire"
)

// Config holds aggregator dependencies.
type Config struct {
	Storage *storage.Storage
	Clock   clockwork.Clock
	Log     *slog.Logger
	// OnAggregated is called with the freshly installed snapshot after
	// each telemetry frame, on the frame's goroutine.
	OnAggregated func(snapshot *wire.SystemSnapshot)
}

func (c *Config) checkAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing Storage")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentAggregator)
	if c.OnAggregated == nil {
		c.OnAggregated = func(*wire.SystemSnapshot) {}
	}
	return nil
}

var historyDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "pankha_history_batches_dropped_total",
	Help: "Telemetry batches dropped because the history queue was full.",
})

func init() {
	prometheus.MustRegister(historyDropped)
}

// rowIDs caches sensor and fan row ids per system so steady-state
// telemetry never touches sqlite on the frame path.
type rowIDs struct {
	sensors map[string]int64
	fans    map[string]int64
}

// Aggregator holds live snapshots keyed by agent id.
type Aggregator struct {
	cfg Config

	mu        sync.RWMutex
	snapshots map[string]*wire.SystemSnapshot
	ids       map[int64]*rowIDs

	history chan storage.TelemetryBatch
}

// New creates an aggregator.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Aggregator{
		cfg:       cfg,
		snapshots: make(map[string]*wire.SystemSnapshot),
		ids:       make(map[int64]*rowIDs),
		history:   make(chan storage.TelemetryBatch, defaults.HistoryQueueLen),
	}, nil
}

// HandleDataFrame ingests one telemetry frame for a registered system.
// The snapshot install and broadcast happen synchronously; persistence
// is queued for the history writer and never blocks the agent.
func (a *Aggregator) HandleDataFrame(ctx context.Context, systemID int64, frame *wire.DataFrame) error {
	snapshot := &wire.SystemSnapshot{
		AgentID:   frame.AgentID,
		Timestamp: frame.Timestamp,
		Sensors:   make(map[string]wire.SensorReading, len(frame.Sensors)),
		Fans:      make(map[string]wire.FanReading, len(frame.Fans)),
	}
	for _, s := range frame.Sensors {
		snapshot.Sensors[s.ID] = s
	}
	for _, f := range frame.Fans {
		snapshot.Fans[f.ID] = f
	}
	if frame.SystemHealth != nil {
		health := *frame.SystemHealth
		snapshot.SystemHealth = &health
	}

	batch, err := a.buildBatch(ctx, systemID, frame)
	if err != nil {
		return trace.Wrap(err)
	}

	a.mu.Lock()
	a.snapshots[frame.AgentID] = snapshot
	a.mu.Unlock()

	a.enqueueHistory(batch)
	a.cfg.OnAggregated(snapshot)
	return nil
}

// buildBatch maps frame readings to sensor and fan rows, upserting
// rows for hardware first seen mid-connection (hot-plugged sensors,
// USB fan controllers).
func (a *Aggregator) buildBatch(ctx context.Context, systemID int64, frame *wire.DataFrame) (storage.TelemetryBatch, error) {
	batch := storage.TelemetryBatch{
		SystemID:    systemID,
		SensorTemps: make(map[int64]float64, len(frame.Sensors)),
		FanStates:   make(map[int64]storage.FanLiveState, len(frame.Fans)),
	}
	ts := frame.Time()

	for _, s := range frame.Sensors {
		id, err := a.sensorRowID(ctx, systemID, s)
		if err != nil {
			return batch, trace.Wrap(err)
		}
		temp := s.Temperature
		batch.SensorTemps[id] = temp
		sensorID := id
		batch.Points = append(batch.Points, storage.HistoryPoint{
			SystemID:    systemID,
			SensorID:    &sensorID,
			Temperature: &temp,
			Timestamp:   ts,
		})
	}
	for _, f := range frame.Fans {
		id, err := a.fanRowID(ctx, systemID, f)
		if err != nil {
			return batch, trace.Wrap(err)
		}
		batch.FanStates[id] = storage.FanLiveState{RPM: f.RPM, Speed: f.Speed}
		fanID := id
		speed, rpm := f.Speed, f.RPM
		batch.Points = append(batch.Points, storage.HistoryPoint{
			SystemID:  systemID,
			FanID:     &fanID,
			FanSpeed:  &speed,
			FanRPM:    &rpm,
			Timestamp: ts,
		})
	}
	return batch, nil
}

func (a *Aggregator) sensorRowID(ctx context.Context, systemID int64, s wire.SensorReading) (int64, error) {
	a.mu.RLock()
	ids, ok := a.ids[systemID]
	if ok {
		if id, ok := ids.sensors[s.ID]; ok {
			a.mu.RUnlock()
			return id, nil
		}
	}
	a.mu.RUnlock()

	params := storage.SensorParams{
		SystemID:   systemID,
		SensorName: s.ID,
		SensorType: s.Type,
	}
	if s.MaxTemp > 0 {
		params.TempMax = &s.MaxTemp
	}
	if s.CritTemp > 0 {
		params.TempCrit = &s.CritTemp
	}
	id, err := a.cfg.Storage.UpsertSensor(ctx, params)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	a.cacheRowID(systemID, func(ids *rowIDs) { ids.sensors[s.ID] = id })
	return id, nil
}

func (a *Aggregator) fanRowID(ctx context.Context, systemID int64, f wire.FanReading) (int64, error) {
	a.mu.RLock()
	ids, ok := a.ids[systemID]
	if ok {
		if id, ok := ids.fans[f.ID]; ok {
			a.mu.RUnlock()
			return id, nil
		}
	}
	a.mu.RUnlock()

	id, err := a.cfg.Storage.UpsertFan(ctx, storage.FanParams{
		SystemID: systemID,
		FanName:  f.ID,
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	a.cacheRowID(systemID, func(ids *rowIDs) { ids.fans[f.ID] = id })
	return id, nil
}

func (a *Aggregator) cacheRowID(systemID int64, install func(*rowIDs)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids, ok := a.ids[systemID]
	if !ok {
		ids = &rowIDs{sensors: make(map[string]int64), fans: make(map[string]int64)}
		a.ids[systemID] = ids
	}
	install(ids)
}

// PrimeRowIDs preloads the row id cache from registration capability
// upserts so the first data frame takes the fast path.
func (a *Aggregator) PrimeRowIDs(systemID int64, sensors, fans map[string]int64) {
	a.cacheRowID(systemID, func(ids *rowIDs) {
		for name, id := range sensors {
			ids.sensors[name] = id
		}
		for name, id := range fans {
			ids.fans[name] = id
		}
	})
}

// enqueueHistory queues a batch for the async writer, dropping the
// oldest queued batch when the queue is full. Live state always wins
// over history completeness.
func (a *Aggregator) enqueueHistory(batch storage.TelemetryBatch) {
	for {
		select {
		case a.history <- batch:
			return
		default:
		}
		select {
		case <-a.history:
			historyDropped.Inc()
		default:
		}
	}
}

// RunHistoryWriter drains the history queue until ctx is canceled.
func (a *Aggregator) RunHistoryWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-a.history:
			if err := a.cfg.Storage.CommitTelemetry(ctx, batch); err != nil {
				a.cfg.Log.WarnContext(ctx, "Failed to persist telemetry batch.",
					"system_id", batch.SystemID, "error", err)
			}
		}
	}
}

// Snapshot returns the current snapshot for an agent. The returned
// value is shared and must be treated as read-only; Clone it before
// mutating.
func (a *Aggregator) Snapshot(agentID string) (*wire.SystemSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snapshot, ok := a.snapshots[agentID]
	return snapshot, ok
}

// Snapshots returns the current snapshot of every online agent.
func (a *Aggregator) Snapshots() []*wire.SystemSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*wire.SystemSnapshot, 0, len(a.snapshots))
	for _, snapshot := range a.snapshots {
		out = append(out, snapshot)
	}
	return out
}

// Temperature resolves a sensor selector against an agent's snapshot:
// a literal sensor name, the highest-of-all selector, or a group
// prefix selector covering every sensor on one chip.
func (a *Aggregator) Temperature(agentID, selector string) (float64, error) {
	snapshot, ok := a.Snapshot(agentID)
	if !ok || len(snapshot.Sensors) == 0 {
		return 0, trace.NotFound("no telemetry for agent %v", agentID)
	}
	switch {
	case selector == storage.SensorHighest:
		return highest(snapshot, func(string) bool { return true })
	case strings.HasPrefix(selector, storage.SensorGroupPrefix):
		group := strings.TrimPrefix(selector, storage.SensorGroupPrefix)
		return highest(snapshot, func(name string) bool {
			return sensorGroup(name) == group
		})
	}
	reading, ok := snapshot.Sensors[selector]
	if !ok {
		return 0, trace.NotFound("sensor %q not reported by agent %v", selector, agentID)
	}
	return reading.Temperature, nil
}

func highest(snapshot *wire.SystemSnapshot, match func(name string) bool) (float64, error) {
	found := false
	max := 0.0
	for name, reading := range snapshot.Sensors {
		if !match(name) {
			continue
		}
		if !found || reading.Temperature > max {
			max = reading.Temperature
			found = true
		}
	}
	if !found {
		return 0, trace.NotFound("no matching sensors in snapshot")
	}
	return max, nil
}

// sensorGroup mirrors storage.Sensor.GroupName for raw reading ids.
func sensorGroup(name string) string {
	if i := strings.LastIndex(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}

// HandleAgentOffline drops the agent's live snapshot. The row id cache
// stays warm for the next connection.
func (a *Aggregator) HandleAgentOffline(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.snapshots, agentID)
}

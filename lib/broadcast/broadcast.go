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

// Package broadcast fans live telemetry out to dashboard subscribers
// over websockets. Each subscriber gets a full snapshot when it
// subscribes and minimal deltas afterwards, computed against a
// per-subscriber baseline so a slow or freshly joined subscriber never
// sees a gap it cannot detect.
package broadcast

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/wire"
)

// SnapshotSource provides current snapshots for full syncs; the
// aggregator implements it.
type SnapshotSource interface {
	Snapshot(agentID string) (*wire.SystemSnapshot, bool)
	Snapshots() []*wire.SystemSnapshot
}

// Config holds broadcaster dependencies.
type Config struct {
	Source SnapshotSource
	Clock  clockwork.Clock
	Log    *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("missing Source")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentBroadcast)
	return nil
}

var subscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "pankha_subscriber_events_dropped_total",
	Help: "Events dropped because a subscriber's outbound queue was full.",
})

func init() {
	prometheus.MustRegister(subscriberDrops)
}

// subscriber is one connected dashboard.
type subscriber struct {
	conn *websocket.Conn
	out  chan []byte

	mu  sync.Mutex
	all bool
	// agents holds explicit subscriptions when all is false.
	agents map[string]struct{}
	// baselines is the last state sent per agent; deltas are computed
	// against it and only emitted fields advance it.
	baselines map[string]*wire.SystemSnapshot
	// resyncPending is set when an overflow dropped an event, so the
	// next write also suggests a client-initiated resync.
	resyncPending bool
	closed        bool
}

func (s *subscriber) wants(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all {
		return true
	}
	_, ok := s.agents[agentID]
	return ok
}

// Broadcaster manages dashboard subscribers.
type Broadcaster struct {
	cfg Config

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New creates a broadcaster.
func New(cfg Config) (*Broadcaster, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broadcaster{
		cfg:  cfg,
		subs: make(map[*subscriber]struct{}),
	}, nil
}

// ServeSubscriber owns an upgraded browser connection until it closes.
func (b *Broadcaster) ServeSubscriber(ctx context.Context, conn *websocket.Conn) {
	sub := &subscriber{
		conn:      conn,
		out:       make(chan []byte, defaults.SubscriberOutboundQueueLen),
		agents:    make(map[string]struct{}),
		baselines: make(map[string]*wire.SystemSnapshot),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		conn.Close()
	}()

	go b.writePump(sub)
	b.readPump(ctx, sub)
}

func (b *Broadcaster) readPump(ctx context.Context, sub *subscriber) {
	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.ParseBrowserFrame(raw)
		if err != nil {
			b.cfg.Log.DebugContext(ctx, "Dropping malformed browser frame.", "error", err)
			continue
		}
		switch req.Type {
		case wire.BrowserSubscribe:
			b.subscribe(sub, req.AgentID)
		case wire.BrowserUnsubscribe:
			b.unsubscribe(sub, req.AgentID)
		case wire.BrowserRequestFullSync:
			b.fullSync(sub)
		}
	}
}

func (b *Broadcaster) writePump(sub *subscriber) {
	for raw := range sub.out {
		deadline := b.cfg.Clock.Now().Add(defaults.SubscriberWriteTimeout)
		if err := sub.conn.SetWriteDeadline(deadline); err != nil {
			sub.conn.Close()
			return
		}
		if err := sub.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			sub.conn.Close()
			return
		}
	}
}

// send queues one event, dropping the oldest queued event on overflow
// and arming a resync suggestion. The dashboard repairs itself with
// requestFullSync; the server never blocks on a slow browser.
func (b *Broadcaster) send(sub *subscriber, raw []byte) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	resync := sub.resyncPending
	sub.resyncPending = false
	sub.mu.Unlock()

	if resync {
		if suggestion, err := wire.MarshalBrowserEvent(wire.BrowserResyncSuggested, struct{}{}); err == nil {
			b.enqueue(sub, suggestion)
		}
	}
	b.enqueue(sub, raw)
}

func (b *Broadcaster) enqueue(sub *subscriber, raw []byte) {
	for {
		select {
		case sub.out <- raw:
			return
		default:
		}
		select {
		case <-sub.out:
			subscriberDrops.Inc()
			sub.mu.Lock()
			sub.resyncPending = true
			sub.mu.Unlock()
		default:
		}
	}
}

// subscribe registers interest and immediately sends full state for
// the covered agents.
func (b *Broadcaster) subscribe(sub *subscriber, agentID string) {
	sub.mu.Lock()
	if agentID == wire.SubscribeAll || agentID == "" {
		sub.all = true
	} else {
		sub.agents[agentID] = struct{}{}
	}
	sub.mu.Unlock()

	if agentID == wire.SubscribeAll || agentID == "" {
		b.fullSync(sub)
		return
	}
	if snapshot, ok := b.cfg.Source.Snapshot(agentID); ok {
		b.sendFullState(sub, snapshot)
	}
}

func (b *Broadcaster) unsubscribe(sub *subscriber, agentID string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if agentID == wire.SubscribeAll || agentID == "" {
		sub.all = false
		sub.agents = make(map[string]struct{})
		sub.baselines = make(map[string]*wire.SystemSnapshot)
		return
	}
	delete(sub.agents, agentID)
	delete(sub.baselines, agentID)
}

// fullSync sends full state for every subscribed agent and resets the
// baselines.
func (b *Broadcaster) fullSync(sub *subscriber) {
	for _, snapshot := range b.cfg.Source.Snapshots() {
		if sub.wants(snapshot.AgentID) {
			b.sendFullState(sub, snapshot)
		}
	}
}

func (b *Broadcaster) sendFullState(sub *subscriber, snapshot *wire.SystemSnapshot) {
	raw, err := wire.MarshalBrowserEvent(wire.BrowserFullState, snapshot)
	if err != nil {
		return
	}
	sub.mu.Lock()
	sub.baselines[snapshot.AgentID] = snapshot.Clone()
	sub.mu.Unlock()
	b.send(sub, raw)
}

// HandleSnapshot fans a fresh snapshot out as deltas, one per
// subscriber, each computed against that subscriber's baseline.
func (b *Broadcaster) HandleSnapshot(snapshot *wire.SystemSnapshot) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(snapshot.AgentID) {
			continue
		}
		sub.mu.Lock()
		baseline, ok := sub.baselines[snapshot.AgentID]
		sub.mu.Unlock()
		if !ok {
			b.sendFullState(sub, snapshot)
			continue
		}
		delta := computeDelta(baseline, snapshot)
		if delta.Changes.Empty() {
			continue
		}
		raw, err := wire.MarshalBrowserEvent(wire.BrowserSystemDelta, delta)
		if err != nil {
			continue
		}
		sub.mu.Lock()
		advanceBaseline(baseline, snapshot, &delta.Changes)
		sub.mu.Unlock()
		b.send(sub, raw)
	}
}

// computeDelta returns the fields of next that differ from the
// baseline by at least their thresholds. Appearing and disappearing
// sensors or fans always count as changes.
func computeDelta(baseline, next *wire.SystemSnapshot) *wire.SystemDelta {
	delta := &wire.SystemDelta{AgentID: next.AgentID, Timestamp: next.Timestamp}

	for id, reading := range next.Sensors {
		prev, ok := baseline.Sensors[id]
		change := wire.SensorChange{}
		changed := false
		if !ok || math.Abs(reading.Temperature-prev.Temperature) >= defaults.TemperatureDeltaThreshold {
			t := reading.Temperature
			change.Temperature = &t
			changed = true
		}
		if !ok || reading.Status != prev.Status {
			s := reading.Status
			change.Status = &s
			changed = true
		}
		if changed {
			if delta.Changes.Sensors == nil {
				delta.Changes.Sensors = make(map[string]wire.SensorChange)
			}
			delta.Changes.Sensors[id] = change
		}
	}

	for id, reading := range next.Fans {
		prev, ok := baseline.Fans[id]
		change := wire.FanChange{}
		changed := false
		if !ok || abs(reading.RPM-prev.RPM) >= defaults.RPMDeltaThreshold {
			v := reading.RPM
			change.RPM = &v
			changed = true
		}
		if !ok || reading.Speed != prev.Speed {
			v := reading.Speed
			change.Speed = &v
			changed = true
		}
		if !ok || reading.Status != prev.Status {
			s := reading.Status
			change.Status = &s
			changed = true
		}
		if changed {
			if delta.Changes.Fans == nil {
				delta.Changes.Fans = make(map[string]wire.FanChange)
			}
			delta.Changes.Fans[id] = change
		}
	}

	if next.SystemHealth != nil {
		prev := baseline.SystemHealth
		health := wire.HealthChange{}
		changed := false
		if prev == nil || math.Abs(next.SystemHealth.CPUUsage-prev.CPUUsage) >= defaults.UsageDeltaThreshold {
			v := next.SystemHealth.CPUUsage
			health.CPUUsage = &v
			changed = true
		}
		if prev == nil || math.Abs(next.SystemHealth.MemoryUsage-prev.MemoryUsage) >= defaults.UsageDeltaThreshold {
			v := next.SystemHealth.MemoryUsage
			health.MemoryUsage = &v
			changed = true
		}
		if prev == nil || math.Abs(next.SystemHealth.AgentUptime-prev.AgentUptime) >= defaults.UptimeDeltaThreshold {
			v := next.SystemHealth.AgentUptime
			health.AgentUptime = &v
			changed = true
		}
		if changed {
			delta.Changes.SystemHealth = &health
		}
	}
	return delta
}

// advanceBaseline applies only the emitted fields, so suppressed
// sub-threshold drift keeps accumulating against the original value
// and eventually crosses the threshold.
func advanceBaseline(baseline, next *wire.SystemSnapshot, changes *wire.DeltaChanges) {
	baseline.Timestamp = next.Timestamp
	for id, change := range changes.Sensors {
		prev := baseline.Sensors[id]
		prev.ID = id
		if change.Temperature != nil {
			prev.Temperature = *change.Temperature
		}
		if change.Status != nil {
			prev.Status = *change.Status
		}
		baseline.Sensors[id] = prev
	}
	for id, change := range changes.Fans {
		prev := baseline.Fans[id]
		prev.ID = id
		if change.RPM != nil {
			prev.RPM = *change.RPM
		}
		if change.Speed != nil {
			prev.Speed = *change.Speed
		}
		if change.Status != nil {
			prev.Status = *change.Status
		}
		baseline.Fans[id] = prev
	}
	if changes.SystemHealth != nil {
		if baseline.SystemHealth == nil {
			baseline.SystemHealth = &wire.SystemHealth{}
		}
		if changes.SystemHealth.CPUUsage != nil {
			baseline.SystemHealth.CPUUsage = *changes.SystemHealth.CPUUsage
		}
		if changes.SystemHealth.MemoryUsage != nil {
			baseline.SystemHealth.MemoryUsage = *changes.SystemHealth.MemoryUsage
		}
		if changes.SystemHealth.AgentUptime != nil {
			baseline.SystemHealth.AgentUptime = *changes.SystemHealth.AgentUptime
		}
	}
}

// HandleSystemOffline tells subscribers an agent went away and clears
// their baselines for it.
func (b *Broadcaster) HandleSystemOffline(agentID string) {
	raw, err := wire.MarshalBrowserEvent(wire.BrowserSystemOffline, wire.SystemOffline{AgentID: agentID})
	if err != nil {
		return
	}
	b.each(agentID, raw, func(sub *subscriber) {
		sub.mu.Lock()
		delete(sub.baselines, agentID)
		sub.mu.Unlock()
	})
}

// HandleNameChanged tells subscribers a system was renamed.
func (b *Broadcaster) HandleNameChanged(agentID, name string) {
	raw, err := wire.MarshalBrowserEvent(wire.BrowserNameChanged, wire.NameChanged{AgentID: agentID, Name: name})
	if err != nil {
		return
	}
	b.each(agentID, raw, nil)
}

// HandleLicenseChanged tells every subscriber the tier changed.
func (b *Broadcaster) HandleLicenseChanged(tier string, agentLimit int) {
	raw, err := wire.MarshalBrowserEvent(wire.BrowserLicenseChanged, wire.LicenseChanged{Tier: tier, AgentLimit: agentLimit})
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		b.send(sub, raw)
	}
}

func (b *Broadcaster) each(agentID string, raw []byte, before func(*subscriber)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(agentID) {
			continue
		}
		if before != nil {
			before(sub)
		}
		b.send(sub, raw)
	}
}

// RunResync pushes a periodic full snapshot to every subscriber so
// missed deltas cannot drift a dashboard forever.
func (b *Broadcaster) RunResync(ctx context.Context) {
	ticker := b.cfg.Clock.NewTicker(defaults.FullResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.mu.RLock()
			subs := make([]*subscriber, 0, len(b.subs))
			for sub := range b.subs {
				subs = append(subs, sub)
			}
			b.mu.RUnlock()
			for _, sub := range subs {
				b.fullSync(sub)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

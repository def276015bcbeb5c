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

// Package controller runs the closed control loop: every tick it
// evaluates the active fan profile assignments against live sensor
// temperatures and pushes quantized speed writes to agents. Hysteresis
// and rate limiting keep the loop from thrashing fans on sensor
// jitter; an emergency override pins every controllable fan of an
// overheating system to full speed.
package controller

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/aggregator"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/dispatch"
	"github.com/pankhahq/pankha/lib/license"
	"github.com/pankhahq/pankha/lib/registry"
	"github.com/pankhahq/pankha/lib/storage"
	"github.com/pankhahq/pankha/lib/wire"
)

// Config holds controller dependencies.
type Config struct {
	Storage    *storage.Storage
	Registry   *registry.Registry
	Aggregator *aggregator.Aggregator
	Dispatcher *dispatch.Dispatcher
	License    *license.Service
	Clock      clockwork.Clock
	Log        *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing Storage")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.Aggregator == nil {
		return trace.BadParameter("missing Aggregator")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing Dispatcher")
	}
	if c.License == nil {
		return trace.BadParameter("missing License")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentController)
	return nil
}

var fanWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pankha_controller_fan_writes_total",
	Help: "Speed writes issued by the control loop.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(fanWrites)
}

// fanState is the controller's memory of the last write to one fan.
// bucket is the temperature the hysteresis band is centered on; it
// moves only when a reading leaves the band.
type fanState struct {
	applied   int
	bucket    float64
	writtenAt time.Time
	inflight  bool
}

// Controller drives fan speeds from profile curves.
type Controller struct {
	cfg Config

	// tickActive guards against overlapping control passes.
	tickActive atomic.Bool

	mu sync.Mutex
	// fans is fan row id to last-write state.
	fans map[int64]*fanState
	// emergencies is agent id to emergency-mode flag.
	emergencies map[string]bool
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		cfg:         cfg,
		fans:        make(map[int64]*fanState),
		emergencies: make(map[string]bool),
	}, nil
}

// Run ticks the control loop until ctx is canceled. The tick period is
// re-read from settings on every pass so changes apply without a
// restart.
func (c *Controller) Run(ctx context.Context) {
	interval := c.interval(ctx)
	ticker := c.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			started := c.cfg.Clock.Now()
			c.Tick(ctx)
			if elapsed := c.cfg.Clock.Since(started); elapsed > interval {
				c.cfg.Log.WarnContext(ctx, "Control tick overran its interval.",
					"elapsed", elapsed, "interval", interval)
			}
			if next := c.interval(ctx); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// interval returns the configured tick period, clamped to sane bounds.
func (c *Controller) interval(ctx context.Context) time.Duration {
	raw, err := c.cfg.Storage.GetSetting(ctx, storage.SettingControllerUpdateInterval)
	if err != nil {
		return defaults.ControllerInterval
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaults.ControllerInterval
	}
	interval := time.Duration(ms) * time.Millisecond
	if interval < defaults.ControllerIntervalMin {
		interval = defaults.ControllerIntervalMin
	}
	if interval > defaults.ControllerIntervalMax {
		interval = defaults.ControllerIntervalMax
	}
	return interval
}

// Tick runs one control pass. A pass still running when the next one
// is due makes the newcomer back off, so a slow storage read cannot
// stack overlapping passes.
func (c *Controller) Tick(ctx context.Context) {
	if !c.tickActive.CompareAndSwap(false, true) {
		c.cfg.Log.WarnContext(ctx, "Previous control tick still running, skipping this one.")
		return
	}
	defer c.tickActive.Store(false)

	readOnly, err := c.cfg.License.ReadOnlyStatus(ctx)
	if err != nil {
		c.cfg.Log.WarnContext(ctx, "Skipping control tick, admission lookup failed.", "error", err)
		return
	}

	c.checkEmergencies(ctx, readOnly)

	assignments, err := c.cfg.Storage.ListActiveAssignments(ctx)
	if err != nil {
		c.cfg.Log.WarnContext(ctx, "Skipping control tick, assignment load failed.", "error", err)
		return
	}
	for _, a := range assignments {
		c.evaluate(ctx, a, readOnly)
	}
}

// checkEmergencies scans every online agent and pins or releases the
// emergency override. The override covers all controllable fans, not
// just assigned ones, and enters at the threshold but only releases a
// full hysteresis band below it.
func (c *Controller) checkEmergencies(ctx context.Context, readOnly map[string]bool) {
	for _, agentID := range c.cfg.Registry.OnlineAgentIDs() {
		state, ok := c.cfg.Registry.Get(agentID)
		if !ok || readOnly[agentID] {
			continue
		}
		temp, err := c.cfg.Aggregator.Temperature(agentID, storage.SensorHighest)
		if err != nil {
			continue
		}
		c.mu.Lock()
		active := c.emergencies[agentID]
		c.mu.Unlock()

		switch {
		case !active && temp >= state.Config.EmergencyTemp:
			c.cfg.Log.WarnContext(ctx, "Emergency override engaged.",
				"agent_id", agentID, "temperature", temp, "threshold", state.Config.EmergencyTemp)
			c.mu.Lock()
			c.emergencies[agentID] = true
			c.mu.Unlock()
			c.overrideAllFans(ctx, agentID, state.SystemID)
		case active && temp < state.Config.EmergencyTemp-state.Config.HysteresisTemp:
			c.cfg.Log.InfoContext(ctx, "Emergency override released.",
				"agent_id", agentID, "temperature", temp)
			c.mu.Lock()
			delete(c.emergencies, agentID)
			c.mu.Unlock()
			// profile control resumes on the next tick; fan state is
			// cleared so the first post-emergency write is unconditional
			c.clearSystemFans(ctx, agentID, state.SystemID)
		case active:
			// keep fans pinned while hot
			c.overrideAllFans(ctx, agentID, state.SystemID)
		}
	}
}

func (c *Controller) overrideAllFans(ctx context.Context, agentID string, systemID int64) {
	fans, err := c.cfg.Storage.ListFans(ctx, systemID)
	if err != nil {
		c.cfg.Log.WarnContext(ctx, "Emergency fan load failed.", "agent_id", agentID, "error", err)
		return
	}
	for _, fan := range fans {
		if !fan.HasPWMControl {
			continue
		}
		if fan.CurrentSpeed == 100 {
			continue
		}
		c.write(ctx, agentID, fan.ID, fan.FanName, 100, dispatch.PriorityEmergency, "emergency")
	}
}

func (c *Controller) clearSystemFans(ctx context.Context, agentID string, systemID int64) {
	fans, err := c.cfg.Storage.ListFans(ctx, systemID)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fan := range fans {
		delete(c.fans, fan.ID)
	}
}

// evaluate runs the curve for one assignment and decides whether to
// write.
func (c *Controller) evaluate(ctx context.Context, a storage.ActiveAssignment, readOnly map[string]bool) {
	if !a.HasPWMControl || !a.Enabled {
		return
	}
	if readOnly[a.AgentID] {
		return
	}
	state, ok := c.cfg.Registry.Get(a.AgentID)
	if !ok || state.Status != storage.StatusOnline || !state.Config.EnableFanControl {
		return
	}
	c.mu.Lock()
	if c.emergencies[a.AgentID] {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	temp, err := c.cfg.Aggregator.Temperature(a.AgentID, a.SensorName)
	if err != nil {
		// a stale assignment can reference a sensor the agent stopped
		// reporting; skip it until telemetry returns
		return
	}

	target := Interpolate(a.Points, temp)
	target = clamp(target, a.MinSpeed, a.MaxSpeed)
	quantized := Quantize(target, state.Config.FanStepPercent, a.MaxSpeed)

	now := c.cfg.Clock.Now()
	c.mu.Lock()
	last, seen := c.fans[a.FanID]
	if seen {
		if last.inflight {
			c.mu.Unlock()
			return
		}
		// the write decision gates on the raw curve target, before
		// quantization: rounding up to a step boundary is not a real
		// speed change and must not defeat the hysteresis band
		bucketLeft := math.Abs(temp-last.bucket) > state.Config.HysteresisTemp
		bigJump := abs(target-last.applied) >= state.Config.FanStepPercent
		if !bucketLeft && !bigJump {
			c.mu.Unlock()
			return
		}
		if quantized == last.applied {
			// nothing to write, but the band recenters on the move
			if bucketLeft {
				last.bucket = temp
			}
			c.mu.Unlock()
			return
		}
		if now.Sub(last.writtenAt) < defaults.MinFanWriteInterval {
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	c.write(ctx, a.AgentID, a.FanID, a.FanName, quantized, dispatch.PriorityNormal, "profile")
	c.mu.Lock()
	c.fans[a.FanID] = &fanState{
		applied:   quantized,
		bucket:    temp,
		writtenAt: now,
		inflight:  true,
	}
	c.mu.Unlock()
}

// write dispatches one setFanSpeed without blocking the tick.
func (c *Controller) write(ctx context.Context, agentID string, fanID int64, fanName string, speed int, priority dispatch.Priority, reason string) {
	fanWrites.WithLabelValues(reason).Inc()
	go func() {
		result, err := c.cfg.Dispatcher.Send(ctx, agentID, wire.CmdSetFanSpeed,
			wire.SetFanSpeedPayload{FanID: fanName, Speed: speed}, priority)
		c.mu.Lock()
		if state, ok := c.fans[fanID]; ok {
			state.inflight = false
			if err != nil || !result.OK() {
				// forget the write so the next tick retries
				delete(c.fans, fanID)
			}
		}
		c.mu.Unlock()
		if err != nil {
			c.cfg.Log.DebugContext(ctx, "Fan write failed.",
				"agent_id", agentID, "fan", fanName, "speed", speed, "error", err)
		}
	}()
}

// ClearFanState forgets the controller's memory of a fan, forcing the
// next tick to evaluate it from scratch. Called after manual speed
// writes and assignment changes.
func (c *Controller) ClearFanState(fanID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fans, fanID)
}

// HandleAgentOffline drops per-fan state and any emergency flag for
// the agent.
func (c *Controller) HandleAgentOffline(ctx context.Context, agentID string) {
	state, ok := c.cfg.Registry.Get(agentID)
	c.mu.Lock()
	delete(c.emergencies, agentID)
	c.mu.Unlock()
	if ok {
		c.clearSystemFans(ctx, agentID, state.SystemID)
	}
}

// Interpolate evaluates a fan curve at the given temperature: flat
// below the first point and above the last, linear in between, rounded
// to the nearest percent.
func Interpolate(points []wire.CurvePoint, temp float64) int {
	if len(points) == 0 {
		return 0
	}
	if temp <= points[0].Temperature {
		return points[0].FanSpeed
	}
	last := points[len(points)-1]
	if temp >= last.Temperature {
		return last.FanSpeed
	}
	for i := 1; i < len(points); i++ {
		lo, hi := points[i-1], points[i]
		if temp > hi.Temperature {
			continue
		}
		span := hi.Temperature - lo.Temperature
		frac := (temp - lo.Temperature) / span
		speed := float64(lo.FanSpeed) + frac*float64(hi.FanSpeed-lo.FanSpeed)
		return int(math.Round(speed))
	}
	return last.FanSpeed
}

// Quantize rounds a speed up to the next multiple of step, capped at
// max. Rounding up keeps quantization from ever under-cooling.
func Quantize(speed, step, max int) int {
	if step <= 1 {
		if speed > max {
			return max
		}
		return speed
	}
	q := ((speed + step - 1) / step) * step
	if q > max {
		q = max
	}
	return q
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

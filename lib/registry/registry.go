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

// Package registry tracks per-agent connection state and negotiated
// runtime settings, in memory and mirrored to the system row. Setters
// are optimistic: memory and row change together, before the agent
// acknowledges the corresponding command, so reads and reconnections
// observe the new value immediately.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/license"
	"github.com/pankhahq/pankha/lib/storage"
	"github.com/pankhahq/pankha/lib/utils"
)

// Config holds registry dependencies.
type Config struct {
	Storage *storage.Storage
	License *license.Service
	Clock   clockwork.Clock
	Log     *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing Storage")
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
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentRegistry)
	return nil
}

// AgentState is the registry's view of one agent.
type AgentState struct {
	AgentID            string
	SystemID           int64
	Name               string
	Status             string
	LastSeenAt         time.Time
	LastDataReceivedAt time.Time
	Config             storage.AgentConfig
}

// Registry tracks agent state keyed by agent id.
type Registry struct {
	cfg   Config
	locks *utils.KeyedMutex

	mu     sync.RWMutex
	agents map[string]*AgentState
}

// New creates a registry, preloading known systems from storage so
// settings survive server restarts.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Registry{
		cfg:    cfg,
		locks:  utils.NewKeyedMutex(),
		agents: make(map[string]*AgentState),
	}
	systems, err := cfg.Storage.ListSystems(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, sys := range systems {
		state := &AgentState{
			AgentID:  sys.AgentID,
			SystemID: sys.ID,
			Name:     sys.Name,
			// connection state does not survive restarts
			Status: storage.StatusOffline,
			Config: sys.Config,
		}
		if sys.LastSeenAt != nil {
			state.LastSeenAt = *sys.LastSeenAt
		}
		r.agents[sys.AgentID] = state
	}
	return r, nil
}

// HandleRegistered installs the post-registration state for an agent.
// Called by the gateway after the system row is upserted.
func (r *Registry) HandleRegistered(sys *storage.System) {
	now := r.cfg.Clock.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[sys.AgentID] = &AgentState{
		AgentID:    sys.AgentID,
		SystemID:   sys.ID,
		Name:       sys.Name,
		Status:     storage.StatusOnline,
		LastSeenAt: now,
		Config:     sys.Config,
	}
}

// HandleAgentOffline marks an agent offline in memory and storage.
func (r *Registry) HandleAgentOffline(ctx context.Context, agentID string) {
	now := r.cfg.Clock.Now().UTC()
	r.mu.Lock()
	if state, ok := r.agents[agentID]; ok {
		state.Status = storage.StatusOffline
		state.LastSeenAt = now
	}
	r.mu.Unlock()

	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)
	if err := r.cfg.Storage.UpdateSystemStatus(ctx, agentID, storage.StatusOffline, now); err != nil && !trace.IsNotFound(err) {
		r.cfg.Log.WarnContext(ctx, "Failed to persist offline status.", "agent_id", agentID, "error", err)
	}
}

// TouchLastSeen records inbound traffic from an agent. Monotonic per
// connection: the clock only moves forward.
func (r *Registry) TouchLastSeen(agentID string) {
	now := r.cfg.Clock.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.agents[agentID]; ok && now.After(state.LastSeenAt) {
		state.LastSeenAt = now
	}
}

// TouchData records a telemetry frame from an agent.
func (r *Registry) TouchData(agentID string) {
	now := r.cfg.Clock.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.agents[agentID]; ok {
		if now.After(state.LastSeenAt) {
			state.LastSeenAt = now
		}
		if now.After(state.LastDataReceivedAt) {
			state.LastDataReceivedAt = now
		}
	}
}

// Get returns a copy of an agent's state.
func (r *Registry) Get(agentID string) (AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[agentID]
	if !ok {
		return AgentState{}, false
	}
	return *state, true
}

// IsOnline reports whether the agent is currently connected.
func (r *Registry) IsOnline(agentID string) bool {
	state, ok := r.Get(agentID)
	return ok && state.Status == storage.StatusOnline
}

// List returns a copy of every agent's state.
func (r *Registry) List() []AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentState, 0, len(r.agents))
	for _, state := range r.agents {
		out = append(out, *state)
	}
	return out
}

// OnlineAgentIDs returns the ids of currently connected agents.
func (r *Registry) OnlineAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, state := range r.agents {
		if state.Status == storage.StatusOnline {
			out = append(out, id)
		}
	}
	return out
}

// GetAgentsReadOnlyStatus returns agent id to read-only flag for the
// list endpoint, computed in one pass instead of N+1 queries.
func (r *Registry) GetAgentsReadOnlyStatus(ctx context.Context) (map[string]bool, error) {
	status, err := r.cfg.License.ReadOnlyStatus(ctx)
	return status, trace.Wrap(err)
}

// SetName optimistically renames a system.
func (r *Registry) SetName(ctx context.Context, agentID, name string) error {
	if name == "" {
		return trace.BadParameter("name cannot be empty")
	}
	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	state, ok := r.Get(agentID)
	if !ok {
		return trace.NotFound("system %v not found", agentID)
	}
	if err := r.cfg.Storage.UpdateSystemName(ctx, state.SystemID, name, r.cfg.Clock.Now().UTC()); err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	if state, ok := r.agents[agentID]; ok {
		state.Name = name
	}
	r.mu.Unlock()
	return nil
}

// mutateConfig applies fn to the agent's config, persisting and
// installing the result in one keyed critical section.
func (r *Registry) mutateConfig(ctx context.Context, agentID string, fn func(*storage.AgentConfig) error) error {
	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	state, ok := r.Get(agentID)
	if !ok {
		return trace.NotFound("system %v not found", agentID)
	}
	cfg := state.Config
	if err := fn(&cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Storage.UpdateSystemConfig(ctx, agentID, cfg, r.cfg.Clock.Now().UTC()); err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	if state, ok := r.agents[agentID]; ok {
		state.Config = cfg
	}
	r.mu.Unlock()
	return nil
}

// SetUpdateInterval optimistically changes the telemetry period.
func (r *Registry) SetUpdateInterval(ctx context.Context, agentID string, interval time.Duration) error {
	if !slices.Contains(defaults.ValidUpdateIntervals, interval) {
		return trace.BadParameter("unsupported update interval %v", interval)
	}
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.UpdateIntervalMS = interval.Milliseconds()
		return nil
	})
}

// SetFanStep optimistically changes the speed quantization step.
func (r *Registry) SetFanStep(ctx context.Context, agentID string, step int) error {
	if !slices.Contains(defaults.ValidFanSteps, step) {
		return trace.BadParameter("unsupported fan step %v", step)
	}
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.FanStepPercent = step
		return nil
	})
}

// SetHysteresis optimistically changes the hysteresis band.
func (r *Registry) SetHysteresis(ctx context.Context, agentID string, temp float64) error {
	if temp < defaults.MinHysteresisTemp || temp > defaults.MaxHysteresisTemp {
		return trace.BadParameter("hysteresis %v out of range [%v, %v]",
			temp, defaults.MinHysteresisTemp, defaults.MaxHysteresisTemp)
	}
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.HysteresisTemp = temp
		return nil
	})
}

// SetEmergencyTemp optimistically changes the emergency threshold.
func (r *Registry) SetEmergencyTemp(ctx context.Context, agentID string, temp float64) error {
	if temp < defaults.MinEmergencyTemp || temp > defaults.MaxEmergencyTemp {
		return trace.BadParameter("emergency temperature %v out of range [%v, %v]",
			temp, defaults.MinEmergencyTemp, defaults.MaxEmergencyTemp)
	}
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.EmergencyTemp = temp
		return nil
	})
}

// SetFailsafeSpeed optimistically changes the failsafe speed.
func (r *Registry) SetFailsafeSpeed(ctx context.Context, agentID string, speed int) error {
	if speed < defaults.MinFailsafeSpeed || speed > defaults.MaxFailsafeSpeed {
		return trace.BadParameter("failsafe speed %v out of range [%v, %v]",
			speed, defaults.MinFailsafeSpeed, defaults.MaxFailsafeSpeed)
	}
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.FailsafeSpeed = speed
		return nil
	})
}

// SetLogLevel optimistically changes the agent log level.
func (r *Registry) SetLogLevel(ctx context.Context, agentID, level string) error {
	if !slices.Contains(defaults.ValidLogLevels, level) {
		return trace.BadParameter("unsupported log level %q", level)
	}
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.LogLevel = level
		return nil
	})
}

// SetEnableFanControl optimistically toggles fan control.
func (r *Registry) SetEnableFanControl(ctx context.Context, agentID string, enabled bool) error {
	return r.mutateConfig(ctx, agentID, func(cfg *storage.AgentConfig) error {
		cfg.EnableFanControl = enabled
		return nil
	})
}

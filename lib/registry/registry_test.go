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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/license"
	"github.com/pankhahq/pankha/lib/storage"
	logutils "github.com/pankhahq/pankha/lib/utils/log"
)

type env struct {
	storage  *storage.Storage
	registry *Registry
	clock    *clockwork.FakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	log := logutils.DiscardLogger()
	clock := clockwork.NewFakeClock()

	s, err := storage.Open(ctx, storage.Config{Path: ":memory:", Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lic, err := license.NewService(ctx, license.Config{Storage: s, Clock: clock, Log: log})
	require.NoError(t, err)

	r, err := New(ctx, Config{Storage: s, License: lic, Clock: clock, Log: log})
	require.NoError(t, err)
	return &env{storage: s, registry: r, clock: clock}
}

func (e *env) register(t *testing.T, agentID string) *storage.System {
	t.Helper()
	sys, err := e.storage.UpsertSystemRegistration(context.Background(), storage.RegistrationParams{
		AgentID: agentID, Name: agentID, Now: e.clock.Now().UTC(),
	})
	require.NoError(t, err)
	e.registry.HandleRegistered(sys)
	return sys
}

func TestPreloadSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "agent-1")
	require.NoError(t, e.registry.SetFanStep(ctx, "agent-1", 10))

	// a fresh registry over the same storage sees the saved settings,
	// but not the connection state
	lic, err := license.NewService(ctx, license.Config{
		Storage: e.storage, Clock: e.clock, Log: logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	reloaded, err := New(ctx, Config{
		Storage: e.storage, License: lic, Clock: e.clock, Log: logutils.DiscardLogger(),
	})
	require.NoError(t, err)

	state, ok := reloaded.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, 10, state.Config.FanStepPercent)
	require.Equal(t, storage.StatusOffline, state.Status)
	require.False(t, reloaded.IsOnline("agent-1"))
}

func TestOnlineTracking(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "agent-1")
	e.register(t, "agent-2")

	require.True(t, e.registry.IsOnline("agent-1"))
	require.ElementsMatch(t, []string{"agent-1", "agent-2"}, e.registry.OnlineAgentIDs())

	e.registry.HandleAgentOffline(ctx, "agent-1")
	require.False(t, e.registry.IsOnline("agent-1"))
	require.ElementsMatch(t, []string{"agent-2"}, e.registry.OnlineAgentIDs())

	// the offline transition is persisted
	sys, err := e.storage.GetSystemByAgentID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, storage.StatusOffline, sys.Status)
}

func TestTouchMovesForwardOnly(t *testing.T) {
	e := newEnv(t)
	e.register(t, "agent-1")

	e.clock.Advance(time.Minute)
	e.registry.TouchLastSeen("agent-1")
	state, _ := e.registry.Get("agent-1")
	first := state.LastSeenAt

	e.clock.Advance(time.Second)
	e.registry.TouchData("agent-1")
	state, _ = e.registry.Get("agent-1")
	require.True(t, state.LastSeenAt.After(first))
	require.Equal(t, state.LastSeenAt, state.LastDataReceivedAt)

	// touches for unknown agents are ignored
	e.registry.TouchLastSeen("ghost")
	e.registry.TouchData("ghost")
	_, ok := e.registry.Get("ghost")
	require.False(t, ok)
}

func TestSetterValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "agent-1")
	r := e.registry

	require.True(t, trace.IsBadParameter(r.SetUpdateInterval(ctx, "agent-1", 7*time.Second)))
	require.True(t, trace.IsBadParameter(r.SetFanStep(ctx, "agent-1", 7)))
	require.True(t, trace.IsBadParameter(r.SetHysteresis(ctx, "agent-1", defaults.MaxHysteresisTemp+1)))
	require.True(t, trace.IsBadParameter(r.SetEmergencyTemp(ctx, "agent-1", defaults.MinEmergencyTemp-1)))
	require.True(t, trace.IsBadParameter(r.SetFailsafeSpeed(ctx, "agent-1", defaults.MaxFailsafeSpeed+1)))
	require.True(t, trace.IsBadParameter(r.SetLogLevel(ctx, "agent-1", "chatty")))
	require.True(t, trace.IsBadParameter(r.SetName(ctx, "agent-1", "")))

	require.True(t, trace.IsNotFound(r.SetFanStep(ctx, "ghost", defaults.ValidFanSteps[0])))
}

func TestSettersPersist(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "agent-1")
	r := e.registry

	interval := defaults.ValidUpdateIntervals[0]
	require.NoError(t, r.SetUpdateInterval(ctx, "agent-1", interval))
	require.NoError(t, r.SetFanStep(ctx, "agent-1", 10))
	require.NoError(t, r.SetHysteresis(ctx, "agent-1", 4.5))
	require.NoError(t, r.SetEmergencyTemp(ctx, "agent-1", 90))
	require.NoError(t, r.SetFailsafeSpeed(ctx, "agent-1", 80))
	require.NoError(t, r.SetLogLevel(ctx, "agent-1", "debug"))
	require.NoError(t, r.SetEnableFanControl(ctx, "agent-1", true))
	require.NoError(t, r.SetName(ctx, "agent-1", "rack 3"))

	// in memory
	state, ok := r.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, interval.Milliseconds(), state.Config.UpdateIntervalMS)
	require.Equal(t, 10, state.Config.FanStepPercent)
	require.Equal(t, 4.5, state.Config.HysteresisTemp)
	require.Equal(t, 90.0, state.Config.EmergencyTemp)
	require.Equal(t, 80, state.Config.FailsafeSpeed)
	require.Equal(t, "debug", state.Config.LogLevel)
	require.True(t, state.Config.EnableFanControl)
	require.Equal(t, "rack 3", state.Name)

	// and on disk
	sys, err := e.storage.GetSystemByAgentID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, state.Config, sys.Config)
	require.Equal(t, "rack 3", sys.Name)
}

func TestGetReturnsCopy(t *testing.T) {
	e := newEnv(t)
	e.register(t, "agent-1")

	state, ok := e.registry.Get("agent-1")
	require.True(t, ok)
	state.Name = "scribbled"

	fresh, _ := e.registry.Get("agent-1")
	require.Equal(t, "agent-1", fresh.Name)
}

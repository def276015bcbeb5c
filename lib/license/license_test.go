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

package license

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pankhahq/pankha/lib/storage"
	logutils "github.com/pankhahq/pankha/lib/utils/log"
)

func newStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: ":memory:",
		Log:  logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeValidator returns a scripted decision or error.
type fakeValidator struct {
	decision *Decision
	err      error
	calls    int
}

func (f *fakeValidator) Validate(ctx context.Context, key string) (*Decision, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d := *f.decision
	return &d, nil
}

func registerAt(t *testing.T, s *storage.Storage, agentID string, at time.Time) {
	t.Helper()
	_, err := s.UpsertSystemRegistration(context.Background(), storage.RegistrationParams{
		AgentID: agentID, Name: agentID, Now: at,
	})
	require.NoError(t, err)
}

func TestDefaultsToFreeTier(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(ctx, Config{
		Storage: newStorage(t),
		Clock:   clockwork.NewFakeClock(),
		Log:     logutils.DiscardLogger(),
	})
	require.NoError(t, err)

	d := svc.Current()
	require.Equal(t, TierFree, d.Tier)
	require.Equal(t, 3, d.AgentLimit)
	require.Equal(t, 7, d.RetentionDays)
	require.Equal(t, 7*24*time.Hour, d.Retention())
}

func TestRefreshUpgradesTier(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	clock := clockwork.NewFakeClock()
	validator := &fakeValidator{decision: &Decision{
		Tier: TierPro, AgentLimit: 10, RetentionDays: 30, AlertLimit: 20,
	}}
	var changes []Decision
	svc, err := NewService(ctx, Config{
		Storage:   s,
		Key:       "key-1",
		Validator: validator,
		Clock:     clock,
		Log:       logutils.DiscardLogger(),
		OnChange:  func(d Decision) { changes = append(changes, d) },
	})
	require.NoError(t, err)

	// within the TTL the cache is trusted, no remote call
	require.NoError(t, svc.Refresh(ctx))
	require.Zero(t, validator.calls)

	clock.Advance(25 * time.Hour)
	require.NoError(t, svc.Refresh(ctx))
	require.Equal(t, 1, validator.calls)
	require.Equal(t, TierPro, svc.Current().Tier)
	require.Len(t, changes, 1)

	// the decision is persisted for the next boot
	lc, err := s.GetLicenseCache(ctx)
	require.NoError(t, err)
	require.Equal(t, TierPro, lc.Tier)
}

func TestStaleCacheHonoredWhenValidatorDown(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	clock := clockwork.NewFakeClock()
	validated := clock.Now().UTC()
	require.NoError(t, s.PutLicenseCache(ctx, storage.LicenseCache{
		LicenseKey: "key-1", Tier: TierPro, AgentLimit: 10, RetentionDays: 30,
		ValidatedAt: validated,
	}))

	validator := &fakeValidator{err: trace.ConnectionProblem(nil, "down")}
	svc, err := NewService(ctx, Config{
		Storage: s, Key: "key-1", Validator: validator,
		Clock: clock, Log: logutils.DiscardLogger(),
	})
	require.NoError(t, err)

	clock.Advance(72 * time.Hour)
	require.NoError(t, svc.Refresh(ctx))
	require.Equal(t, 1, validator.calls)
	// still pro: stale beats free
	require.Equal(t, TierPro, svc.Current().Tier)
}

func TestReadOnlyStatusAdmissionOrder(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	clock := clockwork.NewFakeClock()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// registered in this order: a, b, c, d
	registerAt(t, s, "a", base)
	registerAt(t, s, "b", base.Add(time.Hour))
	registerAt(t, s, "c", base.Add(2*time.Hour))
	registerAt(t, s, "d", base.Add(3*time.Hour))

	svc, err := NewService(ctx, Config{
		Storage: s, Clock: clock, Log: logutils.DiscardLogger(),
	})
	require.NoError(t, err)

	// free tier controls the three oldest systems
	status, err := svc.ReadOnlyStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{
		"a": false, "b": false, "c": false, "d": true,
	}, status)

	readOnly, err := svc.IsAgentReadOnly(ctx, "d")
	require.NoError(t, err)
	require.True(t, readOnly)
	readOnly, err = svc.IsAgentReadOnly(ctx, "a")
	require.NoError(t, err)
	require.False(t, readOnly)

	_, err = svc.IsAgentReadOnly(ctx, "missing")
	require.True(t, trace.IsNotFound(err))
}

// Disconnecting an admitted system does not promote a newer one; slots
// follow registration age, not liveness.
func TestAdmissionIgnoresConnectionState(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	registerAt(t, s, "a", base)
	registerAt(t, s, "b", base.Add(time.Hour))
	registerAt(t, s, "c", base.Add(2*time.Hour))
	registerAt(t, s, "d", base.Add(3*time.Hour))
	require.NoError(t, s.UpdateSystemStatus(ctx, "a", storage.StatusOffline, base.Add(4*time.Hour)))

	svc, err := NewService(ctx, Config{
		Storage: s, Clock: clockwork.NewFakeClock(), Log: logutils.DiscardLogger(),
	})
	require.NoError(t, err)

	status, err := svc.ReadOnlyStatus(ctx)
	require.NoError(t, err)
	require.False(t, status["a"])
	require.True(t, status["d"])
}

func TestUnlimitedTier(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		registerAt(t, s, id, base)
		base = base.Add(time.Minute)
	}
	require.NoError(t, s.PutLicenseCache(ctx, storage.LicenseCache{
		LicenseKey: "key-1", Tier: TierEnterprise, AgentLimit: Unlimited,
		RetentionDays: 365, ValidatedAt: base,
	}))

	svc, err := NewService(ctx, Config{
		Storage: s, Clock: clockwork.NewFakeClock(), Log: logutils.DiscardLogger(),
	})
	require.NoError(t, err)

	status, err := svc.ReadOnlyStatus(ctx)
	require.NoError(t, err)
	for id, ro := range status {
		require.False(t, ro, "agent %v should be controllable", id)
	}
}

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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	logutils "github.com/pankhahq/pankha/lib/utils/log"
	"github.com/pankhahq/pankha/lib/wire"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path: ":memory:",
		Log:  logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func registerSystem(t *testing.T, s *Storage, agentID string, at time.Time) *System {
	t.Helper()
	sys, err := s.UpsertSystemRegistration(context.Background(), RegistrationParams{
		AgentID: agentID,
		Name:    agentID,
		Now:     at,
	})
	require.NoError(t, err)
	return sys
}

func TestSystemRegistrationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sys, err := s.UpsertSystemRegistration(ctx, RegistrationParams{
		AgentID:      "agent-1",
		Name:         "lab-box",
		Platform:     "linux",
		AgentVersion: "0.9.0",
		IPAddress:    "10.0.0.5",
		AuthToken:    "secret",
		Capabilities: wire.Capabilities{FanControl: true},
		Now:          now,
	})
	require.NoError(t, err)
	require.Equal(t, StatusOnline, sys.Status)
	require.True(t, sys.Capabilities.FanControl)
	// defaults are filled on the way in
	require.Equal(t, int64(3000), sys.Config.UpdateIntervalMS)
	require.Equal(t, 5, sys.Config.FanStepPercent)

	// re-registration with the right token succeeds and keeps identity
	again, err := s.UpsertSystemRegistration(ctx, RegistrationParams{
		AgentID:   "agent-1",
		Name:      "renamed-by-agent",
		AuthToken: "secret",
		Now:       now.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, sys.ID, again.ID)
	// the stored name is not clobbered by re-registration
	require.Equal(t, "lab-box", again.Name)

	// a wrong token is rejected
	_, err = s.UpsertSystemRegistration(ctx, RegistrationParams{
		AgentID:   "agent-1",
		AuthToken: "wrong",
		Now:       now.Add(2 * time.Minute),
	})
	require.True(t, trace.IsAccessDenied(err))

	// offline transition
	require.NoError(t, s.UpdateSystemStatus(ctx, "agent-1", StatusOffline, now.Add(time.Hour)))
	got, err := s.GetSystemByAgentID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, StatusOffline, got.Status)
}

func TestListSystemsAdmissionOrder(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	registerSystem(t, s, "third", base.Add(2*time.Hour))
	registerSystem(t, s, "first", base)
	registerSystem(t, s, "second", base.Add(time.Hour))

	systems, err := s.ListSystems(ctx)
	require.NoError(t, err)
	require.Len(t, systems, 3)
	require.Equal(t, "first", systems[0].AgentID)
	require.Equal(t, "second", systems[1].AgentID)
	require.Equal(t, "third", systems[2].AgentID)
}

func TestSensorUpsertPreservesLabel(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	sys := registerSystem(t, s, "agent-1", time.Now().UTC())

	id, err := s.UpsertSensor(ctx, SensorParams{
		SystemID: sys.ID, SensorName: "coretemp_0", SensorType: "cpu",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateSensorLabel(ctx, sys.ID, id, "CPU Package"))

	// re-sighting updates type but not the user's label
	id2, err := s.UpsertSensor(ctx, SensorParams{
		SystemID: sys.ID, SensorName: "coretemp_0", SensorType: "weird-type",
	})
	require.NoError(t, err)
	require.Equal(t, id, id2)

	sensor, err := s.GetSensor(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "CPU Package", sensor.SensorLabel)
	require.Equal(t, SensorTypeOther, sensor.SensorType)
}

func TestSensorGroupName(t *testing.T) {
	require.Equal(t, "coretemp", (&Sensor{SensorName: "coretemp_0"}).GroupName())
	require.Equal(t, "nvme_composite", (&Sensor{SensorName: "nvme_composite_1"}).GroupName())
	require.Equal(t, "gpu", (&Sensor{SensorName: "gpu"}).GroupName())
}

func TestFanUpsertPreservesLimits(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	sys := registerSystem(t, s, "agent-1", time.Now().UTC())

	id, err := s.UpsertFan(ctx, FanParams{SystemID: sys.ID, FanName: "fan1", HasPWMControl: true})
	require.NoError(t, err)
	require.NoError(t, s.UpdateFanLimits(ctx, sys.ID, id, 20, 90))

	_, err = s.UpsertFan(ctx, FanParams{SystemID: sys.ID, FanName: "fan1", HasPWMControl: false})
	require.NoError(t, err)

	fan, err := s.GetFan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 20, fan.MinSpeed)
	require.Equal(t, 90, fan.MaxSpeed)
	require.False(t, fan.HasPWMControl)
}

func TestBuiltinProfiles(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	require.NoError(t, s.SeedBuiltinProfiles(ctx))
	// seeding twice does not duplicate
	require.NoError(t, s.SeedBuiltinProfiles(ctx))

	profiles, err := s.ListFanProfiles(ctx, nil)
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	for _, p := range profiles {
		require.True(t, p.IsBuiltin)
		require.GreaterOrEqual(t, len(p.Points), 2)
		// built-ins cannot be changed or removed
		err := s.UpdateFanProfile(ctx, FanProfile{ID: p.ID, ProfileName: "x", Points: p.Points})
		require.True(t, trace.IsBadParameter(err))
		require.True(t, trace.IsBadParameter(s.DeleteFanProfile(ctx, p.ID)))
	}
}

func TestProfileCurveValidation(t *testing.T) {
	require.Error(t, CheckPoints([]wire.CurvePoint{{Temperature: 30, FanSpeed: 10}}))
	require.Error(t, CheckPoints([]wire.CurvePoint{
		{Temperature: 50, FanSpeed: 10}, {Temperature: 50, FanSpeed: 20},
	}))
	require.Error(t, CheckPoints([]wire.CurvePoint{
		{Temperature: 30, FanSpeed: -1}, {Temperature: 50, FanSpeed: 20},
	}))
	require.NoError(t, CheckPoints([]wire.CurvePoint{
		{Temperature: 30, FanSpeed: 0}, {Temperature: 50, FanSpeed: 100},
	}))
}

func TestFanAssignmentSingleActive(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	sys := registerSystem(t, s, "agent-1", time.Now().UTC())
	fanID, err := s.UpsertFan(ctx, FanParams{SystemID: sys.ID, FanName: "fan1", HasPWMControl: true})
	require.NoError(t, err)
	sensorID, err := s.UpsertSensor(ctx, SensorParams{SystemID: sys.ID, SensorName: "coretemp_0"})
	require.NoError(t, err)

	profile, err := s.CreateFanProfile(ctx, FanProfile{
		ProfileName: "custom",
		Points: []wire.CurvePoint{
			{Temperature: 30, FanSpeed: 20}, {Temperature: 80, FanSpeed: 100},
		},
	})
	require.NoError(t, err)

	first, err := s.UpsertFanAssignment(ctx, FanAssignment{
		FanID: fanID, ProfileID: profile.ID, SensorID: &sensorID,
	})
	require.NoError(t, err)
	require.True(t, first.IsActive)

	// a second assignment for the same fan replaces the first
	second, err := s.UpsertFanAssignment(ctx, FanAssignment{
		FanID: fanID, ProfileID: profile.ID, SensorIdentifier: SensorHighest,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	active, err := s.GetActiveFanAssignment(ctx, fanID)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)
	require.Equal(t, SensorHighest, active.SensorIdentifier)

	assignments, err := s.ListActiveAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "agent-1", assignments[0].AgentID)
	require.Equal(t, SensorHighest, assignments[0].SensorName)
	require.Len(t, assignments[0].Points, 2)

	require.NoError(t, s.DeactivateFanAssignment(ctx, fanID))
	_, err = s.GetActiveFanAssignment(ctx, fanID)
	require.True(t, trace.IsNotFound(err))
}

func TestFanAssignmentShape(t *testing.T) {
	sensorID := int64(1)
	err := (&FanAssignment{FanID: 1, ProfileID: 1}).Check()
	require.True(t, trace.IsBadParameter(err))
	err = (&FanAssignment{FanID: 1, ProfileID: 1, SensorID: &sensorID, SensorIdentifier: SensorHighest}).Check()
	require.True(t, trace.IsBadParameter(err))
	err = (&FanAssignment{FanID: 1, ProfileID: 1, SensorIdentifier: "__bogus__"}).Check()
	require.True(t, trace.IsBadParameter(err))
	require.NoError(t, (&FanAssignment{FanID: 1, ProfileID: 1, SensorIdentifier: SensorGroupPrefix + "coretemp"}).Check())
}

func TestTelemetryCommitAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	sys := registerSystem(t, s, "agent-1", time.Now().UTC())
	sensorID, err := s.UpsertSensor(ctx, SensorParams{SystemID: sys.ID, SensorName: "coretemp_0"})
	require.NoError(t, err)
	fanID, err := s.UpsertFan(ctx, FanParams{SystemID: sys.ID, FanName: "fan1", HasPWMControl: true})
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		temp := 50.0 + float64(i)
		speed, rpm := 40+i, 1000+10*i
		require.NoError(t, s.CommitTelemetry(ctx, TelemetryBatch{
			SystemID: sys.ID,
			Points: []HistoryPoint{
				{SystemID: sys.ID, SensorID: &sensorID, Temperature: &temp, Timestamp: ts},
				{SystemID: sys.ID, FanID: &fanID, FanSpeed: &speed, FanRPM: &rpm, Timestamp: ts},
			},
			SensorTemps: map[int64]float64{sensorID: temp},
			FanStates:   map[int64]FanLiveState{fanID: {RPM: rpm, Speed: speed}},
		}))
	}

	// live mirrors hold the latest reading
	sensor, err := s.GetSensor(ctx, sensorID)
	require.NoError(t, err)
	require.NotNil(t, sensor.CurrentTemp)
	require.Equal(t, 59.0, *sensor.CurrentTemp)
	fan, err := s.GetFan(ctx, fanID)
	require.NoError(t, err)
	require.Equal(t, 49, fan.CurrentSpeed)
	require.Equal(t, 1090, fan.CurrentRPM)

	points, err := s.QueryHistory(ctx, sys.ID, base, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, points, 20)

	// windows exclude what falls outside
	points, err = s.QueryHistory(ctx, sys.ID, base.Add(5*time.Second), base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, points, 10)

	buckets, err := s.QueryChartSeries(ctx, sys.ID, base, base.Add(time.Minute), 5*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, buckets)

	n, err := s.PurgeHistoryBefore(ctx, base.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
}

func TestSettingsWhitelist(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)

	require.True(t, trace.IsBadParameter(s.PutSetting(ctx, "arbitrary_key", "x")))
	_, err := s.GetSetting(ctx, "arbitrary_key")
	require.True(t, trace.IsBadParameter(err))

	require.NoError(t, s.PutSetting(ctx, SettingControllerUpdateInterval, "1500"))
	v, err := s.GetSetting(ctx, SettingControllerUpdateInterval)
	require.NoError(t, err)
	require.Equal(t, "1500", v)

	all, err := s.AllSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "1500", all[SettingControllerUpdateInterval])
}

func TestLicenseCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)

	_, err := s.GetLicenseCache(ctx)
	require.True(t, trace.IsNotFound(err))

	validated := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	expires := validated.Add(365 * 24 * time.Hour)
	require.NoError(t, s.PutLicenseCache(ctx, LicenseCache{
		LicenseKey:    "key-1",
		Tier:          "pro",
		AgentLimit:    10,
		RetentionDays: 30,
		AlertLimit:    20,
		ExpiresAt:     &expires,
		ValidatedAt:   validated,
	}))
	// replacing keeps a single logical row
	require.NoError(t, s.PutLicenseCache(ctx, LicenseCache{
		LicenseKey:    "key-1",
		Tier:          "enterprise",
		AgentLimit:    -1,
		RetentionDays: 365,
		ValidatedAt:   validated.Add(time.Hour),
	}))

	lc, err := s.GetLicenseCache(ctx)
	require.NoError(t, err)
	require.Equal(t, "enterprise", lc.Tier)
	require.Equal(t, -1, lc.AgentLimit)
	require.Nil(t, lc.ExpiresAt)
}

func TestDeployTemplates(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateDeployTemplate(ctx, DeployTemplate{
		Token:     "tok-1",
		Config:    `{"server":"wss://example.com/ws/agent"}`,
		ExpiresAt: now.Add(24 * time.Hour),
	}))

	got, err := s.ConsumeDeployTemplate(ctx, "tok-1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, got.UsedCount)

	// expired tokens are rejected
	_, err = s.ConsumeDeployTemplate(ctx, "tok-1", now.Add(48*time.Hour))
	require.True(t, trace.IsAccessDenied(err))

	require.NoError(t, s.PurgeExpiredDeployTemplates(ctx, now.Add(48*time.Hour)))
	_, err = s.ConsumeDeployTemplate(ctx, "tok-1", now)
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteSystemCascades(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	sys := registerSystem(t, s, "agent-1", time.Now().UTC())
	_, err := s.UpsertSensor(ctx, SensorParams{SystemID: sys.ID, SensorName: "coretemp_0"})
	require.NoError(t, err)
	_, err = s.UpsertFan(ctx, FanParams{SystemID: sys.ID, FanName: "fan1"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSystem(ctx, sys.ID))

	sensors, err := s.ListSensors(ctx, sys.ID)
	require.NoError(t, err)
	require.Empty(t, sensors)
	fans, err := s.ListFans(ctx, sys.ID)
	require.NoError(t, err)
	require.Empty(t, fans)
}

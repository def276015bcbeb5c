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

package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pankhahq/pankha/lib/storage"
	logutils "github.com/pankhahq/pankha/lib/utils/log"
	"github.com/pankhahq/pankha/lib/wire"
)

func newEnv(t *testing.T, onAggregated func(*wire.SystemSnapshot)) (*Aggregator, *storage.Storage, int64) {
	t.Helper()
	ctx := context.Background()
	log := logutils.DiscardLogger()

	s, err := storage.Open(ctx, storage.Config{Path: ":memory:", Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sys, err := s.UpsertSystemRegistration(ctx, storage.RegistrationParams{
		AgentID: "agent-1", Name: "lab-box", Now: time.Now().UTC(),
	})
	require.NoError(t, err)

	a, err := New(Config{Storage: s, Log: log, OnAggregated: onAggregated})
	require.NoError(t, err)
	return a, s, sys.ID
}

func frame(sensors map[string]float64) *wire.DataFrame {
	f := &wire.DataFrame{AgentID: "agent-1", Timestamp: time.Now().UnixMilli()}
	for id, temp := range sensors {
		f.Sensors = append(f.Sensors, wire.SensorReading{ID: id, Temperature: temp})
	}
	return f
}

func TestHandleDataFrameInstallsSnapshot(t *testing.T) {
	var seen []*wire.SystemSnapshot
	a, _, systemID := newEnv(t, func(s *wire.SystemSnapshot) { seen = append(seen, s) })
	ctx := context.Background()

	f := frame(map[string]float64{"coretemp_0": 54.5})
	f.Fans = []wire.FanReading{{ID: "fan1", RPM: 1200, Speed: 40}}
	f.SystemHealth = &wire.SystemHealth{CPUUsage: 12.5}
	require.NoError(t, a.HandleDataFrame(ctx, systemID, f))

	snapshot, ok := a.Snapshot("agent-1")
	require.True(t, ok)
	require.Equal(t, 54.5, snapshot.Sensors["coretemp_0"].Temperature)
	require.Equal(t, 1200, snapshot.Fans["fan1"].RPM)
	require.NotNil(t, snapshot.SystemHealth)

	// the callback fired with the installed snapshot
	require.Len(t, seen, 1)
	require.Same(t, snapshot, seen[0])

	// a new frame replaces the snapshot wholesale
	require.NoError(t, a.HandleDataFrame(ctx, systemID, frame(map[string]float64{"coretemp_1": 60})))
	snapshot, ok = a.Snapshot("agent-1")
	require.True(t, ok)
	require.NotContains(t, snapshot.Sensors, "coretemp_0")
	require.Nil(t, snapshot.SystemHealth)
}

func TestHandleDataFrameUpsertsUnknownHardware(t *testing.T) {
	a, s, systemID := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, a.HandleDataFrame(ctx, systemID, frame(map[string]float64{"coretemp_0": 50})))

	// a sensor row was created for the first sighting
	sensors, err := s.ListSensors(ctx, systemID)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	require.Equal(t, "coretemp_0", sensors[0].SensorName)
}

func TestTemperatureSelectors(t *testing.T) {
	a, _, systemID := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, a.HandleDataFrame(ctx, systemID, frame(map[string]float64{
		"coretemp_0": 54.5,
		"coretemp_1": 61.0,
		"nvme_0":     38.0,
	})))

	temp, err := a.Temperature("agent-1", "coretemp_0")
	require.NoError(t, err)
	require.Equal(t, 54.5, temp)

	temp, err = a.Temperature("agent-1", storage.SensorHighest)
	require.NoError(t, err)
	require.Equal(t, 61.0, temp)

	temp, err = a.Temperature("agent-1", storage.SensorGroupPrefix+"coretemp")
	require.NoError(t, err)
	require.Equal(t, 61.0, temp)

	temp, err = a.Temperature("agent-1", storage.SensorGroupPrefix+"nvme")
	require.NoError(t, err)
	require.Equal(t, 38.0, temp)

	_, err = a.Temperature("agent-1", "missing_0")
	require.True(t, trace.IsNotFound(err))
	_, err = a.Temperature("agent-1", storage.SensorGroupPrefix+"gpu")
	require.True(t, trace.IsNotFound(err))
	_, err = a.Temperature("agent-2", storage.SensorHighest)
	require.True(t, trace.IsNotFound(err))
}

func TestHistoryWriterPersistsBatches(t *testing.T) {
	a, s, systemID := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.RunHistoryWriter(ctx)

	before := time.Now().Add(-time.Minute)
	require.NoError(t, a.HandleDataFrame(ctx, systemID, frame(map[string]float64{"coretemp_0": 50})))

	require.Eventually(t, func() bool {
		points, err := s.QueryHistory(ctx, systemID, before, time.Now().Add(time.Minute), 0)
		return err == nil && len(points) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHandleAgentOffline(t *testing.T) {
	a, _, systemID := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, a.HandleDataFrame(ctx, systemID, frame(map[string]float64{"coretemp_0": 50})))
	_, ok := a.Snapshot("agent-1")
	require.True(t, ok)

	a.HandleAgentOffline("agent-1")
	_, ok = a.Snapshot("agent-1")
	require.False(t, ok)
	require.Empty(t, a.Snapshots())
}

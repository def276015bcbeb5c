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

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	logutils "github.com/pankhahq/pankha/lib/utils/log"
	"github.com/pankhahq/pankha/lib/wire"
)

// fakeSender records sent frames and simulates connectivity.
type fakeSender struct {
	mu      sync.Mutex
	online  map[string]bool
	frames  []wire.CommandFrame
	sendErr error
}

func newFakeSender() *fakeSender {
	return &fakeSender{online: make(map[string]bool)}
}

func (f *fakeSender) SendCommandFrame(agentID string, frame wire.CommandFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) IsAgentConnected(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[agentID]
}

func (f *fakeSender) setOnline(agentID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[agentID] = online
}

func (f *fakeSender) sent() []wire.CommandFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.CommandFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

// waitForFrames polls until the sender has seen n frames.
func (f *fakeSender) waitForFrames(t *testing.T, n int) []wire.CommandFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frames := f.sent()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v sent frames", n)
	return nil
}

func newDispatcher(t *testing.T, sender Sender, clock clockwork.Clock) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Sender: sender,
		Clock:  clock,
		Log:    logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	return d
}

type sendOutcome struct {
	result Result
	err    error
}

func sendAsync(d *Dispatcher, agentID, cmdType string, payload any, priority Priority) chan sendOutcome {
	out := make(chan sendOutcome, 1)
	go func() {
		result, err := d.Send(context.Background(), agentID, cmdType, payload, priority)
		out <- sendOutcome{result: result, err: err}
	}()
	return out
}

func TestSendAndRespond(t *testing.T) {
	sender := newFakeSender()
	sender.setOnline("agent-1", true)
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	outcome := sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 50}, PriorityNormal)

	frames := sender.waitForFrames(t, 1)
	require.Equal(t, wire.CmdSetFanSpeed, frames[0].Type)
	var payload wire.SetFanSpeedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	require.Equal(t, 50, payload.Speed)

	d.HandleResponse(&wire.CommandResponse{
		CommandID: frames[0].CommandID,
		Success:   true,
		Data:      json.RawMessage(`{"applied":50}`),
	})
	got := <-outcome
	require.NoError(t, got.err)
	require.Equal(t, StatusSucceeded, got.result.Status)
	require.True(t, got.result.OK())
}

func TestAgentFailureResponse(t *testing.T) {
	sender := newFakeSender()
	sender.setOnline("agent-1", true)
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	outcome := sendAsync(d, "agent-1", wire.CmdSetLogLevel,
		wire.SetLogLevelPayload{Level: "debug"}, PriorityNormal)
	frames := sender.waitForFrames(t, 1)
	d.HandleResponse(&wire.CommandResponse{
		CommandID: frames[0].CommandID,
		Success:   false,
		Error:     "unsupported level",
	})
	got := <-outcome
	require.NoError(t, got.err)
	require.Equal(t, StatusFailed, got.result.Status)
	require.Equal(t, "unsupported level", got.result.Error)
}

// Enqueue puts frames on the wire for every agent without waiting for
// responses: one unresponsive agent must not delay the others.
func TestEnqueueFansOutWithoutWaiting(t *testing.T) {
	sender := newFakeSender()
	sender.setOnline("agent-1", true)
	sender.setOnline("agent-2", true)
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	first, err := d.Enqueue("agent-1", wire.CmdEmergencyStop, struct{}{}, PriorityEmergency)
	require.NoError(t, err)
	second, err := d.Enqueue("agent-2", wire.CmdEmergencyStop, struct{}{}, PriorityEmergency)
	require.NoError(t, err)

	// both frames go out even though no response has arrived
	frames := sender.waitForFrames(t, 2)
	for _, frame := range frames {
		require.Equal(t, wire.CmdEmergencyStop, frame.Type)
	}
	select {
	case got := <-first:
		t.Fatalf("unanswered command completed early with %+v", got)
	case got := <-second:
		t.Fatalf("unanswered command completed early with %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	// a late acknowledgment still lands on the right channel
	for _, frame := range frames {
		d.HandleResponse(&wire.CommandResponse{CommandID: frame.CommandID, Success: true})
	}
	require.Equal(t, StatusSucceeded, (<-first).Status)
	require.Equal(t, StatusSucceeded, (<-second).Status)
}

func TestUnknownCommandTypeRejected(t *testing.T) {
	d := newDispatcher(t, newFakeSender(), clockwork.NewRealClock())
	_, err := d.Send(context.Background(), "agent-1", "bogus", struct{}{}, PriorityNormal)
	require.True(t, trace.IsBadParameter(err))
}

func TestEmergencyFailsFastWhenOffline(t *testing.T) {
	sender := newFakeSender()
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	_, err := d.Send(context.Background(), "agent-1", wire.CmdEmergencyStop,
		struct{}{}, PriorityEmergency)
	require.True(t, trace.IsConnectionProblem(err))
	require.Contains(t, err.Error(), "agent_offline")
}

// Commands queued while a known agent is away are delivered when it
// reconnects.
func TestOfflineParkingDeliversOnReconnect(t *testing.T) {
	sender := newFakeSender()
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	outcome := sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 60}, PriorityNormal)

	// nothing goes out while offline
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sender.sent())
	require.Equal(t, 1, d.PendingCount("agent-1"))

	sender.setOnline("agent-1", true)
	d.HandleAgentOnline("agent-1")

	frames := sender.waitForFrames(t, 1)
	d.HandleResponse(&wire.CommandResponse{CommandID: frames[0].CommandID, Success: true})
	got := <-outcome
	require.NoError(t, got.err)
	require.Equal(t, StatusSucceeded, got.result.Status)
}

// A newer speed write for the same fan supersedes an older queued one.
func TestSupersedence(t *testing.T) {
	sender := newFakeSender()
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	first := sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 40}, PriorityNormal)
	// let the first enqueue before the second
	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 1
	}, time.Second, time.Millisecond)

	second := sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 70}, PriorityNormal)

	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, StatusSuperseded, got.result.Status)
	require.True(t, got.result.OK())

	// only the newer write goes out on reconnect
	sender.setOnline("agent-1", true)
	d.HandleAgentOnline("agent-1")
	frames := sender.waitForFrames(t, 1)
	var payload wire.SetFanSpeedPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	require.Equal(t, 70, payload.Speed)

	d.HandleResponse(&wire.CommandResponse{CommandID: frames[0].CommandID, Success: true})
	require.Equal(t, StatusSucceeded, (<-second).result.Status)
	require.Len(t, sender.sent(), 1)
}

// Writes to different fans do not supersede each other.
func TestNoSupersedenceAcrossFans(t *testing.T) {
	sender := newFakeSender()
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 40}, PriorityNormal)
	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 1
	}, time.Second, time.Millisecond)
	sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan2", Speed: 70}, PriorityNormal)

	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 2
	}, time.Second, time.Millisecond)
}

// A higher-priority queued write is not superseded by a lower one.
func TestSupersedenceRespectsPriority(t *testing.T) {
	sender := newFakeSender()
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 100}, PriorityHigh)
	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 1
	}, time.Second, time.Millisecond)
	sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 20}, PriorityLow)

	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 2
	}, time.Second, time.Millisecond)
}

// Higher priority commands drain before older lower priority ones.
func TestPriorityOrdering(t *testing.T) {
	sender := newFakeSender()
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	low := sendAsync(d, "agent-1", wire.CmdSelfUpdate, wire.SelfUpdatePayload{}, PriorityLow)
	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 1
	}, time.Second, time.Millisecond)
	high := sendAsync(d, "agent-1", wire.CmdPing, struct{}{}, PriorityHigh)
	require.Eventually(t, func() bool {
		return d.PendingCount("agent-1") == 2
	}, time.Second, time.Millisecond)

	sender.setOnline("agent-1", true)
	d.HandleAgentOnline("agent-1")

	frames := sender.waitForFrames(t, 2)
	require.Equal(t, wire.CmdPing, frames[0].Type)
	require.Equal(t, wire.CmdSelfUpdate, frames[1].Type)

	for _, frame := range frames {
		d.HandleResponse(&wire.CommandResponse{CommandID: frame.CommandID, Success: true})
	}
	<-low
	<-high
}

func TestResponseDeadlineTimesOutParkedCommand(t *testing.T) {
	sender := newFakeSender()
	clock := clockwork.NewFakeClock()
	d := newDispatcher(t, sender, clock)

	outcome := sendAsync(d, "agent-1", wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: "fan1", Speed: 60}, PriorityNormal)

	// wait for the deadline timer to be armed
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(11 * time.Second)

	got := <-outcome
	require.NoError(t, got.err)
	require.Equal(t, StatusTimedOut, got.result.Status)
	require.Equal(t, "agent_offline", got.result.Error)
}

func TestDuplicateResponseIgnored(t *testing.T) {
	sender := newFakeSender()
	sender.setOnline("agent-1", true)
	d := newDispatcher(t, sender, clockwork.NewRealClock())

	outcome := sendAsync(d, "agent-1", wire.CmdPing, struct{}{}, PriorityNormal)
	frames := sender.waitForFrames(t, 1)
	resp := &wire.CommandResponse{CommandID: frames[0].CommandID, Success: true}
	d.HandleResponse(resp)
	d.HandleResponse(resp)
	d.HandleResponse(&wire.CommandResponse{CommandID: "never-sent", Success: true})

	got := <-outcome
	require.NoError(t, got.err)
	require.Equal(t, StatusSucceeded, got.result.Status)
}

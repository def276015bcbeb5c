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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pankhahq/pankha/lib/aggregator"
	"github.com/pankhahq/pankha/lib/license"
	"github.com/pankhahq/pankha/lib/registry"
	"github.com/pankhahq/pankha/lib/storage"
	logutils "github.com/pankhahq/pankha/lib/utils/log"
	"github.com/pankhahq/pankha/lib/wire"
)

type env struct {
	storage    *storage.Storage
	registry   *registry.Registry
	aggregator *aggregator.Aggregator
	gateway    *Gateway
	server     *httptest.Server

	events    chan string
	responses chan *wire.CommandResponse
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	log := logutils.DiscardLogger()

	s, err := storage.Open(ctx, storage.Config{Path: ":memory:", Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lic, err := license.NewService(ctx, license.Config{Storage: s, Log: log})
	require.NoError(t, err)
	reg, err := registry.New(ctx, registry.Config{Storage: s, License: lic, Log: log})
	require.NoError(t, err)
	agg, err := aggregator.New(aggregator.Config{Storage: s, Log: log})
	require.NoError(t, err)

	e := &env{
		storage:    s,
		registry:   reg,
		aggregator: agg,
		events:     make(chan string, 128),
		responses:  make(chan *wire.CommandResponse, 16),
	}
	e.gateway, err = New(Config{
		Storage:           s,
		Registry:          reg,
		Aggregator:        agg,
		Log:               log,
		OnCommandResponse: func(resp *wire.CommandResponse) { e.responses <- resp },
		TestEvents:        e.events,
	})
	require.NoError(t, err)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.gateway.ServeAgent(r.Context(), conn)
	}))
	t.Cleanup(func() {
		e.gateway.Close()
		e.server.Close()
	})
	return e
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *env) waitEvent(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-e.events:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func registerFrame(agentID, token string) []byte {
	return []byte(fmt.Sprintf(`{"type":"register","data":{
		"agentId":%q,"name":"lab-box","auth_token":%q,
		"capabilities":{
			"sensors":[{"id":"coretemp_0","type":"cpu"}],
			"fans":[{"id":"fan1","pwm_control":true}],
			"fan_control":true
		}}}`, agentID, token))
}

// register drives a full handshake and returns after the confirmation.
func (e *env) register(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, registerFrame(agentID, "secret")))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env struct {
		Type string `json:"type"`
		Data struct {
			AgentID string `json:"agentId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, wire.TypeRegistered, env.Type)
	require.Equal(t, agentID, env.Data.AgentID)
}

func TestRegistrationLifecycle(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)
	e.register(t, conn, "agent-1")
	e.waitEvent(t, agentConnected)

	require.True(t, e.gateway.IsAgentConnected("agent-1"))
	require.True(t, e.registry.IsOnline("agent-1"))

	// the advertised hardware landed in storage
	sys, err := e.storage.GetSystemByAgentID(context.Background(), "agent-1")
	require.NoError(t, err)
	require.True(t, sys.Config.EnableFanControl)
	fans, err := e.storage.ListFans(context.Background(), sys.ID)
	require.NoError(t, err)
	require.Len(t, fans, 1)
	require.True(t, fans[0].HasPWMControl)

	conn.Close()
	e.waitEvent(t, agentDisconnected)
	require.False(t, e.gateway.IsAgentConnected("agent-1"))
	require.False(t, e.registry.IsOnline("agent-1"))
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)

	data := []byte(`{"type":"data","data":{"agentId":"agent-1","timestamp":1,"sensors":[]}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError))
}

func TestMismatchedTokenRejected(t *testing.T) {
	e := newEnv(t)
	first := e.dial(t)
	e.register(t, first, "agent-1")
	e.waitEvent(t, agentConnected)
	first.Close()
	e.waitEvent(t, agentDisconnected)

	second := e.dial(t)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, registerFrame("agent-1", "wrong")))
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestDataFrameFlow(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)
	e.register(t, conn, "agent-1")
	e.waitEvent(t, agentConnected)

	data := []byte(`{"type":"data","data":{
		"agentId":"agent-1","timestamp":1700000000000,
		"sensors":[{"id":"coretemp_0","temperature":54.5}],
		"fans":[{"id":"fan1","rpm":1200,"speed":40}]}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		snapshot, ok := e.aggregator.Snapshot("agent-1")
		return ok && snapshot.Sensors["coretemp_0"].Temperature == 54.5
	}, 5*time.Second, 5*time.Millisecond)

	// a frame claiming another agent's id is dropped
	foreign := []byte(`{"type":"data","data":{"agentId":"agent-2","timestamp":1,"sensors":[]}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, foreign))
	e.waitEvent(t, frameDropped)
	_, ok := e.aggregator.Snapshot("agent-2")
	require.False(t, ok)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)
	e.register(t, conn, "agent-1")
	e.waitEvent(t, agentConnected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	e.waitEvent(t, frameDropped)

	// the connection survived and still carries telemetry
	data := []byte(`{"type":"data","data":{
		"agentId":"agent-1","timestamp":1,
		"sensors":[{"id":"coretemp_0","temperature":50}]}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	require.Eventually(t, func() bool {
		_, ok := e.aggregator.Snapshot("agent-1")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCommandRoundTrip(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)
	e.register(t, conn, "agent-1")
	e.waitEvent(t, agentConnected)

	payload, err := json.Marshal(wire.SetFanSpeedPayload{FanID: "fan1", Speed: 60})
	require.NoError(t, err)
	err = e.gateway.SendCommandFrame("agent-1", wire.CommandFrame{
		Type: wire.CmdSetFanSpeed, CommandID: "cmd-1", Payload: payload,
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.ParseCommandFrame(raw)
	require.NoError(t, err)
	require.Equal(t, "cmd-1", frame.CommandID)

	// the agent's response is routed to the dispatcher callback
	resp := []byte(`{"type":"commandResponse","commandId":"cmd-1","success":true}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, resp))
	select {
	case got := <-e.responses:
		require.Equal(t, "cmd-1", got.CommandID)
		require.True(t, got.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the command response")
	}
}

func TestSendToDisconnectedAgent(t *testing.T) {
	e := newEnv(t)
	err := e.gateway.SendCommandFrame("ghost", wire.CommandFrame{
		Type: wire.CmdPing, CommandID: "cmd-1",
	})
	require.True(t, trace.IsConnectionProblem(err))
}

// A second connection for the same agent id replaces the first without
// an offline transition.
func TestConnectionReplacement(t *testing.T) {
	e := newEnv(t)
	first := e.dial(t)
	e.register(t, first, "agent-1")
	e.waitEvent(t, agentConnected)

	second := e.dial(t)
	e.register(t, second, "agent-1")
	e.waitEvent(t, agentReplaced)

	require.True(t, e.gateway.IsAgentConnected("agent-1"))
	require.True(t, e.registry.IsOnline("agent-1"))

	// the replaced connection was closed by the server
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	// no disconnect event fired for the replacement
	select {
	case got := <-e.events:
		require.NotEqual(t, agentDisconnected, got)
	default:
	}

	// commands reach the new connection
	require.NoError(t, e.gateway.SendCommandFrame("agent-1", wire.CommandFrame{
		Type: wire.CmdPing, CommandID: "cmd-1", Payload: json.RawMessage(`{}`),
	}))
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := second.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.ParseCommandFrame(raw)
	require.NoError(t, err)
	require.Equal(t, wire.CmdPing, frame.Type)
}

func TestCloseAgent(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)
	e.register(t, conn, "agent-1")
	e.waitEvent(t, agentConnected)

	e.gateway.CloseAgent("agent-1")
	e.waitEvent(t, agentDisconnected)
	require.False(t, e.gateway.IsAgentConnected("agent-1"))
}

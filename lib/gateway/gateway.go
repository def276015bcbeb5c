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

// Package gateway owns the websocket endpoint agents connect to. A
// connection must open with a register frame; after that the gateway
// routes telemetry to the aggregator and command responses to the
// dispatcher, watches liveness, and carries outbound commands. One
// live connection per agent id: a newer connection wins and the older
// one is closed.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/aggregator"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/registry"
	"github.com/pankhahq/pankha/lib/storage"
	"github.com/pankhahq/pankha/lib/wire"
)

// test event names, emitted when Config.TestEvents is set
const (
	agentConnected    = "agent-connected"
	agentDisconnected = "agent-disconnected"
	agentReplaced     = "agent-replaced"
	frameDropped      = "frame-dropped"
)

// Config holds gateway dependencies.
type Config struct {
	Storage    *storage.Storage
	Registry   *registry.Registry
	Aggregator *aggregator.Aggregator
	Clock      clockwork.Clock
	Log        *slog.Logger

	// OnCommandResponse receives command responses for correlation;
	// wired to the dispatcher.
	OnCommandResponse func(*wire.CommandResponse)
	// OnAgentOnline fires after a successful registration.
	OnAgentOnline func(agentID string)
	// OnAgentOffline fires when an agent's connection is torn down.
	OnAgentOffline func(agentID string)

	// TestEvents, when set, receives lifecycle event names. Tests only.
	TestEvents chan string
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
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentGateway)
	if c.OnCommandResponse == nil {
		c.OnCommandResponse = func(*wire.CommandResponse) {}
	}
	if c.OnAgentOnline == nil {
		c.OnAgentOnline = func(string) {}
	}
	if c.OnAgentOffline == nil {
		c.OnAgentOffline = func(string) {}
	}
	return nil
}

var connectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "pankha_connected_agents",
	Help: "Currently connected agents.",
})

func init() {
	prometheus.MustRegister(connectedAgents)
}

type agentConn struct {
	agentID string
	conn    *websocket.Conn
	out     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Gateway tracks live agent connections.
type Gateway struct {
	cfg Config

	mu    sync.RWMutex
	conns map[string]*agentConn
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gateway{
		cfg:   cfg,
		conns: make(map[string]*agentConn),
	}, nil
}

func (g *Gateway) testEvent(name string) {
	if g.cfg.TestEvents != nil {
		g.cfg.TestEvents <- name
	}
}

// ServeAgent owns an upgraded agent connection until it closes. The
// first frame must be a register; anything else is a protocol
// violation and the connection is closed.
func (g *Gateway) ServeAgent(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(defaults.MaxAgentFrameBytes)

	sys, err := g.awaitRegistration(ctx, conn)
	if err != nil {
		g.cfg.Log.InfoContext(ctx, "Rejecting agent connection.", "error", err)
		closeCode := websocket.CloseProtocolError
		if trace.IsAccessDenied(err) {
			closeCode = websocket.ClosePolicyViolation
		}
		msg := websocket.FormatCloseMessage(closeCode, trace.UserMessage(err))
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ac := &agentConn{
		agentID: sys.AgentID,
		conn:    conn,
		out:     make(chan []byte, defaults.AgentOutboundQueueLen),
		done:    make(chan struct{}),
	}
	g.install(ac)
	connectedAgents.Inc()
	g.testEvent(agentConnected)
	g.cfg.Log.InfoContext(ctx, "Agent connected.",
		"agent_id", sys.AgentID, "name", sys.Name, "version", sys.AgentVersion)

	go g.writeLoop(ac)
	g.cfg.OnAgentOnline(sys.AgentID)
	g.readLoop(ctx, ac, sys)

	replaced := g.remove(ac)
	ac.close()
	connectedAgents.Dec()
	if !replaced {
		g.cfg.Registry.HandleAgentOffline(ctx, sys.AgentID)
		g.cfg.OnAgentOffline(sys.AgentID)
		g.testEvent(agentDisconnected)
		g.cfg.Log.InfoContext(ctx, "Agent disconnected.", "agent_id", sys.AgentID)
	}
}

// awaitRegistration reads and processes the opening register frame.
func (g *Gateway) awaitRegistration(ctx context.Context, conn *websocket.Conn) (*storage.System, error) {
	conn.SetReadDeadline(time.Now().Add(defaults.RegisterTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "agent sent no register frame")
	}
	msg, err := wire.ParseAgentFrame(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, ok := msg.(*wire.RegisterRequest)
	if !ok {
		return nil, trace.BadParameter("expected a register frame, got %T", msg)
	}
	sys, err := g.register(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	confirmation, err := wire.MarshalRegistered(sys.AgentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conn.SetWriteDeadline(time.Now().Add(defaults.SubscriberWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, confirmation); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to confirm registration")
	}
	return sys, nil
}

// register upserts the system row and its advertised hardware, and
// installs the registry state.
func (g *Gateway) register(ctx context.Context, req *wire.RegisterRequest) (*storage.System, error) {
	cfg := storage.AgentConfig{
		UpdateIntervalMS: req.UpdateIntervalMS,
		FanStepPercent:   req.FanStepPercent,
		HysteresisTemp:   req.HysteresisTemp,
		EmergencyTemp:    req.EmergencyTemp,
		FailsafeSpeed:    req.FailsafeSpeed,
		LogLevel:         req.LogLevel,
		EnableFanControl: req.Capabilities.FanControl,
	}
	sys, err := g.cfg.Storage.UpsertSystemRegistration(ctx, storage.RegistrationParams{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Platform:     req.Platform,
		AgentVersion: req.AgentVersion,
		IPAddress:    req.IPAddress,
		AuthToken:    req.AuthToken,
		Capabilities: req.Capabilities,
		Config:       cfg,
		Now:          g.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sensorIDs := make(map[string]int64, len(req.Capabilities.Sensors))
	for _, s := range req.Capabilities.Sensors {
		params := storage.SensorParams{
			SystemID:   sys.ID,
			SensorName: s.ID,
			Label:      s.Label,
			SensorType: s.Type,
		}
		if s.MaxTemp > 0 {
			params.TempMax = &s.MaxTemp
		}
		if s.CritTemp > 0 {
			params.TempCrit = &s.CritTemp
		}
		id, err := g.cfg.Storage.UpsertSensor(ctx, params)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sensorIDs[s.ID] = id
	}
	fanIDs := make(map[string]int64, len(req.Capabilities.Fans))
	for _, f := range req.Capabilities.Fans {
		id, err := g.cfg.Storage.UpsertFan(ctx, storage.FanParams{
			SystemID:      sys.ID,
			FanName:       f.ID,
			Label:         f.Label,
			HasPWMControl: f.PWMControl,
			MinSpeed:      f.MinSpeed,
			MaxSpeed:      f.MaxSpeed,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		fanIDs[f.ID] = id
	}
	g.cfg.Aggregator.PrimeRowIDs(sys.ID, sensorIDs, fanIDs)
	g.cfg.Registry.HandleRegistered(sys)
	return sys, nil
}

// install makes ac the live connection for its agent, closing any
// previous one.
func (g *Gateway) install(ac *agentConn) {
	g.mu.Lock()
	prev := g.conns[ac.agentID]
	g.conns[ac.agentID] = ac
	g.mu.Unlock()
	if prev != nil {
		prev.close()
		g.testEvent(agentReplaced)
	}
}

// remove drops ac if it is still the live connection. Returns true
// when a newer connection already replaced it.
func (g *Gateway) remove(ac *agentConn) (replaced bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conns[ac.agentID] != ac {
		return true
	}
	delete(g.conns, ac.agentID)
	return false
}

// heartbeatTimeout derives the liveness deadline from the agent's
// telemetry period.
func heartbeatTimeout(cfg storage.AgentConfig) time.Duration {
	timeout := cfg.UpdateInterval() * defaults.HeartbeatMultiplier
	if timeout < defaults.MinHeartbeatTimeout {
		timeout = defaults.MinHeartbeatTimeout
	}
	return timeout
}

func (g *Gateway) readLoop(ctx context.Context, ac *agentConn, sys *storage.System) {
	timeout := heartbeatTimeout(sys.Config)
	for {
		ac.conn.SetReadDeadline(time.Now().Add(timeout))
		_, raw, err := ac.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				g.cfg.Log.WarnContext(ctx, "Agent missed its heartbeat deadline.",
					"agent_id", ac.agentID, "timeout", timeout)
			}
			return
		}
		g.cfg.Registry.TouchLastSeen(ac.agentID)

		msg, err := wire.ParseAgentFrame(raw)
		if err != nil {
			// malformed frames are logged and dropped, the connection
			// stays up
			g.cfg.Log.DebugContext(ctx, "Dropping malformed agent frame.",
				"agent_id", ac.agentID, "error", err)
			g.testEvent(frameDropped)
			continue
		}
		switch m := msg.(type) {
		case *wire.DataFrame:
			if m.AgentID != ac.agentID {
				g.cfg.Log.DebugContext(ctx, "Dropping data frame with foreign agent id.",
					"agent_id", ac.agentID, "claimed", m.AgentID)
				g.testEvent(frameDropped)
				continue
			}
			g.cfg.Registry.TouchData(ac.agentID)
			if err := g.cfg.Aggregator.HandleDataFrame(ctx, sys.ID, m); err != nil {
				g.cfg.Log.WarnContext(ctx, "Failed to ingest data frame.",
					"agent_id", ac.agentID, "error", err)
			}
		case *wire.CommandResponse:
			g.cfg.OnCommandResponse(m)
		case *wire.RegisterRequest:
			// a re-register on a live connection refreshes capabilities
			refreshed, err := g.register(ctx, m)
			if err != nil {
				g.cfg.Log.WarnContext(ctx, "Re-registration failed.",
					"agent_id", ac.agentID, "error", err)
				return
			}
			sys = refreshed
			timeout = heartbeatTimeout(sys.Config)
		}
	}
}

func (g *Gateway) writeLoop(ac *agentConn) {
	for {
		select {
		case <-ac.done:
			return
		case raw := <-ac.out:
			ac.conn.SetWriteDeadline(time.Now().Add(defaults.SubscriberWriteTimeout))
			if err := ac.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				ac.close()
				return
			}
		}
	}
}

// SendCommandFrame queues one command for a connected agent. A full
// outbound queue means the connection is stuck; it is closed rather
// than blocked on.
func (g *Gateway) SendCommandFrame(agentID string, frame wire.CommandFrame) error {
	raw, err := wire.MarshalCommand(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	g.mu.RLock()
	ac, ok := g.conns[agentID]
	g.mu.RUnlock()
	if !ok {
		return trace.ConnectionProblem(nil, "agent %v is not connected", agentID)
	}
	select {
	case ac.out <- raw:
		return nil
	default:
		ac.close()
		return trace.ConnectionProblem(nil, "agent %v outbound queue overflowed", agentID)
	}
}

// IsAgentConnected reports whether a live connection exists.
func (g *Gateway) IsAgentConnected(agentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[agentID]
	return ok
}

// CloseAgent tears down an agent's connection, if any.
func (g *Gateway) CloseAgent(agentID string) {
	g.mu.RLock()
	ac, ok := g.conns[agentID]
	g.mu.RUnlock()
	if ok {
		ac.close()
	}
}

// Close tears down every live connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := make([]*agentConn, 0, len(g.conns))
	for _, ac := range g.conns {
		conns = append(conns, ac)
	}
	g.mu.Unlock()
	for _, ac := range conns {
		ac.close()
	}
}

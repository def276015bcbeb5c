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

// Package dispatch queues outbound agent commands per agent in
// priority order, correlates responses by command id, and applies the
// retry, timeout and supersedence rules.
package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/wire"
)

// Priority orders commands within an agent's queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	}
	return "unknown"
}

// ParsePriority converts a priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "emergency":
		return PriorityEmergency, nil
	}
	return 0, trace.BadParameter("unknown priority %q", s)
}

// timeout returns the response deadline for the priority.
func (p Priority) timeout() time.Duration {
	switch p {
	case PriorityLow:
		return defaults.CommandTimeoutLow
	case PriorityEmergency:
		return defaults.CommandTimeoutEmergency
	}
	return defaults.CommandTimeout
}

// Status is a command's terminal (or in-flight) state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timedout"
	StatusSuperseded Status = "superseded"
)

// Result is delivered to the caller when a command completes.
// Superseded commands complete with StatusSuperseded and no error:
// a newer equivalent write made them moot.
type Result struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OK reports whether the command reached the agent successfully or
// was made moot by a newer write.
func (r Result) OK() bool {
	return r.Status == StatusSucceeded || r.Status == StatusSuperseded
}

// Sender is the transport half the dispatcher writes frames to; the
// gateway implements it.
type Sender interface {
	// SendCommandFrame writes one command frame to a connected agent.
	SendCommandFrame(agentID string, frame wire.CommandFrame) error
	// IsAgentConnected reports whether the agent has a live connection.
	IsAgentConnected(agentID string) bool
}

// Config holds dispatcher dependencies.
type Config struct {
	Sender Sender
	Clock  clockwork.Clock
	Log    *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Sender == nil {
		return trace.BadParameter("missing Sender")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentDispatch)
	return nil
}

var commandOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pankha_commands_total",
	Help: "Dispatched commands by terminal status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(commandOutcomes)
}

type command struct {
	id         string
	agentID    string
	cmdType    string
	payload    json.RawMessage
	priority   Priority
	fanID      string
	seq        uint64
	attempts   int
	status     Status
	enqueuedAt time.Time

	timer     clockwork.Timer
	completed bool
	done      chan Result
}

// commandQueue is a max-heap by (priority, then FIFO by seq).
type commandQueue []*command

func (q commandQueue) Len() int { return len(q) }
func (q commandQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q commandQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *commandQueue) Push(x any)   { *q = append(*q, x.(*command)) }
func (q *commandQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

type agentQueue struct {
	queue   commandQueue
	pumping bool
}

// Dispatcher correlates outbound commands with their responses.
type Dispatcher struct {
	cfg Config

	mu      sync.Mutex
	seq     uint64
	queues  map[string]*agentQueue
	pending map[string]*command
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		cfg:     cfg,
		queues:  make(map[string]*agentQueue),
		pending: make(map[string]*command),
	}, nil
}

// Send enqueues a command and blocks until it completes or ctx is
// canceled. Emergency commands fail fast: no retry, and an
// immediate agent_offline error when the agent is disconnected.
// Non-emergency commands enqueued for a disconnected agent are held
// until the response deadline so a quick reconnect still delivers
// them; a later equivalent write supersedes them in place.
func (d *Dispatcher) Send(ctx context.Context, agentID, cmdType string, payload any, priority Priority) (Result, error) {
	cmd, err := d.enqueue(agentID, cmdType, payload, priority)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	select {
	case res := <-cmd.done:
		return res, nil
	case <-ctx.Done():
		d.mu.Lock()
		d.completeLocked(cmd, Result{Status: StatusFailed, Error: "canceled"})
		d.mu.Unlock()
		return Result{}, trace.Wrap(ctx.Err())
	}
}

// Enqueue queues a command and returns as soon as it is in the agent's
// queue, without waiting for the response. The returned channel
// delivers the terminal result; callers that only need the frame on
// the wire may drop it. The emergency stop fanout uses this so one
// slow agent cannot delay the others' frames.
func (d *Dispatcher) Enqueue(agentID, cmdType string, payload any, priority Priority) (<-chan Result, error) {
	cmd, err := d.enqueue(agentID, cmdType, payload, priority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cmd.done, nil
}

func (d *Dispatcher) enqueue(agentID, cmdType string, payload any, priority Priority) (*command, error) {
	if !wire.IsCommandType(cmdType) {
		return nil, trace.BadParameter("unknown command type %q", cmdType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if priority == PriorityEmergency && !d.cfg.Sender.IsAgentConnected(agentID) {
		commandOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		return nil, trace.ConnectionProblem(nil, "agent_offline")
	}

	cmd := &command{
		id:         uuid.NewString(),
		agentID:    agentID,
		cmdType:    cmdType,
		payload:    raw,
		priority:   priority,
		enqueuedAt: d.cfg.Clock.Now(),
		status:     StatusPending,
		done:       make(chan Result, 1),
	}
	if cmdType == wire.CmdSetFanSpeed {
		var p wire.SetFanSpeedPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.FanID == "" {
			return nil, trace.BadParameter("setFanSpeed payload needs a fanId")
		}
		cmd.fanID = p.FanID
	}

	d.mu.Lock()
	d.seq++
	cmd.seq = d.seq
	d.supersedeLocked(cmd)
	q := d.queue(agentID)
	heap.Push(&q.queue, cmd)
	cmd.timer = d.cfg.Clock.AfterFunc(priority.timeout(), func() {
		d.handleDeadline(cmd)
	})
	d.startPumpLocked(agentID, q)
	d.mu.Unlock()
	return cmd, nil
}

func (d *Dispatcher) queue(agentID string) *agentQueue {
	q, ok := d.queues[agentID]
	if !ok {
		q = &agentQueue{}
		d.queues[agentID] = q
	}
	return q
}

// supersedeLocked resolves older unsent setFanSpeed commands for the
// same fan at lower-or-equal priority. Emergency commands are never
// superseded.
func (d *Dispatcher) supersedeLocked(newCmd *command) {
	if newCmd.cmdType != wire.CmdSetFanSpeed {
		return
	}
	q, ok := d.queues[newCmd.agentID]
	if !ok {
		return
	}
	for _, cmd := range q.queue {
		if cmd.completed || cmd.status != StatusPending {
			continue
		}
		if cmd.cmdType != wire.CmdSetFanSpeed || cmd.fanID != newCmd.fanID {
			continue
		}
		if cmd.priority == PriorityEmergency || cmd.priority > newCmd.priority {
			continue
		}
		d.completeLocked(cmd, Result{Status: StatusSuperseded})
	}
}

// startPumpLocked ensures a drain goroutine is running for the agent.
func (d *Dispatcher) startPumpLocked(agentID string, q *agentQueue) {
	if q.pumping {
		return
	}
	if !d.cfg.Sender.IsAgentConnected(agentID) {
		return
	}
	q.pumping = true
	go d.pump(agentID)
}

func (d *Dispatcher) pump(agentID string) {
	for {
		d.mu.Lock()
		q := d.queue(agentID)
		var cmd *command
		for q.queue.Len() > 0 {
			candidate := heap.Pop(&q.queue).(*command)
			if !candidate.completed {
				cmd = candidate
				break
			}
		}
		if cmd == nil {
			q.pumping = false
			d.mu.Unlock()
			return
		}
		if !d.cfg.Sender.IsAgentConnected(agentID) {
			// park it again; HandleAgentOnline restarts the pump
			heap.Push(&q.queue, cmd)
			q.pumping = false
			d.mu.Unlock()
			return
		}
		cmd.status = StatusSent
		cmd.attempts++
		d.pending[cmd.id] = cmd
		frame := wire.CommandFrame{Type: cmd.cmdType, CommandID: cmd.id, Payload: cmd.payload}
		d.mu.Unlock()

		if err := d.cfg.Sender.SendCommandFrame(agentID, frame); err != nil {
			d.cfg.Log.Debug("Command transport write failed.",
				"agent_id", agentID, "command", cmd.cmdType, "error", err)
			d.retryOrFail(cmd, Result{Status: StatusFailed, Error: err.Error()})
		}
	}
}

// handleDeadline fires when a command's response deadline passes.
func (d *Dispatcher) handleDeadline(cmd *command) {
	d.mu.Lock()
	if cmd.completed {
		d.mu.Unlock()
		return
	}
	if cmd.status == StatusPending {
		// never reached the wire (agent stayed offline)
		d.completeLocked(cmd, Result{Status: StatusTimedOut, Error: "agent_offline"})
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.retryOrFail(cmd, Result{Status: StatusTimedOut, Error: "command response deadline exceeded"})
}

// retryOrFail re-enqueues a failed or timed-out command if the retry
// budget allows, otherwise completes it with the given result.
func (d *Dispatcher) retryOrFail(cmd *command, result Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd.completed {
		return
	}
	delete(d.pending, cmd.id)
	if cmd.priority == PriorityEmergency || cmd.attempts > defaults.CommandMaxRetries {
		d.completeLocked(cmd, result)
		return
	}
	cmd.status = StatusPending
	cmd.timer = d.cfg.Clock.AfterFunc(cmd.priority.timeout(), func() {
		d.handleDeadline(cmd)
	})
	agentID := cmd.agentID
	d.cfg.Clock.AfterFunc(defaults.CommandRetryBackoff, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if cmd.completed {
			return
		}
		q := d.queue(agentID)
		heap.Push(&q.queue, cmd)
		d.startPumpLocked(agentID, q)
	})
}

// completeLocked delivers the result exactly once. Callers hold d.mu.
func (d *Dispatcher) completeLocked(cmd *command, result Result) {
	if cmd.completed {
		return
	}
	cmd.completed = true
	cmd.status = result.Status
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	delete(d.pending, cmd.id)
	commandOutcomes.WithLabelValues(string(result.Status)).Inc()
	cmd.done <- result
}

// HandleResponse completes the pending command matching the response.
// Unknown command ids are logged and dropped.
func (d *Dispatcher) HandleResponse(resp *wire.CommandResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.pending[resp.CommandID]
	if !ok {
		d.cfg.Log.Debug("Dropping response for unknown command.", "command_id", resp.CommandID)
		return
	}
	if resp.Success {
		d.completeLocked(cmd, Result{Status: StatusSucceeded, Data: resp.Data})
		return
	}
	d.completeLocked(cmd, Result{Status: StatusFailed, Data: resp.Data, Error: resp.Error})
}

// HandleAgentOnline restarts the drain pump so commands parked while
// the agent was away go out.
func (d *Dispatcher) HandleAgentOnline(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue(agentID)
	d.startPumpLocked(agentID, q)
}

// HandleAgentOffline fails every sent-but-unanswered command for the
// agent through the normal retry path. Unsent queued commands stay
// parked until their own deadlines.
func (d *Dispatcher) HandleAgentOffline(agentID string) {
	d.mu.Lock()
	var stranded []*command
	for _, cmd := range d.pending {
		if cmd.agentID == agentID {
			stranded = append(stranded, cmd)
		}
	}
	d.mu.Unlock()
	for _, cmd := range stranded {
		d.retryOrFail(cmd, Result{Status: StatusFailed, Error: "agent disconnected"})
	}
}

// PendingCount reports queued plus in-flight commands for an agent,
// used by tests and the debug endpoint.
func (d *Dispatcher) PendingCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	if q, ok := d.queues[agentID]; ok {
		for _, cmd := range q.queue {
			if !cmd.completed {
				n++
			}
		}
	}
	for _, cmd := range d.pending {
		if cmd.agentID == agentID && !cmd.completed {
			n++
		}
	}
	return n
}

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

// Package defaults contains default constants used across the Pankha
// server.
package defaults

import "time"

const (
	// HTTPListenAddr is the address the combined REST/websocket server
	// binds to when the config file does not say otherwise.
	HTTPListenAddr = "0.0.0.0:8765"

	// AgentWebsocketPath is the well-known path agents connect to.
	AgentWebsocketPath = "/ws/agent"

	// BrowserWebsocketPath is the path dashboard subscribers connect to.
	BrowserWebsocketPath = "/ws/browser"

	// DatabasePath is the default sqlite database location.
	DatabasePath = "/var/lib/pankha/pankha.db"
)

const (
	// MaxAgentFrameBytes is the hard cap on a single inbound agent
	// frame. Larger frames are treated as protocol violations and the
	// connection is closed.
	MaxAgentFrameBytes = 1 << 20

	// AgentOutboundQueueLen bounds per-agent outbound frames. A
	// connection that falls this far behind is closed as misbehaving.
	AgentOutboundQueueLen = 256

	// SubscriberOutboundQueueLen bounds per-subscriber outbound events.
	// Overflow drops the oldest event and suggests a resync.
	SubscriberOutboundQueueLen = 64

	// RegisterTimeout is how long the gateway waits for the first
	// frame (which must be a register) on a fresh agent connection.
	RegisterTimeout = 10 * time.Second

	// HeartbeatMultiplier scales the agent's update interval into the
	// liveness deadline: no inbound frame for this many intervals
	// marks the agent offline.
	HeartbeatMultiplier = 3

	// MinHeartbeatTimeout is the floor for the liveness deadline so
	// aggressive update intervals do not cause flapping.
	MinHeartbeatTimeout = 15 * time.Second

	// SubscriberWriteTimeout is the deadline for a single websocket
	// write to a browser subscriber.
	SubscriberWriteTimeout = 5 * time.Second

	// FullResyncInterval is how often each subscriber is sent a
	// complete snapshot regardless of delta traffic.
	FullResyncInterval = 5 * time.Minute
)

const (
	// CommandTimeout is the response deadline for normal and high
	// priority commands.
	CommandTimeout = 10 * time.Second

	// CommandTimeoutLow is the response deadline for low priority
	// commands.
	CommandTimeoutLow = 30 * time.Second

	// CommandTimeoutEmergency is the response deadline for emergency
	// commands, which fail fast and never retry.
	CommandTimeoutEmergency = 3 * time.Second

	// CommandMaxRetries caps retransmissions of non-emergency commands.
	CommandMaxRetries = 2

	// CommandRetryBackoff is the pause between command retries.
	CommandRetryBackoff = time.Second
)

const (
	// ControllerInterval is the default control loop tick period.
	ControllerInterval = 2 * time.Second

	// ControllerIntervalMin and ControllerIntervalMax bound the
	// user-configurable tick period.
	ControllerIntervalMin = 500 * time.Millisecond
	ControllerIntervalMax = 60 * time.Second

	// MinFanWriteInterval bounds the outbound command rate per fan.
	MinFanWriteInterval = 100 * time.Millisecond

	// HysteresisTemp is the default temperature band in degrees C.
	HysteresisTemp = 3.0

	// FanStepPercent is the default fan speed quantization step.
	FanStepPercent = 5

	// EmergencyTemp is the default emergency override threshold.
	EmergencyTemp = 85.0

	// FailsafeSpeed is the default speed agents fall back to when they
	// lose server contact.
	FailsafeSpeed = 80

	// UpdateInterval is the default agent telemetry period.
	UpdateInterval = 3 * time.Second
)

// Delta thresholds: a field change below its threshold is suppressed
// from subscriber broadcasts to avoid jitter-driven traffic.
const (
	TemperatureDeltaThreshold = 0.1
	RPMDeltaThreshold         = 5
	UsageDeltaThreshold       = 1.0
	UptimeDeltaThreshold      = 60.0
)

const (
	// LicenseCacheTTL is how long a cached license decision stays
	// authoritative before a remote revalidation is attempted.
	LicenseCacheTTL = 24 * time.Hour

	// DeployTokenTTL is the lifetime of installer download tokens.
	DeployTokenTTL = 24 * time.Hour

	// AgentBinaryBaseURL is where deploy redirects send agents for
	// release binaries.
	AgentBinaryBaseURL = "https://get.pankha.io/agent"

	// HistoryPurgeInterval is how often expired monitoring rows are
	// deleted.
	HistoryPurgeInterval = 24 * time.Hour

	// HistoryQueueLen bounds pending history batches awaiting the
	// async writer. Overflow drops the oldest batch.
	HistoryQueueLen = 256
)

// ValidUpdateIntervals are the agent telemetry periods the server will
// accept, mirroring the validation the agents apply locally.
var ValidUpdateIntervals = []time.Duration{
	time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// ValidFanSteps are the accepted fan speed quantization steps.
var ValidFanSteps = []int{3, 5, 10, 15, 25, 50, 100}

// ValidLogLevels are the agent log levels the server will push.
var ValidLogLevels = []string{"error", "warn", "info", "debug", "trace"}

const (
	// MinHysteresisTemp and MaxHysteresisTemp bound the hysteresis
	// band; zero disables it.
	MinHysteresisTemp = 0.0
	MaxHysteresisTemp = 10.0

	// MinEmergencyTemp and MaxEmergencyTemp bound the emergency
	// threshold.
	MinEmergencyTemp = 70.0
	MaxEmergencyTemp = 105.0

	// MinFailsafeSpeed and MaxFailsafeSpeed bound the failsafe speed.
	MinFailsafeSpeed = 30
	MaxFailsafeSpeed = 100
)

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

// Package wire defines the JSON frame formats spoken on the two
// persistent transports: agent to server and browser to server. Every
// frame carries a type tag; unknown tags are surfaced as errors so the
// caller can log and drop them without guessing at payload shapes.
package wire

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// Inbound agent frame types.
const (
	// TypeRegister must be the first frame on a fresh agent connection.
	TypeRegister = "register"
	// TypeData carries a telemetry sample.
	TypeData = "data"
	// TypeCommandResponse completes a previously dispatched command.
	TypeCommandResponse = "commandResponse"
)

// Outbound agent frame types.
const (
	// TypeRegistered confirms a successful registration.
	TypeRegistered = "registered"
	// TypeCommand wraps a server command for the agent.
	TypeCommand = "command"
)

// AgentMessage is one parsed inbound agent frame: a *RegisterRequest,
// *DataFrame or *CommandResponse.
type AgentMessage interface {
	isAgentMessage()
}

func (*RegisterRequest) isAgentMessage() {}
func (*DataFrame) isAgentMessage()       {}
func (*CommandResponse) isAgentMessage() {}

// SensorCapability describes one temperature source advertised at
// registration.
type SensorCapability struct {
	ID       string  `json:"id"`
	Label    string  `json:"label,omitempty"`
	Type     string  `json:"type,omitempty"`
	MaxTemp  float64 `json:"max_temp,omitempty"`
	CritTemp float64 `json:"crit_temp,omitempty"`
}

// FanCapability describes one fan advertised at registration.
type FanCapability struct {
	ID         string `json:"id"`
	Label      string `json:"label,omitempty"`
	RPM        int    `json:"rpm,omitempty"`
	Speed      int    `json:"speed,omitempty"`
	PWMControl bool   `json:"pwm_control"`
	MinSpeed   int    `json:"min_speed,omitempty"`
	MaxSpeed   int    `json:"max_speed,omitempty"`
}

// Capabilities is the hardware snapshot an agent advertises when it
// registers.
type Capabilities struct {
	Sensors    []SensorCapability `json:"sensors"`
	Fans       []FanCapability    `json:"fans"`
	FanControl bool               `json:"fan_control"`
}

// RegisterRequest is the payload of a register frame.
type RegisterRequest struct {
	AgentID          string       `json:"agentId"`
	Name             string       `json:"name"`
	AgentVersion     string       `json:"agent_version,omitempty"`
	Platform         string       `json:"platform,omitempty"`
	IPAddress        string       `json:"ip_address,omitempty"`
	AuthToken        string       `json:"auth_token,omitempty"`
	UpdateIntervalMS int64        `json:"update_interval_ms,omitempty"`
	FanStepPercent   int          `json:"fan_step_percent,omitempty"`
	FailsafeSpeed    int          `json:"failsafe_speed,omitempty"`
	HysteresisTemp   float64      `json:"hysteresis_temp,omitempty"`
	EmergencyTemp    float64      `json:"emergency_temp,omitempty"`
	LogLevel         string       `json:"log_level,omitempty"`
	Capabilities     Capabilities `json:"capabilities"`
}

// Check validates the fields an agent must always supply.
func (r *RegisterRequest) Check() error {
	if r.AgentID == "" {
		return trace.BadParameter("register frame is missing agentId")
	}
	if r.Name == "" {
		r.Name = r.AgentID
	}
	return nil
}

// SensorReading is one sensor sample inside a data frame.
type SensorReading struct {
	ID          string  `json:"id"`
	Temperature float64 `json:"temperature"`
	Type        string  `json:"type,omitempty"`
	MaxTemp     float64 `json:"max_temp,omitempty"`
	CritTemp    float64 `json:"crit_temp,omitempty"`
	Status      string  `json:"status,omitempty"`
}

// FanReading is one fan sample inside a data frame.
type FanReading struct {
	ID          string `json:"id"`
	RPM         int    `json:"rpm"`
	Speed       int    `json:"speed"`
	TargetSpeed int    `json:"targetSpeed,omitempty"`
	Status      string `json:"status,omitempty"`
}

// SystemHealth carries host-level agent health inside a data frame.
type SystemHealth struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	AgentUptime float64 `json:"agentUptime"`
}

// DataFrame is the payload of a data frame. Timestamp is unix
// milliseconds as sent by agents.
type DataFrame struct {
	AgentID      string          `json:"agentId"`
	Timestamp    int64           `json:"timestamp"`
	Sensors      []SensorReading `json:"sensors"`
	Fans         []FanReading    `json:"fans"`
	SystemHealth *SystemHealth   `json:"systemHealth,omitempty"`
}

// Time converts the frame timestamp to a time.Time.
func (d *DataFrame) Time() time.Time {
	return time.UnixMilli(d.Timestamp).UTC()
}

// CommandResponse is sent by an agent to complete a command. Unlike
// register and data frames its fields live at the top level of the
// frame, matching what agents actually emit.
type CommandResponse struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseAgentFrame decodes one inbound agent frame. Unknown types and
// malformed JSON return BadParameter errors; the gateway logs and
// drops such frames without closing the connection.
func ParseAgentFrame(raw []byte) (AgentMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, trace.BadParameter("malformed agent frame: %v", err)
	}
	switch env.Type {
	case TypeRegister:
		var req RegisterRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, trace.BadParameter("malformed register frame: %v", err)
		}
		if err := req.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		return &req, nil
	case TypeData:
		var frame DataFrame
		if err := json.Unmarshal(env.Data, &frame); err != nil {
			return nil, trace.BadParameter("malformed data frame: %v", err)
		}
		if frame.AgentID == "" {
			return nil, trace.BadParameter("data frame is missing agentId")
		}
		return &frame, nil
	case TypeCommandResponse:
		var resp CommandResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, trace.BadParameter("malformed command response: %v", err)
		}
		if resp.CommandID == "" {
			return nil, trace.BadParameter("command response is missing commandId")
		}
		return &resp, nil
	}
	return nil, trace.BadParameter("unknown agent message type %q", env.Type)
}

// MarshalRegistered builds the confirmation frame sent after a
// register frame is accepted.
func MarshalRegistered(agentID string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"agentId": agentID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := json.Marshal(envelope{Type: TypeRegistered, Data: data})
	return out, trace.Wrap(err)
}

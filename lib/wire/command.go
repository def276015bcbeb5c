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

package wire

import (
	"encoding/json"
	"slices"

	"github.com/gravitational/trace"
)

// Command types understood by agents.
const (
	CmdSetFanSpeed         = "setFanSpeed"
	CmdSetUpdateInterval   = "setUpdateInterval"
	CmdApplyFanProfile     = "applyFanProfile"
	CmdSetFanStep          = "setFanStep"
	CmdSetHysteresis       = "setHysteresis"
	CmdSetEmergencyTemp    = "setEmergencyTemp"
	CmdSetFailsafeSpeed    = "setFailsafeSpeed"
	CmdSetLogLevel         = "setLogLevel"
	CmdSetEnableFanControl = "setEnableFanControl"
	CmdSetAgentName        = "setAgentName"
	CmdEmergencyStop       = "emergencyStop"
	CmdSelfUpdate          = "selfUpdate"
	CmdRescanSensors       = "rescanSensors"
	CmdUpdateSensorMapping = "updateSensorMapping"
	CmdPing                = "ping"
)

var commandTypes = []string{
	CmdSetFanSpeed, CmdSetUpdateInterval, CmdApplyFanProfile,
	CmdSetFanStep, CmdSetHysteresis, CmdSetEmergencyTemp,
	CmdSetFailsafeSpeed, CmdSetLogLevel, CmdSetEnableFanControl,
	CmdSetAgentName, CmdEmergencyStop, CmdSelfUpdate,
	CmdRescanSensors, CmdUpdateSensorMapping, CmdPing,
}

// IsCommandType reports whether t is a recognized outbound command.
func IsCommandType(t string) bool {
	return slices.Contains(commandTypes, t)
}

// CommandFrame is the inner payload of an outbound command frame. The
// frame on the wire is {"type":"command","data":{...this...}}.
type CommandFrame struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId"`
	Payload   json.RawMessage `json:"payload"`
}

// Check validates the frame before it goes on the wire.
func (f *CommandFrame) Check() error {
	if f.CommandID == "" {
		return trace.BadParameter("command frame is missing commandId")
	}
	if !IsCommandType(f.Type) {
		return trace.BadParameter("unknown command type %q", f.Type)
	}
	return nil
}

// MarshalCommand wraps a command frame into an agent-bound envelope.
func MarshalCommand(f CommandFrame) ([]byte, error) {
	if err := f.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if f.Payload == nil {
		f.Payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := json.Marshal(envelope{Type: TypeCommand, Data: data})
	return out, trace.Wrap(err)
}

// ParseCommandFrame decodes an agent-bound envelope back into a
// command frame.
func ParseCommandFrame(raw []byte) (*CommandFrame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, trace.BadParameter("malformed command envelope: %v", err)
	}
	if env.Type != TypeCommand {
		return nil, trace.BadParameter("expected command envelope, got %q", env.Type)
	}
	var f CommandFrame
	if err := json.Unmarshal(env.Data, &f); err != nil {
		return nil, trace.BadParameter("malformed command frame: %v", err)
	}
	if err := f.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &f, nil
}

// Command payloads. Field names match what agents parse.

type SetFanSpeedPayload struct {
	FanID string `json:"fanId"`
	Speed int    `json:"speed"`
}

type SetUpdateIntervalPayload struct {
	// Interval is in seconds, fractional values allowed.
	Interval float64 `json:"interval"`
}

type SetFanStepPayload struct {
	Step int `json:"step"`
}

type SetHysteresisPayload struct {
	Hysteresis float64 `json:"hysteresis"`
}

type SetEmergencyTempPayload struct {
	Temp float64 `json:"temp"`
}

type SetFailsafeSpeedPayload struct {
	Speed int `json:"speed"`
}

type SetLogLevelPayload struct {
	Level string `json:"level"`
}

type SetEnableFanControlPayload struct {
	Enabled bool `json:"enabled"`
}

type SetAgentNamePayload struct {
	Name string `json:"name"`
}

type SelfUpdatePayload struct {
	Version string `json:"version,omitempty"`
}

// CurvePoint is one vertex of a temperature to fan speed polyline.
type CurvePoint struct {
	Temperature float64 `json:"temperature"`
	FanSpeed    int     `json:"fanSpeed"`
}

type ApplyFanProfilePayload struct {
	ProfileName string       `json:"profileName"`
	Points      []CurvePoint `json:"points"`
}

type UpdateSensorMappingPayload struct {
	// Mappings is sensor name to label.
	Mappings map[string]string `json:"mappings"`
}

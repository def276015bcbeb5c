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

	"github.com/gravitational/trace"
)

// Inbound browser frame types.
const (
	BrowserSubscribe       = "subscribe"
	BrowserUnsubscribe     = "unsubscribe"
	BrowserRequestFullSync = "requestFullSync"
)

// Outbound browser frame types.
const (
	BrowserFullState       = "fullState"
	BrowserSystemDelta     = "systemDelta"
	BrowserSystemOffline   = "systemOffline"
	BrowserNameChanged     = "nameChanged"
	BrowserLicenseChanged  = "licenseChanged"
	BrowserResyncSuggested = "resyncSuggested"
)

// SubscribeAll is the agent id wildcard a subscriber uses to follow
// every system it is authorized to see.
const SubscribeAll = "all"

// BrowserRequest is one parsed inbound browser frame.
type BrowserRequest struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`
}

// ParseBrowserFrame decodes one inbound browser frame.
func ParseBrowserFrame(raw []byte) (*BrowserRequest, error) {
	var env struct {
		Type string `json:"type"`
		Data struct {
			AgentID string `json:"agentId,omitempty"`
		} `json:"data,omitempty"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, trace.BadParameter("malformed browser frame: %v", err)
	}
	switch env.Type {
	case BrowserSubscribe, BrowserUnsubscribe, BrowserRequestFullSync:
		return &BrowserRequest{Type: env.Type, AgentID: env.Data.AgentID}, nil
	}
	return nil, trace.BadParameter("unknown browser message type %q", env.Type)
}

// MarshalBrowserEvent wraps an outbound browser event into an
// envelope.
func MarshalBrowserEvent(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := json.Marshal(envelope{Type: typ, Data: raw})
	return out, trace.Wrap(err)
}

// SystemSnapshot is the live view of one agent as sent to subscribers
// in fullState events and held by the aggregator.
type SystemSnapshot struct {
	AgentID      string                   `json:"agentId"`
	Timestamp    int64                    `json:"timestamp"`
	Sensors      map[string]SensorReading `json:"sensors"`
	Fans         map[string]FanReading    `json:"fans"`
	SystemHealth *SystemHealth            `json:"systemHealth,omitempty"`
}

// Clone deep-copies the snapshot so readers can hold it without
// racing snapshot installs.
func (s *SystemSnapshot) Clone() *SystemSnapshot {
	out := &SystemSnapshot{
		AgentID:   s.AgentID,
		Timestamp: s.Timestamp,
		Sensors:   make(map[string]SensorReading, len(s.Sensors)),
		Fans:      make(map[string]FanReading, len(s.Fans)),
	}
	for k, v := range s.Sensors {
		out.Sensors[k] = v
	}
	for k, v := range s.Fans {
		out.Fans[k] = v
	}
	if s.SystemHealth != nil {
		health := *s.SystemHealth
		out.SystemHealth = &health
	}
	return out
}

// SensorChange carries the changed fields of one sensor in a delta.
type SensorChange struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Status      *string  `json:"status,omitempty"`
}

// FanChange carries the changed fields of one fan in a delta.
type FanChange struct {
	RPM    *int    `json:"rpm,omitempty"`
	Speed  *int    `json:"speed,omitempty"`
	Status *string `json:"status,omitempty"`
}

// HealthChange carries the changed system health fields in a delta.
type HealthChange struct {
	CPUUsage    *float64 `json:"cpuUsage,omitempty"`
	MemoryUsage *float64 `json:"memoryUsage,omitempty"`
	AgentUptime *float64 `json:"agentUptime,omitempty"`
}

// DeltaChanges is the changed subset of a snapshot.
type DeltaChanges struct {
	Sensors      map[string]SensorChange `json:"sensors,omitempty"`
	Fans         map[string]FanChange    `json:"fans,omitempty"`
	SystemHealth *HealthChange           `json:"systemHealth,omitempty"`
}

// Empty reports whether the delta carries no changes at all.
func (c *DeltaChanges) Empty() bool {
	return len(c.Sensors) == 0 && len(c.Fans) == 0 && c.SystemHealth == nil
}

// SystemDelta is a minimal update for one agent, relative to the last
// state sent to a particular subscriber.
type SystemDelta struct {
	AgentID   string       `json:"agentId"`
	Timestamp int64        `json:"timestamp"`
	Changes   DeltaChanges `json:"changes"`
}

// SystemOffline notifies subscribers that an agent disconnected.
type SystemOffline struct {
	AgentID string `json:"agentId"`
}

// NameChanged notifies subscribers that a system was renamed.
type NameChanged struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}

// LicenseChanged notifies subscribers that the active license tier
// changed, so read-only badges can be recomputed.
type LicenseChanged struct {
	Tier       string `json:"tier"`
	AgentLimit int    `json:"agentLimit"`
}

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

// Package pankha holds identifiers shared across the whole codebase:
// the release version and the component names used to scope loggers
// and metrics.
package pankha

const (
	// Version is the semantic version of the server. Release tooling
	// rewrites this at build time via -ldflags.
	Version = "0.9.2"

	// Gitref is the git reference the binary was built from.
	Gitref = ""
)

// ComponentKey is the structured logging attribute under which the
// originating component name is recorded.
const ComponentKey = "component"

const (
	// ComponentGateway is the agent-facing websocket endpoint.
	ComponentGateway = "gateway"

	// ComponentRegistry tracks per-agent runtime settings and liveness.
	ComponentRegistry = "registry"

	// ComponentAggregator maintains live telemetry snapshots.
	ComponentAggregator = "aggregator"

	// ComponentBroadcast fans deltas out to browser subscribers.
	ComponentBroadcast = "broadcast"

	// ComponentDispatch queues and correlates outbound agent commands.
	ComponentDispatch = "dispatch"

	// ComponentController runs the temperature to fan speed loop.
	ComponentController = "controller"

	// ComponentLicense validates license tiers and gates admission.
	ComponentLicense = "license"

	// ComponentWeb serves the browser REST and websocket surface.
	ComponentWeb = "web"

	// ComponentStorage is the relational persistence layer.
	ComponentStorage = "storage"

	// ComponentService is the process root that wires everything up.
	ComponentService = "service"
)

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

// Package web exposes the REST API and the two websocket endpoints on
// one listener. Handlers stay thin: validation and the (value, error)
// contract live here, the work happens in the owning services.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/aggregator"
	"github.com/pankhahq/pankha/lib/broadcast"
	"github.com/pankhahq/pankha/lib/controller"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/dispatch"
	"github.com/pankhahq/pankha/lib/gateway"
	"github.com/pankhahq/pankha/lib/httplib"
	"github.com/pankhahq/pankha/lib/license"
	"github.com/pankhahq/pankha/lib/registry"
	"github.com/pankhahq/pankha/lib/storage"
	"github.com/pankhahq/pankha/lib/wire"
)

// Config holds handler dependencies.
type Config struct {
	Storage     *storage.Storage
	Registry    *registry.Registry
	Aggregator  *aggregator.Aggregator
	Dispatcher  *dispatch.Dispatcher
	Gateway     *gateway.Gateway
	Broadcaster *broadcast.Broadcaster
	License     *license.Service
	Controller  *controller.Controller
	Clock       clockwork.Clock
	Log         *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Storage == nil || c.Registry == nil || c.Aggregator == nil ||
		c.Dispatcher == nil || c.Gateway == nil || c.Broadcaster == nil ||
		c.License == nil || c.Controller == nil {
		return trace.BadParameter("missing web handler dependency")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentWeb)
	return nil
}

// Handler routes the HTTP surface.
type Handler struct {
	cfg      Config
	router   *httprouter.Router
	upgrader websocket.Upgrader
}

// NewHandler builds the router.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents and dashboards connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	h.router.GET("/webapi/ping", httplib.MakeHandler(h.ping))
	h.router.Handler("GET", "/metrics", promhttp.Handler())

	h.router.GET(defaults.AgentWebsocketPath, httplib.MakeHandler(h.agentWebsocket))
	h.router.GET(defaults.BrowserWebsocketPath, httplib.MakeHandler(h.browserWebsocket))

	h.router.GET("/api/systems", httplib.MakeHandler(h.listSystems))
	h.router.GET("/api/systems/:id", httplib.MakeHandler(h.getSystem))
	h.router.DELETE("/api/systems/:id", httplib.MakeHandler(h.deleteSystem))
	h.router.PUT("/api/systems/:id/name", httplib.MakeHandler(h.setName))
	h.router.PUT("/api/systems/:id/update-interval", httplib.MakeHandler(h.setUpdateInterval))
	h.router.PUT("/api/systems/:id/fan-step", httplib.MakeHandler(h.setFanStep))
	h.router.PUT("/api/systems/:id/hysteresis", httplib.MakeHandler(h.setHysteresis))
	h.router.PUT("/api/systems/:id/emergency-temp", httplib.MakeHandler(h.setEmergencyTemp))
	h.router.PUT("/api/systems/:id/failsafe-speed", httplib.MakeHandler(h.setFailsafeSpeed))
	h.router.PUT("/api/systems/:id/log-level", httplib.MakeHandler(h.setLogLevel))
	h.router.PUT("/api/systems/:id/enable-fan-control", httplib.MakeHandler(h.setEnableFanControl))
	h.router.POST("/api/systems/:id/update", httplib.MakeHandler(h.selfUpdate))
	h.router.POST("/api/systems/:id/rescan", httplib.MakeHandler(h.rescanSensors))
	h.router.POST("/api/systems/:id/probe", httplib.MakeHandler(h.probe))

	h.router.PUT("/api/systems/:id/fans/:fanId", httplib.MakeHandler(h.setFanSpeed))
	h.router.PUT("/api/systems/:id/fans/:fanId/speed", httplib.MakeHandler(h.setFanSpeed))
	h.router.PUT("/api/systems/:id/fans/:fanId/label", httplib.MakeHandler(h.setFanLabel))
	h.router.PUT("/api/systems/:id/fans/:fanId/limits", httplib.MakeHandler(h.setFanLimits))
	h.router.PUT("/api/systems/:id/fans/:fanId/assignment", httplib.MakeHandler(h.setAssignment))
	h.router.DELETE("/api/systems/:id/fans/:fanId/assignment", httplib.MakeHandler(h.clearAssignment))

	h.router.PUT("/api/systems/:id/sensors/:sensorId/label", httplib.MakeHandler(h.setSensorLabel))
	h.router.PUT("/api/systems/:id/sensors/:sensorId/visibility", httplib.MakeHandler(h.setSensorVisibility))
	h.router.PUT("/api/systems/:id/sensor-groups/:group/visibility", httplib.MakeHandler(h.setGroupVisibility))
	h.router.GET("/api/systems/:id/sensor-visibility", httplib.MakeHandler(h.sensorVisibility))

	h.router.GET("/api/profiles", httplib.MakeHandler(h.listProfiles))
	h.router.POST("/api/profiles", httplib.MakeHandler(h.createProfile))
	h.router.GET("/api/profiles/:id", httplib.MakeHandler(h.getProfile))
	h.router.PUT("/api/profiles/:id", httplib.MakeHandler(h.updateProfile))
	h.router.DELETE("/api/profiles/:id", httplib.MakeHandler(h.deleteProfile))
	h.router.PUT("/api/systems/:id/profile", httplib.MakeHandler(h.applyProfile))
	h.router.POST("/api/systems/:id/profiles", httplib.MakeHandler(h.createSystemProfile))

	h.router.GET("/api/systems/:id/history", httplib.MakeHandler(h.history))
	h.router.GET("/api/systems/:id/charts", httplib.MakeHandler(h.charts))

	h.router.GET("/api/settings", httplib.MakeHandler(h.getSettings))
	h.router.PUT("/api/settings", httplib.MakeHandler(h.putSettings))
	h.router.PUT("/api/settings/:key", httplib.MakeHandler(h.putSetting))

	h.router.GET("/api/license", httplib.MakeHandler(h.getLicense))
	h.router.POST("/api/emergency-stop", httplib.MakeHandler(h.emergencyStop))

	h.router.POST("/api/deploy/templates", httplib.MakeHandler(h.createDeployTemplate))
	h.router.GET("/api/deploy/templates/:token", httplib.MakeHandler(h.consumeDeployTemplate))
	h.router.GET("/api/deploy/linux", httplib.MakeHandler(h.deployScript))
	h.router.GET("/api/deploy/binaries/:arch", httplib.MakeHandler(h.deployBinary))

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]string{
		"server_version": pankha.Version,
		"tier":           h.cfg.License.Current().Tier,
	}, nil
}

func (h *Handler) agentWebsocket(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return nil, nil
	}
	go h.cfg.Gateway.ServeAgent(r.Context(), conn)
	return nil, nil
}

func (h *Handler) browserWebsocket(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil
	}
	go h.cfg.Broadcaster.ServeSubscriber(r.Context(), conn)
	return nil, nil
}

// systemFromParam resolves the :id path segment to a system row.
func (h *Handler) systemFromParam(r *http.Request, p httprouter.Params) (*storage.System, error) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed system id %q", p.ByName("id"))
	}
	sys, err := h.cfg.Storage.GetSystem(r.Context(), id)
	return sys, trace.Wrap(err)
}

// requireControllable rejects writes to systems outside the license
// agent limit.
func (h *Handler) requireControllable(r *http.Request, agentID string) error {
	readOnly, err := h.cfg.License.IsAgentReadOnly(r.Context(), agentID)
	if err != nil {
		return trace.Wrap(err)
	}
	if readOnly {
		return trace.AccessDenied("system %v is read-only under the %v tier",
			agentID, h.cfg.License.Current().Tier)
	}
	return nil
}

// systemView is one row of the systems listing.
type systemView struct {
	storage.System
	ReadOnly bool `json:"read_only"`
	Online   bool `json:"online"`
}

func (h *Handler) listSystems(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	systems, err := h.cfg.Storage.ListSystems(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	readOnly, err := h.cfg.Registry.GetAgentsReadOnlyStatus(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]systemView, 0, len(systems))
	for _, sys := range systems {
		out = append(out, systemView{
			System:   sys,
			ReadOnly: readOnly[sys.AgentID],
			Online:   h.cfg.Registry.IsOnline(sys.AgentID),
		})
	}
	return out, nil
}

// systemDetail is the full view of one system.
type systemDetail struct {
	systemView
	Sensors      []storage.Sensor `json:"sensors"`
	Fans         []storage.Fan    `json:"fans"`
	HiddenGroups map[string]bool  `json:"hidden_groups"`
}

func (h *Handler) getSystem(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensors, err := h.cfg.Storage.ListSensors(r.Context(), sys.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fans, err := h.cfg.Storage.ListFans(r.Context(), sys.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups, err := h.cfg.Storage.ListSensorGroupVisibility(r.Context(), sys.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	readOnly, err := h.cfg.License.IsAgentReadOnly(r.Context(), sys.AgentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return systemDetail{
		systemView: systemView{
			System:   *sys,
			ReadOnly: readOnly,
			Online:   h.cfg.Registry.IsOnline(sys.AgentID),
		},
		Sensors:      sensors,
		Fans:         fans,
		HiddenGroups: groups,
	}, nil
}

func (h *Handler) deleteSystem(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Gateway.CloseAgent(sys.AgentID)
	if err := h.cfg.Storage.DeleteSystem(r.Context(), sys.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Broadcaster.HandleSystemOffline(sys.AgentID)
	return ok(), nil
}

func (h *Handler) setName(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetName(r.Context(), sys.AgentID, req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Broadcaster.HandleNameChanged(sys.AgentID, req.Name)
	h.pushConfig(sys.AgentID, wire.CmdSetAgentName, wire.SetAgentNamePayload{Name: req.Name})
	return ok(), nil
}

// pushConfig sends a configuration command to the agent best-effort.
// Settings are optimistic: they are already persisted, and a
// disconnected agent picks them up at its next registration.
func (h *Handler) pushConfig(agentID, cmdType string, payload any) {
	go func() {
		ctx, cancel := contextWithTimeout(defaults.CommandTimeoutLow)
		defer cancel()
		if _, err := h.cfg.Dispatcher.Send(ctx, agentID, cmdType, payload, dispatch.PriorityNormal); err != nil {
			h.cfg.Log.Debug("Config push did not reach agent.",
				"agent_id", agentID, "command", cmdType, "error", err)
		}
	}()
}

func (h *Handler) setUpdateInterval(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		IntervalMS int64 `json:"interval_ms"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if err := h.cfg.Registry.SetUpdateInterval(r.Context(), sys.AgentID, interval); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetUpdateInterval,
		wire.SetUpdateIntervalPayload{Interval: interval.Seconds()})
	return ok(), nil
}

func (h *Handler) setFanStep(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Step int `json:"step"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetFanStep(r.Context(), sys.AgentID, req.Step); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetFanStep, wire.SetFanStepPayload{Step: req.Step})
	return ok(), nil
}

func (h *Handler) setHysteresis(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Hysteresis float64 `json:"hysteresis"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetHysteresis(r.Context(), sys.AgentID, req.Hysteresis); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetHysteresis, wire.SetHysteresisPayload{Hysteresis: req.Hysteresis})
	return ok(), nil
}

func (h *Handler) setEmergencyTemp(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Temp float64 `json:"temp"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetEmergencyTemp(r.Context(), sys.AgentID, req.Temp); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetEmergencyTemp, wire.SetEmergencyTempPayload{Temp: req.Temp})
	return ok(), nil
}

func (h *Handler) setFailsafeSpeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Speed int `json:"speed"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetFailsafeSpeed(r.Context(), sys.AgentID, req.Speed); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetFailsafeSpeed, wire.SetFailsafeSpeedPayload{Speed: req.Speed})
	return ok(), nil
}

func (h *Handler) setLogLevel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetLogLevel(r.Context(), sys.AgentID, req.Level); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetLogLevel, wire.SetLogLevelPayload{Level: req.Level})
	return ok(), nil
}

func (h *Handler) setEnableFanControl(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.SetEnableFanControl(r.Context(), sys.AgentID, req.Enabled); err != nil {
		return nil, trace.Wrap(err)
	}
	h.pushConfig(sys.AgentID, wire.CmdSetEnableFanControl,
		wire.SetEnableFanControlPayload{Enabled: req.Enabled})
	return ok(), nil
}

func (h *Handler) selfUpdate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req wire.SelfUpdatePayload
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	result, err := h.cfg.Dispatcher.Send(r.Context(), sys.AgentID, wire.CmdSelfUpdate, req, dispatch.PriorityLow)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) rescanSensors(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Dispatcher.Send(r.Context(), sys.AgentID, wire.CmdRescanSensors,
		struct{}{}, dispatch.PriorityNormal)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) probe(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	started := h.cfg.Clock.Now()
	result, err := h.cfg.Dispatcher.Send(r.Context(), sys.AgentID, wire.CmdPing, struct{}{}, dispatch.PriorityHigh)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{
		"result":     result,
		"latency_ms": h.cfg.Clock.Since(started).Milliseconds(),
	}, nil
}

// fanFromParams resolves :fanId within the system.
func (h *Handler) fanFromParams(r *http.Request, sys *storage.System, p httprouter.Params) (*storage.Fan, error) {
	fanID, err := strconv.ParseInt(p.ByName("fanId"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed fan id %q", p.ByName("fanId"))
	}
	fan, err := h.cfg.Storage.GetFan(r.Context(), fanID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if fan.SystemID != sys.ID {
		return nil, trace.NotFound("fan %v does not belong to system %v", fanID, sys.ID)
	}
	return fan, nil
}

func (h *Handler) setFanSpeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	fan, err := h.fanFromParams(r, sys, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !fan.HasPWMControl {
		return nil, trace.BadParameter("fan %v has no PWM control", fan.FanName)
	}
	var req struct {
		Speed int `json:"speed"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Speed < 0 || req.Speed > 100 {
		return nil, trace.BadParameter("speed %v out of range [0, 100]", req.Speed)
	}
	result, err := h.cfg.Dispatcher.Send(r.Context(), sys.AgentID, wire.CmdSetFanSpeed,
		wire.SetFanSpeedPayload{FanID: fan.FanName, Speed: req.Speed}, dispatch.PriorityNormal)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if result.OK() {
		// the controller forgets its last write so profile control
		// re-evaluates from scratch on the next tick
		h.cfg.Controller.ClearFanState(fan.ID)
	}
	return result, nil
}

func (h *Handler) setFanLabel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fan, err := h.fanFromParams(r, sys, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.UpdateFanLabel(r.Context(), sys.ID, fan.ID, req.Label); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) setFanLimits(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	fan, err := h.fanFromParams(r, sys, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		MinSpeed int `json:"min_speed"`
		MaxSpeed int `json:"max_speed"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.UpdateFanLimits(r.Context(), sys.ID, fan.ID, req.MinSpeed, req.MaxSpeed); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Controller.ClearFanState(fan.ID)
	return ok(), nil
}

func (h *Handler) setAssignment(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	fan, err := h.fanFromParams(r, sys, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !fan.HasPWMControl {
		return nil, trace.BadParameter("fan %v has no PWM control", fan.FanName)
	}
	var req struct {
		ProfileID        int64  `json:"profile_id"`
		SensorID         *int64 `json:"sensor_id,omitempty"`
		SensorIdentifier string `json:"sensor_identifier,omitempty"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.SensorID != nil {
		sensor, err := h.cfg.Storage.GetSensor(r.Context(), *req.SensorID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if sensor.SystemID != sys.ID {
			return nil, trace.BadParameter("sensor %v does not belong to system %v", *req.SensorID, sys.ID)
		}
	}
	assignment, err := h.cfg.Storage.UpsertFanAssignment(r.Context(), storage.FanAssignment{
		FanID:            fan.ID,
		ProfileID:        req.ProfileID,
		SensorID:         req.SensorID,
		SensorIdentifier: req.SensorIdentifier,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Controller.ClearFanState(fan.ID)
	return assignment, nil
}

func (h *Handler) clearAssignment(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fan, err := h.fanFromParams(r, sys, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.DeactivateFanAssignment(r.Context(), fan.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	// the fan keeps its last commanded speed; the agent is not told to
	// revert anything
	h.cfg.Controller.ClearFanState(fan.ID)
	return ok(), nil
}

func (h *Handler) setSensorLabel(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensorID, err := strconv.ParseInt(p.ByName("sensorId"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed sensor id %q", p.ByName("sensorId"))
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.UpdateSensorLabel(r.Context(), sys.ID, sensorID, req.Label); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) setSensorVisibility(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensorID, err := strconv.ParseInt(p.ByName("sensorId"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed sensor id %q", p.ByName("sensorId"))
	}
	var req struct {
		Hidden bool `json:"hidden"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.UpdateSensorVisibility(r.Context(), sys.ID, sensorID, req.Hidden); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) setGroupVisibility(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Hidden bool `json:"hidden"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	group := p.ByName("group")
	if err := h.cfg.Storage.SetSensorGroupVisibility(r.Context(), sys.ID, group, req.Hidden); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// sensorVisibility returns the dashboard's per-sensor and per-group
// hidden flags in one shot.
func (h *Handler) sensorVisibility(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensors, err := h.cfg.Storage.ListSensors(r.Context(), sys.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups, err := h.cfg.Storage.ListSensorGroupVisibility(r.Context(), sys.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	type sensorRow struct {
		ID         int64  `json:"id"`
		SensorName string `json:"sensor_name"`
		IsHidden   bool   `json:"is_hidden"`
	}
	rows := make([]sensorRow, 0, len(sensors))
	for _, s := range sensors {
		rows = append(rows, sensorRow{ID: s.ID, SensorName: s.SensorName, IsHidden: s.IsHidden})
	}
	return map[string]any{"sensors": rows, "groups": groups}, nil
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var systemID *int64
	if raw := r.URL.Query().Get("system_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, trace.BadParameter("malformed system_id %q", raw)
		}
		systemID = &id
	}
	profiles, err := h.cfg.Storage.ListFanProfiles(r.Context(), systemID)
	return profiles, trace.Wrap(err)
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req storage.FanProfile
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.ID = 0
	req.IsBuiltin = false
	profile, err := h.cfg.Storage.CreateFanProfile(r.Context(), req)
	return profile, trace.Wrap(err)
}

// createSystemProfile scopes a new profile to one system.
func (h *Handler) createSystemProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req storage.FanProfile
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.ID = 0
	req.IsBuiltin = false
	req.SystemID = &sys.ID
	profile, err := h.cfg.Storage.CreateFanProfile(r.Context(), req)
	return profile, trace.Wrap(err)
}

// applyProfile pushes a stored profile's curve down to the agent for
// its own local control.
func (h *Handler) applyProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.requireControllable(r, sys.AgentID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		ProfileID int64 `json:"profile_id"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	profile, err := h.cfg.Storage.GetFanProfile(r.Context(), req.ProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// another system's private profile is invisible here
	if profile.SystemID != nil && *profile.SystemID != sys.ID {
		return nil, trace.NotFound("fan profile %v not found", req.ProfileID)
	}
	result, err := h.cfg.Dispatcher.Send(r.Context(), sys.AgentID, wire.CmdApplyFanProfile,
		wire.ApplyFanProfilePayload{ProfileName: profile.ProfileName, Points: profile.Points},
		dispatch.PriorityNormal)
	return result, trace.Wrap(err)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed profile id %q", p.ByName("id"))
	}
	profile, err := h.cfg.Storage.GetFanProfile(r.Context(), id)
	return profile, trace.Wrap(err)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed profile id %q", p.ByName("id"))
	}
	var req storage.FanProfile
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	req.ID = id
	if err := h.cfg.Storage.UpdateFanProfile(r.Context(), req); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed profile id %q", p.ByName("id"))
	}
	if err := h.cfg.Storage.DeleteFanProfile(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// historyWindow parses from/to query parameters (unix milliseconds)
// and clamps them to the license retention window.
func (h *Handler) historyWindow(r *http.Request) (from, to time.Time, err error) {
	now := h.cfg.Clock.Now().UTC()
	to = now
	from = now.Add(-time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return from, to, trace.BadParameter("malformed from %q", raw)
		}
		from = time.UnixMilli(ms).UTC()
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return from, to, trace.BadParameter("malformed to %q", raw)
		}
		to = time.UnixMilli(ms).UTC()
	}
	if to.Before(from) {
		return from, to, trace.BadParameter("history window ends before it starts")
	}
	// tiers only see as far back as their retention allows
	earliest := now.Add(-h.cfg.License.Current().Retention())
	if from.Before(earliest) {
		from = earliest
	}
	return from, to, nil
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	from, to, err := h.historyWindow(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("malformed limit %q", raw)
		}
	}
	points, err := h.cfg.Storage.QueryHistory(r.Context(), sys.ID, from, to, limit)
	return points, trace.Wrap(err)
}

func (h *Handler) charts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sys, err := h.systemFromParam(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	from, to, err := h.historyWindow(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bucket := time.Minute
	if raw := r.URL.Query().Get("bucket_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return nil, trace.BadParameter("malformed bucket_ms %q", raw)
		}
		bucket = time.Duration(ms) * time.Millisecond
	}
	buckets, err := h.cfg.Storage.QueryChartSeries(r.Context(), sys.ID, from, to, bucket)
	return buckets, trace.Wrap(err)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	settings, err := h.cfg.Storage.AllSettings(r.Context())
	return settings, trace.Wrap(err)
}

func (h *Handler) putSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req struct {
		Value string `json:"value"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.PutSetting(r.Context(), p.ByName("key"), req.Value); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// putSettings replaces several settings in one call. The whole batch
// is validated before anything is written.
func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req map[string]string
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	for key := range req {
		if !storage.IsSettingKey(key) {
			return nil, trace.BadParameter("unknown setting key %q", key)
		}
	}
	for key, value := range req {
		if err := h.cfg.Storage.PutSetting(r.Context(), key, value); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return ok(), nil
}

func (h *Handler) getLicense(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.License.Current(), nil
}

// emergencyStop fans an emergencyStop command out to every online
// agent and returns once every frame is enqueued; agents acknowledge
// asynchronously. Enqueue failures are reported per agent, not rolled
// up into one error: the fans that can spin up must spin up.
func (h *Handler) emergencyStop(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	agents := h.cfg.Registry.OnlineAgentIDs()
	results := make(map[string]any, len(agents))
	for _, agentID := range agents {
		if _, err := h.cfg.Dispatcher.Enqueue(agentID, wire.CmdEmergencyStop,
			struct{}{}, dispatch.PriorityEmergency); err != nil {
			results[agentID] = map[string]string{"error": trace.UserMessage(err)}
			continue
		}
		results[agentID] = map[string]string{"status": "dispatched"}
	}
	return results, nil
}

func (h *Handler) createDeployTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req struct {
		Config string `json:"config"`
	}
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	template := storage.DeployTemplate{
		Token:     uuid.NewString(),
		Config:    req.Config,
		ExpiresAt: h.cfg.Clock.Now().UTC().Add(defaults.DeployTokenTTL),
	}
	if err := h.cfg.Storage.CreateDeployTemplate(r.Context(), template); err != nil {
		return nil, trace.Wrap(err)
	}
	return template, nil
}

func (h *Handler) consumeDeployTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	template, err := h.cfg.Storage.ConsumeDeployTemplate(r.Context(), p.ByName("token"), h.cfg.Clock.Now().UTC())
	return template, trace.Wrap(err)
}

// installScript bootstraps an agent against this server. The first
// verb is the server host, the second the optional agent config.
const installScript = `#!/bin/sh
set -eu

SERVER=%q
CONFIG=%q

ARCH=$(uname -m)
case "$ARCH" in
  x86_64) ARCH=amd64 ;;
  aarch64) ARCH=arm64 ;;
  *) echo "unsupported architecture: $ARCH" >&2; exit 1 ;;
esac

curl -fsSL "http://$SERVER/api/deploy/binaries/$ARCH" -o /usr/local/bin/pankha-agent
chmod +x /usr/local/bin/pankha-agent

if [ -n "$CONFIG" ]; then
  mkdir -p /etc/pankha
  printf '%%s\n' "$CONFIG" > /etc/pankha/agent.yaml
fi

echo "pankha agent installed"
`

// deployScript serves the rendered installer for a valid deploy token.
func (h *Handler) deployScript(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, trace.BadParameter("missing token")
	}
	template, err := h.cfg.Storage.ConsumeDeployTemplate(r.Context(), token, h.cfg.Clock.Now().UTC())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Content-Type", "text/x-shellscript")
	fmt.Fprintf(w, installScript, r.Host, template.Config)
	return nil, nil
}

// deployBinary redirects to the release binary for the requested
// architecture.
func (h *Handler) deployBinary(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	arch := p.ByName("arch")
	if arch != "amd64" && arch != "arm64" {
		return nil, trace.BadParameter("unsupported architecture %q", arch)
	}
	target := fmt.Sprintf("%s/v%s/pankha-agent-linux-%s",
		defaults.AgentBinaryBaseURL, pankha.Version, arch)
	http.Redirect(w, r, target, http.StatusFound)
	return nil, nil
}

func ok() map[string]string {
	return map[string]string{"status": "ok"}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

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

// Package service assembles the server: it opens storage, wires every
// subsystem to its collaborators, runs the background loops and the
// HTTP listener, and tears everything down on shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/aggregator"
	"github.com/pankhahq/pankha/lib/broadcast"
	"github.com/pankhahq/pankha/lib/controller"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/dispatch"
	"github.com/pankhahq/pankha/lib/gateway"
	"github.com/pankhahq/pankha/lib/license"
	"github.com/pankhahq/pankha/lib/registry"
	"github.com/pankhahq/pankha/lib/storage"
	logutils "github.com/pankhahq/pankha/lib/utils/log"
	"github.com/pankhahq/pankha/lib/web"
	"github.com/pankhahq/pankha/lib/wire"
)

// gatewaySender adapts the gateway to the dispatcher's Sender
// interface. The gateway is built after the dispatcher, so the pointer
// is bound late, before anything runs.
type gatewaySender struct {
	gw *gateway.Gateway
}

func (s *gatewaySender) SendCommandFrame(agentID string, frame wire.CommandFrame) error {
	return s.gw.SendCommandFrame(agentID, frame)
}

func (s *gatewaySender) IsAgentConnected(agentID string) bool {
	return s.gw.IsAgentConnected(agentID)
}

// Server is the assembled Pankha central server.
type Server struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	storage     *storage.Storage
	license     *license.Service
	registry    *registry.Registry
	aggregator  *aggregator.Aggregator
	broadcaster *broadcast.Broadcaster
	dispatcher  *dispatch.Dispatcher
	gateway     *gateway.Gateway
	controller  *controller.Controller

	httpServer *http.Server

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New wires the server from configuration.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log, err := logutils.Initialize(logutils.Config{
		Severity: cfg.Log.Severity,
		Format:   cfg.Log.Format,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log = log.With(pankha.ComponentKey, pankha.ComponentService)
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	srv := &Server{cfg: cfg, log: log, clock: clock}

	srv.storage, err = storage.Open(ctx, storage.Config{
		Path: cfg.DatabasePath,
		Log:  log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := srv.storage.SeedBuiltinProfiles(ctx); err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	var validator license.Validator
	if cfg.LicenseServer != "" && cfg.LicenseKey != "" {
		validator, err = license.NewHTTPValidator(cfg.LicenseServer)
		if err != nil {
			srv.storage.Close()
			return nil, trace.Wrap(err)
		}
	}
	srv.license, err = license.NewService(ctx, license.Config{
		Storage:   srv.storage,
		Key:       cfg.LicenseKey,
		Validator: validator,
		Clock:     clock,
		Log:       log,
		OnChange: func(d license.Decision) {
			if srv.broadcaster != nil {
				srv.broadcaster.HandleLicenseChanged(d.Tier, d.AgentLimit)
			}
		},
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	srv.registry, err = registry.New(ctx, registry.Config{
		Storage: srv.storage,
		License: srv.license,
		Clock:   clock,
		Log:     log,
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	srv.aggregator, err = aggregator.New(aggregator.Config{
		Storage: srv.storage,
		Clock:   clock,
		Log:     log,
		OnAggregated: func(snapshot *wire.SystemSnapshot) {
			srv.broadcaster.HandleSnapshot(snapshot)
		},
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	srv.broadcaster, err = broadcast.New(broadcast.Config{
		Source: srv.aggregator,
		Clock:  clock,
		Log:    log,
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	sender := &gatewaySender{}
	srv.dispatcher, err = dispatch.New(dispatch.Config{
		Sender: sender,
		Clock:  clock,
		Log:    log,
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	srv.gateway, err = gateway.New(gateway.Config{
		Storage:           srv.storage,
		Registry:          srv.registry,
		Aggregator:        srv.aggregator,
		Clock:             clock,
		Log:               log,
		OnCommandResponse: srv.dispatcher.HandleResponse,
		OnAgentOnline:     srv.handleAgentOnline,
		OnAgentOffline:    srv.handleAgentOffline,
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}
	sender.gw = srv.gateway

	srv.controller, err = controller.New(controller.Config{
		Storage:    srv.storage,
		Registry:   srv.registry,
		Aggregator: srv.aggregator,
		Dispatcher: srv.dispatcher,
		License:    srv.license,
		Clock:      clock,
		Log:        log,
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Storage:     srv.storage,
		Registry:    srv.registry,
		Aggregator:  srv.aggregator,
		Dispatcher:  srv.dispatcher,
		Gateway:     srv.gateway,
		Broadcaster: srv.broadcaster,
		License:     srv.license,
		Controller:  srv.controller,
		Clock:       clock,
		Log:         log,
	})
	if err != nil {
		srv.storage.Close()
		return nil, trace.Wrap(err)
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

func (s *Server) handleAgentOnline(agentID string) {
	s.dispatcher.HandleAgentOnline(agentID)
}

func (s *Server) handleAgentOffline(agentID string) {
	ctx := context.Background()
	s.dispatcher.HandleAgentOffline(agentID)
	s.aggregator.HandleAgentOffline(agentID)
	s.controller.HandleAgentOffline(ctx, agentID)
	s.broadcaster.HandleSystemOffline(agentID)
}

// Run starts the background loops and serves HTTP until ctx is
// canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.aggregator.RunHistoryWriter(ctx)
	go s.broadcaster.RunResync(ctx)
	go s.controller.Run(ctx)
	go s.license.RunRevalidation(ctx)
	go s.runPurge(ctx)

	errC := make(chan error, 1)
	go func() {
		errC <- s.httpServer.ListenAndServe()
	}()
	s.log.InfoContext(ctx, "Server started.",
		"listen_addr", s.cfg.ListenAddr, "version", pankha.Version,
		"tier", s.license.Current().Tier)

	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	}
}

// runPurge deletes monitoring rows older than the effective retention
// window and expired deploy tokens.
func (s *Server) runPurge(ctx context.Context) {
	ticker := s.clock.NewTicker(defaults.HistoryPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := s.clock.Now().UTC()
			cutoff := now.Add(-s.retention(ctx))
			n, err := s.storage.PurgeHistoryBefore(ctx, cutoff)
			if err != nil {
				s.log.WarnContext(ctx, "History purge failed.", "error", err)
			} else if n > 0 {
				s.log.InfoContext(ctx, "Purged expired history.", "rows", n, "cutoff", cutoff)
			}
			if err := s.storage.PurgeExpiredDeployTemplates(ctx, now); err != nil {
				s.log.WarnContext(ctx, "Deploy token purge failed.", "error", err)
			}
		}
	}
}

// retention is the license retention window, tightened further by the
// data_retention_days setting when one is stored.
func (s *Server) retention(ctx context.Context) time.Duration {
	retention := s.license.Current().Retention()
	raw, err := s.storage.GetSetting(ctx, storage.SettingDataRetentionDays)
	if err != nil {
		return retention
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return retention
	}
	if configured := time.Duration(days) * 24 * time.Hour; configured < retention {
		retention = configured
	}
	return retention
}

// Close shuts the server down: stop accepting HTTP, drop agent
// connections, close storage.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.gateway.Close()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("Failed to close storage.", "error", err)
		}
	})
}

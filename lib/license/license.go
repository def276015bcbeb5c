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

// Package license caches the active license tier and answers the
// admission question: which systems are controllable under the tier's
// agent limit. Admission order is canonical: created_at ascending,
// id as the tiebreak.
package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pankhahq/pankha"
	"github.com/pankhahq/pankha/lib/defaults"
	"github.com/pankhahq/pankha/lib/storage"
)

// Unlimited marks a tier with no agent limit.
const Unlimited = -1

// Tier names.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Decision is the effective license decision in force.
type Decision struct {
	Tier          string     `json:"tier"`
	AgentLimit    int        `json:"agent_limit"`
	RetentionDays int        `json:"retention_days"`
	AlertLimit    int        `json:"alert_limit"`
	ValidatedAt   time.Time  `json:"validated_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Retention returns the history retention window.
func (d Decision) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// freeDecision is what the server runs with when no license was ever
// validated.
func freeDecision(now time.Time) Decision {
	return Decision{
		Tier:          TierFree,
		AgentLimit:    3,
		RetentionDays: 7,
		AlertLimit:    5,
		ValidatedAt:   now,
	}
}

// Config holds license service dependencies.
type Config struct {
	Storage *storage.Storage
	// Key is the configured license key; empty means free tier.
	Key string
	// Validator performs remote validation. Nil means offline mode:
	// only the cache and the free tier are used.
	Validator Validator
	Clock     clockwork.Clock
	Log       *slog.Logger
	// OnChange is invoked when the effective decision changes, so the
	// broadcaster can notify subscribers.
	OnChange func(Decision)
}

func (c *Config) checkAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing Storage")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(pankha.ComponentKey, pankha.ComponentLicense)
	if c.OnChange == nil {
		c.OnChange = func(Decision) {}
	}
	return nil
}

// Validator checks a license key against the remote licensing
// service.
type Validator interface {
	Validate(ctx context.Context, key string) (*Decision, error)
}

// Service is the license/admission policy.
type Service struct {
	cfg Config

	mu      sync.RWMutex
	current Decision
}

// NewService loads the cached decision (or falls back to the free
// tier) and returns the service. Remote revalidation happens in
// Refresh, typically driven by RunRevalidation.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{cfg: cfg}

	cached, err := cfg.Storage.GetLicenseCache(ctx)
	switch {
	case err == nil:
		s.current = Decision{
			Tier:          cached.Tier,
			AgentLimit:    cached.AgentLimit,
			RetentionDays: cached.RetentionDays,
			AlertLimit:    cached.AlertLimit,
			ValidatedAt:   cached.ValidatedAt,
			ExpiresAt:     cached.ExpiresAt,
		}
	case trace.IsNotFound(err):
		s.current = freeDecision(cfg.Clock.Now().UTC())
	default:
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Current returns the decision in force.
func (s *Service) Current() Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh revalidates the license when the cache has gone stale. A
// stale cache is still honored when the validator is unreachable.
func (s *Service) Refresh(ctx context.Context) error {
	now := s.cfg.Clock.Now().UTC()
	current := s.Current()
	if now.Sub(current.ValidatedAt) < defaults.LicenseCacheTTL {
		return nil
	}
	if s.cfg.Validator == nil || s.cfg.Key == "" {
		return nil
	}

	decision, err := s.cfg.Validator.Validate(ctx, s.cfg.Key)
	if err != nil {
		s.cfg.Log.WarnContext(ctx, "License validator unreachable, honoring cached decision.",
			"error", err, "tier", current.Tier, "validated_at", current.ValidatedAt)
		return nil
	}
	decision.ValidatedAt = now

	if err := s.cfg.Storage.PutLicenseCache(ctx, storage.LicenseCache{
		LicenseKey:    s.cfg.Key,
		Tier:          decision.Tier,
		AgentLimit:    decision.AgentLimit,
		RetentionDays: decision.RetentionDays,
		AlertLimit:    decision.AlertLimit,
		ExpiresAt:     decision.ExpiresAt,
		ValidatedAt:   decision.ValidatedAt,
	}); err != nil {
		return trace.Wrap(err)
	}

	changed := decision.Tier != current.Tier || decision.AgentLimit != current.AgentLimit
	s.mu.Lock()
	s.current = *decision
	s.mu.Unlock()
	if changed {
		s.cfg.Log.InfoContext(ctx, "License tier changed.",
			"tier", decision.Tier, "agent_limit", decision.AgentLimit)
		s.cfg.OnChange(*decision)
	}
	return nil
}

// RunRevalidation refreshes the license periodically until ctx is
// canceled.
func (s *Service) RunRevalidation(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.Refresh(ctx); err != nil {
				s.cfg.Log.WarnContext(ctx, "License refresh failed.", "error", err)
			}
		}
	}
}

// IsAgentReadOnly reports whether a system falls outside the tier's
// agent limit. Read-only systems stay observable but reject writes.
func (s *Service) IsAgentReadOnly(ctx context.Context, agentID string) (bool, error) {
	status, err := s.ReadOnlyStatus(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	readOnly, ok := status[agentID]
	if !ok {
		return false, trace.NotFound("system %v not found", agentID)
	}
	return readOnly, nil
}

// ReadOnlyStatus computes agent id to read-only flag for every system
// in one query, in canonical admission order.
func (s *Service) ReadOnlyStatus(ctx context.Context) (map[string]bool, error) {
	systems, err := s.cfg.Storage.ListSystems(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit := s.Current().AgentLimit
	out := make(map[string]bool, len(systems))
	for i, sys := range systems {
		out[sys.AgentID] = limit != Unlimited && i >= limit
	}
	return out, nil
}

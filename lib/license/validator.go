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

package license

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/pankhahq/pankha"
)

// HTTPValidator validates license keys against the remote licensing
// service over HTTPS.
type HTTPValidator struct {
	clt *roundtrip.Client
}

// NewHTTPValidator builds a validator client for the given base URL,
// e.g. "https://licensing.pankha.io".
func NewHTTPValidator(addr string) (*HTTPValidator, error) {
	if addr == "" {
		return nil, trace.BadParameter("missing validator address")
	}
	clt, err := roundtrip.NewClient(addr, "v1",
		roundtrip.HTTPClient(&http.Client{Timeout: 15 * time.Second}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &HTTPValidator{clt: clt}, nil
}

type validateRequest struct {
	LicenseKey    string `json:"license_key"`
	ServerVersion string `json:"server_version"`
}

type validateResponse struct {
	Tier          string `json:"tier"`
	AgentLimit    int    `json:"agent_limit"`
	RetentionDays int    `json:"retention_days"`
	AlertLimit    int    `json:"alert_limit"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// Validate checks a license key and returns the granted decision.
func (v *HTTPValidator) Validate(ctx context.Context, key string) (*Decision, error) {
	if key == "" {
		return nil, trace.BadParameter("missing license key")
	}
	re, err := v.clt.PostJSON(ctx, v.clt.Endpoint("licenses", "validate"), validateRequest{
		LicenseKey:    key,
		ServerVersion: pankha.Version,
	})
	if err != nil {
		return nil, trace.ConnectionProblem(err, "license validator unreachable")
	}
	if re.Code() == http.StatusForbidden || re.Code() == http.StatusUnauthorized {
		return nil, trace.AccessDenied("license key rejected")
	}
	if re.Code() != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "license validator returned %v", re.Code())
	}

	var resp validateResponse
	if err := json.Unmarshal(re.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err, "decoding validator response")
	}
	if resp.Tier == "" {
		return nil, trace.BadParameter("validator response is missing tier")
	}
	decision := &Decision{
		Tier:          resp.Tier,
		AgentLimit:    resp.AgentLimit,
		RetentionDays: resp.RetentionDays,
		AlertLimit:    resp.AlertLimit,
	}
	if resp.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			return nil, trace.BadParameter("malformed expiry %q in validator response", resp.ExpiresAt)
		}
		decision.ExpiresAt = &t
	}
	return decision, nil
}

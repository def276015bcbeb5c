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

// Package httplib implements the common REST plumbing: a handler
// adapter that turns (value, error) returns into JSON responses, body
// decoding with a size cap, and error class to status code mapping.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody caps REST request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc is a REST endpoint: it returns a JSON-serializable value
// or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler adapts a HandlerFunc to httprouter.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		// handlers that hijacked the connection (websocket upgrades)
		// return nil, nil
		if out == nil {
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON decodes a request body into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) == 0 {
		return trace.BadParameter("missing request body")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ReplyJSON writes a JSON response.
func ReplyJSON(w http.ResponseWriter, code int, val any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(val)
}

// errorResponse is the JSON error body. UpgradeRequired marks writes
// rejected by license admission so dashboards can prompt for an
// upgrade.
type errorResponse struct {
	Error           string `json:"error"`
	UpgradeRequired bool   `json:"upgrade_required,omitempty"`
}

// ReplyError maps an error to its HTTP status and writes the JSON
// error body.
func ReplyError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: trace.UserMessage(err)}
	var code int
	switch {
	case trace.IsNotFound(err):
		code = http.StatusNotFound
	case trace.IsBadParameter(err):
		code = http.StatusBadRequest
	case trace.IsAccessDenied(err):
		code = http.StatusForbidden
		resp.UpgradeRequired = true
	case trace.IsAlreadyExists(err):
		code = http.StatusConflict
	case trace.IsConnectionProblem(err):
		code = http.StatusBadGateway
	case trace.IsLimitExceeded(err):
		code = http.StatusTooManyRequests
	default:
		code = http.StatusInternalServerError
	}
	ReplyJSON(w, code, resp)
}

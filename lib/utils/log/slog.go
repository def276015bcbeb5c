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

// Package logutils configures the process-wide slog logger.
package logutils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// SupportedLevelsText lists the accepted log level names.
var SupportedLevelsText = []string{"debug", "info", "warn", "error"}

// Config controls logger initialization.
type Config struct {
	// Severity is one of SupportedLevelsText. Empty means info.
	Severity string
	// Format is "text" or "json". Empty means text.
	Format string
}

// Initialize builds the root slog logger and installs it as the slog
// default. Components derive their own loggers from the returned one
// via With.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q", s)
}

// DiscardLogger is a logger that drops everything, for tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

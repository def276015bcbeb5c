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

package service

import (
	"net"
	"os"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v2"

	"github.com/pankhahq/pankha/lib/defaults"
)

// LogConfig controls logging output.
type LogConfig struct {
	// Severity is debug, info, warn or error.
	Severity string `yaml:"severity"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Config is the server configuration, normally loaded from a YAML
// file.
type Config struct {
	// ListenAddr is the host:port the combined HTTP/websocket listener
	// binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the sqlite database file.
	DatabasePath string `yaml:"database_path"`

	// LicenseKey activates a paid tier. Empty means free tier.
	LicenseKey string `yaml:"license_key"`

	// LicenseServer is the base URL of the licensing service.
	LicenseServer string `yaml:"license_server"`

	Log LogConfig `yaml:"log"`

	// Clock overrides time in tests.
	Clock clockwork.Clock `yaml:"-"`
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return trace.BadParameter("malformed listen_addr %q: %v", c.ListenAddr, err)
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.LicenseKey != "" && c.LicenseServer == "" {
		return trace.BadParameter("license_key is set but license_server is not")
	}
	return nil
}

// ReadConfigFile loads a Config from a YAML file.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, trace.BadParameter("failed parsing config file %v: %v", path, err)
	}
	return &cfg, nil
}

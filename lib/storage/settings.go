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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	"github.com/gravitational/trace"
)

// Whitelisted backend setting keys. The settings endpoints refuse
// anything else.
const (
	SettingControllerUpdateInterval = "controller_update_interval"
	SettingGraphHistoryHours        = "graph_history_hours"
	SettingDataRetentionDays        = "data_retention_days"
	SettingAccentColor              = "accent_color"
	SettingHoverTintColor           = "hover_tint_color"
)

// SettingKeys lists every accepted backend setting key.
var SettingKeys = []string{
	SettingControllerUpdateInterval,
	SettingGraphHistoryHours,
	SettingDataRetentionDays,
	SettingAccentColor,
	SettingHoverTintColor,
}

// IsSettingKey reports whether key is whitelisted.
func IsSettingKey(key string) bool {
	return slices.Contains(SettingKeys, key)
}

// GetSetting fetches one backend setting value.
func (s *Storage) GetSetting(ctx context.Context, key string) (string, error) {
	if !IsSettingKey(key) {
		return "", trace.BadParameter("unknown setting key %q", key)
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT setting_value FROM backend_settings WHERE setting_key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", trace.NotFound("setting %q is not set", key)
	}
	return value, trace.Wrap(err)
}

// PutSetting stores one backend setting value.
func (s *Storage) PutSetting(ctx context.Context, key, value string) error {
	if !IsSettingKey(key) {
		return trace.BadParameter("unknown setting key %q", key)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO backend_settings
		(setting_key, setting_value) VALUES (?, ?)
		ON CONFLICT (setting_key) DO UPDATE SET setting_value = excluded.setting_value`,
		key, value)
	return trace.Wrap(err)
}

// AllSettings returns every stored setting.
func (s *Storage) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT setting_key, setting_value FROM backend_settings")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, trace.Wrap(err)
		}
		out[key] = value
	}
	return out, trace.Wrap(rows.Err())
}

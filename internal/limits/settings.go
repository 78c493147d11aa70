package limits

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

// Limits is one snapshot of the broadcast limit configuration.
type Limits struct {
	DailyLimit      int
	HourlyLimit     int
	CooldownMinutes int
	BypassRoles     []string
}

// Bypasses reports whether role is exempt from every limit. Roles compare
// case-insensitively.
func (l Limits) Bypasses(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	return slices.ContainsFunc(l.BypassRoles, func(r string) bool {
		return strings.EqualFold(strings.TrimSpace(r), role)
	})
}

// SettingsStore supplies the current limit configuration. It is read at the
// start of every evaluation.
type SettingsStore interface {
	GetBroadcastLimits(ctx context.Context) (Limits, error)
}

// StaticSettings serves a fixed snapshot.
type StaticSettings struct {
	Limits Limits
}

// GetBroadcastLimits returns a copy of the configured snapshot.
func (s StaticSettings) GetBroadcastLimits(context.Context) (Limits, error) {
	out := s.Limits
	out.BypassRoles = slices.Clone(s.Limits.BypassRoles)
	return out, nil
}

// Hash field names of the Redis settings hash.
const (
	FieldDailyLimit      = "daily_limit"
	FieldHourlyLimit     = "hourly_limit"
	FieldCooldownMinutes = "cooldown_minutes"
	FieldBypassRoles     = "bypass_roles"
)

// HashReader reads a whole hash. Implemented by cache.Redis.
type HashReader interface {
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}

// RedisSettings reads the limits from a Redis hash maintained by the admin
// side of the platform. Missing or malformed fields fall back to defaults.
type RedisSettings struct {
	hashes   HashReader
	key      string
	defaults Limits
	logger   *slog.Logger
}

// NewRedisSettings builds a settings store over the hash at key.
func NewRedisSettings(hashes HashReader, key string, defaults Limits, logger *slog.Logger) *RedisSettings {
	return &RedisSettings{
		hashes:   hashes,
		key:      key,
		defaults: defaults,
		logger:   logger.With("component", "limit_settings"),
	}
}

// GetBroadcastLimits reads the hash. When Redis is unavailable the defaults
// are served so rate limiting keeps working.
func (s *RedisSettings) GetBroadcastLimits(ctx context.Context) (Limits, error) {
	out, _ := StaticSettings{Limits: s.defaults}.GetBroadcastLimits(ctx)

	fields, err := s.hashes.HashGetAll(ctx, s.key)
	if err != nil {
		s.logger.Warn("read limit settings failed, using defaults", "key", s.key, "error", err)
		return out, nil
	}

	out.DailyLimit = s.intField(fields, FieldDailyLimit, out.DailyLimit)
	out.HourlyLimit = s.intField(fields, FieldHourlyLimit, out.HourlyLimit)
	out.CooldownMinutes = s.intField(fields, FieldCooldownMinutes, out.CooldownMinutes)
	if raw, ok := fields[FieldBypassRoles]; ok {
		out.BypassRoles = ParseRoles(raw)
	}
	return out, nil
}

func (s *RedisSettings) intField(fields map[string]string, name string, fallback int) int {
	raw, ok := fields[name]
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		s.logger.Warn("invalid limit setting, using default", "field", name, "value", raw)
		return fallback
	}
	return v
}

// HashValues renders l as Redis hash fields.
func HashValues(l Limits) map[string]string {
	return map[string]string{
		FieldDailyLimit:      strconv.Itoa(l.DailyLimit),
		FieldHourlyLimit:     strconv.Itoa(l.HourlyLimit),
		FieldCooldownMinutes: strconv.Itoa(l.CooldownMinutes),
		FieldBypassRoles:     strings.Join(l.BypassRoles, ","),
	}
}

// ParseRoles splits a comma-separated role list, dropping blanks.
func ParseRoles(raw string) []string {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		if role := strings.ToLower(strings.TrimSpace(part)); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

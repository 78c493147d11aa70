package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicecast/internal/repo"
)

// Denial reasons.
const (
	ReasonDailyLimit  = "DAILY_LIMIT_EXCEEDED"
	ReasonHourlyLimit = "HOURLY_LIMIT_EXCEEDED"
	ReasonCooldown    = "COOLDOWN_ACTIVE"
)

// ErrNilUser is returned when the policy is asked about an unresolved user.
var ErrNilUser = errors.New("limits: user is nil")

// LimitInfo describes a user's position against the configured limits.
type LimitInfo struct {
	DailyLimit      int
	DailyUsed       int
	DailyRemaining  int
	HourlyLimit     int
	HourlyUsed      int
	CooldownMinutes int
	NextResetAt     time.Time
	CooldownEndsAt  *time.Time
	RetryAfter      time.Duration
}

// Decision is the outcome of a limit evaluation.
type Decision struct {
	Allowed bool
	Bypass  bool
	Reason  string
	Info    LimitInfo
}

// Policy evaluates users against the limits served by a SettingsStore.
type Policy struct {
	settings SettingsStore
	ledger   *Ledger
	logger   *slog.Logger
}

// NewPolicy wires a policy.
func NewPolicy(settings SettingsStore, ledger *Ledger, logger *slog.Logger) *Policy {
	return &Policy{
		settings: settings,
		ledger:   ledger,
		logger:   logger.With("component", "limit_policy"),
	}
}

// Ledger exposes the usage ledger the policy reads.
func (p *Policy) Ledger() *Ledger {
	return p.ledger
}

// Check evaluates user and records a limit-exceeded event on denial. The
// recording is best-effort; its failure does not change the decision.
func (p *Policy) Check(ctx context.Context, user *repo.User) (Decision, error) {
	d, err := p.evaluate(ctx, user)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		if err := p.ledger.RecordLimitExceeded(ctx, user.ID); err != nil {
			p.logger.Warn("record limit exceeded failed", "user_id", user.ID, "error", err)
		}
		p.logger.Info("broadcast limit reached", "user_id", user.ID, "reason", d.Reason,
			"daily_used", d.Info.DailyUsed, "daily_limit", d.Info.DailyLimit)
	}
	return d, nil
}

// GetStatus evaluates user without touching any counter.
func (p *Policy) GetStatus(ctx context.Context, user *repo.User) (Decision, error) {
	return p.evaluate(ctx, user)
}

func (p *Policy) evaluate(ctx context.Context, user *repo.User) (Decision, error) {
	if user == nil {
		return Decision{}, ErrNilUser
	}

	cfg, err := p.settings.GetBroadcastLimits(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load broadcast limits: %w", err)
	}
	now := p.ledger.Now()

	if cfg.Bypasses(user.Role) {
		info, err := p.usage(ctx, user.ID, cfg, now)
		if err != nil {
			p.logger.Warn("usage unavailable for bypass role", "user_id", user.ID, "role", user.Role, "error", err)
		}
		return Decision{Allowed: true, Bypass: true, Info: info}, nil
	}

	info, err := p.usage(ctx, user.ID, cfg, now)
	if err != nil {
		return Decision{}, err
	}

	if info.DailyUsed >= cfg.DailyLimit {
		info.RetryAfter = info.NextResetAt.Sub(now)
		return Decision{Reason: ReasonDailyLimit, Info: info}, nil
	}

	if cfg.HourlyLimit > 0 && info.HourlyUsed >= cfg.HourlyLimit {
		info.RetryAfter = time.Hour
		return Decision{Reason: ReasonHourlyLimit, Info: info}, nil
	}

	if info.CooldownEndsAt != nil {
		info.RetryAfter = info.CooldownEndsAt.Sub(now)
		return Decision{Reason: ReasonCooldown, Info: info}, nil
	}

	return Decision{Allowed: true, Info: info}, nil
}

// usage reads the ledger counters for userID. On error the returned info
// holds the limits and whatever was read before the failure.
func (p *Policy) usage(ctx context.Context, userID string, cfg Limits, now time.Time) (LimitInfo, error) {
	info := LimitInfo{
		DailyLimit:      cfg.DailyLimit,
		DailyRemaining:  max(cfg.DailyLimit, 0),
		HourlyLimit:     cfg.HourlyLimit,
		CooldownMinutes: cfg.CooldownMinutes,
		NextResetAt:     p.ledger.NextReset(now),
	}

	dailyUsed, err := p.ledger.CountToday(ctx, userID)
	if err != nil {
		return info, err
	}
	info.DailyUsed = dailyUsed
	info.DailyRemaining = max(cfg.DailyLimit-dailyUsed, 0)

	if info.HourlyUsed, err = p.ledger.CountThisHour(ctx, userID); err != nil {
		return info, err
	}

	if cfg.CooldownMinutes > 0 {
		last, err := p.ledger.LastBroadcastTime(ctx, userID)
		if err != nil {
			return info, err
		}
		if last != nil {
			ends := last.Add(time.Duration(cfg.CooldownMinutes) * time.Minute)
			if ends.After(now) {
				info.CooldownEndsAt = &ends
			}
		}
	}
	return info, nil
}

// Package ratelimit gates requests with per-actor, per-operation sliding
// windows kept in the shared counter store.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/counterstore"
)

const (
	windowHourly = "h"
	windowBurst  = "m"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Bypass     bool // admin caller, no quota applied
	Tier       string
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	Window     time.Duration
}

// Limiter enforces the hourly quota table plus an optional burst window.
//
// Each window is a JSON list of unix-millisecond timestamps read, trimmed,
// appended to and written back in two round trips. The read and the write
// are not atomic: concurrent requests on the same key can both observe a
// count under quota and both be admitted, so a hot key may briefly exceed its
// limit by the number of racing requests. Requests are not serialized.
type Limiter struct {
	store  counterstore.Store
	clock  clockwork.Clock
	cfg    config.RateLimitConfig
	logger *slog.Logger
}

func NewLimiter(store counterstore.Store, clock clockwork.Clock, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, clock: clock, cfg: cfg, logger: logger}
}

// WindowKey formats the counter key for one window of one actor.
func WindowKey(tier string, class ActorClass, id, window string) string {
	return fmt.Sprintf("rl:%s:%s:%s:%s", tier, class, id, window)
}

// Check evaluates the burst window (when it applies) and then the hourly
// window. A store failure is returned as an infrastructure error and never
// admits the request.
func (l *Limiter) Check(ctx context.Context, caller Caller, tier string) (Decision, error) {
	if caller.Admin {
		l.logger.Info("admin caller bypassed rate limit",
			slog.String("actor_class", string(caller.Class)),
			slog.String("actor_id", caller.ID),
			slog.String("tier", tier),
		)
		return Decision{Allowed: true, Bypass: true, Tier: tier}, nil
	}

	now := l.clock.Now()
	burst := l.cfg.Burst
	if burst.Limit > 0 && string(caller.Class) == burst.ActorClass && tier == burst.Tier {
		d, err := l.evaluate(ctx, WindowKey(tier, caller.Class, caller.ID, windowBurst), burst.Limit, burst.Window, now)
		if err != nil {
			return Decision{}, apperr.Infrastructure("ratelimit.check", err)
		}
		if !d.Allowed {
			d.Tier = tier
			return d, nil
		}
	}

	limit := l.cfg.Hourly.Limit(caller.QuotaRow(), tier)
	d, err := l.evaluate(ctx, WindowKey(tier, caller.Class, caller.ID, windowHourly), limit, l.cfg.Window, now)
	if err != nil {
		return Decision{}, apperr.Infrastructure("ratelimit.check", err)
	}
	d.Tier = tier
	return d, nil
}

func (l *Limiter) evaluate(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	var stamps []int64
	if raw != nil {
		if err := json.Unmarshal(raw, &stamps); err != nil {
			l.logger.Warn("discarding unreadable rate limit entry", slog.String("key", key), slog.String("error", err.Error()))
			stamps = nil
		}
	}

	cutoff := now.Add(-window).UnixMilli()
	live := stamps[:0]
	for _, ts := range stamps {
		if ts > cutoff {
			live = append(live, ts)
		}
	}

	d := Decision{Limit: limit, Window: window}
	if len(live) >= limit {
		reset := now.Add(window)
		if len(live) > 0 {
			reset = time.UnixMilli(oldest(live)).Add(window)
		}
		d.Reset = reset
		d.RetryAfter = ceilSeconds(reset.Sub(now))
		return d, nil
	}

	live = append(live, now.UnixMilli())
	val, err := json.Marshal(live)
	if err != nil {
		return Decision{}, fmt.Errorf("encode window %s: %w", key, err)
	}
	if err := l.store.Set(ctx, key, val, window); err != nil {
		return Decision{}, err
	}

	d.Allowed = true
	d.Remaining = limit - len(live)
	d.Reset = time.UnixMilli(oldest(live)).Add(window)
	return d, nil
}

func oldest(stamps []int64) int64 {
	min := stamps[0]
	for _, ts := range stamps[1:] {
		if ts < min {
			min = ts
		}
	}
	return min
}

// ceilSeconds rounds d up to whole seconds, never below one.
func ceilSeconds(d time.Duration) time.Duration {
	s := (d + time.Second - 1) / time.Second
	if s < 1 {
		s = 1
	}
	return s * time.Second
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrLimitExceeded is wrapped by every quota refusal
var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter paces login attempts and portal navigation
type RateLimiter struct {
	logger   *logrus.Logger
	config   Config
	limiters map[ActionType]*rate.Limiter
	history  map[ActionType][]time.Time
	rng      *rand.Rand
	now      func() time.Time
	mu       sync.Mutex
}

// Config defines rate limiting behavior
type Config struct {
	// Minimum spacing per action
	LoginDelay    time.Duration `mapstructure:"login_delay" yaml:"login_delay"`
	NavigateDelay time.Duration `mapstructure:"navigate_delay" yaml:"navigate_delay"`
	CaptureDelay  time.Duration `mapstructure:"capture_delay" yaml:"capture_delay"`

	// Quotas on submitted login attempts
	HourlyLogins int `mapstructure:"hourly_logins" yaml:"hourly_logins"`
	DailyLogins  int `mapstructure:"daily_logins" yaml:"daily_logins"`

	// Burst allowed before spacing applies
	BurstLimit int `mapstructure:"burst_limit" yaml:"burst_limit"`

	RandomizeDelay bool    `mapstructure:"randomize_delay" yaml:"randomize_delay"`
	JitterPercent  float64 `mapstructure:"jitter_percent" yaml:"jitter_percent"` // 0-100
}

// ActionType represents the kinds of paced portal actions
type ActionType string

const (
	ActionLogin    ActionType = "login"
	ActionNavigate ActionType = "navigate"
	ActionCapture  ActionType = "capture"
)

// LimitError reports which quota refused an action
type LimitError struct {
	Action ActionType
	Window string
	Count  int
	Limit  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s: %d/%d", e.Window, e.Action, e.Count, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config Config, logger *logrus.Logger) *RateLimiter {
	burst := config.BurstLimit
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		logger:   logger,
		config:   config,
		limiters: make(map[ActionType]*rate.Limiter),
		history:  make(map[ActionType][]time.Time),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for action, delay := range map[ActionType]time.Duration{
		ActionLogin:    config.LoginDelay,
		ActionNavigate: config.NavigateDelay,
		ActionCapture:  config.CaptureDelay,
	} {
		limit := rate.Inf
		if delay > 0 {
			limit = rate.Every(delay)
		}
		rl.limiters[action] = rate.NewLimiter(limit, burst)
	}
	return rl
}

// WaitForPermission blocks until action may proceed, or returns a
// *LimitError when a quota is spent.
func (rl *RateLimiter) WaitForPermission(ctx context.Context, action ActionType) error {
	if err := rl.reserveQuota(action); err != nil {
		rl.logger.WithField("action", string(action)).WithError(err).Warn("Rate limit refused action")
		return err
	}

	limiter := rl.limiter(action)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting to %s: %w", action, err)
	}

	if jitter := rl.jitter(action); jitter > 0 {
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if waited := time.Since(start); waited > 50*time.Millisecond {
		rl.logger.WithFields(logrus.Fields{
			"action": string(action),
			"waited": waited.Round(time.Millisecond),
		}).Debug("Rate limiting - waited")
	}
	return nil
}

func (rl *RateLimiter) limiter(action ActionType) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[action]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 1)
		rl.limiters[action] = l
	}
	return l
}

// reserveQuota checks the sliding hourly and daily windows and, when the
// action fits, counts it.
func (rl *RateLimiter) reserveQuota(action ActionType) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	events := prune(rl.history[action], now.Add(-24*time.Hour))
	rl.history[action] = events

	if action == ActionLogin {
		if limit := rl.config.DailyLogins; limit > 0 && len(events) >= limit {
			return &LimitError{Action: action, Window: "daily", Count: len(events), Limit: limit}
		}
		if limit := rl.config.HourlyLogins; limit > 0 {
			if n := countSince(events, now.Add(-time.Hour)); n >= limit {
				return &LimitError{Action: action, Window: "hourly", Count: n, Limit: limit}
			}
		}
	}

	rl.history[action] = append(events, now)
	return nil
}

func (rl *RateLimiter) jitter(action ActionType) time.Duration {
	if !rl.config.RandomizeDelay || rl.config.JitterPercent <= 0 {
		return 0
	}
	var base time.Duration
	switch action {
	case ActionLogin:
		base = rl.config.LoginDelay
	case ActionNavigate:
		base = rl.config.NavigateDelay
	case ActionCapture:
		base = rl.config.CaptureDelay
	}
	if base <= 0 {
		return 0
	}
	rl.mu.Lock()
	f := rl.rng.Float64()
	rl.mu.Unlock()
	return time.Duration(float64(base) * rl.config.JitterPercent / 100 * f)
}

// GetStats returns the number of actions seen in the last hour and day
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]interface{})
	for action, events := range rl.history {
		stats[string(action)] = map[string]int{
			"last_hour": countSince(events, now.Add(-time.Hour)),
			"last_day":  countSince(events, now.Add(-24*time.Hour)),
		}
	}
	return stats
}

// DefaultConfig returns pacing suitable for a single student account
func DefaultConfig() Config {
	return Config{
		LoginDelay:     5 * time.Second,
		NavigateDelay:  1500 * time.Millisecond,
		CaptureDelay:   500 * time.Millisecond,
		HourlyLogins:   10,
		DailyLogins:    30,
		BurstLimit:     2,
		RandomizeDelay: true,
		JitterPercent:  20,
	}
}

func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

func countSince(events []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range events {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

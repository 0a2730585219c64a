package api

import (
	"sync"
	"time"

	"photocache/internal/logging"
)

// Endpoint classes, each with its own window configuration.
const (
	ClassGeneral  = "general"
	ClassTracking = "tracking"
	ClassStats    = "stats"
	ClassAdmin    = "admin"
)

// ClassConfig is the fixed-window budget for one endpoint class.
type ClassConfig struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimitConfig holds the per-class budgets.
type RateLimitConfig struct {
	Classes map[string]ClassConfig
}

// DefaultRateLimitConfig returns the production budgets: a generous window
// for public reads, strict windows for tracking, stats and admin traffic.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Classes: map[string]ClassConfig{
			ClassGeneral:  {MaxRequests: 100, Window: 15 * time.Minute},
			ClassTracking: {MaxRequests: 30, Window: time.Minute},
			ClassStats:    {MaxRequests: 10, Window: time.Minute},
			ClassAdmin:    {MaxRequests: 5, Window: time.Minute},
		},
	}
}

// RateLimitResult is the outcome of one Check call.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type windowKey struct {
	clientKey string
	class     string
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// FixedWindowLimiter counts requests per (clientKey, endpointClass) inside
// fixed time windows. Windows live only until their reset time; a janitor
// goroutine drops expired ones so the map stays bounded.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	classes map[string]ClassConfig
	windows map[windowKey]*rateWindow
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewFixedWindowLimiter creates a limiter with the given per-class budgets
// and starts its cleanup goroutine. Call Stop on shutdown.
func NewFixedWindowLimiter(cfg RateLimitConfig) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		classes: cfg.Classes,
		windows: make(map[windowKey]*rateWindow),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Check counts one request for (clientKey, class) against the class budget.
// A fresh window starts whenever none exists or the current one has expired.
func (l *FixedWindowLimiter) Check(clientKey, class string) RateLimitResult {
	cfg, ok := l.classes[class]
	if !ok {
		cfg = l.classes[ClassGeneral]
	}

	l.mu.Lock()
	key := windowKey{clientKey: clientKey, class: class}
	now := l.now()

	w := l.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(cfg.Window)}
		l.windows[key] = w
	}
	w.count++

	result := RateLimitResult{
		Allowed:   w.count <= cfg.MaxRequests,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - w.count,
		ResetAt:   w.resetAt,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	l.mu.Unlock()

	if !result.Allowed {
		logging.HTTP.Printf("rate limit exceeded: key=%s class=%s limit=%d window=%s",
			clientKey, class, cfg.MaxRequests, cfg.Window)
	}
	return result
}

func (l *FixedWindowLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.removeExpired()
		}
	}
}

func (l *FixedWindowLimiter) removeExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Stop shuts down the cleanup goroutine.
func (l *FixedWindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

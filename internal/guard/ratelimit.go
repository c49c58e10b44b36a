package guard

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimiterConfig holds the configuration for the RateLimiter.
type RateLimiterConfig struct {
	Logger *slog.Logger

	// MinInterval is the minimum spacing between messages from one
	// device. Kept short so batch bursts are not punished.
	MinInterval time.Duration

	// WindowLimit caps messages per device per Window.
	WindowLimit int

	// Window is the sliding-window length.
	Window time.Duration
}

const (
	defaultMinInterval = 300 * time.Millisecond
	defaultWindowLimit = 20
	defaultWindow      = 60 * time.Second
	limiterShardCount  = 32
)

// RateLimiter enforces a per-device minimum inter-message interval and a
// sliding-window message cap. Violations elicit a failure response rather
// than a connection close: real devices retry on failure.
type RateLimiter struct {
	logger      *slog.Logger
	minInterval time.Duration
	windowLimit int
	window      time.Duration

	shards [limiterShardCount]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	devices map[string]*deviceRate
}

type deviceRate struct {
	last     time.Time
	accepted []time.Time
}

// NewRateLimiter creates a RateLimiter, applying defaults for zero-valued
// limits.
func NewRateLimiter(cfg *RateLimiterConfig) *RateLimiter {
	l := &RateLimiter{
		logger:      cfg.Logger,
		minInterval: cfg.MinInterval,
		windowLimit: cfg.WindowLimit,
		window:      cfg.Window,
	}
	if l.minInterval <= 0 {
		l.minInterval = defaultMinInterval
	}
	if l.windowLimit <= 0 {
		l.windowLimit = defaultWindowLimit
	}
	if l.window <= 0 {
		l.window = defaultWindow
	}
	for i := range l.shards {
		l.shards[i].devices = make(map[string]*deviceRate)
	}
	return l
}

// Allow reports whether a message from the device may proceed now. The
// returned reason is empty when allowed. Only allowed messages count
// toward the sliding window, so the successful-message count can never
// exceed the configured cap within any window.
func (l *RateLimiter) Allow(deviceID string) (bool, string) {
	return l.allowAt(deviceID, time.Now())
}

func (l *RateLimiter) allowAt(deviceID string, now time.Time) (bool, string) {
	shard := &l.shards[shardIndex(deviceID, limiterShardCount)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rate := shard.devices[deviceID]
	if rate == nil {
		rate = &deviceRate{}
		shard.devices[deviceID] = rate
	}

	// last advances only on acceptance: a device retrying at a fixed
	// sub-interval cadence must eventually land a message.
	if !rate.last.IsZero() && now.Sub(rate.last) < l.minInterval {
		return false, "below minimum inter-message interval"
	}

	cutoff := now.Add(-l.window)
	kept := rate.accepted[:0]
	for _, t := range rate.accepted {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rate.accepted = kept

	if len(rate.accepted) >= l.windowLimit {
		return false, "sliding-window message cap exceeded"
	}

	rate.last = now
	rate.accepted = append(rate.accepted, now)
	return true, ""
}

// Clear drops the rate state for a device, called when its connection
// closes.
func (l *RateLimiter) Clear(deviceID string) {
	shard := &l.shards[shardIndex(deviceID, limiterShardCount)]
	shard.mu.Lock()
	delete(shard.devices, deviceID)
	shard.mu.Unlock()
}

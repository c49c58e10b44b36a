// Package server contains the TCP ingest gateway: connection admission,
// per-connection sessions, and the listener lifecycle with its
// operational HTTP surface.
package server

import (
	"log/slog"
	"sync"
	"time"

	"procodus.dev/trackgate/pkg/metrics"
)

// ConnManagerConfig holds the configuration for the ConnManager.
type ConnManagerConfig struct {
	Logger *slog.Logger

	// MaxConnections caps live connections across all sources.
	// Defaults to 1000.
	MaxConnections int

	// MaxPerIP caps concurrent connections from one source address.
	// Defaults to 50.
	MaxPerIP int

	// StormAttempts is the reconnection high-water mark inside
	// StormWindow. Defaults to 30.
	StormAttempts int

	// StormWindow is the rolling window reconnection attempts are
	// counted over. Defaults to 30s.
	StormWindow time.Duration

	// BlacklistCooldown is how long a storming IP stays blacklisted.
	// Defaults to 60s.
	BlacklistCooldown time.Duration

	// Whitelist lists IPs exempt from blacklisting, health checkers for
	// instance. Loopback addresses are always whitelisted.
	Whitelist []string

	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.IngestMetrics
}

const (
	defaultMaxConnections    = 1000
	defaultMaxPerIP          = 50
	defaultStormAttempts     = 30
	defaultStormWindow       = 30 * time.Second
	defaultBlacklistCooldown = 60 * time.Second

	// Attempts per second above which a storming IP is punished rather
	// than excused as poor radio coverage.
	stormRatePerSecond = 10
)

// ConnManager admits or rejects incoming connections. Trackers in the
// field reconnect constantly over flaky radio links, so high reconnection
// rates alone are tolerated; only rates no legitimate device produces get
// an IP temporarily blacklisted.
type ConnManager struct {
	logger  *slog.Logger
	cfg     ConnManagerConfig
	metrics *metrics.IngestMetrics

	mu        sync.Mutex
	total     int
	perIP     map[string]int
	attempts  map[string][]time.Time
	blacklist map[string]time.Time
	whitelist map[string]bool
}

// NewConnManager creates a ConnManager.
func NewConnManager(cfg *ConnManagerConfig) *ConnManager {
	c := ConnManagerConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxPerIP <= 0 {
		c.MaxPerIP = defaultMaxPerIP
	}
	if c.StormAttempts <= 0 {
		c.StormAttempts = defaultStormAttempts
	}
	if c.StormWindow <= 0 {
		c.StormWindow = defaultStormWindow
	}
	if c.BlacklistCooldown <= 0 {
		c.BlacklistCooldown = defaultBlacklistCooldown
	}

	m := &ConnManager{
		logger:    c.Logger,
		cfg:       c,
		metrics:   c.Metrics,
		perIP:     make(map[string]int),
		attempts:  make(map[string][]time.Time),
		blacklist: make(map[string]time.Time),
		whitelist: map[string]bool{"127.0.0.1": true, "::1": true},
	}
	for _, ip := range c.Whitelist {
		m.whitelist[ip] = true
	}
	return m
}

// Acquire decides whether a connection from ip may be accepted and, when
// it may, reserves its slot. The returned reason is empty on acceptance.
func (m *ConnManager) Acquire(ip string) (bool, string) {
	return m.acquireAt(ip, time.Now())
}

func (m *ConnManager) acquireAt(ip string, now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordAttempt(ip, now)

	if !m.whitelist[ip] {
		if until, ok := m.blacklist[ip]; ok {
			if now.Before(until) {
				return false, "blacklisted"
			}
			delete(m.blacklist, ip)
			m.updateBlacklistGauge()
		}
		if reason := m.checkStorm(ip, now); reason != "" {
			return false, reason
		}
	}

	if m.perIP[ip] >= m.cfg.MaxPerIP {
		return false, "per_ip_limit"
	}
	if m.total >= m.cfg.MaxConnections {
		return false, "global_limit"
	}

	m.perIP[ip]++
	m.total++
	if m.metrics != nil {
		m.metrics.ActiveConnections.Set(float64(m.total))
	}
	return true, ""
}

// recordAttempt appends the attempt and prunes the rolling window.
func (m *ConnManager) recordAttempt(ip string, now time.Time) {
	cutoff := now.Add(-m.cfg.StormWindow)
	kept := m.attempts[ip][:0]
	for _, t := range m.attempts[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.attempts[ip] = append(kept, now)
}

// checkStorm blacklists an IP whose reconnection attempts exceed the
// high-water mark while arriving faster than any field device does.
func (m *ConnManager) checkStorm(ip string, now time.Time) string {
	window := m.attempts[ip]
	if len(window) < m.cfg.StormAttempts {
		return ""
	}

	lastSecond := 0
	cutoff := now.Add(-time.Second)
	for i := len(window) - 1; i >= 0; i-- {
		if !window[i].After(cutoff) {
			break
		}
		lastSecond++
	}

	if lastSecond > stormRatePerSecond {
		m.blacklist[ip] = now.Add(m.cfg.BlacklistCooldown)
		m.attempts[ip] = nil
		m.updateBlacklistGauge()
		m.logger.Warn("reconnection storm, blacklisting source",
			"ip", ip,
			"attempts", len(window),
			"cooldown", m.cfg.BlacklistCooldown,
		)
		return "blacklisted"
	}

	m.logger.Info("high reconnection rate, likely poor radio coverage",
		"ip", ip,
		"attempts", len(window),
	)
	return ""
}

// Release frees the IP's connection slot.
func (m *ConnManager) Release(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.perIP[ip] > 0 {
		m.perIP[ip]--
		if m.perIP[ip] == 0 {
			delete(m.perIP, ip)
		}
		m.total--
	}
	if m.metrics != nil {
		m.metrics.ActiveConnections.Set(float64(m.total))
	}
}

// Active returns the number of live connections.
func (m *ConnManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Blacklisted returns the currently blacklisted IPs, expired entries
// pruned.
func (m *ConnManager) Blacklisted() []string {
	return m.blacklistedAt(time.Now())
}

func (m *ConnManager) blacklistedAt(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ips := make([]string, 0, len(m.blacklist))
	for ip, until := range m.blacklist {
		if now.Before(until) {
			ips = append(ips, ip)
		} else {
			delete(m.blacklist, ip)
		}
	}
	m.updateBlacklistGauge()
	return ips
}

func (m *ConnManager) updateBlacklistGauge() {
	if m.metrics != nil {
		m.metrics.BlacklistedIPs.Set(float64(len(m.blacklist)))
	}
}

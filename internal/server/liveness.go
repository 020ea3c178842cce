package server

import (
	"log/slog"
	"time"

	"github.com/Tyrowin/gochat-live/internal/clock"
	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

// LivenessMonitor runs the heartbeat and idle sweeps over the registry.
type LivenessMonitor struct {
	registry  *Registry
	presence  *Presence
	clock     clock.Clock
	threshold time.Duration
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewLivenessMonitor creates a monitor. threshold is the inactivity after
// which a registered user turns idle.
func NewLivenessMonitor(registry *Registry, presence *Presence, clk clock.Clock, threshold time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *LivenessMonitor {
	return &LivenessMonitor{
		registry:  registry,
		presence:  presence,
		clock:     clk,
		threshold: threshold,
		metrics:   metrics,
		logger:    logger,
	}
}

// heartbeatSweep terminates connections that missed the previous ping, then
// marks the rest unconfirmed and pings them.
func (m *LivenessMonitor) heartbeatSweep() {
	terminated := 0
	m.registry.ForEach(func(c *Client, _ time.Time) {
		if c.awaitingPong.Load() {
			c.log().Info("no pong since last heartbeat; terminating connection")
			m.metrics.HeartbeatTerminated()
			c.terminate()
			terminated++
			return
		}

		c.awaitingPong.Store(true)
		if err := c.ping(); err != nil && !isExpectedCloseError(err) {
			c.log().Debug("error writing ping", "error", err)
		}
	})

	if terminated > 0 {
		m.logger.Info("heartbeat sweep", "terminated", terminated, "registered", m.registry.Len())
	}
}

// idleSweep turns users idle whose last activity is older than threshold.
// Idle users stay registered.
func (m *LivenessMonitor) idleSweep() {
	now := m.clock.Now()
	m.registry.ForEach(func(c *Client, lastActivity time.Time) {
		if now.Sub(lastActivity) <= m.threshold {
			return
		}
		if !m.registry.MarkIdle(c) {
			return
		}
		c.log().Debug("user idle", "inactive_for", now.Sub(lastActivity))
		m.presence.Transition(c.UserID(), store.PresenceIdle)
	})
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff returns an exponential backoff doubling from initial up to
// maxDelay. It never gives up; the circuit breaker bounds the attempts.
func newBackoff(initial, maxDelay time.Duration, randomization float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = randomization
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reconcile half-opens circuits whose cooldown has elapsed and restores
// sessions for credential records that have none.
func (c *Connector) reconcile() {
	c.mu.Lock()
	sessions := slices.Collect(maps.Values(c.sessions))
	c.mu.Unlock()

	now := c.now()
	halfOpened := 0
	for _, s := range sessions {
		if c.halfOpen(s, now) {
			halfOpened++
		}
	}

	recs, err := c.creds.List(c.ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Reconcile failed to list credentials")
		return
	}
	restored := 0
	for _, rec := range recs {
		if c.restore(rec) {
			c.log.Info().Str("phone", rec.Phone).Msg("Restored session without a live connection")
			restored++
		}
	}
	if halfOpened > 0 || restored > 0 {
		c.log.Info().Int("half_opened", halfOpened).Int("restored", restored).Msg("Reconcile finished")
	}
}

// halfOpen allows one more connection attempt for a session whose circuit has
// cooled down. A failed attempt opens the circuit again.
func (c *Connector) halfOpen(s *Session, now time.Time) bool {
	s.mu.Lock()
	if s.closed || s.state != StateCircuitOpen || now.Sub(s.circuitOpenedAt) < c.Config.Reconnect.CircuitCooldown() {
		s.mu.Unlock()
		return false
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.log.Info().Msg("Circuit cooled down, trying to reconnect")
	c.publishState(s.phone, StateCircuitOpen, StateReconnecting)
	go c.connect(s)
	return true
}

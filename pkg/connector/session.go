// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"github.com/aiku/wa-relay/pkg/bootstrap"
	"github.com/aiku/wa-relay/pkg/credstore"
	"github.com/aiku/wa-relay/pkg/transport"
)

// lineage is shared by a session and every successor that replaces it after a
// disconnect. It ends when the phone number is logged out or unregistered.
type lineage struct {
	promise  *bootstrap.Promise
	gone     chan struct{}
	goneOnce sync.Once

	backoffMu sync.Mutex
	backoff   *backoff.ExponentialBackOff
	maxDelay  time.Duration
}

func newLineage(rc ReconnectConfig) *lineage {
	return &lineage{
		promise:  bootstrap.NewPromise(),
		gone:     make(chan struct{}),
		backoff:  newBackoff(rc.InitialDelay(), rc.MaxDelay(), backoff.DefaultRandomizationFactor),
		maxDelay: rc.MaxDelay(),
	}
}

// nextDelay returns the wait before the next reconnect attempt.
func (l *lineage) nextDelay() time.Duration {
	l.backoffMu.Lock()
	defer l.backoffMu.Unlock()
	return min(l.backoff.NextBackOff(), l.maxDelay)
}

func (l *lineage) resetBackoff() {
	l.backoffMu.Lock()
	l.backoff.Reset()
	l.backoffMu.Unlock()
}

func (l *lineage) end() {
	l.goneOnce.Do(func() { close(l.gone) })
}

// Session is one connection attempt for one phone number. A dropped
// connection never revives its Session; the Connector puts a successor in its
// place instead.
type Session struct {
	phone     string
	connector *Connector
	lineage   *lineage
	log       zerolog.Logger

	mu              sync.Mutex
	state           State
	conn            transport.Conn
	cred            *credstore.Record
	artifact        *bootstrap.Artifact
	ownID           types.JID
	attempts        int
	circuitOpenedAt time.Time
	timer           *time.Timer
	closed          bool
}

var _ transport.Handler = (*Session)(nil)

// SessionView is a read-only snapshot of a session.
type SessionView struct {
	Phone       string `json:"phone"`
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	BridgeState string `json:"bridgeState"`
	OwnID       string `json:"ownId,omitempty"`
	HasArtifact bool   `json:"hasArtifact"`
	Attempts    int    `json:"attempts"`
}

func (c *Connector) newSession(phone string, cred *credstore.Record, lin *lineage, attempts int, state State) *Session {
	return &Session{
		phone:     phone,
		connector: c,
		lineage:   lin,
		log:       c.log.With().Str("component", "session").Str("phone", phone).Int("attempt", attempts).Logger(),
		state:     state,
		cred:      cred,
		attempts:  attempts,
	}
}

func (s *Session) view() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SessionView{
		Phone:       s.phone,
		State:       s.state.String(),
		Connected:   s.state == StateConnected,
		BridgeState: string(s.state.BridgeState()),
		HasArtifact: s.artifact != nil,
		Attempts:    s.attempts,
	}
	if !s.ownID.IsEmpty() {
		v.OwnID = s.ownID.String()
	}
	return v
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState changes the state and reports the previous one.
func (s *Session) setState(to State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	s.state = to
	return from
}

func (s *Session) credential() *credstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.Clone()
}

func (s *Session) setCredential(rec *credstore.Record) {
	s.mu.Lock()
	s.cred = rec
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// attach binds conn to the session. It reports false when the session was
// closed in the meantime, in which case the caller owns conn.
func (s *Session) attach(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

// shutdown marks the session closed and stops its backoff timer. It returns
// the attached connection and whether this call did the closing.
func (s *Session) shutdown() (transport.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.closed
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.conn, first
}

// scheduleConnect starts connecting after delay unless the session is closed first.
func (s *Session) scheduleConnect(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.connector.connect(s)
	})
}

// HandleEvent receives transport events for this session's connection.
func (s *Session) HandleEvent(evt transport.Event) {
	if s.isClosed() || !s.connector.isCurrent(s) {
		s.log.Debug().Type("event_type", evt).Msg("Ignoring event for stale session")
		return
	}
	c := s.connector
	switch evt := evt.(type) {
	case transport.BootstrapRequested:
		c.handleBootstrap(s, evt)
	case transport.Opened:
		c.handleOpened(s, evt)
	case transport.CredentialsUpdated:
		c.handleCredentials(s, evt)
	case transport.MessageReceived:
		c.handleMessage(s, evt)
	case transport.Closed:
		go c.handleClose(s, evt)
	}
}

func (c *Connector) handleBootstrap(s *Session, evt transport.BootstrapRequested) {
	art, err := c.issuer.Issue(evt.Token)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to issue bootstrap artifact")
		return
	}
	s.mu.Lock()
	from := s.state
	switch from {
	case StateInitializing, StateReconnecting, StateAwaitingBootstrap:
	default:
		s.mu.Unlock()
		s.log.Warn().Stringer("state", from).Msg("Ignoring bootstrap token in unexpected state")
		return
	}
	s.state = StateAwaitingBootstrap
	s.artifact = art
	s.mu.Unlock()

	if from != StateAwaitingBootstrap {
		c.publishState(s.phone, from, StateAwaitingBootstrap)
	}
	if s.lineage.promise.Resolve(art) {
		s.log.Info().Str("kind", string(art.Kind)).Msg("Bootstrap artifact ready")
	} else {
		s.log.Debug().Str("kind", string(art.Kind)).Msg("Bootstrap artifact rotated")
	}
}

func (c *Connector) handleOpened(s *Session, evt transport.Opened) {
	s.mu.Lock()
	from := s.state
	s.state = StateConnected
	s.artifact = nil
	s.attempts = 0
	s.circuitOpenedAt = time.Time{}
	if !evt.OwnID.IsEmpty() {
		s.ownID = evt.OwnID
	}
	s.mu.Unlock()

	s.lineage.resetBackoff()
	s.log.Info().Str("own_id", evt.OwnID.String()).Msg("Connected to WhatsApp")
	if from != StateConnected {
		c.publishState(s.phone, from, StateConnected)
	}
	s.lineage.promise.Resolve(nil)
}

func (c *Connector) handleCredentials(s *Session, evt transport.CredentialsUpdated) {
	rec, err := c.creds.Update(c.ctx, s.phone, evt.Blob)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to persist credentials")
		return
	}
	s.setCredential(rec)
	s.log.Debug().Uint64("counter", rec.Counter).Msg("Persisted credentials")
}

// handleClose runs off the transport's dispatch goroutine. Only the first
// close of a session has any effect.
func (c *Connector) handleClose(s *Session, evt transport.Closed) {
	conn, first := s.shutdown()
	if !first {
		return
	}
	if conn != nil {
		conn.Disconnect()
	}
	if evt.LoggedOut() {
		s.log.Warn().Int("status", evt.Status).Str("reason", evt.Reason).Msg("Session logged out")
		c.handleLoggedOut(s)
		return
	}
	s.log.Info().Int("status", evt.Status).Str("reason", evt.Reason).Msg("Connection closed")
	c.replace(s)
}

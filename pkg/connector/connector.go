// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aiku/wa-relay/pkg/bootstrap"
	"github.com/aiku/wa-relay/pkg/credstore"
	"github.com/aiku/wa-relay/pkg/message"
	"github.com/aiku/wa-relay/pkg/transport"
)

var (
	ErrAlreadyRegistered = errors.New("phone number already registered")
	ErrNotFound          = errors.New("session not found")
	ErrBootstrapTimeout  = errors.New("timed out waiting for bootstrap code")
	ErrNoArtifact        = errors.New("no bootstrap code available")
	ErrNotConnected      = errors.New("session not connected")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrStopped           = errors.New("connector stopped")
)

// TopicSessionState is the bus topic carrying (phone string, from, to State)
// for every session state change.
const TopicSessionState = "session:state"

// Forwarder hands normalized messages to the collector.
type Forwarder interface {
	Forward(msg *message.Canonical)
	Close()
}

// Connector owns every session, keyed by phone number.
type Connector struct {
	Config Config

	transport transport.Transport
	creds     credstore.Store
	forwarder Forwarder
	issuer    *bootstrap.Issuer
	bus       EventBus.Bus
	metrics   *metrics
	sched     *cron.Cron

	mu       sync.Mutex
	sessions map[string]*Session
	// removing holds phone numbers whose credentials are being deleted.
	removing map[string]struct{}
	stopped  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a Connector. Metrics are registered on reg when it is not nil.
func New(cfg Config, tr transport.Transport, creds credstore.Store, fwd Forwarder, reg prometheus.Registerer, log zerolog.Logger) (*Connector, error) {
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		Config:    cfg,
		transport: tr,
		creds:     creds,
		forwarder: fwd,
		issuer:    bootstrap.NewIssuer(cfg.Bootstrap.QRSize),
		bus:       EventBus.New(),
		metrics:   m,
		sessions:  make(map[string]*Session),
		removing:  make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		log:       log.With().Str("component", "connector").Logger(),
	}
	if err := c.bus.Subscribe(TopicSessionState, m.observeState); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe metrics to state changes: %w", err)
	}
	c.ctx = c.log.WithContext(ctx)
	return c, nil
}

// SubscribeStateChanges registers fn for every session state change.
func (c *Connector) SubscribeStateChanges(fn func(phone string, from, to State)) error {
	return c.bus.Subscribe(TopicSessionState, fn)
}

func (c *Connector) publishState(phone string, from, to State) {
	c.log.Debug().Str("phone", phone).Stringer("from", from).Stringer("to", to).Msg("Session state changed")
	c.bus.Publish(TopicSessionState, phone, from, to)
}

// Start restores every persisted session and schedules the reconcile job.
func (c *Connector) Start(ctx context.Context) error {
	recs, err := c.creds.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, rec := range recs {
		if c.restore(rec) {
			c.log.Info().Str("phone", rec.Phone).Msg("Restored session")
		}
	}
	c.sched = cron.New(cron.WithParser(cronParser), cron.WithLocation(c.Config.Location()))
	if _, err := c.sched.AddFunc(c.Config.ReconcileSchedule, c.reconcile); err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}
	c.sched.Start()
	c.log.Info().Int("sessions", len(recs)).Str("schedule", c.Config.ReconcileSchedule).Msg("Connector started")
	return nil
}

// Stop disconnects every session without logging out and waits for pending
// deliveries.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		if c.sched != nil {
			<-c.sched.Stop().Done()
		}
		c.mu.Lock()
		c.stopped = true
		sessions := slices.Collect(maps.Values(c.sessions))
		clear(c.sessions)
		c.mu.Unlock()

		for _, s := range sessions {
			if conn, _ := s.shutdown(); conn != nil {
				conn.Disconnect()
			}
			s.lineage.end()
		}
		c.cancel()
		c.forwarder.Close()
		c.log.Info().Int("sessions", len(sessions)).Msg("Connector stopped")
	})
}

// add inserts a fresh session for phone.
func (c *Connector) add(phone string, rec *credstore.Record) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	if _, ok := c.sessions[phone]; ok {
		return nil, ErrAlreadyRegistered
	}
	if _, ok := c.removing[phone]; ok {
		return nil, fmt.Errorf("%w: previous session is still being removed", ErrAlreadyRegistered)
	}
	s := c.newSession(phone, rec, newLineage(c.Config.Reconnect), 0, StateInitializing)
	c.sessions[phone] = s
	return s, nil
}

func (c *Connector) isCurrent(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[s.phone] == s
}

func (c *Connector) session(phone string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[phone]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, phone)
	}
	return s, nil
}

// Register creates a session for phone and waits until it either produces a
// bootstrap artifact or connects with existing credentials, in which case the
// artifact is nil. On timeout the session keeps running.
func (c *Connector) Register(ctx context.Context, phone string) (*bootstrap.Artifact, error) {
	s, err := c.add(phone, nil)
	if err != nil {
		return nil, err
	}
	c.publishState(phone, stateNone, StateInitializing)

	rec, err := c.creds.Load(ctx, phone)
	if err != nil {
		c.discard(s)
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	s.setCredential(rec)
	s.log.Info().Bool("has_credentials", !rec.Empty()).Msg("Registering phone number")
	go c.connect(s)
	return c.awaitArtifact(ctx, s)
}

func (c *Connector) awaitArtifact(ctx context.Context, s *Session) (*bootstrap.Artifact, error) {
	timeout := c.Config.Bootstrap.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.lineage.promise.Done():
		return s.lineage.promise.Wait(context.Background())
	case <-s.lineage.gone:
		return nil, fmt.Errorf("%w: %s ended before bootstrap", ErrNotFound, s.phone)
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrBootstrapTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// discard drops a session that never got to connect.
func (c *Connector) discard(s *Session) {
	c.unlink(s)
	c.publishState(s.phone, s.setState(StateLoggedOut), StateLoggedOut)
}

// unlink removes s from the registry and ends it without publishing anything.
func (c *Connector) unlink(s *Session) {
	c.mu.Lock()
	if c.sessions[s.phone] == s {
		delete(c.sessions, s.phone)
	}
	c.mu.Unlock()
	s.shutdown()
	s.lineage.end()
}

// restore starts a session from a persisted record without waiting for it.
// rec may come from a listing taken before the phone number was logged out,
// so the record is checked again once the session holds the phone number.
func (c *Connector) restore(rec *credstore.Record) bool {
	s, err := c.add(rec.Phone, rec)
	if err != nil {
		return false
	}
	current, err := c.creds.Get(c.ctx, rec.Phone)
	if err != nil {
		c.unlink(s)
		if !errors.Is(err, credstore.ErrNotFound) {
			c.log.Error().Err(err).Str("phone", rec.Phone).Msg("Failed to read credentials for restore")
		}
		return false
	}
	s.setCredential(current)
	c.publishState(rec.Phone, stateNone, StateInitializing)
	go c.connect(s)
	return true
}

// connect creates and starts a connection for s.
func (c *Connector) connect(s *Session) {
	if s.isClosed() || !c.isCurrent(s) {
		return
	}
	conn, err := c.transport.NewConn(c.ctx, s.phone, s.credential(), s)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to create connection")
		c.handleClose(s, transport.Closed{Status: transport.StatusConnectFailed, Reason: err.Error()})
		return
	}
	if !s.attach(conn) {
		conn.Disconnect()
		return
	}
	if err := conn.Connect(c.ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to connect")
		c.handleClose(s, transport.Closed{Status: transport.StatusConnectFailed, Reason: err.Error()})
	}
}

// replace puts a successor in place of a closed session and schedules its
// connection, or opens the circuit once the attempt budget is spent.
func (c *Connector) replace(old *Session) {
	old.mu.Lock()
	from := old.state
	attempts := old.attempts + 1
	cred := old.cred
	ownID := old.ownID
	old.mu.Unlock()

	state := StateReconnecting
	if limit := c.Config.Reconnect.MaxAttempts; limit > 0 && attempts > limit {
		state = StateCircuitOpen
	}
	next := c.newSession(old.phone, cred, old.lineage, attempts, state)
	next.ownID = ownID
	if state == StateCircuitOpen {
		next.circuitOpenedAt = c.now()
	}

	c.mu.Lock()
	if c.stopped || c.sessions[old.phone] != old {
		c.mu.Unlock()
		old.log.Debug().Msg("Session no longer current, not reconnecting")
		return
	}
	c.sessions[old.phone] = next
	c.mu.Unlock()

	c.metrics.reconnects.Inc()
	c.publishState(old.phone, from, state)
	if state == StateCircuitOpen {
		next.log.Warn().
			Dur("cooldown", c.Config.Reconnect.CircuitCooldown()).
			Msg("Too many failed reconnects, pausing automatic retries")
		return
	}
	delay := old.lineage.nextDelay()
	next.log.Info().Dur("delay", delay).Msg("Reconnecting")
	next.scheduleConnect(delay)
}

// handleLoggedOut tears down a session whose credentials were revoked.
func (c *Connector) handleLoggedOut(s *Session) {
	c.mu.Lock()
	current := c.sessions[s.phone] == s
	if current {
		delete(c.sessions, s.phone)
		c.removing[s.phone] = struct{}{}
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.publishState(s.phone, s.setState(StateLoggedOut), StateLoggedOut)
	s.lineage.end()
	if err := c.forget(c.ctx, s); err != nil {
		s.log.Error().Err(err).Msg("Failed to delete credentials after logout")
	}
}

// Unregister logs phone out, disconnects it and deletes its credentials.
func (c *Connector) Unregister(ctx context.Context, phone string) error {
	c.mu.Lock()
	s, ok := c.sessions[phone]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, phone)
	}
	delete(c.sessions, phone)
	c.removing[phone] = struct{}{}
	c.mu.Unlock()

	conn, _ := s.shutdown()
	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to log out, deleting credentials anyway")
		}
		conn.Disconnect()
	} else {
		s.log.Warn().
			Stringer("state", s.getState()).
			Msg("No live connection, skipping server-side logout; the device may stay linked on the phone")
	}
	c.publishState(phone, s.setState(StateLoggedOut), StateLoggedOut)
	s.lineage.end()
	if err := c.forget(context.WithoutCancel(ctx), s); err != nil {
		return err
	}
	s.log.Info().Msg("Unregistered phone number")
	return nil
}

// forget deletes everything persisted for s.
func (c *Connector) forget(ctx context.Context, s *Session) error {
	defer func() {
		c.mu.Lock()
		delete(c.removing, s.phone)
		c.mu.Unlock()
	}()
	if err := c.transport.Forget(ctx, s.credential()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to delete transport state")
	}
	if err := c.creds.Delete(ctx, s.phone); err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", s.phone, err)
	}
	return nil
}

// Get returns a snapshot of the session for phone.
func (c *Connector) Get(phone string) (SessionView, error) {
	s, err := c.session(phone)
	if err != nil {
		return SessionView{}, err
	}
	return s.view(), nil
}

// List returns snapshots of every session, sorted by phone number.
func (c *Connector) List() []SessionView {
	c.mu.Lock()
	sessions := slices.Collect(maps.Values(c.sessions))
	c.mu.Unlock()
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.view())
	}
	slices.SortFunc(views, func(a, b SessionView) int {
		return strings.Compare(a.Phone, b.Phone)
	})
	return views
}

// BootstrapArtifact returns the latest artifact of a session awaiting bootstrap.
func (c *Connector) BootstrapArtifact(phone string) (*bootstrap.Artifact, error) {
	s, err := c.session(phone)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingBootstrap || s.artifact == nil {
		return nil, fmt.Errorf("%w for %s (state %s)", ErrNoArtifact, phone, s.state)
	}
	return s.artifact, nil
}

// Send sends a text message from phone to a bare phone number or full JID.
func (c *Connector) Send(ctx context.Context, phone, to, text string) error {
	s, err := c.session(phone)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, phone, state)
	}
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	if err := conn.SendText(ctx, jid, text); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}
	return nil
}

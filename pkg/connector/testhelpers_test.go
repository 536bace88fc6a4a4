// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"github.com/aiku/wa-relay/pkg/credstore"
	"github.com/aiku/wa-relay/pkg/message"
	"github.com/aiku/wa-relay/pkg/transport"
)

var errFakeConnect = errors.New("fake connect failure")

// fakeTransport records every connection it creates. onConnect runs when a
// connection's Connect is called and decides which events it emits.
type fakeTransport struct {
	mu         sync.Mutex
	conns      []*fakeConn
	forgotten  []*credstore.Record
	newConnErr error
	connectErr error
	onConnect  func(fc *fakeConn)
}

func (f *fakeTransport) NewConn(_ context.Context, phone string, rec *credstore.Record, h transport.Handler) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newConnErr != nil {
		return nil, f.newConnErr
	}
	fc := &fakeConn{phone: phone, rec: rec, handler: h, transport: f}
	f.conns = append(f.conns, fc)
	return fc, nil
}

func (f *fakeTransport) Forget(_ context.Context, rec *credstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, rec)
	return nil
}

func (f *fakeTransport) setOnConnect(fn func(fc *fakeConn)) {
	f.mu.Lock()
	f.onConnect = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// Conns returns the connections created for phone, oldest first.
func (f *fakeTransport) Conns(phone string) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeConn
	for _, fc := range f.conns {
		if fc.phone == phone {
			out = append(out, fc)
		}
	}
	return out
}

func (f *fakeTransport) Forgotten() []*credstore.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*credstore.Record(nil), f.forgotten...)
}

// waitConn waits until at least n connections exist for phone and returns the nth.
func (f *fakeTransport) waitConn(t *testing.T, phone string, n int) *fakeConn {
	t.Helper()
	var conns []*fakeConn
	waitFor(t, func() bool {
		conns = f.Conns(phone)
		return len(conns) >= n
	}, "connection %d for %s", n, phone)
	return conns[n-1]
}

type sentText struct {
	To   types.JID
	Text string
}

type fakeConn struct {
	phone     string
	rec       *credstore.Record
	handler   transport.Handler
	transport *fakeTransport

	mu           sync.Mutex
	connected    bool
	disconnected bool
	loggedOut    bool
	groupName    string
	sent         []sentText
}

func (fc *fakeConn) Connect(context.Context) error {
	fc.transport.mu.Lock()
	err, onConnect := fc.transport.connectErr, fc.transport.onConnect
	fc.transport.mu.Unlock()
	if err != nil {
		return err
	}
	fc.mu.Lock()
	fc.connected = true
	fc.mu.Unlock()
	if onConnect != nil {
		onConnect(fc)
	}
	return nil
}

// emit delivers evt unless the connection was disconnected.
func (fc *fakeConn) emit(evt transport.Event) {
	fc.mu.Lock()
	gone := fc.disconnected
	fc.mu.Unlock()
	if gone {
		return
	}
	fc.handler.HandleEvent(evt)
}

func (fc *fakeConn) Disconnect() {
	fc.mu.Lock()
	fc.disconnected = true
	fc.mu.Unlock()
}

func (fc *fakeConn) Logout(context.Context) error {
	fc.mu.Lock()
	fc.loggedOut = true
	fc.mu.Unlock()
	return nil
}

func (fc *fakeConn) GroupName(context.Context, types.JID) (string, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.groupName == "" {
		return "", errors.New("no group metadata")
	}
	return fc.groupName, nil
}

func (fc *fakeConn) SendText(_ context.Context, to types.JID, text string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.sent = append(fc.sent, sentText{To: to, Text: text})
	return nil
}

func (fc *fakeConn) Disconnected() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.disconnected
}

func (fc *fakeConn) LoggedOut() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.loggedOut
}

func (fc *fakeConn) Sent() []sentText {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]sentText(nil), fc.sent...)
}

// fakeForwarder captures forwarded messages.
type fakeForwarder struct {
	mu       sync.Mutex
	messages []*message.Canonical
	closed   bool
}

func (f *fakeForwarder) Forward(msg *message.Canonical) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeForwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeForwarder) Messages() []*message.Canonical {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Canonical(nil), f.messages...)
}

func (f *fakeForwarder) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// stateRecorder collects state changes published on the bus.
type stateRecorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *stateRecorder) record(phone string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, phone+":"+from.String()+">"+to.String())
}

func (r *stateRecorder) Changes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}

// logBuffer is a goroutine-safe log sink.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	c         *Connector
	transport *fakeTransport
	forwarder *fakeForwarder
	// store is the underlying database, bypassing any wrapper given to the Connector.
	store    *credstore.BoltStore
	registry *prometheus.Registry
	states   *stateRecorder
	logs     *logBuffer
}

func testConfig() Config {
	return Config{
		Timezone: "UTC",
		Bootstrap: BootstrapConfig{
			TimeoutSeconds: 2,
			QRSize:         64,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMS:         5,
			MaxDelayMS:             20,
			MaxAttempts:            3,
			CircuitCooldownSeconds: 60,
		},
		ReconcileSchedule: "@every 1h",
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, cfg, nil)
}

// newTestEnvWithStore is newTestEnv with the credential store passed through
// wrap before the Connector sees it.
func newTestEnvWithStore(t *testing.T, cfg Config, wrap func(credstore.Store) credstore.Store) *testEnv {
	t.Helper()
	store, err := credstore.OpenBolt(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		transport: &fakeTransport{},
		forwarder: &fakeForwarder{},
		store:     store,
		registry:  prometheus.NewRegistry(),
		states:    &stateRecorder{},
		logs:      &logBuffer{},
	}
	var creds credstore.Store = store
	if wrap != nil {
		creds = wrap(store)
	}
	env.c, err = New(cfg, env.transport, creds, env.forwarder, env.registry, zerolog.New(env.logs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.c.SubscribeStateChanges(env.states.record); err != nil {
		t.Fatalf("SubscribeStateChanges: %v", err)
	}
	t.Cleanup(env.c.Stop)
	return env
}

// waitState waits until the session for phone reports state.
func (env *testEnv) waitState(t *testing.T, phone string, state State) SessionView {
	t.Helper()
	var view SessionView
	waitFor(t, func() bool {
		v, err := env.c.Get(phone)
		view = v
		return err == nil && v.State == state.String()
	}, "%s to reach %s", phone, state)
	return view
}

// waitGone waits until phone has no session.
func (env *testEnv) waitGone(t *testing.T, phone string) {
	t.Helper()
	waitFor(t, func() bool {
		_, err := env.c.Get(phone)
		return errors.Is(err, ErrNotFound)
	}, "%s to be removed", phone)
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

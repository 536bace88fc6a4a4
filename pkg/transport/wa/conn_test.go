// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package wa

import (
	"testing"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/wa-relay/pkg/credstore"
	"github.com/aiku/wa-relay/pkg/transport"
)

func TestCloseStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		evt    any
		status int
		ok     bool
	}{
		{"logged out", &events.LoggedOut{}, transport.StatusLoggedOut, true},
		{"connect failure logged out", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, transport.StatusLoggedOut, true},
		{"connect failure transient", &events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, int(events.ConnectFailureServiceUnavailable), true},
		{"stream replaced", &events.StreamReplaced{}, transport.StatusConnectionReplaced, true},
		{"disconnected", &events.Disconnected{}, transport.StatusConnectionClosed, true},
		{"client outdated", &events.ClientOutdated{}, transport.StatusConnectFailed, true},
		{"connected is not a close", &events.Connected{}, 0, false},
		{"unknown", "something", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, _, ok := closeStatus(tt.evt)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if status != tt.status {
				t.Errorf("status: got %d, want %d", status, tt.status)
			}
		})
	}
}

func TestRecordJID(t *testing.T) {
	t.Parallel()
	if _, ok := recordJID(nil); ok {
		t.Error("nil record should not yield a JID")
	}
	if _, ok := recordJID(&credstore.Record{Phone: "1"}); ok {
		t.Error("empty record should not yield a JID")
	}
	jid, ok := recordJID(&credstore.Record{Blob: []byte("628123456789:12@s.whatsapp.net")})
	if !ok {
		t.Fatal("expected a JID")
	}
	if jid.User != "628123456789" || jid.Device != 12 || jid.Server != types.DefaultUserServer {
		t.Errorf("got %+v", jid)
	}
}

type recordingHandler struct {
	events []transport.Event
}

func (r *recordingHandler) HandleEvent(evt transport.Event) {
	r.events = append(r.events, evt)
}

func TestEmitAfterDisconnectIsDropped(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	c := &conn{handler: h}

	c.emit(transport.Closed{Status: transport.StatusConnectionClosed})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.emit(transport.Closed{Status: transport.StatusConnectionClosed})

	if len(h.events) != 1 {
		t.Fatalf("events: got %d, want 1", len(h.events))
	}
}

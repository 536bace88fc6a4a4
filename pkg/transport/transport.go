// Copyright 2024-2026 Aiku AI

// Package transport defines the contract between the session registry and
// the library that speaks the WhatsApp wire protocol.
package transport

import (
	"context"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/wa-relay/pkg/bootstrap"
	"github.com/aiku/wa-relay/pkg/credstore"
)

// Close status codes carried by Closed events.
const (
	StatusLoggedOut          = 401
	StatusTimedOut           = 408
	StatusConnectionClosed   = 428
	StatusConnectionReplaced = 440
	StatusConnectFailed      = 503
)

// Event is one of BootstrapRequested, Opened, Closed, CredentialsUpdated or
// MessageReceived.
type Event interface {
	isEvent()
}

// BootstrapRequested carries a QR payload or pairing code the user must act on.
type BootstrapRequested struct {
	Token bootstrap.Token
}

// Opened reports that the connection is authenticated and usable.
type Opened struct {
	OwnID types.JID
}

// Closed reports that the connection is gone. Status is StatusLoggedOut when
// the credentials were revoked.
type Closed struct {
	Status int
	Reason string
}

// LoggedOut reports whether the close is terminal.
func (c Closed) LoggedOut() bool {
	return c.Status == StatusLoggedOut
}

// CredentialsUpdated asks for Blob to be persisted before the handler returns.
type CredentialsUpdated struct {
	Blob []byte
}

// MessageReceived carries one live inbound message.
type MessageReceived struct {
	Event *events.Message
}

func (BootstrapRequested) isEvent() {}
func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (CredentialsUpdated) isEvent() {}
func (MessageReceived) isEvent()    {}

// Handler receives a connection's events. Calls for one connection are
// sequential and a call must finish before the transport continues.
type Handler interface {
	HandleEvent(evt Event)
}

// Conn is one live connection for one phone number.
type Conn interface {
	// Connect starts the handshake. Bootstrap tokens and the open/close
	// outcome are delivered to the Handler.
	Connect(ctx context.Context) error
	// Disconnect drops the connection without revoking credentials. No
	// events are delivered afterwards.
	Disconnect()
	// Logout revokes the credentials on the server side.
	Logout(ctx context.Context) error
	GroupName(ctx context.Context, group types.JID) (string, error)
	SendText(ctx context.Context, to types.JID, text string) error
}

// Transport creates connections.
type Transport interface {
	// NewConn builds a connection handle for phone bound to h. It must not
	// deliver events before Connect is called.
	NewConn(ctx context.Context, phone string, rec *credstore.Record, h Handler) (Conn, error)
	// Forget deletes whatever the transport persisted for rec.
	Forget(ctx context.Context, rec *credstore.Record) error
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package wa

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wa-relay/pkg/bootstrap"
	"github.com/aiku/wa-relay/pkg/transport"
)

// conn adapts one whatsmeow client to transport.Conn.
type conn struct {
	phone    string
	client   *whatsmeow.Client
	handler  transport.Handler
	mode     Mode
	pairName string
	log      zerolog.Logger

	// emitMu serializes handler calls coming from the whatsmeow dispatcher
	// and the QR channel goroutine.
	emitMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	cancel        context.CancelFunc
	pairRequested bool
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) Connect(ctx context.Context) error {
	qrCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("connection for %s already closed", c.phone)
	}
	c.cancel = cancel
	c.mu.Unlock()

	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go c.watchQR(qrCtx, qrChan)
	}

	c.log.Info().Bool("linked", c.client.Store.ID != nil).Msg("Connecting to WhatsApp")
	if err := c.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *conn) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if c.mode == ModePairing {
				c.requestPairingCode(ctx)
				continue
			}
			c.emit(transport.BootstrapRequested{Token: bootstrap.Token{Code: item.Code}})
		case whatsmeow.QRChannelSuccess.Event:
			c.log.Debug().Msg("QR channel reported successful pairing")
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(transport.Closed{Status: transport.StatusTimedOut, Reason: "bootstrap code expired"})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.log.Warn().Str("qr_event", item.Event).Str("reason", reason).Msg("QR channel failed")
			c.emit(transport.Closed{Status: transport.StatusConnectFailed, Reason: reason})
		}
	}
}

// requestPairingCode asks the server for a pairing code once per connection.
// whatsmeow only accepts this after the websocket is up, which the first QR
// code signals.
func (c *conn) requestPairingCode(ctx context.Context) {
	c.mu.Lock()
	if c.pairRequested {
		c.mu.Unlock()
		return
	}
	c.pairRequested = true
	c.mu.Unlock()

	code, err := c.client.PairPhone(ctx, c.phone, true, whatsmeow.PairClientChrome, c.pairName)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to request pairing code")
		c.emit(transport.Closed{Status: transport.StatusConnectFailed, Reason: "pairing code request failed"})
		return
	}
	c.emit(transport.BootstrapRequested{Token: bootstrap.Token{Code: code, Pairing: true}})
}

func (c *conn) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		c.log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("Device linked")
		c.emit(transport.CredentialsUpdated{Blob: []byte(evt.ID.String())})
	case *events.Connected:
		c.emit(transport.Opened{OwnID: c.client.Store.GetJID()})
	case *events.Message:
		c.emit(transport.MessageReceived{Event: evt})
	default:
		if status, reason, ok := closeStatus(rawEvt); ok {
			c.emit(transport.Closed{Status: status, Reason: reason})
		}
	}
}

// closeStatus maps whatsmeow's terminal connection events to close codes.
func closeStatus(rawEvt any) (int, string, bool) {
	switch evt := rawEvt.(type) {
	case *events.LoggedOut:
		return transport.StatusLoggedOut, fmt.Sprintf("logged out (reason %d)", int(evt.Reason)), true
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return transport.StatusLoggedOut, fmt.Sprintf("connect failure %d: %s", int(evt.Reason), evt.Message), true
		}
		return int(evt.Reason), fmt.Sprintf("connect failure: %s", evt.Message), true
	case *events.StreamReplaced:
		return transport.StatusConnectionReplaced, "connection replaced by another client", true
	case *events.Disconnected:
		return transport.StatusConnectionClosed, "connection closed", true
	case *events.ClientOutdated:
		return transport.StatusConnectFailed, "client outdated", true
	case *events.TemporaryBan:
		return transport.StatusConnectFailed, "temporary ban", true
	default:
		return 0, "", false
	}
}

func (c *conn) emit(evt transport.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.handler.HandleEvent(evt)
}

func (c *conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.client.Disconnect()
}

func (c *conn) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

func (c *conn) GroupName(ctx context.Context, group types.JID) (string, error) {
	info, err := c.client.GetGroupInfo(ctx, group)
	if err != nil {
		return "", fmt.Errorf("failed to get group info: %w", err)
	}
	return info.Name, nil
}

func (c *conn) SendText(ctx context.Context, to types.JID, text string) error {
	_, err := c.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

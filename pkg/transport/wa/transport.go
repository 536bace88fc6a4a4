// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wa implements transport.Transport on top of whatsmeow. Device keys
// live in whatsmeow's SQL store; the credential record only remembers which
// device JID belongs to a phone number.
package wa

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/aiku/wa-relay/pkg/credstore"
	"github.com/aiku/wa-relay/pkg/transport"
)

// Mode selects how new devices are linked.
type Mode string

const (
	ModeQR      Mode = "qr"
	ModePairing Mode = "pairing"
)

// Options configures the device store and the linking flow.
type Options struct {
	Dialect string
	Address string
	Mode    Mode
	// PairDisplayName is shown on the phone when linking with a pairing code.
	PairDisplayName string
}

// Transport creates whatsmeow clients backed by a shared device store.
type Transport struct {
	container *sqlstore.Container
	opts      Options
	log       zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New opens the device store and runs its migrations.
func New(ctx context.Context, opts Options, log zerolog.Logger) (*Transport, error) {
	if opts.Dialect == "" {
		opts.Dialect = "sqlite3"
	}
	if opts.Mode == "" {
		opts.Mode = ModeQR
	}
	if opts.PairDisplayName == "" {
		opts.PairDisplayName = "Chrome (Linux)"
	}
	storeLog := waLog.Zerolog(log.With().Str("component", "wa_store").Logger())
	container, err := sqlstore.New(ctx, opts.Dialect, opts.Address, storeLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	return &Transport{container: container, opts: opts, log: log}, nil
}

// NewConn builds a client for phone, reusing the stored device if rec points
// at one that still exists.
func (t *Transport) NewConn(ctx context.Context, phone string, rec *credstore.Record, h transport.Handler) (transport.Conn, error) {
	device, err := t.device(ctx, rec)
	if err != nil {
		return nil, err
	}
	log := t.log.With().Str("component", "wa_client").Str("phone", phone).Logger()
	client := whatsmeow.NewClient(device, waLog.Zerolog(log))
	// Reconnection is owned by the session state machine.
	client.EnableAutoReconnect = false

	c := &conn{
		phone:    phone,
		client:   client,
		handler:  h,
		mode:     t.opts.Mode,
		pairName: t.opts.PairDisplayName,
		log:      log,
	}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

// Forget deletes the device referenced by rec from the device store.
func (t *Transport) Forget(ctx context.Context, rec *credstore.Record) error {
	jid, ok := recordJID(rec)
	if !ok {
		return nil
	}
	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to look up device %s: %w", jid, err)
	}
	if device == nil {
		return nil
	}
	if err := t.container.DeleteDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", jid, err)
	}
	return nil
}

func (t *Transport) device(ctx context.Context, rec *credstore.Record) (*store.Device, error) {
	jid, ok := recordJID(rec)
	if !ok {
		return t.container.NewDevice(), nil
	}
	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		t.log.Warn().Str("jid", jid.String()).Msg("Stored device not found, linking a new one")
		return t.container.NewDevice(), nil
	}
	return device, nil
}

// recordJID extracts the device JID a credential record points at.
func recordJID(rec *credstore.Record) (types.JID, bool) {
	if rec.Empty() {
		return types.EmptyJID, false
	}
	jid, err := types.ParseJID(string(rec.Blob))
	if err != nil || jid.IsEmpty() {
		return types.EmptyJID, false
	}
	return jid, true
}

// Close closes the device store.
func (t *Transport) Close() error {
	return t.container.Close()
}

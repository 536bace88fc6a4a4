// Copyright 2024-2026 Aiku AI

// Package bootstrap turns raw login tokens emitted by the transport into
// artifacts that can be handed to whoever is registering a phone number.
package bootstrap

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
)

// Kind identifies what an Artifact carries.
type Kind string

const (
	KindQR          Kind = "qr"
	KindPairingCode Kind = "pairing_code"
)

const dataURLPrefix = "data:image/png;base64,"

// ErrEmptyToken is returned when the transport hands over an empty code.
var ErrEmptyToken = errors.New("empty bootstrap token")

// Token is a raw bootstrap token as emitted by the transport.
type Token struct {
	Code    string
	Pairing bool
}

// Artifact is the deliverable form of a Token.
type Artifact struct {
	Kind     Kind      `json:"kind"`
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// Issuer renders scannable codes and passes pairing codes through.
type Issuer struct {
	// Size is the edge length of rendered QR images in pixels.
	Size  int
	Level qrcode.RecoveryLevel
}

// NewIssuer returns an Issuer rendering QR images of the given size.
func NewIssuer(size int) *Issuer {
	if size <= 0 {
		size = 256
	}
	return &Issuer{Size: size, Level: qrcode.Medium}
}

// Issue converts a raw token into an Artifact.
func (i *Issuer) Issue(tok Token) (*Artifact, error) {
	if tok.Code == "" {
		return nil, ErrEmptyToken
	}
	if tok.Pairing {
		return &Artifact{Kind: KindPairingCode, Value: tok.Code, IssuedAt: time.Now()}, nil
	}
	png, err := qrcode.Encode(tok.Code, i.Level, i.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return &Artifact{
		Kind:     KindQR,
		Value:    dataURLPrefix + base64.StdEncoding.EncodeToString(png),
		IssuedAt: time.Now(),
	}, nil
}

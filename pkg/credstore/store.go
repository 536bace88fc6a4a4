// Copyright 2024-2026 Aiku AI

// Package credstore persists per-phone authentication material so sessions
// survive process restarts.
package credstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for a phone number.
var ErrNotFound = errors.New("credential record not found")

// Record is the persisted credential material of one phone number. Blob is
// opaque to this package; its meaning is defined by the transport.
type Record struct {
	Phone     string    `json:"phone"`
	Blob      []byte    `json:"blob,omitempty"`
	Counter   uint64    `json:"counter"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty reports whether the transport has never stored anything for this record.
func (r *Record) Empty() bool {
	return r == nil || len(r.Blob) == 0
}

// Clone returns a deep copy so callers can't mutate stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Blob != nil {
		cp.Blob = append([]byte(nil), r.Blob...)
	}
	return &cp
}

// Store is the credential persistence contract used by the session registry.
type Store interface {
	// Load returns the record for phone, creating and persisting an empty one
	// if none exists.
	Load(ctx context.Context, phone string) (*Record, error)
	// Get returns the record for phone without creating one. It returns
	// ErrNotFound when the record does not exist.
	Get(ctx context.Context, phone string) (*Record, error)
	// Update replaces the blob and advances the counter. The write is durable
	// when Update returns.
	Update(ctx context.Context, phone string, blob []byte) (*Record, error)
	// Delete removes everything stored for phone. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, phone string) error
	// List returns every stored record.
	List(ctx context.Context) ([]*Record, error)
	Close() error
}

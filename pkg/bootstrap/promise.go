// Copyright 2024-2026 Aiku AI

package bootstrap

import (
	"context"
	"sync"
)

// Promise is a one-shot notification carrying the first artifact issued for a
// session. A nil artifact means the session connected without needing one.
type Promise struct {
	once     sync.Once
	done     chan struct{}
	artifact *Artifact
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve fulfils the promise. Only the first call has any effect; it reports
// whether this call was the one that resolved it.
func (p *Promise) Resolve(a *Artifact) bool {
	resolved := false
	p.once.Do(func() {
		p.artifact = a
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the promise is resolved.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether Resolve has been called.
func (p *Promise) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise is resolved or ctx is done.
func (p *Promise) Wait(ctx context.Context) (*Artifact, error) {
	select {
	case <-p.done:
		return p.artifact, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Copyright 2024-2026 Aiku AI

// Package collector delivers normalized messages to the external collector
// endpoint. Delivery is best effort: one attempt, no retry, no persistence.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/wa-relay/pkg/message"
)

// ErrRejected is returned when the collector answers without the success status.
var ErrRejected = errors.New("collector rejected message")

// Delivery outcomes used as the result label.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
	ResultDropped  = "dropped"
)

const maxResponseBody = 64 * 1024

// Options configures a Forwarder.
type Options struct {
	URL           string
	Timeout       time.Duration
	Workers       int
	SuccessStatus string
}

// Response is the collector's reply body.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Forwarder posts canonical messages to the collector from a bounded worker pool.
type Forwarder struct {
	url           string
	successStatus string
	httpClient    *http.Client
	pool          *ants.Pool
	results       *prometheus.CounterVec

	wg        sync.WaitGroup
	closeOnce sync.Once
	log       zerolog.Logger
}

// New creates a Forwarder. Metrics are registered on reg when it is not nil.
func New(opts Options, reg prometheus.Registerer, log zerolog.Logger) (*Forwarder, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.SuccessStatus == "" {
		opts.SuccessStatus = "success"
	}
	log = log.With().Str("component", "collector").Logger()
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error().Any("panic", p).Msg("Delivery worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_relay_forwarded_messages_total",
		Help: "Messages handed to the collector, by delivery result.",
	}, []string{"result"})
	if reg != nil {
		if err := reg.Register(results); err != nil {
			pool.Release()
			return nil, fmt.Errorf("failed to register forwarder metrics: %w", err)
		}
	}
	return &Forwarder{
		url:           opts.URL,
		successStatus: opts.SuccessStatus,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		pool:          pool,
		results:       results,
		log:           log,
	}, nil
}

// Forward schedules delivery of msg and returns immediately. Failures are
// logged and counted, never returned.
func (f *Forwarder) Forward(msg *message.Canonical) {
	if f.url == "" {
		f.log.Debug().Str("message_id", msg.MessageID).Msg("No collector URL configured, dropping message")
		f.results.WithLabelValues(ResultDropped).Inc()
		return
	}
	f.wg.Add(1)
	err := f.pool.Submit(func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.httpClient.Timeout)
		defer cancel()
		if err := f.Deliver(ctx, msg); err != nil {
			f.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("Failed to forward message")
			return
		}
		f.log.Debug().Str("message_id", msg.MessageID).Msg("Forwarded message")
	})
	if err != nil {
		f.wg.Done()
		f.results.WithLabelValues(ResultDropped).Inc()
		f.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("Delivery pool unavailable, dropping message")
	}
}

// Deliver posts msg synchronously and checks the collector's verdict.
func (f *Forwarder) Deliver(ctx context.Context, msg *message.Canonical) error {
	err := f.deliver(ctx, msg)
	switch {
	case err == nil:
		f.results.WithLabelValues(ResultSuccess).Inc()
	case errors.Is(err, ErrRejected):
		f.results.WithLabelValues(ResultRejected).Inc()
	default:
		f.results.WithLabelValues(ResultError).Inc()
	}
	return err
}

func (f *Forwarder) deliver(ctx context.Context, msg *message.Canonical) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to collector: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read collector response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, truncate(raw))
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: unreadable response %q", ErrRejected, truncate(raw))
	}
	if out.Status != f.successStatus {
		return fmt.Errorf("%w: status %q: %s", ErrRejected, out.Status, out.Message)
	}
	return nil
}

func truncate(raw []byte) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

// Close stops accepting work and waits for in-flight deliveries.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() {
		f.wg.Wait()
		f.pool.Release()
	})
}

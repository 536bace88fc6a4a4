// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"

	"github.com/aiku/wa-relay/pkg/message"
	"github.com/aiku/wa-relay/pkg/transport"
)

// handleMessage normalizes a live inbound message and hands it to the
// forwarder. It runs on the transport's dispatch goroutine.
func (c *Connector) handleMessage(s *Session, evt transport.MessageReceived) {
	s.mu.Lock()
	conn, ownID := s.conn, s.ownID
	s.mu.Unlock()

	var groups message.GroupNameResolver
	if conn != nil {
		groups = conn
	}
	ctx := s.log.WithContext(c.ctx)
	msg, err := message.Normalize(ctx, evt.Event, ownID, groups)
	if errors.Is(err, message.ErrSkipped) {
		s.log.Debug().Err(err).Msg("Skipping inbound event")
		return
	} else if err != nil {
		s.log.Error().Err(err).Msg("Failed to normalize message")
		return
	}
	if !msg.HasBody() {
		s.log.Debug().Str("message_id", msg.MessageID).Msg("Skipping message without text")
		return
	}
	s.log.Debug().
		Str("message_id", msg.MessageID).
		Str("sender", msg.Sender).
		Bool("is_group", msg.IsGroup).
		Msg("Forwarding message")
	c.forwarder.Forward(msg)
}

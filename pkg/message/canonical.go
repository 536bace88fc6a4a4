// Copyright 2024-2026 Aiku AI

// Package message turns inbound WhatsApp events into the flat JSON shape the
// collector consumes.
package message

import (
	"time"
)

// DatetimeLayout is the collector's timestamp format, rendered in local time.
const DatetimeLayout = "2006-01-02 15:04:05"

// DefaultSenderName is used when the sender has no push name.
const DefaultSenderName = "Unknown"

// NoTextContent stands in for a quoted message without text.
const NoTextContent = "No text content"

// Canonical is one normalized inbound message.
type Canonical struct {
	MessageID    string        `json:"messageId"`
	Sender       string        `json:"sender"`
	SenderName   string        `json:"senderName"`
	Receiver     string        `json:"receiver"`
	Message      string        `json:"message,omitempty"`
	Datetime     string        `json:"datetime"`
	IsGroup      bool          `json:"isGroup"`
	GroupName    *string       `json:"groupName"`
	FromMe       bool          `json:"fromMe"`
	ReplyDetails *ReplyDetails `json:"replyDetails,omitempty"`
}

// ReplyDetails describes the message a reply quotes.
type ReplyDetails struct {
	OriginalMessageID string `json:"originalMessageId"`
	OriginalSender    string `json:"originalSender"`
	RepliedMessage    string `json:"repliedMessage"`
}

// HasBody reports whether the message carries text worth forwarding.
func (c *Canonical) HasBody() bool {
	return c != nil && c.Message != ""
}

// FormatDatetime renders ts in the collector's layout using time.Local.
func FormatDatetime(ts time.Time) string {
	return ts.In(time.Local).Format(DatetimeLayout)
}

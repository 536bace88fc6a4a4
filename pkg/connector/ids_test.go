// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func TestParseRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want types.JID
	}{
		{"bare phone", "628123456789", types.NewJID("628123456789", types.DefaultUserServer)},
		{"plus prefix", "+628123456789", types.NewJID("628123456789", types.DefaultUserServer)},
		{"surrounding space", "  628123  ", types.NewJID("628123", types.DefaultUserServer)},
		{"user JID", "628123@s.whatsapp.net", types.NewJID("628123", types.DefaultUserServer)},
		{"group JID", "120363000000000001@g.us", types.NewJID("120363000000000001", types.GroupServer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseRecipient(tt.in)
			if err != nil {
				t.Fatalf("parseRecipient(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseRecipient(%q): got %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRecipientInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "+", "abc", "62-812", "62:x@s.whatsapp.net"} {
		if _, err := parseRecipient(in); !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("parseRecipient(%q): got %v, want ErrInvalidRecipient", in, err)
		}
	}
}

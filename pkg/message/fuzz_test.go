// Copyright 2024-2026 Aiku AI

package message

import (
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func FuzzUserPart(f *testing.F) {
	f.Add("628111@s.whatsapp.net")
	f.Add("628111:12@s.whatsapp.net")
	f.Add("")
	f.Add("@")
	f.Add(":")
	f.Add(string([]byte{0x00}))

	f.Fuzz(func(t *testing.T, raw string) {
		got := userPart(raw)
		if strings.ContainsAny(got, "@:") {
			t.Errorf("userPart(%q) = %q still contains a separator", raw, got)
		}
		if !strings.HasPrefix(raw, got) {
			t.Errorf("userPart(%q) = %q is not a prefix", raw, got)
		}
	})
}

func FuzzIsBroadcastChat(f *testing.F) {
	f.Add("status", types.BroadcastServer)
	f.Add("1234", types.NewsletterServer)
	f.Add("1234", types.DefaultUserServer)
	f.Add("1234", types.GroupServer)
	f.Add("", "")

	f.Fuzz(func(t *testing.T, user, server string) {
		got := isBroadcastChat(types.NewJID(user, server))
		want := server == types.BroadcastServer || server == types.NewsletterServer
		if got != want {
			t.Errorf("isBroadcastChat(%q@%q): got %v, want %v", user, server, got, want)
		}
	})
}

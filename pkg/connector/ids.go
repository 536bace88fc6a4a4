// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// parseRecipient turns a bare phone number or a full JID into a JID. A
// leading "+" on phone numbers is accepted.
func parseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.EmptyJID, fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
		}
		return jid, nil
	}
	user := strings.TrimPrefix(to, "+")
	if user == "" || strings.IndexFunc(user, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return types.EmptyJID, fmt.Errorf("%w: %q is not a phone number", ErrInvalidRecipient, to)
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

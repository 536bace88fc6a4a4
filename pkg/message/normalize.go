// Copyright 2024-2026 Aiku AI

package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ErrSkipped is wrapped by every reason an event produces no message.
var ErrSkipped = errors.New("event skipped")

var (
	ErrNoPayload = fmt.Errorf("%w: no message payload", ErrSkipped)
	ErrBroadcast = fmt.Errorf("%w: broadcast or newsletter chat", ErrSkipped)
	ErrReaction  = fmt.Errorf("%w: reaction", ErrSkipped)
)

// GroupLookupTimeout bounds a single group name lookup.
const GroupLookupTimeout = 10 * time.Second

// GroupNameResolver looks up the display name of a group chat.
type GroupNameResolver interface {
	GroupName(ctx context.Context, group types.JID) (string, error)
}

// Normalize converts evt into a Canonical message. ownID is the receiving
// account's JID and is used as the sender for messages sent from it. groups
// may be nil, in which case group names are left empty.
func Normalize(ctx context.Context, evt *events.Message, ownID types.JID, groups GroupNameResolver) (*Canonical, error) {
	if evt == nil || evt.Message == nil {
		return nil, ErrNoPayload
	}
	chat := evt.Info.Chat
	if isBroadcastChat(chat) {
		return nil, ErrBroadcast
	}
	msg := evt.Message
	if msg.GetReactionMessage() != nil {
		return nil, ErrReaction
	}

	out := &Canonical{
		MessageID:  evt.Info.ID,
		Sender:     senderPhone(evt.Info.MessageSource, ownID),
		SenderName: evt.Info.PushName,
		Receiver:   chat.String(),
		Message:    extractBody(msg),
		Datetime:   FormatDatetime(evt.Info.Timestamp),
		IsGroup:    chat.Server == types.GroupServer,
		FromMe:     evt.Info.IsFromMe,
	}
	if out.SenderName == "" {
		out.SenderName = DefaultSenderName
	}
	if out.IsGroup && groups != nil {
		out.GroupName = lookupGroupName(ctx, groups, chat)
	}
	out.ReplyDetails = extractReply(msg)
	return out, nil
}

func isBroadcastChat(chat types.JID) bool {
	if chat == types.StatusBroadcastJID {
		return true
	}
	return chat.Server == types.BroadcastServer || chat.Server == types.NewsletterServer
}

// senderPhone returns the bare user part of whoever sent the message.
func senderPhone(src types.MessageSource, ownID types.JID) string {
	if src.IsFromMe && !ownID.IsEmpty() {
		return ownID.User
	}
	if !src.Sender.IsEmpty() {
		return src.Sender.User
	}
	return src.Chat.User
}

func extractBody(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	default:
		return msg.GetDocumentMessage().GetCaption()
	}
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	if ci := msg.GetExtendedTextMessage().GetContextInfo(); ci != nil {
		return ci
	}
	if ci := msg.GetImageMessage().GetContextInfo(); ci != nil {
		return ci
	}
	if ci := msg.GetVideoMessage().GetContextInfo(); ci != nil {
		return ci
	}
	return msg.GetDocumentMessage().GetContextInfo()
}

func extractReply(msg *waE2E.Message) *ReplyDetails {
	ci := contextInfo(msg)
	quoted := ci.GetQuotedMessage()
	if quoted == nil {
		return nil
	}
	text := quoted.GetConversation()
	if text == "" {
		text = quoted.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		text = NoTextContent
	}
	return &ReplyDetails{
		OriginalMessageID: ci.GetStanzaID(),
		OriginalSender:    userPart(ci.GetParticipant()),
		RepliedMessage:    text,
	}
}

// userPart strips the server and device suffix from a raw JID string.
func userPart(raw string) string {
	user, _, _ := strings.Cut(raw, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

func lookupGroupName(ctx context.Context, groups GroupNameResolver, chat types.JID) *string {
	ctx, cancel := context.WithTimeout(ctx, GroupLookupTimeout)
	defer cancel()
	name, err := groups.GroupName(ctx, chat)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("chat", chat.String()).Msg("Failed to get group name")
		return nil
	}
	if name == "" {
		return nil
	}
	return ptr.Ptr(name)
}

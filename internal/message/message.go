// Package message maintains the merged, ordered view of one session's
// message stream: paginated history, a live tail, optimistic sends with
// rollback, reactions and tombstone deletes.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeMarkdown Type = "markdown"
	TypeSystem   Type = "system"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// MaxTextLen caps message bodies.
const MaxTextLen = 10000

var (
	ErrEmptyText     = errors.New("message: empty text")
	ErrTextTooLong   = errors.New("message: text too long")
	ErrNotFound      = errors.New("message: not found")
	ErrNotAuthorized = errors.New("message: not authorized")
)

// ChatMessage is one unit of conversation. Reactions map an emoji to the
// ordered list of uids who reacted; insertion order feeds the "recent
// reactors" display and each uid appears at most once.
type ChatMessage struct {
	ID        string              `json:"-"`
	Sender    string              `json:"sender"`
	Type      Type                `json:"type"`
	Text      string              `json:"text"`
	ReplyTo   string              `json:"replyTo,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Status    Status              `json:"status"`
	CreatedAt int64               `json:"createdAt"`
	Deleted   bool                `json:"deleted,omitempty"`

	// ClientKey is the temp id a message carried while optimistic, persisted
	// so the sender's live tail can swap its pending entry for the confirmed
	// one no matter which arrives first.
	ClientKey string `json:"clientKey,omitempty"`

	// Pending marks an optimistic local entry whose store write has not
	// confirmed yet. Never persisted.
	Pending bool `json:"-"`
}

// less orders messages by (createdAt, id) ascending. The id tie-break is not
// physically meaningful but keeps every client's ordering identical.
func less(a, b *ChatMessage) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func decodeMessage(id string, raw json.RawMessage) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("malformed message %s: %w", id, err)
	}
	if m.Type == "" {
		m.Type = TypeMarkdown
	}
	m.ID = id
	return m, nil
}

// hasReaction reports whether uid is in the emoji's reactor list.
func hasReaction(m *ChatMessage, emoji, uid string) bool {
	for _, existing := range m.Reactions[emoji] {
		if existing == uid {
			return true
		}
	}
	return false
}

// toggleReaction flips uid's membership in the emoji's reactor list,
// preserving insertion order. Empty lists are dropped so the map never
// accumulates dead keys.
func toggleReaction(m *ChatMessage, emoji, uid string) {
	if hasReaction(m, emoji, uid) {
		kept := m.Reactions[emoji][:0]
		for _, existing := range m.Reactions[emoji] {
			if existing != uid {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = kept
		}
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], uid)
}

// ValidateText enforces the send-time constraints shared by every surface.
func ValidateText(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	if len(text) > MaxTextLen {
		return ErrTextTooLong
	}
	return nil
}

// Package session maintains a live, authorization-checked view of one chat
// session and executes session-level commands against it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"huddle/api/internal/store"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("session: not found")
	ErrNotAuthorized = errors.New("session: not authorized")
	// ErrStoreDenied means the store itself refused access, e.g. its rules
	// forbid reads after a session ended. Distinct from ErrNotAuthorized so
	// the UI can word the two differently; both are terminal.
	ErrStoreDenied = errors.New("session: store denied access")
	ErrEnded       = errors.New("session: already ended")
	// ErrLocked rejects a self-join while isLocked is set and the caller holds
	// no invitation.
	ErrLocked = errors.New("session: locked")
)

// Session is the decoded state of one chat room. Participants and invited are
// stored as uid sets; a uid appears in at most one of the two.
type Session struct {
	ID                 string          `json:"-"`
	Title              string          `json:"title"`
	Creator            string          `json:"creator"`
	IsLocked           bool            `json:"isLocked"`
	IdentifierRequired bool            `json:"identifierRequired"`
	Status             Status          `json:"status"`
	Participants       map[string]bool `json:"participants,omitempty"`
	Invited            map[string]bool `json:"invited,omitempty"`
	CreatedAt          int64           `json:"createdAt"`
	UpdatedAt          int64           `json:"updatedAt"`
}

// Authorizes reports whether uid may read this session: the creator always,
// otherwise current participants and invited users.
func (s *Session) Authorizes(uid string) bool {
	if uid == "" {
		return false
	}
	return s.Creator == uid || s.Participants[uid] || s.Invited[uid]
}

const defaultTitle = "Untitled Session"

// decode parses a raw session node defensively: any structurally broken node
// is reported as an error so callers can treat it as not-found instead of
// crashing on malformed remote state.
func decode(id string, raw json.RawMessage) (Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("malformed session node: %w", err)
	}
	if s.Creator == "" {
		return Session{}, errors.New("malformed session node: missing creator")
	}
	switch s.Status {
	case StatusActive, StatusEnded:
	default:
		return Session{}, fmt.Errorf("malformed session node: bad status %q", s.Status)
	}
	if s.Title == "" {
		s.Title = defaultTitle
	}
	s.ID = id
	return s, nil
}

// Load fetches and decodes one session. Malformed nodes surface as
// ErrNotFound, matching the synchronizer's defensive decode.
func Load(ctx context.Context, st store.Store, sessionID string) (Session, error) {
	raw, err := st.Get(ctx, sessionPath(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s, err := decode(sessionID, raw)
	if err != nil {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// MessagesPath returns the collection path of a session's messages.
func MessagesPath(sessionID string) string {
	return "sessions/" + sessionID + "/messages"
}

// TypingPath returns the collection path of a session's typing entries.
func TypingPath(sessionID string) string {
	return "sessions/" + sessionID + "/typing"
}

func sessionPath(sessionID string) string {
	return "sessions/" + sessionID
}

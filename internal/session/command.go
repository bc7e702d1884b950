package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"huddle/api/internal/store"
)

// MetadataUpdate carries the creator-editable session fields. Nil fields are
// left untouched.
type MetadataUpdate struct {
	Title              *string
	IdentifierRequired *bool
}

// Dispatcher validates and executes session commands. Every command is one
// atomic store write; role checks run against the state read inside the
// transaction, so a caller removed mid-flight cannot slip a write through.
// An unauthorized command performs zero writes.
type Dispatcher struct {
	store store.Store
	now   func() time.Time
}

func NewDispatcher(st store.Store) *Dispatcher {
	return &Dispatcher{store: st, now: time.Now}
}

// mutate runs fn against the decoded current session inside a store
// transaction and writes the result back with a fresh updatedAt.
func (d *Dispatcher) mutate(ctx context.Context, sessionID string, fn func(*Session) error) error {
	return d.store.RunTransaction(ctx, sessionPath(sessionID), func(current json.RawMessage) (any, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		s, err := decode(sessionID, current)
		if err != nil {
			return nil, ErrNotFound
		}
		if err := fn(&s); err != nil {
			return nil, err
		}
		s.UpdatedAt = d.now().UnixMilli()
		return s, nil
	})
}

// EndSession marks the session ended. Creator only. Idempotent.
func (d *Dispatcher) EndSession(ctx context.Context, sessionID, callerUID string) error {
	return d.mutate(ctx, sessionID, func(s *Session) error {
		if s.Creator != callerUID {
			return ErrNotAuthorized
		}
		s.Status = StatusEnded
		return nil
	})
}

// LeaveSession removes the caller from the participant set. The creator
// cannot leave their own session; ending it is the only way out. Leaving a
// session the caller is not part of is a no-op.
func (d *Dispatcher) LeaveSession(ctx context.Context, sessionID, callerUID string) error {
	return d.mutate(ctx, sessionID, func(s *Session) error {
		if s.Creator == callerUID {
			return ErrNotAuthorized
		}
		if !s.Participants[callerUID] && !s.Invited[callerUID] {
			return nil
		}
		delete(s.Participants, callerUID)
		delete(s.Invited, callerUID)
		return nil
	})
}

// AddParticipant adds targetUID to the participant set. Any currently
// authorized member may add; the target leaves the invited set if present so
// a uid is never in both. Ended sessions reject new participants.
func (d *Dispatcher) AddParticipant(ctx context.Context, sessionID, callerUID, targetUID string) error {
	err := d.mutate(ctx, sessionID, func(s *Session) error {
		if !s.Authorizes(callerUID) {
			return ErrNotAuthorized
		}
		if s.Status == StatusEnded {
			return ErrEnded
		}
		if s.Creator == targetUID || s.Participants[targetUID] {
			return nil
		}
		if s.Participants == nil {
			s.Participants = make(map[string]bool)
		}
		delete(s.Invited, targetUID)
		s.Participants[targetUID] = true
		return nil
	})
	if err != nil {
		return err
	}
	d.notifyInbox(ctx, sessionID, callerUID, targetUID)
	return nil
}

// Join adds the caller to the participant set on their own initiative.
// Invitees may always join; anyone else only while the session is unlocked.
// Joining a session the caller already belongs to is a no-op.
func (d *Dispatcher) Join(ctx context.Context, sessionID, callerUID string) error {
	return d.mutate(ctx, sessionID, func(s *Session) error {
		if s.Status == StatusEnded {
			return ErrEnded
		}
		if s.Creator == callerUID || s.Participants[callerUID] {
			return nil
		}
		if s.IsLocked && !s.Invited[callerUID] {
			return ErrLocked
		}
		if s.Participants == nil {
			s.Participants = make(map[string]bool)
		}
		delete(s.Invited, callerUID)
		s.Participants[callerUID] = true
		return nil
	})
}

// notifyInbox drops an invitation thread entry into the target's inbox. Best
// effort: the participant write already committed, so a failed notification
// is logged, not surfaced.
func (d *Dispatcher) notifyInbox(ctx context.Context, sessionID, callerUID, targetUID string) {
	entry := map[string]any{
		"kind":      "session_invite",
		"sessionId": sessionID,
		"from":      callerUID,
		"createdAt": d.now().UnixMilli(),
	}
	if _, err := d.store.Append(ctx, "inbox/"+targetUID, entry); err != nil {
		log.Printf("session %s: inbox notify for %s failed: %v", sessionID, targetUID, err)
	}
}

// ToggleLock flips isLocked. Creator only.
func (d *Dispatcher) ToggleLock(ctx context.Context, sessionID, callerUID string) error {
	return d.mutate(ctx, sessionID, func(s *Session) error {
		if s.Creator != callerUID {
			return ErrNotAuthorized
		}
		s.IsLocked = !s.IsLocked
		return nil
	})
}

// UpdateMetadata merges the given fields. Creator only.
func (d *Dispatcher) UpdateMetadata(ctx context.Context, sessionID, callerUID string, update MetadataUpdate) error {
	return d.mutate(ctx, sessionID, func(s *Session) error {
		if s.Creator != callerUID {
			return ErrNotAuthorized
		}
		if update.Title != nil {
			s.Title = *update.Title
			if s.Title == "" {
				s.Title = defaultTitle
			}
		}
		if update.IdentifierRequired != nil {
			s.IdentifierRequired = *update.IdentifierRequired
		}
		return nil
	})
}

// Create writes a fresh session owned by creatorUID and returns its id.
// Invited uids may be attached up front.
func (d *Dispatcher) Create(ctx context.Context, creatorUID, title string, invited []string) (string, error) {
	now := d.now().UnixMilli()
	s := Session{
		Title:        title,
		Creator:      creatorUID,
		Status:       StatusActive,
		Participants: map[string]bool{},
		Invited:      map[string]bool{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.Title == "" {
		s.Title = defaultTitle
	}
	for _, uid := range invited {
		if uid != "" && uid != creatorUID {
			s.Invited[uid] = true
		}
	}
	id, err := d.store.Append(ctx, "sessions", s)
	if err != nil {
		return "", err
	}
	for uid := range s.Invited {
		d.notifyInbox(ctx, id, creatorUID, uid)
	}
	return id, nil
}

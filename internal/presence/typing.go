// Package presence handles the ephemeral typing indicator: debounced writes
// on the sending side, TTL-filtered reads on the receiving side. A crashed
// client's stale entry ages out of every reader's view without any write.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"huddle/api/internal/session"
	"huddle/api/internal/store"
)

// DefaultTTL is how long a typing entry counts as live without a refresh.
// DefaultDebounce is the inactivity window before a typer's own entry is
// cleared explicitly.
const (
	DefaultTTL      = 6 * time.Second
	DefaultDebounce = 2 * time.Second
)

// Typing is one ephemeral (session, user) entry.
type Typing struct {
	UID         string `json:"-"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	StartedAt   int64  `json:"startedAt"`
}

// Coordinator is the writer side for one (session, user) pair. Rapid
// re-sends inside the debounce window collapse into no store write; the
// entry is rewritten only when it would otherwise age past the TTL.
type Coordinator struct {
	store     store.Store
	sessionID string
	uid       string
	ttl       time.Duration
	debounce  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	active    bool
	lastWrite time.Time
	timer     *time.Timer
}

func NewCoordinator(st store.Store, sessionID, uid string, ttl, debounce time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		store:     st,
		sessionID: sessionID,
		uid:       uid,
		ttl:       ttl,
		debounce:  debounce,
		now:       time.Now,
	}
}

func (c *Coordinator) path() string {
	return session.TypingPath(c.sessionID) + "/" + c.uid
}

// SetTyping starts, refreshes or clears the caller's typing entry.
// isTyping=false always issues the explicit remove; isTyping=true only
// writes when the entry is new or about to go stale, otherwise it just
// pushes the auto-clear timer out.
func (c *Coordinator) SetTyping(ctx context.Context, displayName, avatarURL string, isTyping bool) error {
	c.mu.Lock()

	if !isTyping {
		c.stopTimerLocked()
		wasActive := c.active
		c.active = false
		c.mu.Unlock()
		if !wasActive {
			return nil
		}
		return c.store.Remove(ctx, c.path())
	}

	now := c.now()
	needsWrite := !c.active || now.Sub(c.lastWrite) > c.ttl/2
	c.resetTimerLocked()
	if !needsWrite {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.lastWrite = now
	c.mu.Unlock()

	return c.store.Set(ctx, c.path(), Typing{
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		StartedAt:   now.UnixMilli(),
	})
}

func (c *Coordinator) resetTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.autoClear)
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) autoClear() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Remove(ctx, c.path()); err != nil {
		log.Printf("typing %s/%s: auto-clear failed: %v", c.sessionID, c.uid, err)
	}
}

// Stop clears the entry and the timer; used when the client leaves the
// session or sends the message it was typing.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.SetTyping(ctx, "", "", false)
}

// Watcher is the reader side: a live, TTL-filtered view of who is typing in
// a session.
type Watcher struct {
	store     store.Store
	sessionID string
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]Typing
	unsub   store.UnsubscribeFunc
	updates chan struct{}
}

func NewWatcher(st store.Store, sessionID string, ttl time.Duration) *Watcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Watcher{
		store:     st,
		sessionID: sessionID,
		ttl:       ttl,
		now:       time.Now,
		entries:   make(map[string]Typing),
		updates:   make(chan struct{}, 1),
	}
}

func (w *Watcher) Updates() <-chan struct{} { return w.updates }

// Start loads current entries and follows live changes.
func (w *Watcher) Start(ctx context.Context) error {
	children, err := w.store.Children(ctx, session.TypingPath(w.sessionID), "", 100)
	if err != nil {
		return err
	}
	w.mu.Lock()
	for _, child := range children {
		if entry, ok := decodeTyping(child.ID, child.Value); ok {
			w.entries[child.ID] = entry
		}
	}
	w.mu.Unlock()

	unsub, err := w.store.SubscribeChildren(ctx, session.TypingPath(w.sessionID), func(e store.ChildEvent) {
		w.mu.Lock()
		switch e.Type {
		case store.ChildRemoved:
			delete(w.entries, e.ID)
		default:
			if entry, ok := decodeTyping(e.ID, e.Value); ok {
				w.entries[e.ID] = entry
			}
		}
		select {
		case w.updates <- struct{}{}:
		default:
		}
		w.mu.Unlock()
	}, func(err error) {
		log.Printf("typing %s: watch error: %v", w.sessionID, err)
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.unsub = unsub
	w.mu.Unlock()
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Active returns live typers, excluding entries older than the TTL and the
// excludeUID (nobody needs their own indicator). Stale entries are also
// pruned from memory so they cannot accumulate.
func (w *Watcher) Active(excludeUID string) []Typing {
	cutoff := w.now().Add(-w.ttl).UnixMilli()

	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Typing, 0, len(w.entries))
	for uid, entry := range w.entries {
		if entry.StartedAt < cutoff {
			delete(w.entries, uid)
			continue
		}
		if uid == excludeUID {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func decodeTyping(uid string, raw json.RawMessage) (Typing, bool) {
	var entry Typing
	if raw == nil || json.Unmarshal(raw, &entry) != nil {
		return Typing{}, false
	}
	entry.UID = uid
	return entry, true
}

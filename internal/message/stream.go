package message

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"huddle/api/internal/session"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// DefaultRetention is the in-memory message bound when none is configured.
// Older entries are evicted from memory only; LoadOlder refetches them.
const DefaultRetention = 500

// errNoop aborts a store transaction without writing and without failing the
// caller (idempotent delete of an already-gone message, reaction on a
// tombstone).
var errNoop = errors.New("message: nothing to write")

// Manager is the per-session message stream. All state is guarded by mu; the
// exposed list is always sorted by (createdAt, id) and never contains a
// duplicate id, no matter how pagination and live-tail events interleave.
type Manager struct {
	store     store.Store
	sessionID string
	retention int
	now       func() time.Time

	mu      sync.Mutex
	entries []*ChatMessage
	index   map[string]*ChatMessage
	// liveFrom gates live "added" events to ids at or after the newest
	// initially loaded message, so history is never redelivered through the
	// live channel. Changes to older messages already in memory still apply.
	liveFrom string
	unsub    store.UnsubscribeFunc
	updates  chan struct{}

	// sendMu serializes store round-trips of optimistic sends so they are
	// confirmed or rolled back in issue order.
	sendMu sync.Mutex

	flightMu sync.Mutex
	flight   map[string]struct{}
}

func NewManager(st store.Store, sessionID string, retention int) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		store:     st,
		sessionID: sessionID,
		retention: retention,
		now:       time.Now,
		index:     make(map[string]*ChatMessage),
		updates:   make(chan struct{}, 1),
		flight:    make(map[string]struct{}),
	}
}

func (m *Manager) path() string {
	return session.MessagesPath(m.sessionID)
}

func (m *Manager) messagePath(id string) string {
	return m.path() + "/" + id
}

// Updates signals that Snapshot changed. Coalesced; never blocks producers.
func (m *Manager) Updates() <-chan struct{} { return m.updates }

func (m *Manager) notifyLocked() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns the current ordered message list.
func (m *Manager) Snapshot() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatMessage, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

// upsertLocked inserts or replaces by id, keeping the list sorted.
func (m *Manager) upsertLocked(msg ChatMessage) {
	if _, ok := m.index[msg.ID]; ok {
		m.removeLocked(msg.ID)
	}
	e := &msg
	i := sort.Search(len(m.entries), func(i int) bool { return !less(m.entries[i], e) })
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	m.index[msg.ID] = e
}

func (m *Manager) removeLocked(id string) bool {
	e, ok := m.index[id]
	if !ok {
		return false
	}
	delete(m.index, id)
	for i, candidate := range m.entries {
		if candidate == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	return true
}

// evictLocked drops the oldest confirmed entries beyond the retention bound.
// Pending entries are never evicted.
func (m *Manager) evictLocked() {
	for len(m.entries) > m.retention {
		victim := -1
		for i, e := range m.entries {
			if !e.Pending {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(m.index, m.entries[victim].ID)
		m.entries = append(m.entries[:victim], m.entries[victim+1:]...)
	}
}

// LoadInitial fetches the newest limit messages and arms the live-tail gate.
func (m *Manager) LoadInitial(ctx context.Context, limit int) ([]ChatMessage, error) {
	children, err := m.store.Children(ctx, m.path(), "", limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, child := range children {
		msg, err := decodeMessage(child.ID, child.Value)
		if err != nil {
			continue
		}
		m.upsertLocked(msg)
	}
	if len(children) > 0 {
		m.liveFrom = children[len(children)-1].ID
	}
	m.evictLocked()
	m.notifyLocked()

	out := make([]ChatMessage, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out, nil
}

// LoadOlder pages backwards from beforeID ("" means the oldest confirmed
// message currently held) and merges the result without duplicating ids.
func (m *Manager) LoadOlder(ctx context.Context, beforeID string, limit int) ([]ChatMessage, error) {
	if beforeID == "" {
		m.mu.Lock()
		for _, e := range m.entries {
			if !e.Pending {
				beforeID = e.ID
				break
			}
		}
		m.mu.Unlock()
	}
	if beforeID == "" {
		return m.LoadInitial(ctx, limit)
	}

	children, err := m.store.Children(ctx, m.path(), beforeID, limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	fetched := make([]ChatMessage, 0, len(children))
	for _, child := range children {
		msg, err := decodeMessage(child.ID, child.Value)
		if err != nil {
			continue
		}
		m.upsertLocked(msg)
		fetched = append(fetched, msg)
	}
	m.notifyLocked()
	return fetched, nil
}

// StartLiveTail subscribes to live message mutations. Call after LoadInitial;
// Stop releases the listener.
func (m *Manager) StartLiveTail(ctx context.Context, onError func(error)) error {
	if onError == nil {
		onError = func(error) {}
	}
	unsub, err := m.store.SubscribeChildren(ctx, m.path(), func(e store.ChildEvent) {
		m.applyEvent(e)
	}, onError)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()
	return nil
}

// Stop releases the live-tail listener. Must not be called from inside a
// store callback.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (m *Manager) applyEvent(e store.ChildEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Type == store.ChildRemoved {
		if m.removeLocked(e.ID) {
			m.notifyLocked()
		}
		return
	}

	msg, err := decodeMessage(e.ID, e.Value)
	if err != nil {
		return
	}
	_, held := m.index[e.ID]
	if !held && m.liveFrom != "" && e.ID < m.liveFrom {
		// History arriving through the live channel; pagination owns it.
		return
	}
	if msg.ClientKey != "" {
		// Our own optimistic entry confirmed through the live channel before
		// (or after) Send reconciled it; either way only one copy survives.
		m.removeLocked(msg.ClientKey)
	}
	m.upsertLocked(msg)
	m.evictLocked()
	m.notifyLocked()
}

// Send applies an optimistic local entry, then confirms or rolls it back
// against the store. While in flight the entry is Pending at its correct
// chronological position; confirmation atomically swaps it for the entry
// under the server id, failure removes it and returns the error.
func (m *Manager) Send(ctx context.Context, senderUID, text, replyTo string) (ChatMessage, error) {
	if err := ValidateText(text); err != nil {
		return ChatMessage{}, err
	}

	tempID := util.NewTempID()
	temp := ChatMessage{
		ID:        tempID,
		Sender:    senderUID,
		Type:      TypeMarkdown,
		Text:      text,
		ReplyTo:   replyTo,
		Status:    StatusSent,
		CreatedAt: m.now().UnixMilli(),
		ClientKey: tempID,
		Pending:   true,
	}

	m.mu.Lock()
	m.upsertLocked(temp)
	m.notifyLocked()
	m.mu.Unlock()

	m.sendMu.Lock()
	id, err := m.store.Append(ctx, m.path(), temp)
	m.sendMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(temp.ID)
	if err != nil {
		m.notifyLocked()
		return ChatMessage{}, err
	}

	confirmed := temp
	confirmed.ID = id
	confirmed.Pending = false
	m.upsertLocked(confirmed)
	m.evictLocked()
	m.notifyLocked()
	return confirmed, nil
}

// ToggleReaction flips uid's reaction as a store transaction so concurrent
// toggles from other clients are never lost. Rapid local repeats collapse:
// while one toggle for (message, emoji) is in flight, further calls are
// dropped instead of double-toggling.
func (m *Manager) ToggleReaction(ctx context.Context, messageID, emoji, uid string) error {
	key := messageID + "\x00" + emoji
	m.flightMu.Lock()
	if _, busy := m.flight[key]; busy {
		m.flightMu.Unlock()
		return nil
	}
	m.flight[key] = struct{}{}
	m.flightMu.Unlock()
	defer func() {
		m.flightMu.Lock()
		delete(m.flight, key)
		m.flightMu.Unlock()
	}()

	err := m.store.RunTransaction(ctx, m.messagePath(messageID), func(current json.RawMessage) (any, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		msg, err := decodeMessage(messageID, current)
		if err != nil {
			return nil, ErrNotFound
		}
		if msg.Deleted {
			return nil, errNoop
		}
		toggleReaction(&msg, emoji, uid)
		return msg, nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

// Delete tombstones a message: text cleared, reactions dropped, deleted flag
// set. Only the sender or the session creator may delete; the check runs
// inside the transaction against current state. Idempotent.
func (m *Manager) Delete(ctx context.Context, messageID, callerUID, sessionCreator string) error {
	err := m.store.RunTransaction(ctx, m.messagePath(messageID), func(current json.RawMessage) (any, error) {
		if current == nil {
			return nil, errNoop
		}
		msg, err := decodeMessage(messageID, current)
		if err != nil {
			return nil, errNoop
		}
		if msg.Deleted {
			return nil, errNoop
		}
		if callerUID != msg.Sender && callerUID != sessionCreator {
			return nil, ErrNotAuthorized
		}
		msg.Deleted = true
		msg.Text = ""
		msg.Reactions = nil
		return msg, nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

// ResolveReply classifies a replyTo reference against the currently held
// list: the referenced message, a tombstone placeholder, or not found. A
// broken reference is never an error.
type ReplyRef struct {
	Message *ChatMessage
	Deleted bool
	Found   bool
}

func (m *Manager) ResolveReply(replyTo string) ReplyRef {
	if replyTo == "" {
		return ReplyRef{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[replyTo]
	if !ok {
		return ReplyRef{}
	}
	if e.Deleted {
		return ReplyRef{Deleted: true, Found: true}
	}
	copied := *e
	return ReplyRef{Message: &copied, Found: true}
}

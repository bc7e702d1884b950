package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"huddle/api/internal/store"
)

// State is the per-subscription state machine. INITIALIZING moves to exactly
// one of AUTHORIZED, UNAUTHORIZED or NOT_FOUND; AUTHORIZED can loop on new
// snapshots or fall into either terminal state; terminal states never leave.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateAuthorized   State = "AUTHORIZED"
	StateUnauthorized State = "UNAUTHORIZED"
	StateNotFound     State = "NOT_FOUND"
)

// View is one emission of a session subscription. Err is set on the terminal
// UNAUTHORIZED emission to distinguish predicate revocation (ErrNotAuthorized)
// from a store-level denial (ErrStoreDenied).
type View struct {
	State   State
	Session Session
	Err     error
}

// Synchronizer produces live session views for callers.
type Synchronizer struct {
	store store.Store
}

func NewSynchronizer(st store.Store) *Synchronizer {
	return &Synchronizer{store: st}
}

// Subscription is a handle on one live session view stream. Views() closes
// after a terminal emission or after Close().
type Subscription struct {
	views chan View

	mu       sync.Mutex
	state    State
	finished bool
	unsub    store.UnsubscribeFunc
}

func (sub *Subscription) Views() <-chan View { return sub.views }

// State returns the last state the subscription reached.
func (sub *Subscription) State() State {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Close releases the underlying store listener. Safe to call more than once
// and after a terminal emission.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	alreadyDone := sub.finished
	sub.finished = true
	unsub := sub.unsub
	sub.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if !alreadyDone {
		close(sub.views)
	}
}

// emit delivers a view unless the subscription already terminated. Slow
// consumers lose intermediate snapshots, never the latest one.
func (sub *Subscription) emit(v View) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.finished {
		return
	}
	sub.state = v.State
	for {
		select {
		case sub.views <- v:
			return
		default:
			select {
			case <-sub.views:
			default:
			}
		}
	}
}

// terminate emits a final view and closes the stream. The store listener is
// released asynchronously because callbacks may not unsubscribe themselves.
func (sub *Subscription) terminate(v View) {
	sub.mu.Lock()
	if sub.finished {
		sub.mu.Unlock()
		return
	}
	sub.state = v.State
	select {
	case sub.views <- v:
	default:
		select {
		case <-sub.views:
		default:
		}
		sub.views <- v
	}
	sub.finished = true
	close(sub.views)
	unsub := sub.unsub
	sub.mu.Unlock()

	if unsub != nil {
		go unsub()
	}
}

// Subscribe attaches to a session and recomputes callerUID's authorization on
// every remote update. A store-level permission failure on attach surfaces as
// ErrStoreDenied.
func (s *Synchronizer) Subscribe(ctx context.Context, sessionID, callerUID string) (*Subscription, error) {
	sub := &Subscription{
		views: make(chan View, 8),
		state: StateInitializing,
	}

	onValue := func(raw json.RawMessage) {
		if raw == nil {
			sub.terminate(View{State: StateNotFound, Err: ErrNotFound})
			return
		}
		current, err := decode(sessionID, raw)
		if err != nil {
			log.Printf("session %s: %v", sessionID, err)
			sub.terminate(View{State: StateNotFound, Err: ErrNotFound})
			return
		}
		if !current.Authorizes(callerUID) {
			sub.terminate(View{State: StateUnauthorized, Err: ErrNotAuthorized})
			return
		}
		sub.emit(View{State: StateAuthorized, Session: current})
	}

	onError := func(err error) {
		if errors.Is(err, store.ErrPermission) {
			sub.terminate(View{State: StateUnauthorized, Err: ErrStoreDenied})
			return
		}
		// Transport hiccups are not terminal; the subscription stays in its
		// current state until the store recovers or the caller closes it.
		log.Printf("session %s: subscription error: %v", sessionID, err)
	}

	unsub, err := s.store.Subscribe(ctx, sessionPath(sessionID), onValue, onError)
	if err != nil {
		if errors.Is(err, store.ErrPermission) {
			return nil, ErrStoreDenied
		}
		return nil, err
	}

	sub.mu.Lock()
	if sub.finished {
		// Terminated during the initial synchronous delivery.
		sub.mu.Unlock()
		unsub()
		return sub, nil
	}
	sub.unsub = unsub
	sub.mu.Unlock()
	return sub, nil
}

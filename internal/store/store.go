// Package store defines the realtime key-tree store the session core runs
// against, plus its Redis implementation. Paths are slash-separated logical
// locations ("sessions/s1/messages/m1"); values are JSON documents.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a path has no value.
	ErrNotFound = errors.New("store: not found")
	// ErrPermission is returned when the store itself denies an operation,
	// as opposed to an application-level authorization decision.
	ErrPermission = errors.New("store: permission denied")
	// ErrAborted is returned when a transaction gives up after repeated
	// conflicting concurrent writes.
	ErrAborted = errors.New("store: transaction aborted")
)

// ChildEventType tags a live change under a collection path.
type ChildEventType string

const (
	ChildAdded   ChildEventType = "added"
	ChildChanged ChildEventType = "changed"
	ChildRemoved ChildEventType = "removed"
)

// ChildEvent is one live mutation of a collection child.
type ChildEvent struct {
	Type  ChildEventType
	ID    string
	Value json.RawMessage // nil for removed
}

// Child is one entry of an ordered collection page.
type Child struct {
	ID    string
	Value json.RawMessage
}

// UnsubscribeFunc releases a subscription. After it returns, no further
// callback fires for that subscription, even for events already in flight.
type UnsubscribeFunc func()

// Store is the shared mutable resource of the whole core. All cross-client
// concurrency is arbitrated here: last-writer-wins for plain writes,
// optimistic retry for RunTransaction. Implementations must invoke
// subscription callbacks sequentially per subscription.
type Store interface {
	// Get returns the value at path, or ErrNotFound.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes the value at path, replacing any previous value.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the JSON object at path. A nil field value
	// deletes that field. Returns ErrNotFound if nothing exists at path.
	// The merge is atomic with respect to concurrent Updates.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the value at path. Removing an absent path is a no-op.
	Remove(ctx context.Context, path string) error

	// Append writes value as a new child of collection under a store-assigned
	// id whose lexical order matches write order, and returns that id.
	Append(ctx context.Context, collection string, value any) (string, error)

	// Children returns up to limit children of collection with ids strictly
	// below before ("" means start from the newest), ordered ascending by id.
	Children(ctx context.Context, collection string, before string, limit int) ([]Child, error)

	// Subscribe delivers the current value at path (nil if absent) followed
	// by every subsequent change; a removal is delivered as nil. Errors after
	// establishment go to onError.
	Subscribe(ctx context.Context, path string, onValue func(json.RawMessage), onError func(error)) (UnsubscribeFunc, error)

	// SubscribeChildren delivers live child mutations under collection. It
	// does not replay existing children; pair it with Children for history.
	SubscribeChildren(ctx context.Context, collection string, onEvent func(ChildEvent), onError func(error)) (UnsubscribeFunc, error)

	// RunTransaction atomically replaces the value at path. fn receives the
	// current value (nil if absent) and returns the value to write; the
	// write only commits if path was untouched meanwhile, otherwise fn is
	// retried against the fresh value. fn must be side-effect free.
	RunTransaction(ctx context.Context, path string, fn func(current json.RawMessage) (any, error)) error
}

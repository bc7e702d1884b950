package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"huddle/api/internal/util"
)

const txMaxAttempts = 16

// RedisStore implements Store on Redis: one key per path, a lexicographic
// zset per collection for ordered pagination, and pub/sub channels carrying
// change notifications. RunTransaction is WATCH/MULTI/EXEC with retry.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "hud:",
		subs:   make(map[*subscription]struct{}),
	}
}

func (s *RedisStore) key(path string) string      { return s.prefix + "v:" + path }
func (s *RedisStore) indexKey(coll string) string { return s.prefix + "ix:" + coll }
func (s *RedisStore) changeCh(path string) string { return s.prefix + "ch:" + path }
func (s *RedisStore) childCh(coll string) string  { return s.prefix + "cc:" + coll }

// splitPath returns the parent collection and child id of a path, or ok=false
// for a top-level path.
func splitPath(path string) (coll, id string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

func (s *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, err := s.client.Get(ctx, s.key(path)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return json.RawMessage(raw), nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	existed, err := s.client.Exists(ctx, s.key(path)).Result()
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(path), string(raw), 0)
	if coll, id, ok := splitPath(path); ok {
		pipe.ZAdd(ctx, s.indexKey(coll), redis.Z{Score: 0, Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	eventType := ChildChanged
	if existed == 0 {
		eventType = ChildAdded
	}
	s.publish(ctx, path, raw, eventType)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	var merged []byte
	err := s.transact(ctx, path, func(current json.RawMessage) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		obj := map[string]json.RawMessage{}
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, fmt.Errorf("update %s: value is not an object: %w", path, err)
		}
		for name, value := range fields {
			if value == nil {
				delete(obj, name)
				continue
			}
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("marshal field %s: %w", name, err)
			}
			obj[name] = raw
		}
		var err error
		merged, err = json.Marshal(obj)
		return merged, err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, path, merged, ChildChanged)
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, s.key(path))
	if coll, id, ok := splitPath(path); ok {
		pipe.ZRem(ctx, s.indexKey(coll), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if del.Val() > 0 {
		s.publish(ctx, path, nil, ChildRemoved)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, collection string, value any) (string, error) {
	id := util.NewMessageID(time.Now())
	if err := s.Set(ctx, collection+"/"+id, value); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Children(ctx context.Context, collection string, before string, limit int) ([]Child, error) {
	max := "+"
	if before != "" {
		max = "(" + before
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(collection), &redis.ZRangeBy{
		Min:   "-",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(collection + "/" + id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", collection, err)
	}

	// ids arrive newest-first; flip to ascending and drop index entries whose
	// value disappeared between the two reads.
	children := make([]Child, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		children = append(children, Child{ID: ids[i], Value: json.RawMessage(raw)})
	}
	return children, nil
}

func (s *RedisStore) RunTransaction(ctx context.Context, path string, fn func(current json.RawMessage) (any, error)) error {
	var written []byte
	err := s.transact(ctx, path, func(current json.RawMessage) ([]byte, error) {
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		written, err = json.Marshal(next)
		return written, err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, path, written, ChildChanged)
	return nil
}

// transact runs fn under WATCH on path's key and writes its result, retrying
// on conflicting concurrent writes. The caller publishes after success so
// notifications only go out for committed values.
func (s *RedisStore) transact(ctx context.Context, path string, fn func(current json.RawMessage) ([]byte, error)) error {
	key := s.key(path)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		var current json.RawMessage
		switch {
		case err == redis.Nil:
			current = nil
		case err != nil:
			return err
		default:
			current = json.RawMessage(raw)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(next), 0)
			if coll, id, ok := splitPath(path); ok {
				pipe.ZAdd(ctx, s.indexKey(coll), redis.Z{Score: 0, Member: id})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return ErrAborted
}

func (s *RedisStore) publish(ctx context.Context, path string, raw json.RawMessage, eventType ChildEventType) {
	payload := "null"
	if raw != nil {
		payload = string(raw)
	}
	s.client.Publish(ctx, s.changeCh(path), payload)

	coll, id, ok := splitPath(path)
	if !ok {
		return
	}
	event, err := json.Marshal(childEventWire{Type: eventType, ID: id, Value: raw})
	if err != nil {
		return
	}
	s.client.Publish(ctx, s.childCh(coll), string(event))
}

type childEventWire struct {
	Type  ChildEventType  `json:"type"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
}

// subscription serializes callback delivery and guarantees that nothing fires
// after close. Callbacks must not call their own unsubscribe function.
type subscription struct {
	ps     *redis.PubSub
	mu     sync.Mutex
	closed bool
}

func (sub *subscription) deliver(fire func()) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	fire()
}

func (sub *subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	_ = sub.ps.Close()
}

func (s *RedisStore) track(sub *subscription) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
}

func (s *RedisStore) untrack(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// NumListeners reports currently registered subscriptions; repeated
// subscribe/unsubscribe cycles must leave it unchanged.
func (s *RedisStore) NumListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, onValue func(json.RawMessage), onError func(error)) (UnsubscribeFunc, error) {
	ps := s.client.Subscribe(ctx, s.changeCh(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	sub := &subscription{ps: ps}
	s.track(sub)

	initial, err := s.Get(ctx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.untrack(sub)
		sub.close()
		return nil, err
	}
	sub.deliver(func() { onValue(initial) })

	go func() {
		for msg := range ps.Channel() {
			raw := json.RawMessage(msg.Payload)
			if msg.Payload == "null" {
				raw = nil
			}
			sub.deliver(func() { onValue(raw) })
		}
	}()

	return func() {
		s.untrack(sub)
		sub.close()
	}, nil
}

func (s *RedisStore) SubscribeChildren(ctx context.Context, collection string, onEvent func(ChildEvent), onError func(error)) (UnsubscribeFunc, error) {
	ps := s.client.Subscribe(ctx, s.childCh(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe children %s: %w", collection, err)
	}
	sub := &subscription{ps: ps}
	s.track(sub)

	go func() {
		for msg := range ps.Channel() {
			var wire childEventWire
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				sub.deliver(func() { onError(fmt.Errorf("decode child event: %w", err)) })
				continue
			}
			sub.deliver(func() {
				onEvent(ChildEvent{Type: wire.Type, ID: wire.ID, Value: wire.Value})
			})
		}
	}()

	return func() {
		s.untrack(sub)
		sub.close()
	}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

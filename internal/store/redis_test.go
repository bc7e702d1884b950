package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestGetSetRemove(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "sessions/s1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "sessions/s1", map[string]any{"title": "standup"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	raw, err := s.Get(ctx, "sessions/s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["title"] != "standup" {
		t.Errorf("expected title standup, got %q", decoded["title"])
	}

	if err := s.Remove(ctx, "sessions/s1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := s.Get(ctx, "sessions/s1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	// removing again is a no-op
	if err := s.Remove(ctx, "sessions/s1"); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Update(ctx, "sessions/s1", map[string]any{"title": "x"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for absent path, got %v", err)
	}

	if err := s.Set(ctx, "sessions/s1", map[string]any{"title": "a", "isLocked": false}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Update(ctx, "sessions/s1", map[string]any{"isLocked": true, "extra": nil}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	raw, err := s.Get(ctx, "sessions/s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var decoded struct {
		Title    string `json:"title"`
		IsLocked bool   `json:"isLocked"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Title != "a" || !decoded.IsLocked {
		t.Errorf("merge lost fields: %+v", decoded)
	}
}

func TestAppendAndChildrenPagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, "sessions/s1/messages", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids = append(ids, id)
	}

	newest, err := s.Children(ctx, "sessions/s1/messages", "", 2)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(newest) != 2 || newest[0].ID != ids[3] || newest[1].ID != ids[4] {
		t.Fatalf("expected newest two ascending, got %+v", newest)
	}

	older, err := s.Children(ctx, "sessions/s1/messages", newest[0].ID, 10)
	if err != nil {
		t.Fatalf("Children(before) failed: %v", err)
	}
	if len(older) != 3 {
		t.Fatalf("expected 3 older children, got %d", len(older))
	}
	for i, child := range older {
		if child.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], child.ID)
		}
	}
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "sessions/s1", map[string]any{"title": "a"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var mu sync.Mutex
	var seen []json.RawMessage
	unsub, err := s.Subscribe(ctx, "sessions/s1", func(raw json.RawMessage) {
		mu.Lock()
		seen = append(seen, raw)
		mu.Unlock()
	}, func(err error) { t.Errorf("unexpected subscribe error: %v", err) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}
	waitFor(t, func() bool { return count() == 1 }, "initial snapshot")

	if err := s.Set(ctx, "sessions/s1", map[string]any{"title": "b"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	waitFor(t, func() bool { return count() == 2 }, "change notification")

	if err := s.Remove(ctx, "sessions/s1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitFor(t, func() bool { return count() == 3 }, "removal notification")

	mu.Lock()
	defer mu.Unlock()
	if seen[2] != nil {
		t.Errorf("removal should deliver nil, got %s", seen[2])
	}
}

func TestNoCallbackAfterUnsubscribe(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	unsub, err := s.Subscribe(ctx, "sessions/s1", func(json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, func(error) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "initial snapshot")

	unsub()
	if err := s.Set(ctx, "sessions/s1", map[string]any{"title": "late"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("callback fired after unsubscribe: %d calls", calls)
	}
}

func TestRepeatedSubscribeDoesNotLeakListeners(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		unsub, err := s.Subscribe(ctx, "sessions/s1", func(json.RawMessage) {}, func(error) {})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		unsub()
	}
	if n := s.NumListeners(); n != 0 {
		t.Errorf("expected 0 listeners after churn, got %d", n)
	}
}

func TestSubscribeChildren(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []ChildEvent
	unsub, err := s.SubscribeChildren(ctx, "sessions/s1/messages", func(e ChildEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, func(err error) { t.Errorf("unexpected error: %v", err) })
	if err != nil {
		t.Fatalf("SubscribeChildren failed: %v", err)
	}
	defer unsub()

	id, err := s.Append(ctx, "sessions/s1/messages", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Set(ctx, "sessions/s1/messages/"+id, map[string]any{"text": "edited"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Remove(ctx, "sessions/s1/messages/"+id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, "three child events")

	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != ChildAdded || events[1].Type != ChildChanged || events[2].Type != ChildRemoved {
		t.Errorf("unexpected event sequence: %+v", events)
	}
	if events[2].Value != nil {
		t.Errorf("removed event should carry nil value")
	}
	for _, e := range events {
		if e.ID != id {
			t.Errorf("event id mismatch: %s != %s", e.ID, id)
		}
	}
}

func TestRunTransactionSerializesConcurrentIncrements(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "counters/c1", map[string]any{"n": 0}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	const workers, rounds = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				err := s.RunTransaction(ctx, "counters/c1", func(current json.RawMessage) (any, error) {
					var counter struct {
						N int `json:"n"`
					}
					if current != nil {
						if err := json.Unmarshal(current, &counter); err != nil {
							return nil, err
						}
					}
					counter.N++
					return counter, nil
				})
				if err != nil {
					t.Errorf("transaction failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	raw, err := s.Get(ctx, "counters/c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var counter struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(raw, &counter); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if counter.N != workers*rounds {
		t.Errorf("lost updates: expected %d, got %d", workers*rounds, counter.N)
	}
}

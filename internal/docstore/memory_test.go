package docstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seed(t *testing.T, s *MemoryStore, uid, username string, kudos int) {
	t.Helper()
	err := s.CreateUser(context.Background(), User{
		UID:      uid,
		Username: username,
		Kudos:    kudos,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", uid, err)
	}
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "u1", "alice", 100)

	if err := s.CreateUser(context.Background(), User{UID: "u1", Username: "other"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate uid: got %v, want ErrUserExists", err)
	}
	if err := s.CreateUser(context.Background(), User{UID: "u2", Username: "alice"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate username: got %v, want ErrUserExists", err)
	}
}

func TestGetUserByUsername(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "u1", "alice", 100)

	user, err := s.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if user.UID != "u1" {
		t.Fatalf("got uid %q, want u1", user.UID)
	}
	if _, err := s.GetUserByUsername(context.Background(), "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown username: got %v, want ErrUserNotFound", err)
	}
}

func TestListTxnsNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, "u1", "alice", 100)
	seed(t, s, "u2", "bob", 100)
	seed(t, s, "u3", "carol", 100)

	first, err := s.TransferKudos(ctx, "u1", "u2", 10, TxnGift, "")
	if err != nil {
		t.Fatalf("transfer 1: %v", err)
	}
	if _, err := s.TransferKudos(ctx, "u2", "u3", 5, TxnGift, ""); err != nil {
		t.Fatalf("transfer 2: %v", err)
	}
	second, err := s.TransferKudos(ctx, "u2", "u1", 3, TxnGift, "")
	if err != nil {
		t.Fatalf("transfer 3: %v", err)
	}

	txns, err := s.ListTxns(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d txns, want 2", len(txns))
	}
	if txns[0].ID != second || txns[1].ID != first {
		t.Fatalf("got order [%s %s], want newest first [%s %s]", txns[0].ID, txns[1].ID, second, first)
	}

	limited, err := s.ListTxns(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second {
		t.Fatalf("limit 1 should keep the newest entry")
	}
}

func TestResetAllKudosReportsFailedBatches(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, uid := range []string{"u1", "u2", "u3", "u4", "u5"} {
		seed(t, s, uid, "user-"+uid, 7)
	}
	s.FailResetUIDs = map[string]bool{"u3": true}

	report, err := s.ResetAllKudos(ctx, 100, 2)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	// Batches over sorted uids: [u1 u2] ok, [u3 u4] fails, [u5] ok.
	if report.Updated != 3 || report.Failed != 2 {
		t.Fatalf("got report %+v, want updated=3 failed=2", report)
	}

	u1, _ := s.GetUser(ctx, "u1")
	u4, _ := s.GetUser(ctx, "u4")
	if u1.Kudos != 100 {
		t.Fatalf("u1 should be reset, got %d", u1.Kudos)
	}
	if u4.Kudos != 7 {
		t.Fatalf("u4 was in the failed batch and should keep its balance, got %d", u4.Kudos)
	}
}

func TestCreateUserStampsCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "u1", "alice", 0)

	user, err := s.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if user.CreatedAt.IsZero() || time.Since(user.CreatedAt) > time.Minute {
		t.Fatalf("created_at not stamped: %v", user.CreatedAt)
	}
}

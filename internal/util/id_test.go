package util

import (
	"sort"
	"testing"
	"time"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("txn")
	if len(id) != len("txn_")+32 {
		t.Fatalf("unexpected id length: %q", id)
	}
	if id[:4] != "txn_" {
		t.Errorf("expected txn_ prefix, got %q", id)
	}
}

func TestMessageIDOrderFollowsTime(t *testing.T) {
	base := time.Now()
	ids := []string{
		NewMessageID(base.Add(2 * time.Second)),
		NewMessageID(base),
		NewMessageID(base.Add(time.Second)),
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	if sorted[0] != ids[1] || sorted[1] != ids[2] || sorted[2] != ids[0] {
		t.Errorf("lexical order does not follow time order: %v", ids)
	}
}

func TestTempIDNeverLooksLikeServerID(t *testing.T) {
	tmp := NewTempID()
	if !IsTempID(tmp) {
		t.Fatalf("expected temp id, got %q", tmp)
	}
	if IsTempID(NewMessageID(time.Now())) {
		t.Error("server-assigned message id must not match the temp prefix")
	}
}

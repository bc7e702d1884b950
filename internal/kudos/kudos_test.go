package kudos

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/docstore"
)

func seedUser(t *testing.T, store *docstore.MemoryStore, uid string, kudos int, banned bool) {
	t.Helper()
	err := store.CreateUser(context.Background(), docstore.User{
		UID:      uid,
		Username: uid,
		Kudos:    kudos,
		Banned:   banned,
	})
	require.NoError(t, err)
}

func balance(t *testing.T, store *docstore.MemoryStore, uid string) docstore.User {
	t.Helper()
	user, err := store.GetUser(context.Background(), uid)
	require.NoError(t, err)
	return user
}

func TestTransferMovesKudosAndWritesOneLedgerEntry(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 50, false)
	seedUser(t, store, "bob", 10, false)
	engine := NewEngine(store)

	res := engine.Transfer(context.Background(), "alice", "bob", 30, "thanks")
	require.True(t, res.OK)
	require.NotEmpty(t, res.TxnID)

	alice := balance(t, store, "alice")
	bob := balance(t, store, "bob")
	assert.Equal(t, 20, alice.Kudos)
	assert.Equal(t, 30, alice.KudosGiven)
	assert.Equal(t, 40, bob.Kudos)
	assert.Equal(t, 30, bob.KudosReceived)

	txns := store.Txns()
	require.Len(t, txns, 1)
	assert.Equal(t, res.TxnID, txns[0].ID)
	assert.Equal(t, "alice", txns[0].From)
	assert.Equal(t, "bob", txns[0].To)
	assert.Equal(t, 30, txns[0].Amount)
	assert.Equal(t, docstore.TxnGift, txns[0].Type)
	assert.Equal(t, "thanks", txns[0].Note)
}

func TestTransferConservesTotalKudos(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 100, false)
	seedUser(t, store, "bob", 40, false)
	seedUser(t, store, "carol", 0, false)
	engine := NewEngine(store)

	moves := []struct {
		from, to string
		amount   int
	}{
		{"alice", "bob", 25},
		{"bob", "carol", 60},
		{"carol", "alice", 5},
		{"alice", "carol", 1},
	}
	for _, m := range moves {
		res := engine.Transfer(context.Background(), m.from, m.to, m.amount, "")
		require.True(t, res.OK, "%s -> %s", m.from, m.to)
	}

	total := 0
	for _, uid := range []string{"alice", "bob", "carol"} {
		total += balance(t, store, uid).Kudos
	}
	assert.Equal(t, 140, total)
	assert.Len(t, store.Txns(), len(moves))
}

func TestTransferInsufficientFundsLeavesStateUntouched(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 10, false)
	seedUser(t, store, "bob", 5, false)
	engine := NewEngine(store)

	res := engine.Transfer(context.Background(), "alice", "bob", 11, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonInsufficientFunds, res.Reason)

	alice := balance(t, store, "alice")
	bob := balance(t, store, "bob")
	assert.Equal(t, 10, alice.Kudos)
	assert.Equal(t, 0, alice.KudosGiven)
	assert.Equal(t, 5, bob.Kudos)
	assert.Equal(t, 0, bob.KudosReceived)
	assert.Empty(t, store.Txns())
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 100, false)
	seedUser(t, store, "bob", 0, false)
	engine := NewEngine(store)

	// 20 transfers of 10 against a balance of 100: exactly 10 may succeed.
	var wg sync.WaitGroup
	results := make([]Result, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Transfer(context.Background(), "alice", "bob", 10, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.OK {
			succeeded++
		} else {
			assert.Equal(t, ReasonInsufficientFunds, res.Reason)
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 0, balance(t, store, "alice").Kudos)
	assert.Equal(t, 100, balance(t, store, "bob").Kudos)
	assert.Len(t, store.Txns(), 10)
}

func TestTransferValidation(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 50, false)
	engine := NewEngine(store)

	cases := []struct {
		name     string
		from, to string
		amount   int
		want     Reason
	}{
		{"zero amount", "alice", "bob", 0, ReasonInvalidInput},
		{"negative amount", "alice", "bob", -5, ReasonInvalidInput},
		{"empty sender", "", "bob", 5, ReasonInvalidInput},
		{"empty recipient", "alice", "", 5, ReasonInvalidInput},
		{"self transfer", "alice", "alice", 5, ReasonCannotSendToSelf},
		{"system sentinel as sender", docstore.SystemUID, "bob", 5, ReasonInvalidInput},
		{"system sentinel as recipient", "alice", docstore.SystemUID, 5, ReasonInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := engine.Transfer(context.Background(), tc.from, tc.to, tc.amount, "")
			require.False(t, res.OK)
			assert.Equal(t, tc.want, res.Reason)
		})
	}
	// Validation runs before any I/O.
	assert.Empty(t, store.Txns())
	assert.Equal(t, 50, balance(t, store, "alice").Kudos)
}

func TestTransferToBannedRecipient(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 50, false)
	seedUser(t, store, "mallory", 0, true)
	engine := NewEngine(store)

	res := engine.Transfer(context.Background(), "alice", "mallory", 10, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonRecipientBanned, res.Reason)
	assert.Equal(t, 50, balance(t, store, "alice").Kudos)
}

func TestTransferUnknownUsers(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 50, false)
	engine := NewEngine(store)

	res := engine.Transfer(context.Background(), "alice", "ghost", 10, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonUserNotFound, res.Reason)

	res = engine.Transfer(context.Background(), "ghost", "alice", 10, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonUserNotFound, res.Reason)
}

func TestGrantAndDeductRejectSystemSentinel(t *testing.T) {
	store := docstore.NewMemoryStore()
	engine := NewEngine(store)

	res := engine.Grant(context.Background(), docstore.SystemUID, 10, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonInvalidInput, res.Reason)

	res = engine.Deduct(context.Background(), docstore.SystemUID, 10, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonInvalidInput, res.Reason)

	// No SYSTEM-to-SYSTEM ledger rows.
	assert.Empty(t, store.Txns())
}

func TestGrantCreditsFromSystem(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 0, false)
	engine := NewEngine(store)

	res := engine.Grant(context.Background(), "alice", 25, "weekly reward")
	require.True(t, res.OK)

	alice := balance(t, store, "alice")
	assert.Equal(t, 25, alice.Kudos)
	assert.Equal(t, 25, alice.KudosReceived)

	txns := store.Txns()
	require.Len(t, txns, 1)
	assert.Equal(t, docstore.SystemUID, txns[0].From)
	assert.Equal(t, docstore.TxnReward, txns[0].Type)
}

func TestDeductDebitsToSystem(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedUser(t, store, "alice", 30, false)
	engine := NewEngine(store)

	res := engine.Deduct(context.Background(), "alice", 12, "sticker pack")
	require.True(t, res.OK)

	alice := balance(t, store, "alice")
	assert.Equal(t, 18, alice.Kudos)
	assert.Equal(t, 12, alice.KudosGiven)

	txns := store.Txns()
	require.Len(t, txns, 1)
	assert.Equal(t, docstore.SystemUID, txns[0].To)
	assert.Equal(t, docstore.TxnPurchase, txns[0].Type)

	res = engine.Deduct(context.Background(), "alice", 100, "too expensive")
	require.False(t, res.OK)
	assert.Equal(t, ReasonInsufficientFunds, res.Reason)
	assert.Equal(t, 18, balance(t, store, "alice").Kudos)
}

type failingStore struct {
	*docstore.MemoryStore
}

func (failingStore) TransferKudos(context.Context, string, string, int, docstore.TxnType, string) (string, error) {
	return "", errors.New("connection reset")
}

func TestUnexpectedStoreErrorMapsToStoreFailure(t *testing.T) {
	engine := NewEngine(failingStore{docstore.NewMemoryStore()})

	res := engine.Transfer(context.Background(), "alice", "bob", 10, "")
	require.False(t, res.OK)
	assert.Equal(t, ReasonStoreFailure, res.Reason)
}

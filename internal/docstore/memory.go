package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"huddle/api/internal/util"
)

// MemoryStore is the in-process Store used by tests and dev mode. A single
// mutex gives it the same all-or-nothing transfer semantics as the Postgres
// transaction.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]User
	txns  []Txn

	// FailResetUIDs makes ResetAllKudos treat batches containing these uids
	// as failed, for exercising partial-failure reporting.
	FailResetUIDs map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.UID]; ok {
		return ErrUserExists
	}
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return ErrUserExists
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	s.users[user.UID] = user
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, uid string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[uid]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryStore) TransferKudos(_ context.Context, from, to string, amount int, txnType TxnType, note string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sender, recipient User
	var ok bool
	if from != SystemUID {
		if sender, ok = s.users[from]; !ok {
			return "", ErrUserNotFound
		}
	}
	if to != SystemUID {
		if recipient, ok = s.users[to]; !ok {
			return "", ErrUserNotFound
		}
		if recipient.Banned {
			return "", ErrRecipientBanned
		}
	}
	if from != SystemUID && sender.Kudos < amount {
		return "", ErrInsufficientFunds
	}

	if from != SystemUID {
		sender.Kudos -= amount
		sender.KudosGiven += amount
		s.users[from] = sender
	}
	if to != SystemUID {
		recipient.Kudos += amount
		recipient.KudosReceived += amount
		s.users[to] = recipient
	}

	txn := Txn{
		ID:        util.NewID("txn"),
		From:      from,
		To:        to,
		Amount:    amount,
		Type:      txnType,
		Note:      note,
		CreatedAt: time.Now(),
	}
	s.txns = append(s.txns, txn)
	return txn.ID, nil
}

func (s *MemoryStore) ListTxns(_ context.Context, uid string, limit int) ([]Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Txn
	for i := len(s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txns[i].From == uid || s.txns[i].To == uid {
			out = append(out, s.txns[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ResetAllKudos(_ context.Context, value, batchSize int) (ResetReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uids := make([]string, 0, len(s.users))
	for uid := range s.users {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var report ResetReport
	for start := 0; start < len(uids); start += batchSize {
		end := start + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		failed := false
		for _, uid := range batch {
			if s.FailResetUIDs[uid] {
				failed = true
				break
			}
		}
		if failed {
			report.Failed += len(batch)
			continue
		}
		for _, uid := range batch {
			user := s.users[uid]
			user.Kudos = value
			s.users[uid] = user
		}
		report.Updated += len(batch)
	}
	return report, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Txns returns a copy of the full ledger, oldest first. Test helper.
func (s *MemoryStore) Txns() []Txn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Txn(nil), s.txns...)
}

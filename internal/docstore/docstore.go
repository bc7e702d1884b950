// Package docstore is the durable document store behind user records (kudos
// balance fields included) and the append-only kudos ledger. The Postgres
// implementation is authoritative; the memory implementation backs tests and
// dev mode.
package docstore

import (
	"context"
	"errors"
	"time"
)

// SystemUID is the ledger sentinel for non-peer movements (rewards,
// penalties, scheduled resets).
const SystemUID = "SYSTEM"

var (
	ErrUserNotFound      = errors.New("docstore: user not found")
	ErrInsufficientFunds = errors.New("docstore: insufficient funds")
	ErrRecipientBanned   = errors.New("docstore: recipient banned")
	ErrUserExists        = errors.New("docstore: user already exists")
)

// User is one user record. Kudos is the spendable balance; KudosGiven and
// KudosReceived only ever grow.
type User struct {
	UID           string
	Username      string
	DisplayName   string
	AvatarURL     string
	SecretKeyHash string
	Banned        bool
	Kudos         int
	KudosGiven    int
	KudosReceived int
	CreatedAt     time.Time
}

type TxnType string

const (
	TxnGift     TxnType = "gift"
	TxnReward   TxnType = "reward"
	TxnPurchase TxnType = "purchase"
	TxnSystem   TxnType = "system"
)

// Txn is one immutable ledger entry. Never updated or deleted by any normal
// flow.
type Txn struct {
	ID        string
	From      string
	To        string
	Amount    int
	Type      TxnType
	Note      string
	CreatedAt time.Time
}

// ResetReport summarizes one scheduled balance reset run.
type ResetReport struct {
	Updated int
	Failed  int
}

// Store is the document-store surface the core consumes. TransferKudos is
// the single atomic phase of the kudos engine: all balance checks run inside
// the same transaction as the writes, so no partial application is possible
// and concurrent transfers from one sender cannot jointly overdraw.
type Store interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, uid string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)

	// TransferKudos atomically moves amount between the two balance records
	// and appends exactly one ledger entry, returning its id. from or to may
	// be SystemUID. Typed errors: ErrUserNotFound, ErrRecipientBanned,
	// ErrInsufficientFunds.
	TransferKudos(ctx context.Context, from, to string, amount int, txnType TxnType, note string) (string, error)

	// ListTxns returns the newest ledger entries touching uid.
	ListTxns(ctx context.Context, uid string, limit int) ([]Txn, error)

	// ResetAllKudos sets every user's balance to value in batches of
	// batchSize. A failed batch is counted and skipped, not fatal.
	ResetAllKudos(ctx context.Context, value, batchSize int) (ResetReport, error)

	Ping(ctx context.Context) error
}

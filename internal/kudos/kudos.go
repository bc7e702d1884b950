// Package kudos moves points between users. Validation is pure and runs
// before any I/O; the atomic phase lives in the document store's transaction,
// so either every write lands (both balances, both counters, exactly one
// ledger entry) or none do. Results are discriminated values, never errors,
// because callers branch on the reason, not on error identity.
package kudos

import (
	"context"
	"errors"
	"log"

	"huddle/api/internal/docstore"
)

// Reason classifies a failed operation.
type Reason string

const (
	ReasonInvalidInput      Reason = "INVALID_INPUT"
	ReasonCannotSendToSelf  Reason = "CANNOT_SEND_TO_SELF"
	ReasonUserNotFound      Reason = "USER_NOT_FOUND"
	ReasonRecipientBanned   Reason = "RECIPIENT_BANNED"
	ReasonInsufficientFunds Reason = "INSUFFICIENT_FUNDS"
	ReasonStoreFailure      Reason = "STORE_FAILURE"
)

// Result is the outcome of a transfer, grant or deduct. TxnID is set on
// success and names the committed ledger entry; optimistic UI entries use
// temp ids that cannot collide with it.
type Result struct {
	OK     bool
	Reason Reason
	TxnID  string
}

func ok(txnID string) Result    { return Result{OK: true, TxnID: txnID} }
func fail(reason Reason) Result { return Result{Reason: reason} }

// Engine executes kudos movements against a document store.
type Engine struct {
	store docstore.Store
}

func NewEngine(store docstore.Store) *Engine {
	return &Engine{store: store}
}

// validPeer rejects empty uids and the SYSTEM ledger sentinel, which is never
// a legitimate peer: letting it through would mint SYSTEM-to-SYSTEM ledger
// rows with no balance writes behind them.
func validPeer(uid string) bool {
	return uid != "" && uid != docstore.SystemUID
}

// Transfer moves amount from one user to another as a gift.
func (e *Engine) Transfer(ctx context.Context, fromUID, toUID string, amount int, note string) Result {
	if !validPeer(fromUID) || !validPeer(toUID) || amount <= 0 {
		return fail(ReasonInvalidInput)
	}
	if fromUID == toUID {
		return fail(ReasonCannotSendToSelf)
	}
	return e.execute(ctx, fromUID, toUID, amount, docstore.TxnGift, note)
}

// Grant credits a user from the system, for rewards.
func (e *Engine) Grant(ctx context.Context, toUID string, amount int, note string) Result {
	if !validPeer(toUID) || amount <= 0 {
		return fail(ReasonInvalidInput)
	}
	return e.execute(ctx, docstore.SystemUID, toUID, amount, docstore.TxnReward, note)
}

// Deduct debits a user to the system, for purchases and penalties. Subject
// to the same funds check as a peer transfer.
func (e *Engine) Deduct(ctx context.Context, fromUID string, amount int, note string) Result {
	if !validPeer(fromUID) || amount <= 0 {
		return fail(ReasonInvalidInput)
	}
	return e.execute(ctx, fromUID, docstore.SystemUID, amount, docstore.TxnPurchase, note)
}

func (e *Engine) execute(ctx context.Context, from, to string, amount int, txnType docstore.TxnType, note string) Result {
	txnID, err := e.store.TransferKudos(ctx, from, to, amount, txnType, note)
	switch {
	case err == nil:
		return ok(txnID)
	case errors.Is(err, docstore.ErrUserNotFound):
		return fail(ReasonUserNotFound)
	case errors.Is(err, docstore.ErrRecipientBanned):
		return fail(ReasonRecipientBanned)
	case errors.Is(err, docstore.ErrInsufficientFunds):
		return fail(ReasonInsufficientFunds)
	default:
		log.Printf("kudos: transfer %s->%s failed: %v", from, to, err)
		return fail(ReasonStoreFailure)
	}
}

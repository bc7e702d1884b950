package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"huddle/api/internal/util"
)

const (
	getUserSQL = `SELECT uid, username, display_name, avatar_url, secret_key_hash, banned,
		kudos, kudos_given, kudos_received, created_at FROM users WHERE uid = $1`
	getUserByUsernameSQL = `SELECT uid, username, display_name, avatar_url, secret_key_hash, banned,
		kudos, kudos_given, kudos_received, created_at FROM users WHERE username = $1`
	insertUserSQL = `INSERT INTO users (uid, username, display_name, avatar_url, secret_key_hash, banned,
		kudos, kudos_given, kudos_received, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	lockUserSQL     = `SELECT banned, kudos FROM users WHERE uid = $1 FOR UPDATE`
	debitSQL        = `UPDATE users SET kudos = kudos - $2, kudos_given = kudos_given + $2 WHERE uid = $1`
	creditSQL       = `UPDATE users SET kudos = kudos + $2, kudos_received = kudos_received + $2 WHERE uid = $1`
	insertTxnSQL    = `INSERT INTO kudos_txns (id, from_uid, to_uid, amount, txn_type, note, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	listTxnsSQL     = `SELECT id, from_uid, to_uid, amount, txn_type, note, created_at FROM kudos_txns WHERE from_uid = $1 OR to_uid = $1 ORDER BY created_at DESC LIMIT $2`
	pageUIDsSQL     = `SELECT uid FROM users WHERE uid > $1 ORDER BY uid LIMIT $2`
	resetBalanceSQL = `UPDATE users SET kudos = $2 WHERE uid = $1`
	uniqueViolation = "23505"
)

// PostgresStore implements Store on Postgres via the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) withTx(ctx context.Context, exec func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := exec(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("docstore: rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.UID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.SecretKeyHash,
		&u.Banned, &u.Kudos, &u.KudosGiven, &u.KudosReceived, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertUserSQL, user.UID, user.Username, user.DisplayName,
		user.AvatarURL, user.SecretKeyHash, user.Banned, user.Kudos, user.KudosGiven,
		user.KudosReceived, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, uid string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, getUserSQL, uid))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, getUserByUsernameSQL, username))
}

// TransferKudos runs the whole atomic phase in one transaction. Balance rows
// are locked in uid order so two opposite transfers cannot deadlock, and the
// funds check runs against the locked row, so concurrent transfers from one
// sender can never jointly overdraw.
func (s *PostgresStore) TransferKudos(ctx context.Context, from, to string, amount int, txnType TxnType, note string) (string, error) {
	txnID := util.NewID("txn")
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, uid := range lockOrder(from, to) {
			banned, kudos, err := lockUser(ctx, tx, uid)
			if err != nil {
				return err
			}
			if uid == to && banned {
				return ErrRecipientBanned
			}
			if uid == from && kudos < amount {
				return ErrInsufficientFunds
			}
		}
		if from != SystemUID {
			if _, err := tx.ExecContext(ctx, debitSQL, from, amount); err != nil {
				return fmt.Errorf("debit %s: %w", from, err)
			}
		}
		if to != SystemUID {
			if _, err := tx.ExecContext(ctx, creditSQL, to, amount); err != nil {
				return fmt.Errorf("credit %s: %w", to, err)
			}
		}
		if _, err := tx.ExecContext(ctx, insertTxnSQL, txnID, from, to, amount, string(txnType), note, time.Now()); err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return txnID, nil
}

// lockOrder returns the non-SYSTEM uids involved, sorted, for deterministic
// row locking.
func lockOrder(from, to string) []string {
	uids := make([]string, 0, 2)
	for _, uid := range []string{from, to} {
		if uid != SystemUID {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 2 && uids[0] > uids[1] {
		uids[0], uids[1] = uids[1], uids[0]
	}
	return uids
}

func lockUser(ctx context.Context, tx *sql.Tx, uid string) (banned bool, kudos int, err error) {
	err = tx.QueryRowContext(ctx, lockUserSQL, uid).Scan(&banned, &kudos)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, ErrUserNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("lock user %s: %w", uid, err)
	}
	return banned, kudos, nil
}

func (s *PostgresStore) ListTxns(ctx context.Context, uid string, limit int) ([]Txn, error) {
	rows, err := s.db.QueryContext(ctx, listTxnsSQL, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("list txns: %w", err)
	}
	defer rows.Close()

	var txns []Txn
	for rows.Next() {
		var t Txn
		var txnType string
		if err := rows.Scan(&t.ID, &t.From, &t.To, &t.Amount, &txnType, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan txn: %w", err)
		}
		t.Type = TxnType(txnType)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ResetAllKudos walks the user table in keyset batches. A failed batch is
// reported and skipped so one bad row cannot sink the whole run.
func (s *PostgresStore) ResetAllKudos(ctx context.Context, value, batchSize int) (ResetReport, error) {
	var report ResetReport
	cursor := ""
	for {
		uids, err := s.pageUIDs(ctx, cursor, batchSize)
		if err != nil {
			return report, err
		}
		if len(uids) == 0 {
			return report, nil
		}
		cursor = uids[len(uids)-1]

		err = s.withTx(ctx, func(tx *sql.Tx) error {
			for _, uid := range uids {
				if _, err := tx.ExecContext(ctx, resetBalanceSQL, uid, value); err != nil {
					return fmt.Errorf("reset %s: %w", uid, err)
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("docstore: reset batch ending at %s failed: %v", cursor, err)
			report.Failed += len(uids)
			continue
		}
		report.Updated += len(uids)
	}
}

func (s *PostgresStore) pageUIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, pageUIDsSQL, after, limit)
	if err != nil {
		return nil, fmt.Errorf("page uids: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var pgErr coder
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == uniqueViolation
	}
	return false
}

// Package sqlite provides a single-node SQLite creditgate.Store built on
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/creditgate"
)

// Store is an SQLite-backed Store.
type Store struct {
	db          *sql.DB
	creditPrice float64
	now         func() time.Time
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithCreditPrice sets the USD value of one credit used to track spend.
func WithCreditPrice(usd float64) Option {
	return func(s *Store) { s.creditPrice = usd }
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: open: %w", err)
	}
	// A single connection keeps concurrent debits from surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creditgate/sqlite: migrate: %w", err)
	}

	s := &Store{
		db:          db,
		creditPrice: creditgate.DefaultCreditPriceUSD,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			flags INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			deletion_requested_at TEXT,
			deletion_reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS billings (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE REFERENCES accounts(id) ON DELETE CASCADE,
			credits INTEGER NOT NULL CHECK (credits >= 0),
			total_spent_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount inserts an account and its billing row in one transaction.
func (s *Store) CreateAccount(ctx context.Context, account creditgate.Account, billing creditgate.Billing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	var requestedAt sql.NullString
	if account.DeletionRequestedAt != nil {
		requestedAt = sql.NullString{String: formatTime(*account.DeletionRequestedAt), Valid: true}
	}
	var reason sql.NullString
	if account.DeletionReason != nil {
		reason = sql.NullString{String: *account.DeletionReason, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, provider_id, email, name, avatar, flags, deleted,
			deletion_requested_at, deletion_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.ProviderID, account.Email, account.Name, account.Avatar,
		int64(account.Flags), account.Deleted, requestedAt, reason,
		formatTime(account.CreatedAt), formatTime(account.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return creditgate.ErrAccountExists
	}
	if err != nil {
		return unavailable("insert account", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO billings (id, account_id, credits, total_spent_usd, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		billing.ID, account.ID, billing.Credits, billing.TotalSpentUSD,
		formatTime(billing.CreatedAt), formatTime(billing.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return creditgate.ErrAccountExists
	}
	if err != nil {
		return unavailable("insert billing", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// AccountByID returns the account with the given id.
func (s *Store) AccountByID(ctx context.Context, id string) (creditgate.Account, error) {
	return s.queryAccount(ctx, "id", id)
}

// AccountByProviderID returns the account registered for a provider id.
func (s *Store) AccountByProviderID(ctx context.Context, providerID string) (creditgate.Account, error) {
	return s.queryAccount(ctx, "provider_id", providerID)
}

func (s *Store) queryAccount(ctx context.Context, column, value string) (creditgate.Account, error) {
	var (
		a                    creditgate.Account
		flags                int64
		requestedAt, reason  sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, email, name, avatar, flags, deleted,
			deletion_requested_at, deletion_reason, created_at, updated_at
			FROM accounts WHERE `+column+` = ?`,
		value,
	).Scan(&a.ID, &a.ProviderID, &a.Email, &a.Name, &a.Avatar, &flags, &a.Deleted,
		&requestedAt, &reason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditgate.Account{}, fmt.Errorf("%w: account %s=%q", creditgate.ErrNotFound, column, value)
	}
	if err != nil {
		return creditgate.Account{}, unavailable("query account", err)
	}

	a.Flags = creditgate.Flags(flags)
	if requestedAt.Valid {
		t, err := parseTime(requestedAt.String)
		if err != nil {
			return creditgate.Account{}, err
		}
		a.DeletionRequestedAt = &t
	}
	if reason.Valid {
		a.DeletionReason = &reason.String
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return creditgate.Account{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return creditgate.Account{}, err
	}
	return a, nil
}

// Load returns the billing row for an account.
func (s *Store) Load(ctx context.Context, accountID string) (creditgate.Billing, error) {
	var (
		b                    creditgate.Billing
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, credits, total_spent_usd, created_at, updated_at
			FROM billings WHERE account_id = ?`,
		accountID,
	).Scan(&b.ID, &b.AccountID, &b.Credits, &b.TotalSpentUSD, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditgate.Billing{}, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}
	if err != nil {
		return creditgate.Billing{}, unavailable("load", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return creditgate.Billing{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return creditgate.Billing{}, err
	}
	return b, nil
}

// Debit subtracts amount in a single conditional update.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/sqlite: negative debit %d", amount)
	}

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE billings
			SET credits = credits - ?1, total_spent_usd = total_spent_usd + ?2, updated_at = ?3
			WHERE account_id = ?4 AND credits >= ?1
			RETURNING credits`,
		amount, float64(amount)*s.creditPrice, formatTime(s.now()), accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyMiss(ctx, accountID)
	}
	if err != nil {
		return 0, unavailable("debit", err)
	}
	return balance, nil
}

func (s *Store) classifyMiss(ctx context.Context, accountID string) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM billings WHERE account_id = ?`, accountID,
	).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}
	if err != nil {
		return 0, unavailable("check balance", err)
	}
	return credits, creditgate.ErrInsufficientCredits
}

// Credit adds amount back in a single update.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/sqlite: negative credit %d", amount)
	}

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE billings
			SET credits = credits + ?1, total_spent_usd = MAX(total_spent_usd - ?2, 0), updated_at = ?3
			WHERE account_id = ?4
			RETURNING credits`,
		amount, float64(amount)*s.creditPrice, formatTime(s.now()), accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}
	if err != nil {
		return 0, unavailable("credit", err)
	}
	return balance, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("creditgate/sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

// The modernc driver reports constraint failures only through the message
// text at the database/sql layer.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("creditgate/sqlite: %s: %w: %w", op, creditgate.ErrLedgerUnavailable, err)
}

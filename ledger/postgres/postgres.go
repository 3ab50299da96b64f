// Package postgres provides a PostgreSQL-backed creditgate.Store.
//
// Debits and credits are single conditional UPDATE statements, so the row
// lock Postgres takes for the update is what serializes concurrent
// mutations on one account. Accounts and their billing rows are inserted
// in one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditgate"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	creditPrice float64
	now         func() time.Time
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithCreditPrice sets the USD value of one credit used to track spend.
func WithCreditPrice(usd float64) Option {
	return func(s *Store) { s.creditPrice = usd }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
		creditPrice: creditgate.DefaultCreditPriceUSD,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string { return s.tablePrefix + "accounts" }
func (s *Store) billingsTable() string { return s.tablePrefix + "billings" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			flags BIGINT NOT NULL DEFAULT 0,
			deleted BOOLEAN NOT NULL DEFAULT false,
			deletion_requested_at TIMESTAMPTZ,
			deletion_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE REFERENCES %[1]s (id),
			credits BIGINT NOT NULL CHECK (credits >= 0),
			total_spent_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`, s.accountsTable(), s.billingsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// CreateAccount inserts an account and its billing row in one transaction.
func (s *Store) CreateAccount(ctx context.Context, account creditgate.Account, billing creditgate.Billing) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, provider_id, email, name, avatar, flags, deleted,
			deletion_requested_at, deletion_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.accountsTable()),
		account.ID, account.ProviderID, account.Email, account.Name, account.Avatar,
		int64(account.Flags), account.Deleted, account.DeletionRequestedAt, account.DeletionReason,
		account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return creditgate.ErrAccountExists
	}
	if err != nil {
		return unavailable("insert account", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, credits, total_spent_usd, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, s.billingsTable()),
		billing.ID, account.ID, billing.Credits, billing.TotalSpentUSD, billing.CreatedAt, billing.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return creditgate.ErrAccountExists
	}
	if err != nil {
		return unavailable("insert billing", err)
	}

	if err := tx.Commit(ctx); err != nil {
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
	var a creditgate.Account
	var flags int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, provider_id, email, name, avatar, flags, deleted,
			deletion_requested_at, deletion_reason, created_at, updated_at
			FROM %s WHERE %s = $1`, s.accountsTable(), column),
		value,
	).Scan(&a.ID, &a.ProviderID, &a.Email, &a.Name, &a.Avatar, &flags, &a.Deleted,
		&a.DeletionRequestedAt, &a.DeletionReason, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Account{}, fmt.Errorf("%w: account %s=%q", creditgate.ErrNotFound, column, value)
	}
	if err != nil {
		return creditgate.Account{}, unavailable("query account", err)
	}
	a.Flags = creditgate.Flags(flags)
	return a, nil
}

// Load returns the billing row for an account.
func (s *Store) Load(ctx context.Context, accountID string) (creditgate.Billing, error) {
	var b creditgate.Billing
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, account_id, credits, total_spent_usd, created_at, updated_at
			FROM %s WHERE account_id = $1`, s.billingsTable()),
		accountID,
	).Scan(&b.ID, &b.AccountID, &b.Credits, &b.TotalSpentUSD, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Billing{}, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}
	if err != nil {
		return creditgate.Billing{}, unavailable("load", err)
	}
	return b, nil
}

// Debit subtracts amount in a single conditional update.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/postgres: negative debit %d", amount)
	}

	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s
			SET credits = credits - $1, total_spent_usd = total_spent_usd + $2, updated_at = $3
			WHERE account_id = $4 AND credits >= $1
			RETURNING credits`, s.billingsTable()),
		amount, float64(amount)*s.creditPrice, s.now().UTC(), accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.classifyMiss(ctx, accountID)
	}
	if err != nil {
		return 0, unavailable("debit", err)
	}
	return balance, nil
}

// classifyMiss tells a missing row apart from an insufficient balance
// after a conditional update matched nothing.
func (s *Store) classifyMiss(ctx context.Context, accountID string) (int64, error) {
	var credits int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT credits FROM %s WHERE account_id = $1`, s.billingsTable()),
		accountID,
	).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
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
		return 0, fmt.Errorf("creditgate/postgres: negative credit %d", amount)
	}

	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s
			SET credits = credits + $1, total_spent_usd = GREATEST(total_spent_usd - $2, 0), updated_at = $3
			WHERE account_id = $4
			RETURNING credits`, s.billingsTable()),
		amount, float64(amount)*s.creditPrice, s.now().UTC(), accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: billing for account %q", creditgate.ErrNotFound, accountID)
	}
	if err != nil {
		return 0, unavailable("credit", err)
	}
	return balance, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func unavailable(op string, err error) error {
	return fmt.Errorf("creditgate/postgres: %s: %w: %w", op, creditgate.ErrLedgerUnavailable, err)
}

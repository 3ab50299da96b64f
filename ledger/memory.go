// Package ledger provides an in-memory creditgate.Store.
//
// Backends for shared deployments live in the postgres, redis and sqlite
// subpackages.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/creditgate"
)

// MemoryStore is an in-memory Store. Each account has its own lock so that
// mutations on one account are serialized while different accounts
// proceed in parallel.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*entry
	byProvider  map[string]string // provider id -> account id
	creditPrice float64
	now         func() time.Time
}

type entry struct {
	mu      sync.Mutex
	account creditgate.Account
	billing creditgate.Billing
}

var _ creditgate.Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCreditPrice sets the USD value of one credit used to track spend
// (default creditgate.DefaultCreditPriceUSD).
func WithCreditPrice(usd float64) MemoryOption {
	return func(s *MemoryStore) { s.creditPrice = usd }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		accounts:    make(map[string]*entry),
		byProvider:  make(map[string]string),
		creditPrice: creditgate.DefaultCreditPriceUSD,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) get(accountID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", creditgate.ErrNotFound, accountID)
	}
	return e, nil
}

// CreateAccount inserts an account and its billing row.
func (s *MemoryStore) CreateAccount(_ context.Context, account creditgate.Account, billing creditgate.Billing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byProvider[account.ProviderID]; ok {
		return creditgate.ErrAccountExists
	}
	if _, ok := s.accounts[account.ID]; ok {
		return creditgate.ErrAccountExists
	}

	billing.AccountID = account.ID
	s.accounts[account.ID] = &entry{account: account, billing: billing}
	s.byProvider[account.ProviderID] = account.ID
	return nil
}

// AccountByID returns the account with the given id.
func (s *MemoryStore) AccountByID(_ context.Context, id string) (creditgate.Account, error) {
	e, err := s.get(id)
	if err != nil {
		return creditgate.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account, nil
}

// AccountByProviderID returns the account registered for a provider id.
func (s *MemoryStore) AccountByProviderID(ctx context.Context, providerID string) (creditgate.Account, error) {
	s.mu.RLock()
	id, ok := s.byProvider[providerID]
	s.mu.RUnlock()
	if !ok {
		return creditgate.Account{}, fmt.Errorf("%w: provider id %q", creditgate.ErrNotFound, providerID)
	}
	return s.AccountByID(ctx, id)
}

// Load returns the billing row for an account.
func (s *MemoryStore) Load(_ context.Context, accountID string) (creditgate.Billing, error) {
	e, err := s.get(accountID)
	if err != nil {
		return creditgate.Billing{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.billing, nil
}

// Debit subtracts amount if the balance covers it.
func (s *MemoryStore) Debit(_ context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/memory: negative debit %d", amount)
	}
	e, err := s.get(accountID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if amount > e.billing.Credits {
		return e.billing.Credits, creditgate.ErrInsufficientCredits
	}

	e.billing.Credits -= amount
	e.billing.TotalSpentUSD += float64(amount) * s.creditPrice
	e.billing.UpdatedAt = s.now().UTC()
	return e.billing.Credits, nil
}

// Credit adds amount back to the balance.
func (s *MemoryStore) Credit(_ context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("creditgate/memory: negative credit %d", amount)
	}
	e, err := s.get(accountID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.billing.Credits += amount
	e.billing.TotalSpentUSD -= float64(amount) * s.creditPrice
	if e.billing.TotalSpentUSD < 0 {
		e.billing.TotalSpentUSD = 0
	}
	e.billing.UpdatedAt = s.now().UTC()
	return e.billing.Credits, nil
}

// SetCredits overwrites an account's balance. Intended for seeding and
// administrative top-ups.
func (s *MemoryStore) SetCredits(accountID string, credits int64) error {
	e, err := s.get(accountID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.billing.Credits = credits
	e.billing.UpdatedAt = s.now().UTC()
	return nil
}

// Package ledgertest is a behavioural test suite shared by every
// creditgate.Store backend.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) creditgate.Store

// Seed creates an account with the given balance and returns its id.
func Seed(t *testing.T, s creditgate.Store, providerID string, credits int64) string {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	accountID := "acct_" + providerID
	err := s.CreateAccount(context.Background(),
		creditgate.Account{
			ID:         accountID,
			ProviderID: providerID,
			Email:      providerID + "@example.com",
			Name:       "Test " + providerID,
			Flags:      creditgate.FlagVerified,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		creditgate.Billing{
			ID:        "bill_" + providerID,
			AccountID: accountID,
			Credits:   credits,
			CreatedAt: now,
			UpdatedAt: now,
		},
	)
	require.NoError(t, err)
	return accountID
}

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, newStore(t)) })
	t.Run("DuplicateProvider", func(t *testing.T) { testDuplicateProvider(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("DebitThenCredit", func(t *testing.T) { testDebitThenCredit(t, newStore(t)) })
	t.Run("InsufficientCredits", func(t *testing.T) { testInsufficientCredits(t, newStore(t)) })
	t.Run("ConcurrentOverdraw", func(t *testing.T) { testConcurrentOverdraw(t, newStore(t)) })
	t.Run("ConcurrentDrain", func(t *testing.T) { testConcurrentDrain(t, newStore(t)) })
	t.Run("AccountsIndependent", func(t *testing.T) { testAccountsIndependent(t, newStore(t)) })
}

func testCreateAndLoad(t *testing.T, s creditgate.Store) {
	ctx := context.Background()
	id := Seed(t, s, "g-100", 5)

	acct, err := s.AccountByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "g-100", acct.ProviderID)
	assert.Equal(t, "g-100@example.com", acct.Email)
	assert.True(t, acct.Flags.Has(creditgate.FlagVerified))
	assert.False(t, acct.Deleted)

	byProvider, err := s.AccountByProviderID(ctx, "g-100")
	require.NoError(t, err)
	assert.Equal(t, id, byProvider.ID)

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, billing.AccountID)
	assert.Equal(t, int64(5), billing.Credits)
	assert.Zero(t, billing.TotalSpentUSD)
}

func testDuplicateProvider(t *testing.T, s creditgate.Store) {
	Seed(t, s, "g-dup", 5)

	now := time.Now().UTC()
	err := s.CreateAccount(context.Background(),
		creditgate.Account{ID: "acct_other", ProviderID: "g-dup", CreatedAt: now, UpdatedAt: now},
		creditgate.Billing{ID: "bill_other", AccountID: "acct_other", Credits: 5, CreatedAt: now, UpdatedAt: now},
	)
	assert.ErrorIs(t, err, creditgate.ErrAccountExists)
}

func testNotFound(t *testing.T, s creditgate.Store) {
	ctx := context.Background()

	_, err := s.AccountByID(ctx, "acct_missing")
	assert.ErrorIs(t, err, creditgate.ErrNotFound)

	_, err = s.AccountByProviderID(ctx, "missing")
	assert.ErrorIs(t, err, creditgate.ErrNotFound)

	_, err = s.Load(ctx, "acct_missing")
	assert.ErrorIs(t, err, creditgate.ErrNotFound)

	_, err = s.Debit(ctx, "acct_missing", 1)
	assert.ErrorIs(t, err, creditgate.ErrNotFound)

	_, err = s.Credit(ctx, "acct_missing", 1)
	assert.ErrorIs(t, err, creditgate.ErrNotFound)
}

func testDebitThenCredit(t *testing.T, s creditgate.Store) {
	ctx := context.Background()
	id := Seed(t, s, "g-comp", 5)

	balance, err := s.Debit(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), billing.Credits)
	assert.InDelta(t, 2*creditgate.DefaultCreditPriceUSD, billing.TotalSpentUSD, 1e-9)

	balance, err = s.Credit(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	billing, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), billing.Credits)
	assert.InDelta(t, 0, billing.TotalSpentUSD, 1e-9)
}

func testInsufficientCredits(t *testing.T, s creditgate.Store) {
	ctx := context.Background()
	id := Seed(t, s, "g-poor", 3)

	_, err := s.Debit(ctx, id, 4)
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredits)

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), billing.Credits, "failed debit must not change the balance")

	balance, err := s.Debit(ctx, id, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance, "debit of the exact balance is allowed")
}

// Two concurrent debit(6) against a balance of 10: exactly one wins.
func testConcurrentOverdraw(t *testing.T, s creditgate.Store) {
	ctx := context.Background()
	id := Seed(t, s, "g-race", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.Debit(ctx, id, 6)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, creditgate.ErrInsufficientCredits):
			insufficient++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), billing.Credits)
}

func testConcurrentDrain(t *testing.T, s creditgate.Store) {
	ctx := context.Background()
	id := Seed(t, s, "g-drain", 10)

	var wg sync.WaitGroup
	var successCount atomic.Int64
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Debit(ctx, id, 1); err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), successCount.Load())

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), billing.Credits, "balance never goes negative")
}

func testAccountsIndependent(t *testing.T, s creditgate.Store) {
	ctx := context.Background()
	ids := make([]string, 4)
	for i := range ids {
		ids[i] = Seed(t, s, fmt.Sprintf("g-ind-%d", i), 100)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for range 10 {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.Debit(ctx, id, 3)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		billing, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(70), billing.Credits)
	}
}

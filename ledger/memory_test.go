package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/ledger"
	"github.com/ineyio/creditgate/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) creditgate.Store {
		return ledger.NewMemoryStore()
	})
}

func TestMemoryStore_NegativeAmounts(t *testing.T) {
	s := ledger.NewMemoryStore()
	id := ledgertest.Seed(t, s, "g-neg", 5)
	ctx := context.Background()

	_, err := s.Debit(ctx, id, -1)
	assert.Error(t, err)
	_, err = s.Credit(ctx, id, -1)
	assert.Error(t, err)

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), billing.Credits)
}

func TestMemoryStore_InsufficientReportsBalance(t *testing.T) {
	s := ledger.NewMemoryStore()
	id := ledgertest.Seed(t, s, "g-bal", 2)

	balance, err := s.Debit(context.Background(), id, 3)
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredits)
	assert.Equal(t, int64(2), balance)
}

func TestMemoryStore_CreditPrice(t *testing.T) {
	s := ledger.NewMemoryStore(ledger.WithCreditPrice(0.5))
	id := ledgertest.Seed(t, s, "g-price", 10)
	ctx := context.Background()

	_, err := s.Debit(ctx, id, 4)
	require.NoError(t, err)

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, billing.TotalSpentUSD, 1e-9)
}

func TestMemoryStore_SetCredits(t *testing.T) {
	s := ledger.NewMemoryStore()
	id := ledgertest.Seed(t, s, "g-topup", 0)

	require.NoError(t, s.SetCredits(id, 42))
	billing, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(42), billing.Credits)
	assert.WithinDuration(t, time.Now(), billing.UpdatedAt, time.Minute)

	assert.ErrorIs(t, s.SetCredits("acct_missing", 1), creditgate.ErrNotFound)
}

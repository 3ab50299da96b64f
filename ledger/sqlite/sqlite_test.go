package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/ledger/ledgertest"
	"github.com/ineyio/creditgate/ledger/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "creditgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) creditgate.Store {
		return newTestStore(t)
	})
}

func TestReopenKeepsBalances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditgate.db")
	ctx := context.Background()

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	id := ledgertest.Seed(t, s, "g-persist", 5)
	_, err = s.Debit(ctx, id, 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close()

	billing, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), billing.Credits)

	acct, err := s.AccountByProviderID(ctx, "g-persist")
	require.NoError(t, err)
	assert.Equal(t, id, acct.ID)
	assert.Nil(t, acct.DeletionRequestedAt)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Debit(context.Background(), "acct_x", 1)
	assert.ErrorIs(t, err, creditgate.ErrLedgerUnavailable)
}

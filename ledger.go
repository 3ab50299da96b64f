package creditgate

import "context"

// Ledger owns per-account credit balances.
//
// Debit and Credit are single atomic steps against the store. Concurrent
// mutations on one account are totally ordered; different accounts never
// contend with each other.
type Ledger interface {
	// Load returns the billing row for an account, or ErrNotFound.
	Load(ctx context.Context, accountID string) (Billing, error)

	// Debit subtracts amount from the balance and returns the new balance.
	// Returns ErrInsufficientCredits without changing anything if amount
	// exceeds the balance.
	Debit(ctx context.Context, accountID string, amount int64) (int64, error)

	// Credit adds amount back to the balance and returns the new balance.
	// It is the compensating inverse of Debit.
	Credit(ctx context.Context, accountID string, amount int64) (int64, error)
}

// AccountStore persists accounts together with their billing rows.
type AccountStore interface {
	// AccountByID returns the account or ErrNotFound.
	AccountByID(ctx context.Context, id string) (Account, error)

	// AccountByProviderID returns the account for an identity-provider id
	// or ErrNotFound.
	AccountByProviderID(ctx context.Context, providerID string) (Account, error)

	// CreateAccount inserts the account and its billing row in one step.
	// Returns ErrAccountExists if the provider id is already registered.
	CreateAccount(ctx context.Context, account Account, billing Billing) error
}

// Store is a record store backing both accounts and the ledger.
type Store interface {
	Ledger
	AccountStore
}

// DefaultCreditPriceUSD is the monetary value of one credit.
const DefaultCreditPriceUSD = 0.03

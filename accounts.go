package creditgate

import (
	"context"
	"errors"
	"fmt"
)

// LoginResult is returned after a successful identity-provider login.
type LoginResult struct {
	Token   string
	Account Account
	Created bool
}

// Login resolves an identity to an account, creating the account and its
// billing row with the starter grant on first login, and issues an access
// token for it.
func (g *Gate) Login(ctx context.Context, id Identity) (LoginResult, error) {
	if id.ProviderUserID == "" {
		return LoginResult{}, fmt.Errorf("%w: provider user id", ErrMissingField)
	}

	account, created, err := g.resolveAccount(ctx, id)
	if err != nil {
		return LoginResult{}, err
	}
	if account.Deleted {
		return LoginResult{}, ErrAccountDeleted
	}

	token, err := g.tokens.Issue(account.ID, account.ProviderID, TokenAccess, g.accessTTL, g.rateLimitHint)
	if err != nil {
		return LoginResult{}, fmt.Errorf("creditgate: issue token: %w", err)
	}

	return LoginResult{Token: token, Account: account, Created: created}, nil
}

func (g *Gate) resolveAccount(ctx context.Context, id Identity) (Account, bool, error) {
	account, err := g.store.AccountByProviderID(ctx, id.ProviderUserID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Account{}, false, err
	}

	account, billing, err := g.newAccount(id)
	if err != nil {
		return Account{}, false, err
	}

	err = g.store.CreateAccount(ctx, account, billing)
	if errors.Is(err, ErrAccountExists) {
		// Lost a race with a concurrent first login for the same identity.
		existing, lerr := g.store.AccountByProviderID(ctx, id.ProviderUserID)
		return existing, false, lerr
	}
	if err != nil {
		return Account{}, false, err
	}
	return account, true, nil
}

func (g *Gate) newAccount(id Identity) (Account, Billing, error) {
	accountID, err := newID(prefixAccount)
	if err != nil {
		return Account{}, Billing{}, err
	}
	billingID, err := newID(prefixBilling)
	if err != nil {
		return Account{}, Billing{}, err
	}

	now := g.now().UTC()
	var flags Flags
	if id.EmailVerified {
		flags = flags.Set(FlagVerified)
	}

	account := Account{
		ID:         accountID,
		ProviderID: id.ProviderUserID,
		Email:      id.Email,
		Name:       id.Name,
		Avatar:     id.Avatar,
		Flags:      flags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	billing := Billing{
		ID:        billingID,
		AccountID: accountID,
		Credits:   g.starterCredits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return account, billing, nil
}

// Me returns the authenticated caller's account and billing row.
func (g *Gate) Me(ctx context.Context, token string) (Account, Billing, error) {
	claims, err := g.Authenticate(token)
	if err != nil {
		return Account{}, Billing{}, err
	}

	account, err := g.store.AccountByID(ctx, claims.Subject)
	if err != nil {
		return Account{}, Billing{}, err
	}
	billing, err := g.store.Load(ctx, claims.Subject)
	if err != nil {
		return Account{}, Billing{}, err
	}
	return account, billing, nil
}

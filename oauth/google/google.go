// Package google exchanges Google OAuth authorization codes for verified
// identities using OpenID Connect discovery.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/oauth"
)

const (
	providerName = "google"
	// Issuer is Google's OpenID Connect issuer.
	Issuer = "https://accounts.google.com"
)

// Exchanger redeems Google authorization codes.
type Exchanger struct {
	oauthConfig *oauth2.Config
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

var _ oauth.Exchanger = (*Exchanger)(nil)

// Option configures the Exchanger.
type Option func(*options)

type options struct {
	issuer string
	logger *slog.Logger
}

// WithIssuer overrides the discovery issuer. Used to point at a test
// server.
func WithIssuer(issuer string) Option {
	return func(o *options) { o.issuer = issuer }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New runs OIDC discovery and builds an Exchanger for the client
// registration.
func New(ctx context.Context, clientID, clientSecret, redirectURL string, opts ...Option) (*Exchanger, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("creditgate/google: client_id and client_secret are required")
	}

	o := options{issuer: Issuer, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	provider, err := oidc.NewProvider(ctx, o.issuer)
	if err != nil {
		return nil, fmt.Errorf("creditgate/google: oidc discovery: %w", err)
	}

	return &Exchanger{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		logger:   o.logger,
	}, nil
}

// Name returns the provider identifier used by the registry.
func (e *Exchanger) Name() string { return providerName }

type profileClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange redeems code. The id_token is verified when Google returns one;
// otherwise the profile comes from the userinfo endpoint.
func (e *Exchanger) Exchange(ctx context.Context, code string) (creditgate.Identity, error) {
	if code == "" {
		return creditgate.Identity{}, fmt.Errorf("%w: code", creditgate.ErrMissingField)
	}

	tok, err := e.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return creditgate.Identity{}, fmt.Errorf("%w: google token exchange: %v", creditgate.ErrIdentityExchange, err)
	}

	var claims profileClaims
	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := e.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return creditgate.Identity{}, fmt.Errorf("%w: google id_token verification: %v", creditgate.ErrIdentityExchange, err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return creditgate.Identity{}, fmt.Errorf("%w: google id_token claims: %v", creditgate.ErrIdentityExchange, err)
		}
	} else {
		info, err := e.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
		if err != nil {
			return creditgate.Identity{}, fmt.Errorf("%w: google userinfo: %v", creditgate.ErrIdentityExchange, err)
		}
		if err := info.Claims(&claims); err != nil {
			return creditgate.Identity{}, fmt.Errorf("%w: google userinfo claims: %v", creditgate.ErrIdentityExchange, err)
		}
		claims.Subject = info.Subject
		claims.Email = info.Email
		claims.EmailVerified = info.EmailVerified
	}

	if claims.Subject == "" {
		return creditgate.Identity{}, fmt.Errorf("%w: google identity missing sub", creditgate.ErrIdentityExchange)
	}

	e.logger.DebugContext(ctx, "google identity verified",
		"email_present", claims.Email != "",
		"email_verified", claims.EmailVerified,
	)

	return creditgate.Identity{
		Provider:       providerName,
		ProviderUserID: claims.Subject,
		Email:          claims.Email,
		EmailVerified:  claims.EmailVerified,
		Name:           claims.Name,
		Avatar:         claims.Picture,
	}, nil
}

// Package token issues and verifies the signed identity tokens that
// authenticate callers. Tokens are JWTs signed with RS256 or ES256K.
// Verification only needs the public key and never touches the store.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ineyio/creditgate"
)

// Supported algorithms.
const (
	AlgRS256  = "RS256"
	AlgES256K = "ES256K"
)

// Authenticator signs and verifies identity tokens.
type Authenticator struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	leeway    time.Duration
	now       func() time.Time
}

var _ creditgate.Tokens = (*Authenticator)(nil)

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithIssuer sets the iss claim written on issue and required on verify.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) { a.issuer = issuer }
}

// WithLeeway tolerates clock skew when checking exp and iat.
func WithLeeway(d time.Duration) Option {
	return func(a *Authenticator) { a.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// NewRS256 creates an Authenticator using RSA keys. priv may be nil for a
// verify-only instance.
func NewRS256(priv *rsa.PrivateKey, pub *rsa.PublicKey, opts ...Option) (*Authenticator, error) {
	if pub == nil {
		return nil, errors.New("creditgate/token: public key is required")
	}
	var signKey any
	if priv != nil {
		signKey = priv
	}
	return newAuthenticator(jwt.SigningMethodRS256, signKey, pub, opts), nil
}

// NewES256K creates an Authenticator using secp256k1 keys. priv may be nil
// for a verify-only instance.
func NewES256K(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey, opts ...Option) (*Authenticator, error) {
	if pub == nil {
		return nil, errors.New("creditgate/token: public key is required")
	}
	var signKey any
	if priv != nil {
		signKey = priv
	}
	return newAuthenticator(SigningMethodES256K, signKey, pub, opts), nil
}

func newAuthenticator(method jwt.SigningMethod, signKey, verifyKey any, opts []Option) *Authenticator {
	a := &Authenticator{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoadFiles builds an Authenticator from key files. RS256 keys are PEM
// (PKCS#1 or PKCS#8 private, PKIX public); ES256K keys are hex.
func LoadFiles(alg, privateKeyFile, publicKeyFile string, opts ...Option) (*Authenticator, error) {
	privData, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("creditgate/token: read private key: %w", err)
	}
	pubData, err := os.ReadFile(publicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("creditgate/token: read public key: %w", err)
	}

	switch alg {
	case AlgRS256:
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privData)
		if err != nil {
			return nil, fmt.Errorf("creditgate/token: parse RSA private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pubData)
		if err != nil {
			return nil, fmt.Errorf("creditgate/token: parse RSA public key: %w", err)
		}
		return NewRS256(priv, pub, opts...)
	case AlgES256K:
		priv, err := ParseSecp256k1PrivateKey(string(privData))
		if err != nil {
			return nil, err
		}
		pub, err := ParseSecp256k1PublicKey(string(pubData))
		if err != nil {
			return nil, err
		}
		return NewES256K(priv, pub, opts...)
	default:
		return nil, fmt.Errorf("creditgate/token: unsupported algorithm %q", alg)
	}
}

// Alg returns the signing algorithm name.
func (a *Authenticator) Alg() string { return a.method.Alg() }

type tokenClaims struct {
	ProviderID         string               `json:"provider_id"`
	Type               creditgate.TokenType `json:"type"`
	MaxRequestsPerHour int                  `json:"max_requests_per_hour,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for the account.
func (a *Authenticator) Issue(accountID, providerID string, kind creditgate.TokenType, ttl time.Duration, rateLimitHint int) (string, error) {
	if a.signKey == nil {
		return "", errors.New("creditgate/token: authenticator has no private key")
	}
	if accountID == "" || providerID == "" {
		return "", fmt.Errorf("%w: account and provider id", creditgate.ErrMissingField)
	}
	if kind != creditgate.TokenAccess && kind != creditgate.TokenRefresh {
		return "", fmt.Errorf("creditgate/token: unknown token type %q", kind)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("creditgate/token: ttl must be positive, got %s", ttl)
	}

	// Whole seconds, so exp > iat survives NumericDate truncation.
	now := a.now().Truncate(time.Second)
	claims := tokenClaims{
		ProviderID:         providerID,
		Type:               kind,
		MaxRequestsPerHour: rateLimitHint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl).Truncate(time.Second)),
		},
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Second))
	}

	signed, err := jwt.NewWithClaims(a.method, claims).SignedString(a.signKey)
	if err != nil {
		return "", fmt.Errorf("creditgate/token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm, expiry and required claims.
func (a *Authenticator) Verify(raw string) (creditgate.Claims, error) {
	if raw == "" {
		return creditgate.Claims{}, creditgate.ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return a.verifyKey, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return creditgate.Claims{}, fmt.Errorf("%w: %v", creditgate.ErrExpiredToken, err)
	}
	if err != nil {
		return creditgate.Claims{}, fmt.Errorf("%w: %v", creditgate.ErrInvalidToken, err)
	}

	if err := checkClaims(&tc); err != nil {
		return creditgate.Claims{}, err
	}

	return creditgate.Claims{
		Subject:            tc.Subject,
		ProviderID:         tc.ProviderID,
		Type:               tc.Type,
		IssuedAt:           tc.IssuedAt.Unix(),
		ExpiresAt:          tc.ExpiresAt.Unix(),
		MaxRequestsPerHour: tc.MaxRequestsPerHour,
	}, nil
}

func checkClaims(tc *tokenClaims) error {
	switch {
	case tc.Subject == "":
		return fmt.Errorf("%w: missing sub", creditgate.ErrInvalidToken)
	case tc.ProviderID == "":
		return fmt.Errorf("%w: missing provider_id", creditgate.ErrInvalidToken)
	case tc.Type != creditgate.TokenAccess && tc.Type != creditgate.TokenRefresh:
		return fmt.Errorf("%w: bad type %s", creditgate.ErrInvalidToken, strconv.Quote(string(tc.Type)))
	case tc.IssuedAt == nil:
		return fmt.Errorf("%w: missing iat", creditgate.ErrInvalidToken)
	case !tc.ExpiresAt.After(tc.IssuedAt.Time):
		return fmt.Errorf("%w: exp not after iat", creditgate.ErrInvalidToken)
	}
	return nil
}

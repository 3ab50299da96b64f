package google_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/oauth/google"
)

const clientID = "client-123"

type fakeGoogle struct {
	srv        *httptest.Server
	key        *rsa.PrivateKey
	signKey    *rsa.PrivateKey
	withIDTok  bool
	failToken  bool
	tokenCalls int
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := &fakeGoogle{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                f.srv.URL,
			"authorization_endpoint":                f.srv.URL + "/auth",
			"token_endpoint":                        f.srv.URL + "/token",
			"userinfo_endpoint":                     f.srv.URL + "/userinfo",
			"jwks_uri":                              f.srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(f.key.N.Bytes()),
			"e":   "AQAB",
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls++
		if f.failToken || r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		resp := map[string]any{"access_token": "at-1", "token_type": "Bearer", "expires_in": 3600}
		if f.withIDTok {
			resp["id_token"] = f.idToken(t)
		}
		writeJSON(w, resp)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"sub":            "google-sub-1",
			"email":          "ada@example.com",
			"email_verified": true,
			"name":           "Ada",
			"picture":        "https://example.com/ada.png",
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) idToken(t *testing.T) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            f.srv.URL,
		"aud":            clientID,
		"sub":            "google-sub-2",
		"email":          "grace@example.com",
		"email_verified": false,
		"name":           "Grace",
		"picture":        "https://example.com/grace.png",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	signKey := f.key
	if f.signKey != nil {
		signKey = f.signKey
	}
	raw, err := tok.SignedString(signKey)
	require.NoError(t, err)
	return raw
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newExchanger(t *testing.T, f *fakeGoogle) *google.Exchanger {
	t.Helper()
	e, err := google.New(context.Background(), clientID, "secret", "http://localhost/cb", google.WithIssuer(f.srv.URL))
	require.NoError(t, err)
	return e
}

// Test 1: without an id_token the profile comes from userinfo.
func TestExchange_UserInfo(t *testing.T) {
	f := newFakeGoogle(t)
	e := newExchanger(t, f)
	assert.Equal(t, "google", e.Name())

	id, err := e.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, creditgate.Identity{
		Provider:       "google",
		ProviderUserID: "google-sub-1",
		Email:          "ada@example.com",
		EmailVerified:  true,
		Name:           "Ada",
		Avatar:         "https://example.com/ada.png",
	}, id)
}

// Test 2: a returned id_token is verified against the JWKS and used.
func TestExchange_IDToken(t *testing.T) {
	f := newFakeGoogle(t)
	f.withIDTok = true
	e := newExchanger(t, f)

	id, err := e.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "google-sub-2", id.ProviderUserID)
	assert.Equal(t, "Grace", id.Name)
	assert.False(t, id.EmailVerified)
}

// Test 3: a rejected code is an exchange failure.
func TestExchange_BadCode(t *testing.T) {
	f := newFakeGoogle(t)
	e := newExchanger(t, f)

	_, err := e.Exchange(context.Background(), "bad-code")
	assert.ErrorIs(t, err, creditgate.ErrIdentityExchange)

	_, err = e.Exchange(context.Background(), "")
	assert.ErrorIs(t, err, creditgate.ErrMissingField)
	assert.Equal(t, 1, f.tokenCalls)
}

// Test 4: an id_token signed by another key is rejected.
func TestExchange_ForgedIDToken(t *testing.T) {
	f := newFakeGoogle(t)
	f.withIDTok = true
	e := newExchanger(t, f)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f.signKey = other

	_, err = e.Exchange(context.Background(), "good-code")
	assert.ErrorIs(t, err, creditgate.ErrIdentityExchange)
}

func TestNew_Validation(t *testing.T) {
	_, err := google.New(context.Background(), "", "", "")
	assert.Error(t, err)

	_, err = google.New(context.Background(), clientID, "secret", "", google.WithIssuer("http://127.0.0.1:1"))
	assert.Error(t, err)
}

package httpapi_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/httpapi"
	"github.com/ineyio/creditgate/invoker/mock"
	"github.com/ineyio/creditgate/ledger"
	"github.com/ineyio/creditgate/oauth"
	"github.com/ineyio/creditgate/token"
)

type envelope struct {
	Success string             `json:"success"`
	Message string             `json:"message"`
	Data    json.RawMessage    `json:"data"`
	Errors  []httpapi.APIError `json:"errors"`
}

type stubExchanger struct {
	identity creditgate.Identity
	err      error
}

func (s *stubExchanger) Name() string { return "google" }

func (s *stubExchanger) Exchange(_ context.Context, code string) (creditgate.Identity, error) {
	if s.err != nil {
		return creditgate.Identity{}, s.err
	}
	return s.identity, nil
}

// failingCreditStore refunds nothing, forcing a reconciliation anomaly.
type failingCreditStore struct {
	*ledger.MemoryStore
}

func (s failingCreditStore) Credit(context.Context, string, int64) (int64, error) {
	return 0, creditgate.ErrLedgerUnavailable
}

type harness struct {
	server   *httpapi.Server
	store    *ledger.MemoryStore
	invoker  *mock.Invoker
	tokens   *token.Authenticator
	key      *rsa.PrivateKey
	exchange *stubExchanger
}

type harnessOpts struct {
	invoker  *mock.Invoker
	store    creditgate.Store
	limiter  *httpapi.IPLimiter
	bodySize int
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens, err := token.NewRS256(key, &key.PublicKey)
	require.NoError(t, err)

	mem := ledger.NewMemoryStore()
	var store creditgate.Store = mem
	if ho.store != nil {
		store = ho.store
		if fs, ok := ho.store.(failingCreditStore); ok {
			mem = fs.MemoryStore
		}
	}
	inv := ho.invoker
	if inv == nil {
		inv = mock.New()
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate, err := creditgate.NewGate(tokens, store, inv,
		creditgate.WithModel("test-model"),
		creditgate.WithAlerter(noopAlerter{}),
	)
	require.NoError(t, err)

	exch := &stubExchanger{identity: creditgate.Identity{
		Provider:       "google",
		ProviderUserID: "g-42",
		Email:          "ada@example.com",
		EmailVerified:  true,
		Name:           "Ada",
	}}

	opts := []httpapi.Option{httpapi.WithLogger(quiet)}
	if ho.limiter != nil {
		opts = append(opts, httpapi.WithLimiter(ho.limiter))
	}
	if ho.bodySize > 0 {
		opts = append(opts, httpapi.WithBodyLimit(ho.bodySize))
	}

	return &harness{
		server:   httpapi.New(gate, oauth.NewRegistry(exch), opts...),
		store:    mem,
		invoker:  inv,
		tokens:   tokens,
		key:      key,
		exchange: exch,
	}
}

type noopAlerter struct{}

func (noopAlerter) Alert(context.Context, *creditgate.ReconciliationAnomaly) error { return nil }

func (h *harness) do(t *testing.T, method, path, bearer string, form url.Values) (int, envelope) {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := h.server.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	status, env := h.do(t, http.MethodPost, "/api/oauth/access/google", "", url.Values{"code": {"abc"}})
	require.Equal(t, http.StatusOK, status, env.Message)
	var tok string
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	return tok
}

func (h *harness) credits(t *testing.T) int64 {
	t.Helper()
	acct, err := h.store.AccountByProviderID(context.Background(), "g-42")
	require.NoError(t, err)
	billing, err := h.store.Load(context.Background(), acct.ID)
	require.NoError(t, err)
	return billing.Credits
}

func assertError(t *testing.T, env envelope, id, message string) {
	t.Helper()
	assert.Equal(t, "error", env.Success)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, id, env.Errors[0].ErrorID)
	if message != "" {
		assert.Equal(t, message, env.Errors[0].Message)
		assert.Equal(t, message, env.Message)
	}
}

// Test 1: first login creates the account with starter credits; the
// second reuses it.
func TestLoginAndMe(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tok := h.login(t)
	assert.NotEmpty(t, tok)
	h.login(t)

	status, env := h.do(t, http.MethodGet, "/api/accounts/@me", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", env.Success)
	assert.Equal(t, "Account found", env.Message)
	assert.Empty(t, env.Errors)

	var me struct {
		Account creditgate.Account `json:"account"`
		Billing creditgate.Billing `json:"billing"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "g-42", me.Account.ProviderID)
	assert.True(t, me.Account.Flags.Has(creditgate.FlagVerified))
	assert.Equal(t, int64(5), me.Billing.Credits)
	assert.Contains(t, string(env.Data), `"google_id":"g-42"`)
}

// Test 2: login failures.
func TestLogin_Errors(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	status, env := h.do(t, http.MethodPost, "/api/oauth/access/google", "", url.Values{})
	assert.Equal(t, http.StatusBadRequest, status)
	assertError(t, env, httpapi.IDBadRequest, "No code provided")

	status, env = h.do(t, http.MethodPost, "/api/oauth/access/myspace", "", url.Values{"code": {"abc"}})
	assert.Equal(t, http.StatusNotFound, status)
	assertError(t, env, httpapi.IDNotFound, "")

	h.exchange.err = creditgate.ErrIdentityExchange
	status, env = h.do(t, http.MethodPost, "/api/oauth/access/google", "", url.Values{"code": {"abc"}})
	assert.Equal(t, http.StatusUnauthorized, status)
	assertError(t, env, httpapi.IDUnauthorized, "")
}

// Test 3: the validate route reports claims and classifies token problems.
func TestValidate(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tok := h.login(t)

	status, env := h.do(t, http.MethodGet, "/api/oauth/validate", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Token is valid", env.Message)
	var claims creditgate.Claims
	require.NoError(t, json.Unmarshal(env.Data, &claims))
	assert.Equal(t, "g-42", claims.ProviderID)
	assert.Equal(t, creditgate.TokenAccess, claims.Type)

	status, env = h.do(t, http.MethodGet, "/api/oauth/validate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assertError(t, env, httpapi.IDUnauthorized, "No bearer token provided")

	status, env = h.do(t, http.MethodGet, "/api/oauth/validate", tok+"x", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assertError(t, env, httpapi.IDInvalidToken, "Invalid token")

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/validate", nil)
	req.Header.Set("Authorization", "Token "+tok)
	resp, err := h.server.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	past, err := token.NewRS256(h.key, &h.key.PublicKey, token.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	require.NoError(t, err)
	expired, err := past.Issue("acct_x", "g-42", creditgate.TokenAccess, time.Hour, 0)
	require.NoError(t, err)
	status, env = h.do(t, http.MethodGet, "/api/oauth/validate", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assertError(t, env, httpapi.IDExpiredToken, "Token has expired")
}

// Test 4: a successful summarize charges one credit and reports it.
func TestSummarize(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tok := h.login(t)

	status, env := h.do(t, http.MethodPost, "/api/services/summarize", tok,
		url.Values{"kind": {"plain"}, "text": {"The quick brown fox jumps over the lazy dog."}})
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Equal(t, "OK", env.Message)

	var result map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "Summary from mock invoker", result["message"])
	assert.Equal(t, "test-model", result["model"])
	assert.EqualValues(t, 1, result["operation_cost_in_credits"])
	assert.InDelta(t, 0.03, result["operation_cost_in_usd"], 1e-9)
	assert.EqualValues(t, 4, result["remaining_credits"])
	assert.InDelta(t, 11.0, result["tokens_processed"], 1e-9)

	assert.Equal(t, int64(4), h.credits(t))
	assert.Equal(t, int64(1), h.invoker.CallCount())
}

// Test 5: form validation messages, with no charge and no invocation.
func TestSummarize_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tok := h.login(t)

	cases := []struct {
		form    url.Values
		status  int
		id      string
		message string
	}{
		{url.Values{"text": {"hi"}}, http.StatusBadRequest, httpapi.IDBadRequest, "No kind provided"},
		{url.Values{"kind": {"plain"}}, http.StatusBadRequest, httpapi.IDBadRequest, "No text provided"},
		{url.Values{"kind": {"plain"}, "text": {"   "}}, http.StatusBadRequest, httpapi.IDBadRequest, "No text provided"},
		{url.Values{"kind": {"poem"}, "text": {"hi"}}, http.StatusBadRequest, httpapi.IDBadRequest, "Invalid kind"},
		{url.Values{"kind": {"plain"}, "text": {strings.Repeat("a", 131073)}}, http.StatusUnprocessableEntity, httpapi.IDUnprocessable, "Text too long"},
	}
	for _, tc := range cases {
		status, env := h.do(t, http.MethodPost, "/api/services/summarize", tok, tc.form)
		assert.Equal(t, tc.status, status)
		assertError(t, env, tc.id, tc.message)
	}

	assert.Equal(t, int64(5), h.credits(t))
	assert.Zero(t, h.invoker.CallCount())
}

// Test 6: a bad token wins over a bad form.
func TestSummarize_AuthBeforeForm(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	status, env := h.do(t, http.MethodPost, "/api/services/summarize", "garbage", url.Values{})
	assert.Equal(t, http.StatusUnauthorized, status)
	assertError(t, env, httpapi.IDInvalidToken, "")
}

// Test 7: an invoker failure is refunded.
func TestSummarize_InvokerFailureRefunds(t *testing.T) {
	h := newHarness(t, harnessOpts{invoker: mock.New(mock.WithError(creditgate.ErrExecution))})
	tok := h.login(t)

	status, env := h.do(t, http.MethodPost, "/api/services/summarize", tok,
		url.Values{"kind": {"json"}, "text": {"hello"}})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assertError(t, env, httpapi.IDServiceUnavailable, "Error executing request")
	assert.Equal(t, int64(5), h.credits(t))
}

// Test 8: insufficient credits is forbidden and never invokes.
func TestSummarize_InsufficientCredits(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	tok := h.login(t)
	acct, err := h.store.AccountByProviderID(context.Background(), "g-42")
	require.NoError(t, err)
	require.NoError(t, h.store.SetCredits(acct.ID, 0))

	status, env := h.do(t, http.MethodPost, "/api/services/summarize", tok,
		url.Values{"kind": {"html"}, "text": {"hello"}})
	assert.Equal(t, http.StatusForbidden, status)
	assertError(t, env, httpapi.IDForbidden, "Insufficient credits")
	assert.Zero(t, h.invoker.CallCount())
}

// Test 9: a failed refund surfaces only a generic error.
func TestSummarize_ReconciliationIsGeneric(t *testing.T) {
	mem := ledger.NewMemoryStore()
	h := newHarness(t, harnessOpts{
		store:   failingCreditStore{mem},
		invoker: mock.New(mock.WithError(errors.New("upstream exploded"))),
	})
	tok := h.login(t)

	status, env := h.do(t, http.MethodPost, "/api/services/summarize", tok,
		url.Values{"kind": {"pdf"}, "text": {"hello"}})
	assert.Equal(t, http.StatusInternalServerError, status)
	assertError(t, env, httpapi.IDInternalServerError, "Error executing request")
	assert.NotContains(t, env.Message, "exploded")
	assert.Equal(t, int64(4), h.credits(t))
}

// Test 10: admission control rejects before authentication.
func TestRateLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{limiter: httpapi.NewIPLimiter(2, time.Minute, 2)})

	for range 2 {
		status, _ := h.do(t, http.MethodGet, "/api/oauth/validate", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, env := h.do(t, http.MethodGet, "/api/oauth/validate", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assertError(t, env, httpapi.IDTooManyRequests, "")
}

// Test 11: bodies over the limit are rejected.
func TestBodyLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{bodySize: 1024})
	tok := h.login(t)

	status, env := h.do(t, http.MethodPost, "/api/services/summarize", tok,
		url.Values{"kind": {"plain"}, "text": {strings.Repeat("a", 4096)}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "error", env.Success)
	assert.Equal(t, int64(5), h.credits(t))
}

// Test 12: unknown routes use the envelope.
func TestNotFoundRoute(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	status, env := h.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assertError(t, env, httpapi.IDNotFound, "")
}

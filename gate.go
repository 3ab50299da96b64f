package creditgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenIssuer signs identity tokens.
type TokenIssuer interface {
	Issue(accountID, providerID string, kind TokenType, ttl time.Duration, rateLimitHint int) (string, error)
}

// TokenVerifier verifies identity tokens without consulting any store.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

// Tokens issues and verifies identity tokens.
type Tokens interface {
	TokenIssuer
	TokenVerifier
}

// Gate is the metered front door: it authenticates callers, charges them
// for work in credits and invokes the external service, refunding the
// charge when the service fails.
type Gate struct {
	tokens  Tokens
	store   Store
	invoker Invoker
	pricing Pricing

	model               string
	maxOutputTokens     int
	invokeTimeout       time.Duration
	compensationTimeout time.Duration

	starterCredits int64
	accessTTL      time.Duration
	rateLimitHint  int

	meter   Meter
	alerter Alerter
	health  *HealthTracker
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithPricing sets the price sheet.
func WithPricing(p Pricing) Option {
	return func(g *Gate) { g.pricing = p }
}

// WithModel sets the model requested from the invoker.
func WithModel(model string) Option {
	return func(g *Gate) { g.model = model }
}

// WithMaxOutputTokens bounds the invoker output.
func WithMaxOutputTokens(n int) Option {
	return func(g *Gate) { g.maxOutputTokens = n }
}

// WithInvokeTimeout bounds the wait for the invoker.
func WithInvokeTimeout(d time.Duration) Option {
	return func(g *Gate) { g.invokeTimeout = d }
}

// WithCompensationTimeout bounds the refund write after a failed call.
func WithCompensationTimeout(d time.Duration) Option {
	return func(g *Gate) { g.compensationTimeout = d }
}

// WithStarterCredits sets the balance granted on first login.
func WithStarterCredits(n int64) Option {
	return func(g *Gate) { g.starterCredits = n }
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(g *Gate) { g.accessTTL = d }
}

// WithRateLimitHint sets the max_requests_per_hour claim on issued tokens.
func WithRateLimitHint(n int) Option {
	return func(g *Gate) { g.rateLimitHint = n }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithAlerter sets where reconciliation anomalies are delivered.
func WithAlerter(a Alerter) Option {
	return func(g *Gate) { g.alerter = a }
}

// WithHealthTracker sets the invoker circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(g *Gate) { g.health = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// ConfigOptions translates a loaded Config into Gate options.
func ConfigOptions(cfg Config) []Option {
	return []Option{
		WithPricing(cfg.Pricing.Pricing()),
		WithModel(cfg.Invoker.Model),
		WithMaxOutputTokens(cfg.Pricing.MaxOutputTokens),
		WithInvokeTimeout(cfg.Invoker.Timeout.Std()),
		WithCompensationTimeout(cfg.Invoker.CompensationTimeout.Std()),
		WithStarterCredits(cfg.Pricing.StarterCredits),
		WithAccessTTL(cfg.Auth.AccessTTL.Std()),
		WithRateLimitHint(cfg.Auth.RateLimitHint),
	}
}

// NewGate creates a Gate. Defaults (DefaultPricing, DefaultModel, a
// logging alerter and no-op meter) are used unless overridden via options.
func NewGate(tokens Tokens, store Store, invoker Invoker, opts ...Option) (*Gate, error) {
	if tokens == nil {
		return nil, fmt.Errorf("creditgate: token service is required")
	}
	if store == nil {
		return nil, fmt.Errorf("creditgate: store is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("creditgate: invoker is required")
	}

	g := &Gate{
		tokens:              tokens,
		store:               store,
		invoker:             invoker,
		pricing:             DefaultPricing(),
		model:               DefaultModel,
		maxOutputTokens:     DefaultMaxOutputTokens,
		invokeTimeout:       60 * time.Second,
		compensationTimeout: 10 * time.Second,
		starterCredits:      DefaultStarterCredits,
		accessTTL:           30 * 24 * time.Hour,
		rateLimitHint:       512,
		now:                 time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	if err := g.pricing.Validate(); err != nil {
		return nil, err
	}
	if g.meter == nil {
		g.meter = &noopMeter{}
	}
	if g.alerter == nil {
		g.alerter = &logAlerter{logger: slog.Default()}
	}
	if g.health == nil {
		g.health = NewHealthTracker()
	}

	return g, nil
}

// Pricing returns the price sheet in use.
func (g *Gate) Pricing() Pricing { return g.pricing }

// Model returns the model requested from the invoker.
func (g *Gate) Model() string { return g.model }

// Authenticate verifies a bearer token and requires it to be an access
// token.
func (g *Gate) Authenticate(token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrMissingToken
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != TokenAccess {
		return Claims{}, fmt.Errorf("%w: %s token used for access", ErrInvalidToken, claims.Type)
	}
	return claims, nil
}

// Summarize runs one metered summarize call:
// authenticate, price, debit, invoke, then keep or refund the charge.
func (g *Gate) Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResult, error) {
	claims, err := g.Authenticate(req.Token)
	if err != nil {
		return SummarizeResult{}, reject(StageReceived, "", err)
	}
	accountID := claims.Subject

	kind, text, err := validateSummarize(req)
	if err != nil {
		return SummarizeResult{}, reject(StageAuthenticated, accountID, err)
	}

	account, err := g.store.AccountByID(ctx, accountID)
	if err != nil {
		return SummarizeResult{}, reject(StageAuthenticated, accountID, err)
	}
	if account.Deleted {
		return SummarizeResult{}, reject(StageAuthenticated, accountID, ErrAccountDeleted)
	}
	if _, err := g.store.Load(ctx, accountID); err != nil {
		return SummarizeResult{}, reject(StageAuthenticated, accountID, err)
	}

	est, err := g.pricing.Estimate(text)
	if err != nil {
		return SummarizeResult{}, reject(StageAuthenticated, accountID, err)
	}

	target := g.healthTarget()
	if g.health.GetHealth(target) == HealthUnhealthy {
		return SummarizeResult{}, reject(StageCostComputed, accountID,
			fmt.Errorf("%w: %s is failing", ErrServiceUnavailable, target))
	}

	if err := ctx.Err(); err != nil {
		return SummarizeResult{}, reject(StageCostComputed, accountID, err)
	}

	balance, err := g.store.Debit(ctx, accountID, est.Credits)
	g.meter.OnDebit(DebitEvent{AccountID: accountID, Amount: est.Credits, Balance: balance, Error: err})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrNotFound) {
			return SummarizeResult{}, reject(StageCostComputed, accountID, err)
		}
		// The write may have landed; never invoke on an uncertain charge.
		anomaly := g.newAnomaly(AnomalyUncertainDebit, account, est.Credits, g.now(), nil, err)
		g.deliver(ctx, anomaly)
		return SummarizeResult{}, reject(StageCostComputed, accountID, anomaly)
	}
	debitedAt := g.now()

	resp, err := g.invoke(ctx, accountID, kind, text)
	if err != nil {
		return SummarizeResult{}, g.compensate(ctx, account, est.Credits, debitedAt, err)
	}

	return SummarizeResult{
		Message:          resp.Content,
		Model:            g.model,
		TokensProcessed:  est.Tokens,
		CostInCredits:    est.Credits,
		CostInUSD:        est.USD,
		RemainingCredits: balance,
	}, nil
}

func validateSummarize(req SummarizeRequest) (Kind, string, error) {
	if req.Kind == "" {
		return "", "", fmt.Errorf("%w: kind", ErrMissingField)
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", "", fmt.Errorf("%w: text", ErrMissingField)
	}
	kind, err := ParseKind(req.Kind)
	if err != nil {
		return "", "", err
	}
	return kind, req.Text, nil
}

func (g *Gate) healthTarget() string {
	return g.invoker.Name() + "/" + g.model
}

// invoke performs exactly one invoker call. Errors are always classified
// as ErrBuild or ErrExecution.
func (g *Gate) invoke(ctx context.Context, accountID string, kind Kind, text string) (resp InvokeResponse, err error) {
	ictx, cancel := context.WithTimeout(ctx, g.invokeTimeout)
	defer cancel()

	target := g.healthTarget()
	start := g.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: invoker panic: %v", ErrExecution, r)
		}
		if err != nil && !errors.Is(err, ErrBuild) && !errors.Is(err, ErrExecution) {
			err = fmt.Errorf("%w: %w", ErrExecution, err)
		}

		switch {
		case err == nil:
			g.health.RecordSuccess(target)
		case ctx.Err() == nil:
			// Caller cancellations say nothing about the service.
			g.health.RecordFailure(target)
		}
		g.meter.OnInvoke(InvokeEvent{
			Invoker:   g.invoker.Name(),
			AccountID: accountID,
			Model:     g.model,
			Success:   err == nil,
			Duration:  g.now().Sub(start),
			Usage:     resp.Usage,
			Error:     err,
		})
	}()

	return g.invoker.Invoke(ictx, InvokeRequest{
		Model:  g.model,
		System: SummarizeSystemPrompt,
		Messages: []Message{
			{Role: "user", Content: SummarizePrompt(text, kind, g.maxOutputTokens)},
		},
		MaxTokens: g.maxOutputTokens,
		Timeout:   g.invokeTimeout,
	})
}

// compensate refunds a debit after a failed invocation. It runs detached
// from the request context so a cancelled caller still gets refunded.
func (g *Gate) compensate(ctx context.Context, account Account, amount int64, debitedAt time.Time, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.compensationTimeout)
	defer cancel()

	balance, err := g.store.Credit(cctx, account.ID, amount)
	g.meter.OnCompensate(CompensateEvent{
		AccountID: account.ID,
		Amount:    amount,
		Balance:   balance,
		Cause:     cause,
		Error:     err,
	})
	if err == nil {
		return &GateError{
			Err:       cause,
			Stage:     StageInvoked,
			Outcome:   StageCompensated,
			AccountID: account.ID,
		}
	}

	anomaly := g.newAnomaly(AnomalyCompensationFailed, account, amount, debitedAt, cause, err)
	g.deliver(cctx, anomaly)
	return &GateError{
		Err:       anomaly,
		Stage:     StageInvoked,
		Outcome:   StageDebited,
		AccountID: account.ID,
		Charged:   amount,
	}
}

func (g *Gate) newAnomaly(kind AnomalyKind, account Account, amount int64, debitedAt time.Time, cause, err error) *ReconciliationAnomaly {
	return &ReconciliationAnomaly{
		ID:         uuid.New().String(),
		Kind:       kind,
		AccountID:  account.ID,
		ProviderID: account.ProviderID,
		Amount:     amount,
		DebitedAt:  debitedAt,
		DetectedAt: g.now(),
		Cause:      cause,
		Err:        err,
	}
}

// deliver hands an anomaly to the alerter, falling back to the default
// logger when delivery fails.
func (g *Gate) deliver(ctx context.Context, a *ReconciliationAnomaly) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.compensationTimeout)
	defer cancel()

	if err := g.alerter.Alert(actx, a); err != nil {
		fallback := &logAlerter{logger: slog.Default()}
		_ = fallback.Alert(actx, a)
		slog.Default().Error("anomaly_delivery_failed", "anomaly_id", a.ID, "error", err)
	}
}

func reject(stage Stage, accountID string, err error) error {
	return &GateError{
		Err:       err,
		Stage:     stage,
		Outcome:   StageRejected,
		AccountID: accountID,
	}
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnDebit(DebitEvent)           {}
func (m *noopMeter) OnInvoke(InvokeEvent)         {}
func (m *noopMeter) OnCompensate(CompensateEvent) {}

// logAlerter writes anomalies to a slog logger at error level.
type logAlerter struct {
	logger *slog.Logger
}

func (a *logAlerter) Alert(ctx context.Context, an *ReconciliationAnomaly) error {
	a.logger.ErrorContext(ctx, "reconciliation_anomaly",
		"anomaly_id", an.ID,
		"kind", string(an.Kind),
		"account", an.AccountID,
		"provider_id", an.ProviderID,
		"amount", an.Amount,
		"debited_at", an.DebitedAt,
		"detected_at", an.DetectedAt,
		"cause", an.Cause,
		"error", an.Err,
	)
	return nil
}

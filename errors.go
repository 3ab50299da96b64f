package creditgate

import (
	"errors"
	"fmt"
	"time"
)

// Authentication errors.
var (
	ErrMissingToken   = errors.New("creditgate: missing bearer token")
	ErrMalformedToken = errors.New("creditgate: malformed authorization header")
	ErrInvalidToken   = errors.New("creditgate: invalid token")
	ErrExpiredToken   = errors.New("creditgate: expired token")
)

// Validation errors.
var (
	ErrMissingField    = errors.New("creditgate: missing field")
	ErrPayloadTooLarge = errors.New("creditgate: payload too large")
	ErrUnknownKind     = errors.New("creditgate: unknown summary kind")
)

// Ledger and account errors.
var (
	ErrNotFound            = errors.New("creditgate: not found")
	ErrInsufficientCredits = errors.New("creditgate: insufficient credits")
	ErrLedgerUnavailable   = errors.New("creditgate: ledger unavailable")
	ErrAccountExists       = errors.New("creditgate: account already exists")
	ErrAccountDeleted      = errors.New("creditgate: account deleted")
)

// Invoker errors.
var (
	ErrBuild              = errors.New("creditgate: invoker request could not be built")
	ErrExecution          = errors.New("creditgate: invoker execution failed")
	ErrServiceUnavailable = errors.New("creditgate: service temporarily unavailable")
)

// Identity provider errors.
var (
	ErrUnknownProvider  = errors.New("creditgate: unknown identity provider")
	ErrIdentityExchange = errors.New("creditgate: identity exchange failed")
)

// ErrReconciliation marks a charge that needs manual reconciliation.
var ErrReconciliation = errors.New("creditgate: reconciliation required")

// Stage names the orchestrator state in which a request stopped.
type Stage string

const (
	StageReceived      Stage = "received"
	StageAuthenticated Stage = "authenticated"
	StageCostComputed  Stage = "cost_computed"
	StageDebited       Stage = "debited"
	StageInvoked       Stage = "invoked"
	StageCompleted     Stage = "completed"
	StageCompensated   Stage = "compensated"
	StageRejected      Stage = "rejected"
)

// GateError wraps an error with the orchestrator context it happened in.
// Stage is the last state reached; Outcome is the terminal state.
type GateError struct {
	Err       error
	Stage     Stage
	Outcome   Stage
	AccountID string
	Charged   int64
}

func (e *GateError) Error() string {
	return fmt.Sprintf("creditgate: stage=%s outcome=%s account=%s charged=%d: %v",
		e.Stage, e.Outcome, e.AccountID, e.Charged, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// AnomalyKind classifies a reconciliation anomaly.
type AnomalyKind string

const (
	// AnomalyCompensationFailed means the refund after a failed invocation
	// could not be written.
	AnomalyCompensationFailed AnomalyKind = "compensation_failed"
	// AnomalyUncertainDebit means the debit write returned an error after
	// being issued, so the balance may or may not have changed.
	AnomalyUncertainDebit AnomalyKind = "uncertain_debit"
)

// ReconciliationAnomaly is the record handed to operators when a ledger
// mutation could not be resolved automatically.
type ReconciliationAnomaly struct {
	ID         string      `json:"id"`
	Kind       AnomalyKind `json:"kind"`
	AccountID  string      `json:"account_id"`
	ProviderID string      `json:"provider_id"`
	Amount     int64       `json:"amount"`
	DebitedAt  time.Time   `json:"debited_at"`
	DetectedAt time.Time   `json:"detected_at"`
	// Cause is the failure that triggered the ledger mutation.
	Cause error `json:"-"`
	// Err is the ledger failure itself.
	Err error `json:"-"`
}

func (a *ReconciliationAnomaly) Error() string {
	return fmt.Sprintf("creditgate: reconciliation anomaly %s (%s) account=%s amount=%d: cause=%v: ledger=%v",
		a.ID, a.Kind, a.AccountID, a.Amount, a.Cause, a.Err)
}

// Unwrap exposes ErrReconciliation together with the original failure so
// that errors.Is matches either.
func (a *ReconciliationAnomaly) Unwrap() []error {
	errs := []error{ErrReconciliation}
	if a.Cause != nil {
		errs = append(errs, a.Cause)
	}
	if a.Err != nil {
		errs = append(errs, a.Err)
	}
	return errs
}

// IsAuth returns true if the error rejects the caller's credentials.
func IsAuth(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken)
}

// IsValidation returns true if the error rejects the request payload.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrUnknownKind)
}

// IsCharged returns true if the error left a charge in place that the
// caller did not get value for.
func IsCharged(err error) bool {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Charged > 0
	}
	return false
}

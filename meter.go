package creditgate

import (
	"context"
	"time"
)

// Meter observes ledger and invocation events for monitoring/logging.
type Meter interface {
	// OnDebit is called after every debit attempt.
	OnDebit(event DebitEvent)

	// OnInvoke is called when an invoker returns.
	OnInvoke(event InvokeEvent)

	// OnCompensate is called after every compensating credit attempt.
	OnCompensate(event CompensateEvent)
}

// Alerter receives reconciliation anomalies. Implementations must not drop
// them: a failed delivery is returned so the caller can fall back.
type Alerter interface {
	Alert(ctx context.Context, anomaly *ReconciliationAnomaly) error
}

// DebitEvent describes a debit attempt.
type DebitEvent struct {
	AccountID string
	Amount    int64
	Balance   int64
	Error     error
}

// InvokeEvent describes the outcome of an invoker call.
type InvokeEvent struct {
	Invoker   string
	AccountID string
	Model     string
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Error     error
}

// CompensateEvent describes a compensating credit attempt.
type CompensateEvent struct {
	AccountID string
	Amount    int64
	Balance   int64
	Cause     error
	Error     error
}

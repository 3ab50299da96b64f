package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/creditgate"
)

// LogMeter logs ledger and invocation events using slog. It also serves
// as an Alerter that records reconciliation anomalies at error level.
type LogMeter struct {
	Logger *slog.Logger
}

var (
	_ creditgate.Meter   = (*LogMeter)(nil)
	_ creditgate.Alerter = (*LogMeter)(nil)
)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDebit(e creditgate.DebitEvent) {
	if e.Error != nil {
		m.Logger.Info("debit_rejected",
			"account", e.AccountID,
			"amount", e.Amount,
			"balance", e.Balance,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("debit",
		"account", e.AccountID,
		"amount", e.Amount,
		"balance", e.Balance,
	)
}

func (m *LogMeter) OnInvoke(e creditgate.InvokeEvent) {
	if e.Success {
		m.Logger.Info("invoke",
			"invoker", e.Invoker,
			"account", e.AccountID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
	} else {
		m.Logger.Warn("invoke_error",
			"invoker", e.Invoker,
			"account", e.AccountID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnCompensate(e creditgate.CompensateEvent) {
	if e.Error != nil {
		m.Logger.Error("compensate_error",
			"account", e.AccountID,
			"amount", e.Amount,
			"cause", e.Cause,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("compensate",
		"account", e.AccountID,
		"amount", e.Amount,
		"balance", e.Balance,
		"cause", e.Cause,
	)
}

// Alert logs the anomaly at error level. It never fails.
func (m *LogMeter) Alert(ctx context.Context, a *creditgate.ReconciliationAnomaly) error {
	m.Logger.ErrorContext(ctx, "reconciliation_anomaly",
		"anomaly_id", a.ID,
		"kind", string(a.Kind),
		"account", a.AccountID,
		"provider_id", a.ProviderID,
		"amount", a.Amount,
		"debited_at", a.DebitedAt,
		"detected_at", a.DetectedAt,
		"cause", a.Cause,
		"error", a.Err,
	)
	return nil
}

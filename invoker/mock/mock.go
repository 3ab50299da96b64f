// Package mock provides an in-process Invoker for tests, local development
// and the "mock" invoker.provider setting.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditgate"
)

// Invoker is a mock text-generation service.
type Invoker struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        creditgate.Usage
	responseFunc func(creditgate.InvokeRequest) (creditgate.InvokeResponse, error)

	mu   sync.Mutex
	last creditgate.InvokeRequest
}

var _ creditgate.Invoker = (*Invoker)(nil)

// Option configures a mock Invoker.
type Option func(*Invoker)

// New creates a mock invoker with the given options.
func New(opts ...Option) *Invoker {
	p := &Invoker{
		name: "mock",
		usage: creditgate.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the invoker name.
func WithName(name string) Option {
	return func(p *Invoker) { p.name = name }
}

// WithLatency adds simulated latency to each call. The wait honours the
// request timeout and context cancellation.
func WithLatency(d time.Duration) Option {
	return func(p *Invoker) { p.latency = d }
}

// WithFailAfter makes the invoker fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Invoker) { p.failAfter = n }
}

// WithError makes the invoker always return this error.
func WithError(err error) Option {
	return func(p *Invoker) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u creditgate.Usage) Option {
	return func(p *Invoker) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(creditgate.InvokeRequest) (creditgate.InvokeResponse, error)) Option {
	return func(p *Invoker) { p.responseFunc = fn }
}

func (p *Invoker) Name() string { return p.name }

func (p *Invoker) Invoke(ctx context.Context, req creditgate.InvokeRequest) (creditgate.InvokeResponse, error) {
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()

	count := p.callCount.Add(1)

	if p.latency > 0 {
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return creditgate.InvokeResponse{}, fmt.Errorf("%w: mock: %w", creditgate.ErrExecution, ctx.Err())
		}
	}

	if p.staticErr != nil {
		return creditgate.InvokeResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: mock: failing after %d calls", creditgate.ErrExecution, p.failAfter)
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return creditgate.InvokeResponse{
		ID:         "mock-response-id",
		Content:    "Summary from mock invoker",
		StopReason: "end_turn",
		Usage:      p.usage,
		Model:      req.Model,
	}, nil
}

// CallCount returns the number of calls made to the invoker.
func (p *Invoker) CallCount() int64 { return p.callCount.Load() }

// LastRequest returns the most recent request received.
func (p *Invoker) LastRequest() creditgate.InvokeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

package creditgate

import (
	"context"
	"time"
)

// Invoker is a single-shot call to an external text-generation service.
//
// Implementations classify failures as ErrBuild (the outbound request could
// not be constructed) or ErrExecution (it was sent but failed, timed out,
// or came back non-successful). Invokers never retry.
type Invoker interface {
	// Name returns the adapter identifier (e.g. "anthropic", "openai").
	Name() string

	// Invoke performs one completion within the request's budget.
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
}

// InvokeRequest is the request sent to an invoker.
type InvokeRequest struct {
	Model    string
	System   string
	Messages []Message

	// MaxTokens bounds the size of the generated output.
	MaxTokens int
	// Timeout bounds the wait for the response. Zero means the caller's
	// context alone decides.
	Timeout time.Duration
}

// InvokeResponse is the result of a successful invocation.
type InvokeResponse struct {
	ID         string
	Content    string
	StopReason string
	Model      string
	Usage      Usage
}

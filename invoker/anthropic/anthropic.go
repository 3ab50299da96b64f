// Package anthropic invokes the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/creditgate"
)

const (
	// DefaultBaseURL is the public Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"
	// APIVersion is sent as the anthropic-version header.
	APIVersion = "2023-06-01"
)

// Invoker calls POST /v1/messages.
type Invoker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ creditgate.Invoker = (*Invoker)(nil)

// Option configures the invoker.
type Option func(*Invoker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Invoker) { p.httpClient = c }
}

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(p *Invoker) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates an Anthropic invoker.
func New(apiKey string, opts ...Option) *Invoker {
	p := &Invoker{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Invoker) Name() string { return "anthropic" }

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Invoker) Invoke(ctx context.Context, req creditgate.InvokeRequest) (creditgate.InvokeResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := p.buildRequest(ctx, req)
	if err != nil {
		return creditgate.InvokeResponse{}, err
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: anthropic: %w", creditgate.ErrExecution, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return creditgate.InvokeResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: anthropic: decode response: %v", creditgate.ErrExecution, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: anthropic: no text content in response", creditgate.ErrExecution)
	}

	return creditgate.InvokeResponse{
		ID:         resp.ID,
		Content:    text.String(),
		StopReason: resp.StopReason,
		Model:      resp.Model,
		Usage: creditgate.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (p *Invoker) buildRequest(ctx context.Context, req creditgate.InvokeRequest) (*http.Request, error) {
	switch {
	case req.Model == "":
		return nil, fmt.Errorf("%w: anthropic: model is required", creditgate.ErrBuild)
	case req.MaxTokens <= 0:
		return nil, fmt.Errorf("%w: anthropic: max_tokens must be positive", creditgate.ErrBuild)
	case len(req.Messages) == 0:
		return nil, fmt.Errorf("%w: anthropic: at least one message is required", creditgate.ErrBuild)
	}

	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	jsonBody, err := json.Marshal(apiRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic: marshal request: %v", creditgate.ErrBuild, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic: create request: %v", creditgate.ErrBuild, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	return httpReq, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: anthropic: status %d: %s: %s",
			creditgate.ErrExecution, resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}
	return fmt.Errorf("%w: anthropic: status %d: %s", creditgate.ErrExecution, resp.StatusCode, strings.TrimSpace(string(body)))
}

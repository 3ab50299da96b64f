// Package openaicompat invokes any OpenAI-compatible chat completions API
// (OpenAI, Grok/xAI, Together, Ollama and others).
package openaicompat

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

// Invoker is an OpenAI-compatible chat completions adapter.
type Invoker struct {
	name       string
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

// WithName overrides the adapter name reported to meters and health
// tracking (default "openai").
func WithName(name string) Option {
	return func(p *Invoker) { p.name = name }
}

// New creates an invoker for the API rooted at baseURL
// (e.g. "https://api.openai.com/v1").
func New(baseURL, apiKey string, opts ...Option) *Invoker {
	p := &Invoker{
		name:       "openai",
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates an invoker for OpenAI.
func NewOpenAI(apiKey string, opts ...Option) *Invoker {
	return New("https://api.openai.com/v1", apiKey, opts...)
}

func (p *Invoker) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
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
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: %s: %w", creditgate.ErrExecution, p.name, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(p.name, httpResp); err != nil {
		return creditgate.InvokeResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: %s: decode response: %v", creditgate.ErrExecution, p.name, err)
	}
	if len(resp.Choices) == 0 {
		return creditgate.InvokeResponse{}, fmt.Errorf("%w: %s: empty choices in response", creditgate.ErrExecution, p.name)
	}

	return creditgate.InvokeResponse{
		ID:         resp.ID,
		Content:    resp.Choices[0].Message.Content,
		StopReason: resp.Choices[0].FinishReason,
		Model:      resp.Model,
		Usage: creditgate.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Invoker) buildRequest(ctx context.Context, req creditgate.InvokeRequest) (*http.Request, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("%w: %s: model is required", creditgate.ErrBuild, p.name)
	}

	msgs := make([]apiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, apiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}

	jsonBody, err := json.Marshal(apiRequest{Model: req.Model, Messages: msgs, MaxTokens: req.MaxTokens})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: marshal request: %v", creditgate.ErrBuild, p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: create request: %v", creditgate.ErrBuild, p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return httpReq, nil
}

func mapHTTPError(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: %s: status %d: %s", creditgate.ErrExecution, name, resp.StatusCode, strings.TrimSpace(string(body)))
}

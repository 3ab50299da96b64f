package anthropic_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/invoker/anthropic"
)

func summarizeRequest() creditgate.InvokeRequest {
	return creditgate.InvokeRequest{
		Model:     "claude-3-haiku-20240307",
		System:    "be brief",
		Messages:  []creditgate.Message{{Role: "user", Content: "hello"}},
		MaxTokens: 1024,
		Timeout:   5 * time.Second,
	}
}

func newMockServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "wrong path "+r.URL.Path, http.StatusNotFound)
			return
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			http.Error(w, "missing x-api-key", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("anthropic-version") != anthropic.APIVersion {
			http.Error(w, "missing anthropic-version", http.StatusBadRequest)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req["system"] != "be brief" || req["max_tokens"] != float64(1024) {
			http.Error(w, "unexpected body "+string(body), http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"model":       "claude-3-haiku-20240307",
			"stop_reason": "end_turn",
			"content": []map[string]string{
				{"type": "text", "text": "Hello from "},
				{"type": "text", "text": "Anthropic!"},
			},
			"usage": map[string]int64{"input_tokens": 12, "output_tokens": 4},
		})
	}))
}

// Test 1: successful call concatenates text blocks and maps usage.
func TestInvoke(t *testing.T) {
	srv := newMockServer(t)
	defer srv.Close()

	inv := anthropic.New("sk-test", anthropic.WithBaseURL(srv.URL+"/"))
	assert.Equal(t, "anthropic", inv.Name())

	resp, err := inv.Invoke(context.Background(), summarizeRequest())
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "Hello from Anthropic!", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, int64(12), resp.Usage.PromptTokens)
	assert.Equal(t, int64(4), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(16), resp.Usage.TotalTokens)
}

// Test 2: non-2xx responses are execution failures carrying the API message.
func TestInvoke_HTTPErrors(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusInternalServerError, 529} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			}))
			defer srv.Close()

			_, err := anthropic.New("sk-test", anthropic.WithBaseURL(srv.URL)).
				Invoke(context.Background(), summarizeRequest())
			assert.ErrorIs(t, err, creditgate.ErrExecution)
			assert.NotErrorIs(t, err, creditgate.ErrBuild)
			assert.Contains(t, err.Error(), "Overloaded")
		})
	}
}

// Test 3: the request timeout bounds the wait.
func TestInvoke_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	req := summarizeRequest()
	req.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := anthropic.New("sk-test", anthropic.WithBaseURL(srv.URL)).Invoke(context.Background(), req)
	assert.ErrorIs(t, err, creditgate.ErrExecution)
	assert.Less(t, time.Since(start), time.Second)
}

// Test 4: requests that cannot be constructed are build failures and
// never reach the network.
func TestInvoke_BuildErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()
	inv := anthropic.New("sk-test", anthropic.WithBaseURL(srv.URL))

	noModel := summarizeRequest()
	noModel.Model = ""
	_, err := inv.Invoke(context.Background(), noModel)
	assert.ErrorIs(t, err, creditgate.ErrBuild)

	noMax := summarizeRequest()
	noMax.MaxTokens = 0
	_, err = inv.Invoke(context.Background(), noMax)
	assert.ErrorIs(t, err, creditgate.ErrBuild)

	noMsgs := summarizeRequest()
	noMsgs.Messages = nil
	_, err = inv.Invoke(context.Background(), noMsgs)
	assert.ErrorIs(t, err, creditgate.ErrBuild)

	_, err = anthropic.New("sk-test", anthropic.WithBaseURL("://bad")).Invoke(context.Background(), summarizeRequest())
	assert.ErrorIs(t, err, creditgate.ErrBuild)

	assert.Zero(t, calls)
}

// Test 5: transport and decode failures are execution failures.
func TestInvoke_TransportAndDecode(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("connection refused")
	})}
	_, err := anthropic.New("sk-test", anthropic.WithHTTPClient(client)).Invoke(context.Background(), summarizeRequest())
	assert.ErrorIs(t, err, creditgate.ErrExecution)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer srv.Close()
	_, err = anthropic.New("sk-test", anthropic.WithBaseURL(srv.URL)).Invoke(context.Background(), summarizeRequest())
	assert.ErrorIs(t, err, creditgate.ErrExecution)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

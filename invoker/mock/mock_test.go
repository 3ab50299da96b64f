package mock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/invoker/mock"
)

func TestMock_Default(t *testing.T) {
	m := mock.New()
	resp, err := m.Invoke(context.Background(), creditgate.InvokeRequest{Model: "m", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "m", resp.Model)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, int64(1), m.CallCount())
	assert.Equal(t, 10, m.LastRequest().MaxTokens)
}

func TestMock_FailAfter(t *testing.T) {
	m := mock.New(mock.WithFailAfter(1))
	_, err := m.Invoke(context.Background(), creditgate.InvokeRequest{})
	require.NoError(t, err)
	_, err = m.Invoke(context.Background(), creditgate.InvokeRequest{})
	assert.ErrorIs(t, err, creditgate.ErrExecution)
}

func TestMock_LatencyHonoursTimeout(t *testing.T) {
	m := mock.New(mock.WithLatency(time.Second))
	start := time.Now()
	_, err := m.Invoke(context.Background(), creditgate.InvokeRequest{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, creditgate.ErrExecution)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithName("fitoptd"), WithCircuitBreaker(0, 0), WithPingInterval(0))
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, int32(5), c.circuitThreshold, "zero threshold keeps the default")
	assert.Equal(t, time.Minute, c.maxBackoff)
	assert.Equal(t, 30*time.Second, c.pingInterval)
	assert.Equal(t, "fitoptd", c.clientName)
	assert.Equal(t, time.Second, c.Backoff())
}

func TestNewClient_RejectsBadOptions(t *testing.T) {
	for name, opt := range map[string]ClientOption{
		"max reconnects": WithMaxReconnects(-2),
		"reconnect wait": WithReconnectWait(0),
		"threshold":      WithCircuitBreaker(-1, 0),
		"backoff":        WithCircuitBreaker(3, time.Millisecond),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	c, err := NewClient("nats://localhost:4222", WithDrainTimeout(3*time.Second), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.drainTimeout)
	assert.Equal(t, time.Second, c.timeout)
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "x", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Flush(ctx), ErrNotConnected)

	_, err = c.Subscribe("x", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.JetStream()
	assert.Error(t, err)

	_, err = c.CreateKeyValueBucket(ctx, jetstreamConfig("b"))
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, c.Unsubscribe(nil))
	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx), "close is idempotent")
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreaker(3, time.Minute))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())
	assert.Equal(t, int32(3), c.Failures())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	c.halfOpen()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.resetCircuit()
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestClient_ConnectFailureIsTransient(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(1), c.GetStatus().FailureCount)
}

func TestIsMissing(t *testing.T) {
	assert.True(t, isMissing(jetstream.ErrKeyNotFound))
	assert.True(t, isMissing(fmt.Errorf("get models: %w", jetstream.ErrKeyDeleted)))
	assert.True(t, isMissing(errors.New("nats: API error: code=404 err_code=10037")))
	assert.False(t, isMissing(nil))
	assert.False(t, isMissing(errors.New("nats: timeout")))
}

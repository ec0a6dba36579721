package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservedNamespaces(t *testing.T) {
	for _, ns := range []string{"broker", "queue", "on", "emit", "methods"} {
		assert.True(t, IsReservedNamespace(ns), ns)
	}
	assert.False(t, IsReservedNamespace("booking"))
	assert.False(t, IsReservedNamespace("$cli"))
}

func TestSplitMethodKey(t *testing.T) {
	ns, method, ok := SplitMethodKey("booking.create:worker")
	require.True(t, ok)
	assert.Equal(t, "booking", ns)
	assert.Equal(t, "create:worker", method)

	_, _, ok = SplitMethodKey("create")
	assert.False(t, ok)
}

func TestNodeInfo(t *testing.T) {
	n := NodeInfo{Namespace: "$cli", Hostname: "127.0.0.1", Port: 7557, HeartbeatIntervalMs: 200}
	assert.Equal(t, "127.0.0.1:7557", n.Address())
	assert.Equal(t, 200*time.Millisecond, n.HeartbeatInterval())
	assert.True(t, n.Hidden())
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Method: "ns.slow", Timeout: 200 * time.Millisecond}
	assert.Contains(t, err.Error(), "200ms")
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", err), ErrTimeout))
}

func TestRemoteErrorIs(t *testing.T) {
	assert.True(t, errors.Is(NotFoundf("method %s not found", "ns.x"), ErrNotFound))
	assert.False(t, errors.Is(&RemoteError{Message: "boom"}, ErrNotFound))
	assert.True(t, (&RemoteError{}).Empty())
}

func TestResponseFailed(t *testing.T) {
	tests := []struct {
		name   string
		resp   Response
		failed bool
	}{
		{"success", Response{Data: json.RawMessage(`1`)}, false},
		{"message", Response{Message: "boom"}, true},
		{"type only", Response{Type: "ValidationError"}, true},
		{"source only", Response{Source: "db"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.failed, tt.resp.Failed())
			if tt.failed {
				assert.Error(t, tt.resp.Err())
			} else {
				assert.NoError(t, tt.resp.Err())
			}
		})
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(&RemoteError{Message: "bad", Type: "ValidationError", Source: "api"}, Header{})
	assert.Equal(t, "bad", resp.Message)
	assert.Equal(t, "ValidationError", resp.Type)
	assert.Equal(t, "api", resp.Source)

	resp = ErrorResponse(fmt.Errorf("lookup: %w", ErrNotFound), Header{})
	assert.Equal(t, TypeNotFound, resp.Type)
	assert.Equal(t, "lookup: not found", resp.Message)
	assert.Equal(t, "null", string(resp.Data))

	// 包裝過的 RemoteError 仍保留 type/source/data
	wrapped := fmt.Errorf("checkout: %w", &RemoteError{
		Message: "card declined",
		Stack:   "at charge()",
		Type:    "PaymentError",
		Source:  "payment",
		Data:    json.RawMessage(`{"code":51}`),
	})
	resp = ErrorResponse(wrapped, Header{})
	assert.Equal(t, "checkout: card declined", resp.Message)
	assert.Equal(t, "PaymentError", resp.Type)
	assert.Equal(t, "payment", resp.Source)
	assert.Equal(t, "at charge()", resp.Stack)
	assert.JSONEq(t, `{"code":51}`, string(resp.Data))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	assert.Equal(t, -10, int(p))
	assert.Equal(t, "critical", PriorityCritical.String())

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

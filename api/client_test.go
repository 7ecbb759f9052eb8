package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment_emulator/models"
	"payment_emulator/parser"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, zap.NewNop().Sugar(), opts...)
}

func TestConnectDevice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/connect", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req ConnectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "CODE-1", req.DeviceCode)
		assert.Equal(t, 85, req.BatteryLevel)

		w.Write([]byte(`{"status":"success","token":"tok-1"}`))
	})

	token, err := c.ConnectDevice(context.Background(), ConnectRequest{DeviceCode: "CODE-1", BatteryLevel: 85})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestConnectDevice_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"unknown code"}`))
	})

	_, err := c.ConnectDevice(context.Background(), ConnectRequest{DeviceCode: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown code")
}

func TestErrorBodies(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", http.StatusBadRequest, `{"message":"amount too small"}`, "amount too small"},
		{"error field", http.StatusInternalServerError, `{"error":"db down"}`, "db down"},
		{"plain text", http.StatusBadGateway, `upstream gone`, "upstream gone"},
		{"empty", http.StatusBadGateway, ``, "empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Balance(context.Background(), "key")
			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.want, apiErr.Message)
		})
	}
}

func TestUnauthorizedMatchesSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	})

	_, err := c.ConnectMerchant(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDeviceHeaders(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]http.Header)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = r.Header.Clone()
		mu.Unlock()
	})
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx, "tok"))
	require.NoError(t, c.HealthCheck(ctx, "tok", 50))
	require.NoError(t, c.UpdateInfo(ctx, "tok", 50, "Wi-Fi", 100))
	require.NoError(t, c.SendNotification(ctx, "tok", Notification{Title: "t"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "tok", seen["/device/ping"].Get("x-device-token"))
	assert.Equal(t, "tok", seen["/device/health-check"].Get("x-device-token"))
	assert.Equal(t, "Bearer tok", seen["/device/info/update"].Get("Authorization"))
	assert.Equal(t, "Bearer tok", seen["/device/notification"].Get("Authorization"))
}

func TestPingWithoutToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("x-device-token"))
	})
	assert.NoError(t, c.Ping(context.Background(), ""))
}

func TestTokenRequired(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", zap.NewNop().Sugar())
	ctx := context.Background()

	assert.ErrorIs(t, c.HealthCheck(ctx, "", 10), ErrEmptyToken)
	assert.ErrorIs(t, c.UpdateInfo(ctx, "", 10, "Wi-Fi", 100), ErrEmptyToken)
	_, err := c.LongPoll(ctx, "", 10, 100)
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestLongPoll_Command(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/long-poll", r.URL.Path)
		w.Write([]byte(`{"status":"command","command":"sync"}`))
	})

	ev, err := c.LongPoll(context.Background(), "tok", 50, 100)
	require.NoError(t, err)
	assert.Equal(t, parser.PollCommand, ev.Status)
	assert.Equal(t, "sync", ev.Command)
}

func TestLongPoll_ClientTimeoutIsTimeoutEvent(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeouts(0, 0, 20*time.Millisecond))
	defer close(release)

	ev, err := c.LongPoll(context.Background(), "tok", 50, 100)
	require.NoError(t, err)
	assert.Equal(t, parser.PollTimeout, ev.Status)
}

func TestLongPoll_CallerCancelIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LongPoll(ctx, "tok", 50, 100)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMerchantCalls(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-merchant-api-key"))
		switch r.URL.Path {
		case "/merchant/connect":
			w.Write([]byte(`{"id":"m-1","name":"Shop","balanceUsdt":12.5}`))
		case "/merchant/methods":
			w.Write([]byte(`[{"id":"sbp","name":"SBP"},{"id":"c2c","name":"Card"}]`))
		case "/merchant/transactions/create":
			var req models.TransactionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "order_1", req.OrderID)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"tx-1","orderId":"order_1","amount":1500,"status":"CREATED"}`))
		case "/merchant/transactions":
			assert.Equal(t, "order_1", r.URL.Query().Get("orderId"))
			w.Write([]byte(`{"id":"tx-1","orderId":"order_1","status":"READY"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	info, err := c.ConnectMerchant(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, "m-1", info.ID)

	methods, err := c.Methods(ctx, "secret")
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	tx, status, err := c.CreateTransaction(ctx, "secret", models.TransactionRequest{OrderID: "order_1", Amount: 1500})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "tx-1", tx.ID)

	got, err := c.GetTransaction(ctx, "secret", "order_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestRateLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, WithRateLimit(1))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Ping(ctx, ""))
	// the single burst token is spent; the next call cannot fit in the deadline
	assert.Error(t, c.Ping(ctx, ""))
}

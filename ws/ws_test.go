package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop().Sugar())
	mux := http.NewServeMux()
	mux.Handle("GET /ws/logs/{merchantID}", hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs/"
}

func TestHubStreamsToClientUntilRunEnds(t *testing.T) {
	hub, base := newHubServer(t)

	var mu sync.Mutex
	var got []string
	client := NewWebSocketClient(base+"m1", nil, zap.NewNop().Sugar())
	client.OnMessage = func(l LogLine) {
		mu.Lock()
		got = append(got, l.Line)
		mu.Unlock()
	}

	result := make(chan error, 1)
	go func() { result <- client.Tail(context.Background(), 5*time.Second) }()

	require.Eventually(t, func() bool { return hub.Subscribers("m1") == 1 }, 2*time.Second, 5*time.Millisecond)

	lines := make(chan string, 2)
	lines <- "first"
	lines <- "second"
	close(lines)
	hub.Consume("m1", lines)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrRunEnded)
	case <-time.After(3 * time.Second):
		t.Fatal("tail did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestHubIgnoresOtherMerchants(t *testing.T) {
	hub, base := newHubServer(t)
	client := NewWebSocketClient(base+"m1", nil, zap.NewNop().Sugar())
	received := make(chan LogLine, 1)
	client.OnMessage = func(l LogLine) { received <- l }

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- client.Tail(ctx, 5*time.Second) }()
	require.Eventually(t, func() bool { return hub.Subscribers("m1") == 1 }, 2*time.Second, 5*time.Millisecond)

	lines := make(chan string, 1)
	lines <- "not yours"
	close(lines)
	hub.Consume("m2", lines)

	select {
	case l := <-received:
		t.Fatalf("unexpected line %q", l.Line)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("tail ignored cancellation")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers("m1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"payment_emulator/utils"
)

// ErrRunEnded is returned by Tail when the server reports the end of a run.
var ErrRunEnded = errors.New("traffic run ended")

type WebSocketClient struct {
	url       string
	Headers   map[string]string
	OnMessage func(LogLine)
	log       *zap.SugaredLogger
}

func NewWebSocketClient(url string, headers map[string]string, log *zap.SugaredLogger) *WebSocketClient {
	return &WebSocketClient{url: url, Headers: headers, log: log}
}

func (c *WebSocketClient) getHttpHeaders() http.Header {
	headers := http.Header{}
	for key, value := range c.Headers {
		headers.Set(key, value)
	}
	return headers
}

// Tail follows the log stream, reconnecting with backoff for up to
// maxElapsed of consecutive failures. It returns ErrRunEnded once the run
// finishes, or ctx's error once ctx is done.
func (c *WebSocketClient) Tail(ctx context.Context, maxElapsed time.Duration) error {
	err := utils.Retry(ctx, c.log, "tail logs", maxElapsed, func() error {
		err := c.listen(ctx)
		if errors.Is(err, ErrRunEnded) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *WebSocketClient) listen(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, c.getHttpHeaders())
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg LogLine
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.End {
			return ErrRunEnded
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// Package callback receives transaction callbacks from the backend and hands
// them to the merchant service off the request path.
package callback

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"payment_emulator/models"
	"payment_emulator/monitoring"
	"payment_emulator/parser"
	"payment_emulator/utils"
)

const maxBodyBytes = 1 << 20

// Handler processes one decoded callback.
type Handler interface {
	HandleCallback(ctx context.Context, cb models.Callback) error
}

type Listener struct {
	queue   *Queue
	handler Handler
	log     *zap.SugaredLogger
}

func NewListener(handler Handler, log *zap.SugaredLogger) *Listener {
	return &Listener{queue: NewQueue(), handler: handler, log: log}
}

// Register mounts the callback route on mux.
func (l *Listener) Register(mux *http.ServeMux) {
	mux.Handle("POST /callback/{merchantID}", utils.RequestLogger(l.log, http.HandlerFunc(l.serve)))
}

func (l *Listener) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		monitoring.RequestDuration.WithLabelValues("callback").Observe(time.Since(start).Seconds())
	}()

	merchantID := r.PathValue("merchantID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	cb, err := parser.ParseCallback(merchantID, body, time.Now())
	if err != nil {
		monitoring.ErrorCounter.WithLabelValues("callback_decode").Inc()
		l.log.Warnw("Rejected callback", "merchant_id", merchantID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l.queue.Push(cb)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Run processes queued callbacks until Close has been called and the backlog
// is drained. Once ctx is done the remaining callbacks each get a short
// context of their own.
func (l *Listener) Run(ctx context.Context) {
	for cb := range l.queue.Out() {
		if ctx.Err() == nil {
			l.process(ctx, cb)
			continue
		}
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		l.process(hctx, cb)
		cancel()
	}
}

// Close stops intake. Call it only after the HTTP server has shut down.
func (l *Listener) Close() {
	l.queue.Close()
}

func (l *Listener) process(ctx context.Context, cb models.Callback) {
	if err := l.handler.HandleCallback(ctx, cb); err != nil {
		monitoring.ErrorCounter.WithLabelValues("callback_handle").Inc()
		l.log.Warnw("Callback handling failed",
			"merchant_id", cb.MerchantID,
			"transaction_id", cb.ID,
			"error", err,
		)
	}
}

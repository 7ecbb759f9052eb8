package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"payment_emulator/monitoring"
)

const (
	HeartbeatInterval = 10 * time.Second
	writeWait         = 5 * time.Second
	sendBuffer        = 256
)

// LogLine is one traffic log line as sent over the wire.
type LogLine struct {
	MerchantID string    `json:"merchant_id"`
	Line       string    `json:"line"`
	Time       time.Time `json:"time"`

	// End marks the last message of a run.
	End bool `json:"end,omitempty"`
}

type subscriber struct {
	send chan LogLine
}

// Hub fans traffic log lines out to websocket subscribers by merchant.
type Hub struct {
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Consume drains lines in the background and broadcasts each one.
func (h *Hub) Consume(merchantID string, lines <-chan string) {
	go func() {
		for line := range lines {
			h.broadcast(LogLine{MerchantID: merchantID, Line: line, Time: time.Now()})
		}
		h.broadcast(LogLine{MerchantID: merchantID, Time: time.Now(), End: true})
	}()
}

func (h *Hub) broadcast(msg LogLine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[msg.MerchantID] {
		select {
		case s.send <- msg:
		default:
			// slow subscriber, skip rather than stall the run
		}
	}
}

func (h *Hub) subscribe(merchantID string) *subscriber {
	s := &subscriber{send: make(chan LogLine, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[merchantID] == nil {
		h.subs[merchantID] = make(map[*subscriber]struct{})
	}
	h.subs[merchantID][s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(merchantID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[merchantID], s)
	if len(h.subs[merchantID]) == 0 {
		delete(h.subs, merchantID)
	}
}

// Subscribers reports how many clients follow merchantID.
func (h *Hub) Subscribers(merchantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[merchantID])
}

// ServeHTTP upgrades GET /ws/logs/{merchantID} and streams that merchant's lines.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	merchantID := r.PathValue("merchantID")
	if merchantID == "" {
		http.Error(w, "merchant id required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.ErrorCounter.WithLabelValues("ws_upgrade").Inc()
		h.log.Warnw("Websocket upgrade failed", "merchant_id", merchantID, "error", err)
		return
	}

	s := h.subscribe(merchantID)
	h.log.Infow("Log subscriber connected", "merchant_id", merchantID, "remote_addr", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writeLoop(conn, s, closed)
	h.unsubscribe(merchantID, s)
	conn.Close()
	h.log.Infow("Log subscriber disconnected", "merchant_id", merchantID)
}

func (h *Hub) writeLoop(conn *websocket.Conn, s *subscriber, closed <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case msg := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

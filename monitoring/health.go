package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	LastError       string            `json:"last_error,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
	Workers         map[string]int    `json:"workers,omitempty"`
}

// Health aggregates component checks for the /health endpoint.
type Health struct {
	startTime time.Time

	mu        sync.RWMutex
	lastError string
	checks    map[string]func() bool
	workers   func() map[string]int
}

func NewHealth() *Health {
	return &Health{startTime: time.Now(), checks: make(map[string]func() bool)}
}

func (h *Health) RegisterHealthCheck(name string, check func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// ReportWorkers sets the function that counts running workers by kind.
func (h *Health) ReportWorkers(count func() map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers = count
}

func (h *Health) SetLastError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = err.Error()
}

func (h *Health) Status() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
		StartTime:       h.startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		LastError:       h.lastError,
		ComponentStatus: make(map[string]string, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h.checks[name]() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}
	if h.workers != nil {
		status.Workers = h.workers()
	}
	return status
}

func (h *Health) Handler(w http.ResponseWriter, r *http.Request) {
	status := h.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

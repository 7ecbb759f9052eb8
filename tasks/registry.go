// Package tasks supervises background worker groups keyed by entity id.
//
// At most one worker group exists per id. Stop is cooperative: the worker's
// stop channel is closed and the worker notices at its next loop boundary.
// ForceStop additionally cancels the worker's context, which aborts any
// in-flight request or sleep. A stopped worker keeps its id reserved until it
// has actually returned, so a new group can never overlap a draining one.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"payment_emulator/metrics"
	"payment_emulator/middleware"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
)

type Kind string

const (
	KindDevice  Kind = "device"
	KindTraffic Kind = "traffic"
)

// Meta describes a registered worker group.
type Meta struct {
	Kind      Kind
	Quiet     bool
	StartedAt time.Time
}

// Worker is the body of a worker group. It must return once stop is closed
// (observed at its own pace) or ctx is done.
type Worker func(ctx context.Context, stop <-chan struct{})

type handle struct {
	id       string
	meta     Meta
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func (h *handle) signal() {
	h.stopOnce.Do(func() { close(h.stop) })
}

type Registry struct {
	log    *zap.SugaredLogger
	parent context.Context

	mu       sync.Mutex
	active   map[string]*handle
	draining map[string]*handle
	wg       sync.WaitGroup
}

// NewRegistry creates a registry whose workers derive their contexts from
// parent; cancelling parent force-stops everything.
func NewRegistry(parent context.Context, log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:      log,
		parent:   parent,
		active:   make(map[string]*handle),
		draining: make(map[string]*handle),
	}
}

// Start registers id and runs fn in a new goroutine.
func (r *Registry) Start(id string, meta Meta, fn Worker) error {
	r.mu.Lock()
	if _, ok := r.active[id]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if _, ok := r.draining[id]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(r.parent)
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	h := &handle{
		id:     id,
		meta:   meta,
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active[id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.WorkerStarted(string(meta.Kind))
	go r.run(ctx, h, fn)
	return nil
}

func (r *Registry) run(ctx context.Context, h *handle, fn Worker) {
	defer r.wg.Done()
	defer close(h.done)
	defer h.cancel()
	defer r.deregister(h)

	if middleware.Recover(r.log, string(h.meta.Kind)+":"+h.id, func() { fn(ctx, h.stop) }) {
		r.log.Warnw("Worker exited by panic", "id", h.id, "kind", h.meta.Kind)
	}
}

func (r *Registry) deregister(h *handle) {
	r.mu.Lock()
	if r.active[h.id] == h {
		delete(r.active, h.id)
	}
	if r.draining[h.id] == h {
		delete(r.draining, h.id)
	}
	r.mu.Unlock()

	metrics.WorkerStopped(string(h.meta.Kind))
	r.log.Debugw("Worker deregistered", "id", h.id, "kind", h.meta.Kind)
}

// detach moves an active handle to the draining set.
func (r *Registry) detach(id string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.active[id]
	if !ok {
		return nil, false
	}
	delete(r.active, id)
	r.draining[id] = h
	return h, true
}

// Stop asks the worker for id to finish at its next loop boundary.
func (r *Registry) Stop(id string) error {
	h, ok := r.detach(id)
	if !ok {
		return ErrNotRunning
	}
	h.signal()
	return nil
}

// ForceStop cancels the worker's context so blocked calls return
// immediately. It also applies to a worker that is already draining.
func (r *Registry) ForceStop(id string) error {
	h, ok := r.detach(id)
	if !ok {
		r.mu.Lock()
		h, ok = r.draining[id]
		r.mu.Unlock()
		if !ok {
			return ErrNotRunning
		}
	}
	h.signal()
	h.cancel()
	return nil
}

// StopAll signals every active worker and returns how many were signalled.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.active))
	for id, h := range r.active {
		delete(r.active, id)
		r.draining[id] = h
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.signal()
	}
	return len(handles)
}

// IsRunning reports the metadata of an active (not draining) worker.
func (r *Registry) IsRunning(id string) (Meta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.active[id]
	if !ok {
		return Meta{}, false
	}
	return h.meta, true
}

// Done returns a channel closed once the worker for id has returned. For an
// unknown id the channel is already closed.
func (r *Registry) Done(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.active[id]; ok {
		return h.done
	}
	if h, ok := r.draining[id]; ok {
		return h.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Active lists ids of active workers of the given kind; an empty kind matches all.
func (r *Registry) Active(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, h := range r.active {
		if kind == "" || h.meta.Kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// Wait blocks until every worker has returned or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every worker cooperatively, waits up to grace, then
// force-stops whatever is left and waits for it to return.
func (r *Registry) Shutdown(grace time.Duration) {
	r.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := r.Wait(ctx); err == nil {
		return
	}

	r.mu.Lock()
	remaining := make([]*handle, 0, len(r.draining))
	for _, h := range r.draining {
		remaining = append(remaining, h)
	}
	r.mu.Unlock()

	r.log.Warnw("Force stopping workers after grace period", "count", len(remaining), "grace", grace)
	for _, h := range remaining {
		h.cancel()
	}
	r.wg.Wait()
}

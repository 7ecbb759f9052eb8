package callback

import "payment_emulator/models"

// Queue is an unbounded FIFO between the HTTP handlers and the processor.
// Push never waits on the consumer.
type Queue struct {
	in  chan models.Callback
	out chan models.Callback
}

func NewQueue() *Queue {
	q := &Queue{
		in:  make(chan models.Callback),
		out: make(chan models.Callback),
	}
	go q.pump()
	return q
}

func (q *Queue) Push(cb models.Callback) { q.in <- cb }

// Out yields callbacks in arrival order and is closed after Close once the
// backlog is drained.
func (q *Queue) Out() <-chan models.Callback { return q.out }

// Close stops accepting callbacks. Push must not be called afterwards.
func (q *Queue) Close() { close(q.in) }

func (q *Queue) pump() {
	var pending []models.Callback
	in := q.in
	for in != nil || len(pending) > 0 {
		var (
			out  chan models.Callback
			next models.Callback
		)
		if len(pending) > 0 {
			out, next = q.out, pending[0]
		}
		select {
		case cb, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, cb)
		case out <- next:
			pending[0] = models.Callback{}
			pending = pending[1:]
		}
	}
	close(q.out)
}

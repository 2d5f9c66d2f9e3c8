package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-board/types"
)

var ErrQueueClosed = errors.New("write queue closed")

type job struct {
	name    string
	roomId  string
	run     func(Persister) error
	barrier chan struct{}
}

// WriteBehind applies writes to a Persister on a single worker goroutine, so callers never block on storage.
// Writes are enqueued without blocking; when the queue is full the write is dropped and logged.
type WriteBehind struct {
	persister Persister
	logger    hclog.Logger
	jobs      chan job
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewWriteBehind(persister Persister, queueSize int, logger hclog.Logger) *WriteBehind {
	if queueSize <= 0 {
		queueSize = 1
	}
	w := &WriteBehind{
		persister: persister,
		logger:    logger,
		jobs:      make(chan job, queueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *WriteBehind) run() {
	defer w.wg.Done()
	for j := range w.jobs {
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		if err := j.run(w.persister); err != nil {
			w.logger.Error("could not persist", "op", j.name, "room", j.roomId, "error", err)
		}
	}
}

func (w *WriteBehind) enqueue(j job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("write queue closed, dropping write", "op", j.name, "room", j.roomId)
		return false
	}
	select {
	case w.jobs <- j:
		return true
	default:
		w.logger.Warn("write queue full, dropping write", "op", j.name, "room", j.roomId)
		return false
	}
}

func (w *WriteBehind) StoreRoom(room types.RoomRecord) bool {
	return w.enqueue(job{name: "store room", roomId: room.Id, run: func(p Persister) error {
		return p.StoreRoom(room)
	}})
}

func (w *WriteBehind) StoreStroke(stroke types.StrokeRecord) bool {
	return w.enqueue(job{name: "store stroke", roomId: stroke.RoomId, run: func(p Persister) error {
		return p.StoreStroke(stroke)
	}})
}

func (w *WriteBehind) DeleteStrokes(roomId string, strokeIds []string) bool {
	ids := append([]string(nil), strokeIds...)
	return w.enqueue(job{name: "delete strokes", roomId: roomId, run: func(p Persister) error {
		return p.DeleteStrokes(roomId, ids)
	}})
}

func (w *WriteBehind) StoreCode(code types.CodeRecord) bool {
	return w.enqueue(job{name: "store code", roomId: code.RoomId, run: func(p Persister) error {
		return p.StoreCode(code)
	}})
}

// Flush blocks until every write enqueued before the call has been applied.
func (w *WriteBehind) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrQueueClosed
	}
	select {
	case w.jobs <- job{name: "flush", barrier: barrier}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and waits until the queue is drained. It does not close the Persister.
func (w *WriteBehind) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}

package journal

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueue is the number of events buffered between the loop and the database.
const DefaultQueue = 256

// Sink persists events. *Store satisfies it.
type Sink interface {
	InsertEvent(ctx context.Context, e Event) error
}

// Writer moves events from the session loop to a Sink on its own goroutine.
// Record never blocks: when the queue is full the event is dropped.
type Writer struct {
	sink   Sink
	events chan Event
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	dropped atomic.Int64
	written atomic.Int64
}

type WriterOption func(*Writer)

func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

func WithQueue(n int) WriterOption {
	return func(w *Writer) { w.events = make(chan Event, max(n, 1)) }
}

func NewWriter(sink Sink, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:   sink,
		events: make(chan Event, DefaultQueue),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record queues e. It reports false when the event was dropped.
func (w *Writer) Record(e Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.events <- e:
		return true
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("journal queue full, dropping event", "seq", e.Seq, "dropped", n)
		return false
	}
}

// Close stops accepting events. Run drains what is queued and returns.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
}

// Run writes queued events until Close or ctx is cancelled. Insert failures
// are logged and do not stop the writer.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.events:
			if !ok {
				return nil
			}
			if err := w.sink.InsertEvent(ctx, e); err != nil {
				w.logger.Warn("journal insert failed", "seq", e.Seq, "error", err)
				continue
			}
			w.written.Add(1)
		}
	}
}

// Dropped returns how many events never reached the sink queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written returns how many events the sink accepted.
func (w *Writer) Written() int64 { return w.written.Load() }

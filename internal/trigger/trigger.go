// Package trigger implements the enrollment button: an asynchronous,
// debounced, coalescing edge handler and the single consumption point used by
// the session loop.
//
// The armed flag is the only state shared between the edge source and the
// loop. It is an atomic.Bool: Edge stores true, Consume swaps true for false.
package trigger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDebounce is the bounce window applied to button edges.
const DefaultDebounce = 50 * time.Millisecond

// Trigger is a two-state (idle, armed) enrollment request flag.
type Trigger struct {
	armed    atomic.Bool
	lastEdge atomic.Int64 // unix nanos of the last accepted edge, 0 before the first
	debounce time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithDebounce sets the bounce window. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(t *Trigger) {
		if d >= 0 {
			t.debounce = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(t *Trigger) {
		t.clock = c
	}
}

// WithLogger sets the logger used for accepted and ignored edges.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) {
		t.logger = l
	}
}

// New returns an idle Trigger.
func New(opts ...Option) *Trigger {
	t := &Trigger{
		debounce: DefaultDebounce,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Edge handles one button edge. Edges inside the debounce window of the last
// accepted edge are ignored. An accepted edge arms the trigger; arming an
// already armed trigger has no further effect. Edge reports whether the edge
// was accepted. It is safe to call from any goroutine.
func (t *Trigger) Edge() bool {
	now := t.clock.Now().UnixNano()
	for {
		last := t.lastEdge.Load()
		if last != 0 && time.Duration(now-last) < t.debounce {
			t.logger.Debug("trigger edge ignored", "reason", "debounce")
			return false
		}
		if t.lastEdge.CompareAndSwap(last, now) {
			break
		}
	}
	if t.armed.Swap(true) {
		t.logger.Debug("trigger edge coalesced", "reason", "already armed")
	} else {
		t.logger.Info("enrollment armed")
	}
	return true
}

// Consume disarms the trigger and reports whether it was armed. The session
// loop calls it once per digested face; only the first caller after an edge
// sees true.
func (t *Trigger) Consume() bool {
	return t.armed.CompareAndSwap(true, false)
}

// Armed reports the current state without consuming it.
func (t *Trigger) Armed() bool {
	return t.armed.Load()
}

// Watch feeds edges from src into the trigger until ctx is done or src is closed.
func (t *Trigger) Watch(ctx context.Context, src <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-src:
			if !ok {
				return nil
			}
			t.Edge()
		}
	}
}

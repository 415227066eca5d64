package trigger

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
)

// LineSource emits one edge per line read from r, e.g. the Enter key on a
// console. The channel closes when r is exhausted or ctx is done.
func LineSource(ctx context.Context, r io.Reader) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SignalSource emits one edge per delivery of any of sigs (typically SIGUSR1).
// The channel closes when ctx is done.
func SignalSource(ctx context.Context, sigs ...os.Signal) <-chan struct{} {
	in := make(chan os.Signal, 1)
	signal.Notify(in, sigs...)

	out := make(chan struct{})
	go func() {
		defer close(out)
		defer signal.Stop(in)
		for {
			select {
			case <-ctx.Done():
				return
			case <-in:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Merge fans several edge sources into one channel that closes after all inputs close.
func Merge(ctx context.Context, srcs ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	done := make(chan struct{}, len(srcs))
	for _, src := range srcs {
		go func(src <-chan struct{}) {
			defer func() { done <- struct{}{} }()
			for range src {
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}(src)
	}
	go func() {
		for range srcs {
			<-done
		}
		close(out)
	}()
	return out
}

// Package stream provides a pull-driven rewriting primitive for typed streams.
//
// DESIGN: Every response transform in the gateway (tool interception, usage
// capture) is a Step run by Rewrite. A single producer goroutine pulls from the
// source, so a Step never runs concurrently with itself and per-stream state
// closed over by the Step needs no locking.
//
// Termination rules:
//   - io.EOF from the source ends the output with io.EOF
//   - cancellation-class errors (see IsCancellation) end the output cleanly
//   - any other error, or a panic inside the Step, becomes the terminal error
//   - Close on the output stops pulling and releases the source
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

// ErrClosed is returned by Emit once the consumer has closed the output.
var ErrClosed = errors.New("stream: closed")

// Reader is a finite sequence of items. Recv returns io.EOF at the end.
type Reader[T any] interface {
	Recv() (T, error)
	Close() error
}

// Emit hands one item to the consumer, blocking until it is taken.
type Emit[T any] func(T) error

// Step transforms one input item. It may call emit any number of times; when
// ok is true the returned value is enqueued after anything emitted.
type Step[In, Out any] func(ctx context.Context, item In, emit Emit[Out]) (out Out, ok bool, err error)

// IsCancellation reports whether err means the consumer or the upstream went
// away, which ends a stream without surfacing an error.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrBodyReadAfterClose)
}

// Rewrite runs step over every item of src and returns the transformed stream.
func Rewrite[In, Out any](ctx context.Context, src Reader[In], step Step[In, Out]) Reader[Out] {
	ctx, cancel := context.WithCancel(ctx)
	oc := &onceCloser[In]{Reader: src}
	r := &rewriter[Out]{
		out:    make(chan Out),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		cancel: cancel,
		src:    oc,
	}
	go run(ctx, r, oc, step)
	return r
}

type rewriter[T any] struct {
	out       chan T
	done      chan struct{} // closed by the producer on exit
	closed    chan struct{} // closed by the consumer
	closeOnce sync.Once
	cancel    context.CancelFunc
	src       io.Closer
	err       error // written before done is closed
}

func run[In, Out any](ctx context.Context, r *rewriter[Out], src Reader[In], step Step[In, Out]) {
	defer close(r.done)
	defer func() { _ = src.Close() }()

	emit := func(v Out) error {
		select {
		case r.out <- v:
			return nil
		case <-r.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-r.closed:
			return
		default:
		}

		item, err := src.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !IsCancellation(err) {
				r.err = err
			}
			return
		}

		v, ok, err := safeStep(ctx, step, item, emit)
		if err != nil {
			if !IsCancellation(err) {
				r.err = err
			}
			return
		}
		if !ok {
			continue
		}
		if err := emit(v); err != nil {
			if !IsCancellation(err) {
				r.err = err
			}
			return
		}
	}
}

func safeStep[In, Out any](ctx context.Context, step Step[In, Out], item In, emit Emit[Out]) (out Out, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stream: step panicked: %v", p)
		}
	}()
	return step(ctx, item, emit)
}

func (r *rewriter[T]) Recv() (T, error) {
	var zero T
	select {
	case <-r.closed:
		return zero, ErrClosed
	default:
	}
	select {
	case v := <-r.out:
		return v, nil
	case <-r.done:
		if r.err != nil {
			return zero, r.err
		}
		return zero, io.EOF
	case <-r.closed:
		return zero, ErrClosed
	}
}

// Close stops the pipeline and releases the source. It does not wait for the
// producer goroutine to exit.
func (r *rewriter[T]) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.cancel()
		_ = r.src.Close()
	})
	return nil
}

// onceCloser lets the producer and the consumer both close the source.
type onceCloser[T any] struct {
	Reader[T]
	once sync.Once
	err  error
}

func (o *onceCloser[T]) Close() error {
	o.once.Do(func() { o.err = o.Reader.Close() })
	return o.err
}

// =============================================================================
// HELPERS
// =============================================================================

type sliceReader[T any] struct {
	items []T
	pos   int
	mu    sync.Mutex
}

// FromSlice returns a Reader yielding items in order.
func FromSlice[T any](items ...T) Reader[T] {
	return &sliceReader[T]{items: items}
}

func (s *sliceReader[T]) Recv() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if s.pos >= len(s.items) {
		return zero, io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}

func (s *sliceReader[T]) Close() error { return nil }

// Collect drains r and closes it. It returns the items read before any error.
func Collect[T any](r Reader[T]) ([]T, error) {
	defer func() { _ = r.Close() }()
	var out []T
	for {
		v, err := r.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Package pipeline decouples transport I/O from business processing. Many
// producers publish entries into a fixed ring of reusable slots; a single
// consumer goroutine drains them in publish order and hands each one to the
// dispatch handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-sessionhub/logger"
)

var (
	// ErrFull is returned by Publish when no slot is free.
	ErrFull = errors.New("pipeline full")

	// ErrStopped is returned by Publish once Stop has been called.
	ErrStopped = errors.New("pipeline stopped")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrConsumerExited is returned by Publish, and reported by Err, once the
	// consumer goroutine has left its loop without being stopped.
	ErrConsumerExited = errors.New("pipeline consumer exited unexpectedly")
)

// HandlerFunc processes one entry on the consumer goroutine. The entry is
// only valid for the duration of the call.
type HandlerFunc func(e *Entry)

// Pipeline is a bounded multi-producer, single-consumer event queue.
type Pipeline struct {
	logger  logger.Logger
	handler HandlerFunc

	mu    sync.Mutex
	slots []Entry
	head  int
	count int

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopping atomic.Bool
	dead     atomic.Bool

	failMu  sync.Mutex
	failErr error
	onFatal func(error)
}

// New creates a pipeline with capacity slots that dispatches to handler.
//
// Parameters:
//   - capacity: Number of slots; must be positive
//   - handler: Dispatch function run on the consumer goroutine
//   - log: Logger for handler failures
//
// Returns:
//   - The pipeline, or an error for invalid arguments
func New(capacity int, handler HandlerFunc, log logger.Logger) (*Pipeline, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pipeline capacity must be positive, got %d", capacity)
	}
	if handler == nil {
		return nil, errors.New("pipeline handler is required")
	}

	return &Pipeline{
		logger:  log.With(logger.Field{Key: "component", Value: "pipeline"}),
		handler: handler,
		slots:   make([]Entry, capacity),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// OnFatal registers fn to be called if the consumer goroutine terminates
// abnormally. Must be called before Start.
func (p *Pipeline) OnFatal(fn func(error)) {
	p.onFatal = fn
}

// Start launches the consumer goroutine.
func (p *Pipeline) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go p.consume()
	return nil
}

// Publish claims the next free slot, lets prepare fill it, and wakes the
// consumer. It never blocks on the consumer. prepare runs under the queue
// lock and must be cheap.
//
// Parameters:
//   - prepare: Fills the claimed entry
//
// Returns:
//   - ErrFull when the ring has no free slot, ErrStopped after Stop,
//     ErrConsumerExited once the consumer is gone
func (p *Pipeline) Publish(prepare func(e *Entry)) error {
	if p.stopping.Load() {
		return ErrStopped
	}
	if p.dead.Load() {
		return ErrConsumerExited
	}

	p.mu.Lock()
	if p.count == len(p.slots) {
		p.mu.Unlock()
		return ErrFull
	}

	idx := (p.head + p.count) % len(p.slots)
	prepare(&p.slots[idx])
	p.count++
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}

	return nil
}

// BufferSize returns the total number of slots.
func (p *Pipeline) BufferSize() int {
	return len(p.slots)
}

// RemainingCapacity returns the number of free slots.
func (p *Pipeline) RemainingCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - p.count
}

// Err returns the error that terminated the consumer, if any.
func (p *Pipeline) Err() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failErr
}

// Stop refuses further publishing, lets the consumer drain queued entries
// and waits for it to exit or for ctx to expire.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.stopping.CompareAndSwap(false, true) {
		return nil
	}

	close(p.stop)
	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
}

// consume is the single consumer loop. Any exit other than a drained Stop,
// including a handler calling runtime.Goexit, is fatal.
func (p *Pipeline) consume() {
	defer close(p.done)
	drainedStop := false
	defer func() {
		if r := recover(); r != nil {
			p.fail(fmt.Errorf("pipeline consumer crashed: %v", r))
			return
		}
		if !drainedStop {
			p.fail(ErrConsumerExited)
		}
	}()

	for {
		p.mu.Lock()
		if p.count == 0 {
			p.mu.Unlock()
			select {
			case <-p.notify:
				continue
			case <-p.stop:
				if p.drained() {
					drainedStop = true
					return
				}
				continue
			}
		}

		e := &p.slots[p.head]
		p.mu.Unlock()

		p.dispatch(e)

		p.mu.Lock()
		e.reset()
		p.head = (p.head + 1) % len(p.slots)
		p.count--
		p.mu.Unlock()
	}
}

// dispatch runs the handler for one entry, isolating panics.
func (p *Pipeline) dispatch(e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("entry handler panicked",
				logger.Field{Key: "kind", Value: e.Kind.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
				logger.Field{Key: "stack", Value: string(debug.Stack())},
			)
		}
	}()

	p.handler(e)
}

func (p *Pipeline) drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count == 0
}

func (p *Pipeline) fail(err error) {
	p.dead.Store(true)
	p.failMu.Lock()
	p.failErr = err
	p.failMu.Unlock()

	p.logger.Error("pipeline consumer terminated", logger.Field{Key: "error", Value: err})
	if p.onFatal != nil {
		p.onFatal(err)
	}
}

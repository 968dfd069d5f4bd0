// Package stream provides an ordered asynchronous execution queue. Work
// enqueued on one stream runs in submission order on a single goroutine;
// callers observe completion through events or Synchronize.
//
// A failing operation faults the stream. The fault is sticky: later
// operations are skipped, further Enqueue calls are refused and every
// subsequent wait reports the original error. Enqueued work is never
// cancelled.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/logger"
)

var (
	// ErrFaulted is returned once an operation on the stream has failed.
	ErrFaulted = errors.New("stream: faulted")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("stream: closed")
)

// Op is one unit of enqueued work. The context is the stream's own; it is
// never cancelled while the stream is open.
type Op func(ctx context.Context) error

// Event marks a point in a stream.
type Event struct {
	done chan struct{}
	err  error
}

// Done is closed once every operation enqueued before the event finished.
func (e *Event) Done() <-chan struct{} { return e.done }

// Wait blocks until the event completes or ctx ends. It returns the stream
// fault, if any, observed when the event was reached.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item struct {
	name  string
	op    Op
	event *Event
}

// Stream is an ordered queue drained by one goroutine.
type Stream struct {
	name string
	log  logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	fault  error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

// New starts a stream.
func New(name string, log logger.Logger) *Stream {
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		name:   name,
		log:    log.With(logger.ScopeKey, name),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Enqueue appends op and returns without waiting for it.
func (s *Stream) Enqueue(name string, op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.fault != nil {
		return s.faultErrLocked()
	}
	s.queue = append(s.queue, item{name: name, op: op})
	s.cond.Signal()
	return nil
}

// Record inserts an event after everything enqueued so far.
func (s *Stream) Record() *Event {
	e := &Event{done: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && len(s.queue) == 0 {
		e.err = s.faultErrLocked()
		close(e.done)
		return e
	}
	s.queue = append(s.queue, item{event: e})
	s.cond.Signal()
	return e
}

// Synchronize waits for all enqueued work and returns the stream status.
func (s *Stream) Synchronize(ctx context.Context) error {
	return s.Record().Wait(ctx)
}

// Status returns nil while the stream is healthy and an ErrFaulted error
// wrapping the first failure afterwards.
func (s *Stream) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faultErrLocked()
}

func (s *Stream) faultErrLocked() error {
	if s.fault == nil {
		return nil
	}
	return &FaultError{Stream: s.name, Cause: s.fault}
}

// Close drains the queue and stops the stream goroutine. It returns the
// stream status.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	<-s.exited
	s.cancel()
	return s.Status()
}

func (s *Stream) run() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue[0] = item{}
		s.queue = s.queue[1:]
		faulted := s.fault != nil
		s.mu.Unlock()

		if it.event != nil {
			s.mu.Lock()
			it.event.err = s.faultErrLocked()
			s.mu.Unlock()
			close(it.event.done)
			continue
		}
		if faulted {
			s.log.Debug("skipping operation on faulted stream", "op", it.name)
			continue
		}
		if err := s.exec(it); err != nil {
			s.log.Warn("stream operation failed", "op", it.name, "error", err)
			s.mu.Lock()
			if s.fault == nil {
				s.fault = err
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stream) exec(it item) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = executionError(it.name, rec)
		}
	}()
	if err := it.op(s.ctx); err != nil {
		return errors.Wrap(err, it.name)
	}
	return nil
}

func executionError(op string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return errors.Wrapf(recErr, "%s: execution panicked", op)
	}
	return errors.Errorf("%s: execution panicked: %v", op, rec)
}

// FaultError reports the failure that faulted a stream.
type FaultError struct {
	Stream string
	Cause  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("stream %s faulted: %v", e.Stream, e.Cause)
}

// Unwrap exposes the cause so errors.Is matches both it and ErrFaulted.
func (e *FaultError) Unwrap() []error { return []error{ErrFaulted, e.Cause} }

// ABOUTME: Single-goroutine event loop that owns all host shell state.
// ABOUTME: Async results and plugin callbacks are posted to it; host operations run on it synchronously.

package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrLoopClosed is returned when using a closed loop.
	ErrLoopClosed = errors.New("host loop is closed")

	// ErrLoopFull is returned by Post when the queue has no room.
	ErrLoopFull = errors.New("host loop queue full")
)

const (
	taskPending int32 = iota
	taskRunning
	taskCancelled
)

type task struct {
	fn     func() error
	result chan error
	state  atomic.Int32
}

// claim moves a pending task to running. It fails once the caller gave up on it.
func (t *task) claim() bool {
	return t.state.CompareAndSwap(taskPending, taskRunning)
}

// cancel withdraws a task that has not started yet.
func (t *task) cancel() bool {
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}

// Loop serializes host work through one goroutine.
type Loop struct {
	queue     chan *task
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewLoop creates a loop buffering up to queueSize tasks.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Loop{
		queue: make(chan *task, queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx ends or Close is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain(ctx.Err())
			return
		case <-l.done:
			l.drain(ErrLoopClosed)
			return
		case t := <-l.queue:
			if t.claim() {
				t.result <- execute(t.fn)
			} else {
				t.result <- context.Canceled
			}
			close(t.result)
		}
	}
}

func execute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host task panicked: %v", r)
		}
	}()
	return fn()
}

func (l *Loop) drain(err error) {
	for {
		select {
		case t := <-l.queue:
			t.result <- err
			close(t.result)
		default:
			return
		}
	}
}

// Do runs fn on the loop and waits for it. Must not be called from a loop task.
//
// If ctx ends while fn is still queued, fn is withdrawn and never runs, and Do
// returns ctx.Err(). Once fn has started, Do waits for it and returns its result,
// so an error from Do always means fn took no effect.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}

	t := &task{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopClosed
	case l.queue <- t:
	}

	select {
	case <-ctx.Done():
		if t.cancel() {
			return ctx.Err()
		}
	case err, ok := <-t.result:
		if !ok {
			return ErrLoopClosed
		}
		return err
	}

	// fn was already running when ctx ended.
	err, ok := <-t.result
	if !ok {
		return ErrLoopClosed
	}
	return err
}

// Post queues fn without waiting. Safe to call from loop tasks and plugin callbacks.
func (l *Loop) Post(fn func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}

	t := &task{fn: func() error { fn(); return nil }, result: make(chan error, 1)}
	select {
	case <-l.done:
		return ErrLoopClosed
	case l.queue <- t:
		return nil
	default:
		return ErrLoopFull
	}
}

// Close stops the loop. Queued tasks fail with ErrLoopClosed.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

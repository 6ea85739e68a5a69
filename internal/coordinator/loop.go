package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"leaudio-groupd/internal/group"
)

// ErrLoopStopped is returned by Do once the loop has exited.
var ErrLoopStopped = errors.New("coordinator: loop stopped")

// Loop runs posted tasks one at a time on a single goroutine. Post never
// blocks, so transport callbacks may post from any goroutine, including the
// loop itself.
type Loop struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	// after runs once per task, on the loop goroutine.
	after func()

	stopped chan struct{}
	once    sync.Once
}

// NewLoop creates a loop. after may be nil.
func NewLoop(logger *slog.Logger, after func()) *Loop {
	return &Loop{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		after:   after,
		stopped: make(chan struct{}),
	}
}

// Post queues fn.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Run executes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			tasks := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, fn := range tasks {
				l.run(fn)
			}
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panic", "panic", r)
		}
	}()
	fn()
	if l.after != nil {
		l.after()
	}
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) group.Stopper {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

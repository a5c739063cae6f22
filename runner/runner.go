// Package runner runs one background unit of work and delivers its events on
// a bounded stream.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/mbox-curate/stats"
)

// Func is the body of a unit of work. It reports through emit and returns the
// terminal event of its stream.
type Func func(ctx context.Context, emit func(stats.Event)) stats.Event

// Runner owns the cancellation and event stream of one unit of work. Emitting
// never blocks: when the buffer is full the oldest queued event is discarded.
// Terminal events are never discarded and are always the last event before
// the stream closes.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events  chan stats.Event
	done    chan struct{}
	dropped atomic.Int64

	startOnce sync.Once
	terminal  stats.Event
	since     time.Time
}

func New(parent context.Context, buffer int, logger *slog.Logger) *Runner {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan stats.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Events() <-chan stats.Event {
	return r.events
}

// Go starts fn in its own goroutine. Only the first call has an effect.
func (r *Runner) Go(name string, fn Func) {
	r.startOnce.Do(func() {
		r.since = time.Now()
		go r.run(name, fn)
	})
}

func (r *Runner) run(name string, fn Func) {
	defer close(r.done)
	defer r.cancel()

	var terminal stats.Event
	func() {
		defer func() {
			if p := recover(); p != nil {
				terminal = stats.Event{Kind: stats.KindFailed, Err: fmt.Errorf("%s: panic: %v", name, p)}
			}
		}()
		terminal = fn(r.ctx, r.Emit)
	}()

	if !terminal.Terminal() {
		terminal = stats.Event{
			Stage: terminal.Stage,
			Kind:  stats.KindFailed,
			Err:   fmt.Errorf("%s: finished without a terminal event", name),
		}
	}
	if terminal.Elapsed == 0 {
		terminal.Elapsed = time.Since(r.since)
	}
	r.terminal = terminal

	r.deliver(terminal)
	close(r.events)

	if r.logger != nil {
		if dropped := r.dropped.Load(); dropped > 0 {
			r.logger.Debug("events dropped", "unit", name, "dropped", dropped)
		}
		r.logger.Debug("unit finished", "unit", name, "kind", terminal.Kind, "duration", terminal.Elapsed)
	}
}

// Emit queues evt without blocking. Terminal events must be returned from the
// Func instead of emitted.
func (r *Runner) Emit(evt stats.Event) {
	if evt.Terminal() {
		return
	}
	select {
	case r.events <- evt:
		return
	default:
	}
	r.dropOldest()
	select {
	case r.events <- evt:
	default:
		r.dropped.Add(1)
	}
}

// deliver sends evt, discarding queued events until it fits.
func (r *Runner) deliver(evt stats.Event) {
	for {
		select {
		case r.events <- evt:
			return
		default:
			r.dropOldest()
		}
	}
}

func (r *Runner) dropOldest() {
	select {
	case <-r.events:
		r.dropped.Add(1)
	default:
	}
}

// Cancel requests cooperative cancellation. It is safe to call repeatedly.
func (r *Runner) Cancel() {
	r.cancel()
}

// Done is closed once the terminal event has been queued.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the unit has finished and returns its terminal event.
func (r *Runner) Wait() stats.Event {
	<-r.done
	return r.terminal
}

// Dropped reports how many non-terminal events were discarded.
func (r *Runner) Dropped() int64 {
	return r.dropped.Load()
}

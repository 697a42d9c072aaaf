package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink consumes emitted events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Consume(ctx context.Context, e Event)
}

// Dispatcher fans events out to a sink from a background worker so emitters
// never block on slow observers. Events queued at Close time are drained
// before Close returns.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if sink == nil {
		sink = NopSink{}
	}

	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case e := <-d.ch:
			d.sink.Consume(context.Background(), e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.sink.Consume(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Emit queues an event without blocking; events are dropped (and counted)
// when the buffer is full.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- e:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close drains queued events and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Consume(context.Context, Event) {}

// SlogSink logs every event at info level.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Consume(_ context.Context, e Event) {
	attrs := []any{"event", string(e.Type), "at", e.At}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.Method != "" {
		attrs = append(attrs, "method", e.Method)
	}
	if e.Scope != "" {
		attrs = append(attrs, "scope", e.Scope)
	}
	s.Logger.Info("ceremony_event", attrs...)
}

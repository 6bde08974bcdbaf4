package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/wolfeidau/offline-cache/lifecycle"
)

// EventType names a worker event.
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
	EventSync     EventType = "sync"
)

var (
	// ErrUnknownEvent is reported for events with no registered handler.
	ErrUnknownEvent = errors.New("no handler for event")
	// ErrDispatcherClosed is reported for events dispatched after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Event is one unit of work for the worker.
type Event struct {
	Type EventType
	// Version is set for install events.
	Version *lifecycle.Version
	// Request is set for fetch events.
	Request *http.Request
	// Tag is set for sync events.
	Tag string
}

// Handler does the work of one event and returns its result.
type Handler func(ctx context.Context, ev Event) (any, error)

// Completion reports when an event's work has finished.
type Completion struct {
	done chan struct{}
	val  any
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) complete(val any, err error) {
	c.val, c.err = val, err
	close(c.done)
}

// Done is closed when the work has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the work finishes or ctx ends and returns the handler's
// result.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	ctx  context.Context
	ev   Event
	h    Handler
	comp *Completion
}

// Dispatcher routes events to handlers. Install and activate events run
// one at a time, in dispatch order, on a single loop goroutine. Fetch and
// sync events run concurrently.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[EventType]Handler
	closed   bool

	serial chan job
	wg     sync.WaitGroup
	stop   chan struct{}
	done   chan struct{}
}

// NewDispatcher creates a dispatcher and starts its loop.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:   logger.With("component", "dispatcher"),
		handlers: make(map[EventType]Handler),
		serial:   make(chan job),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// On registers h for t, replacing any previous handler.
func (d *Dispatcher) On(t EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Dispatch starts the work for ev and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Completion {
	comp := newCompletion()

	d.mu.RLock()
	h, ok := d.handlers[ev.Type]
	closed := d.closed
	if !closed {
		d.wg.Add(1)
	}
	d.mu.RUnlock()

	if closed {
		comp.complete(nil, ErrDispatcherClosed)
		return comp
	}
	if !ok {
		d.wg.Done()
		comp.complete(nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type))
		return comp
	}

	j := job{ctx: ctx, ev: ev, h: h, comp: comp}
	switch ev.Type {
	case EventInstall, EventActivate:
		go func() {
			select {
			case d.serial <- j:
			case <-ctx.Done():
				d.wg.Done()
				comp.complete(nil, ctx.Err())
			case <-d.stop:
				d.wg.Done()
				comp.complete(nil, ErrDispatcherClosed)
			}
		}()
	default:
		go d.run(j)
	}
	return comp
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case j := <-d.serial:
			d.run(j)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) run(j job) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "event", j.ev.Type, "panic", r)
			j.comp.complete(nil, fmt.Errorf("%s handler panicked: %v", j.ev.Type, r))
		}
	}()

	if err := j.ctx.Err(); err != nil {
		j.comp.complete(nil, err)
		return
	}
	val, err := j.h(j.ctx, j.ev)
	if err != nil {
		d.logger.Debug("event failed", "event", j.ev.Type, "error", err)
	}
	j.comp.complete(val, err)
}

// Close stops accepting events and waits for dispatched work to finish.
// Queued install and activate events that have not started are abandoned.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stop)
	<-d.done
	d.wg.Wait()
}

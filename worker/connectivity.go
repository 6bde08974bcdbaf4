package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks whether the origin is reachable.
type Prober interface {
	Probe(ctx context.Context, path string) error
}

// Connectivity probes the origin on an interval and calls onOnline on every
// transition to online. The state starts unknown, so the first successful
// probe also counts as a transition and drains anything queued while the
// process was down.
type Connectivity struct {
	prober   Prober
	path     string
	interval time.Duration
	onOnline func(ctx context.Context)
	logger   *slog.Logger

	mu      sync.Mutex
	known   bool
	online  bool
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewConnectivity creates a monitor probing path every interval.
func NewConnectivity(prober Prober, path string, interval time.Duration, onOnline func(ctx context.Context), logger *slog.Logger) *Connectivity {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if path == "" {
		path = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connectivity{
		prober:   prober,
		path:     path,
		interval: interval,
		onOnline: onOnline,
		logger:   logger.With("component", "connectivity"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Online reports the last observed state. It is false until a probe has
// succeeded.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Check probes once, records the state and fires onOnline on an
// offline to online transition.
func (c *Connectivity) Check(ctx context.Context) bool {
	err := c.prober.Probe(ctx, c.path)
	online := err == nil

	c.mu.Lock()
	transition := online && (!c.known || !c.online)
	changed := !c.known || c.online != online
	c.known = true
	c.online = online
	c.mu.Unlock()

	if changed {
		if online {
			c.logger.Info("origin reachable")
		} else {
			c.logger.Warn("origin unreachable", "error", err)
		}
	}
	if transition && c.onOnline != nil {
		c.onOnline(ctx)
	}
	return online
}

// Start begins probing in the background.
func (c *Connectivity) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Connectivity) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Stop stops probing and waits for the loop to exit.
func (c *Connectivity) Stop() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

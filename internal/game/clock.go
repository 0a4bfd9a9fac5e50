package game

import (
	"context"
	"sync"
	"time"
)

// Clock drives State.Tick at a fixed interval. Ticks missed while stopped are not backfilled.
type Clock struct {
	state *State
	every time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClock(state *State, every time.Duration) *Clock {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	return &Clock{state: state, every: every}
}

func (c *Clock) Interval() time.Duration {
	return c.every
}

// Start begins ticking until Stop is called or ctx ends. Starting a running clock is a no-op.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		select {
		case <-c.done:
		default:
			return
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(runCtx, done)
}

// Stop halts the clock and waits for the tick goroutine to exit. Stopping twice is safe.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Clock) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.state.Tick(c.every)
		}
	}
}

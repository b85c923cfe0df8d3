// Package coalesce rate-limits DOM mutation notifications with a
// trailing-edge debounce keyed by preview surface.
//
// Each Schedule for a surface resets that surface's quiescence timer and
// replaces its pending payload. When the window elapses with no further
// calls the action runs exactly once with the last payload. Bursts on one
// surface never delay another.
package coalesce

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/canvasync/editor/message"
)

// DefaultWindow is the quiescence window used when none is configured.
const DefaultWindow = time.Second

// Action is the coalesced resynchronization for one surface.
type Action func(surface message.SurfaceID, m message.Mutated)

// Timer is the cancel handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through
// RealAfterFunc; tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

// RealAfterFunc schedules on the runtime timer queue.
func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type entry struct {
	timer   Timer
	payload message.Mutated
	gen     uint64
	calls   int
}

// Coalescer owns one pending task per surface.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	after   AfterFunc
	action  Action
	pending map[message.SurfaceID]*entry
	gen     uint64
	stopped bool
	logger  *slog.Logger
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithWindow sets the quiescence window. Non-positive values keep the default.
func WithWindow(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithAfterFunc replaces the timer source.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Coalescer) { c.after = f }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coalescer) { c.logger = l }
}

// New creates a Coalescer that runs action after each surface's burst ends.
func New(action Action, opts ...Option) *Coalescer {
	c := &Coalescer{
		window:  DefaultWindow,
		after:   RealAfterFunc,
		action:  action,
		pending: make(map[message.SurfaceID]*entry),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Window returns the configured quiescence window.
func (c *Coalescer) Window() time.Duration { return c.window }

// Schedule records a mutation for surface and (re)arms its timer. It returns
// false once the Coalescer is stopped.
func (c *Coalescer) Schedule(surface message.SurfaceID, m message.Mutated) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}

	e := c.pending[surface]
	if e == nil {
		e = &entry{}
		c.pending[surface] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	c.gen++
	e.gen = c.gen
	e.payload = m
	e.calls++

	gen := e.gen
	e.timer = c.after(c.window, func() { c.fire(surface, gen) })
	return true
}

// fire runs the action if gen is still the surface's latest schedule. A
// timer that lost the race with a newer Schedule finds a different gen and
// does nothing.
func (c *Coalescer) fire(surface message.SurfaceID, gen uint64) {
	c.mu.Lock()
	e := c.pending[surface]
	if c.stopped || e == nil || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, surface)
	payload, calls := e.payload, e.calls
	c.mu.Unlock()

	c.logger.Debug("coalesce: firing", "surface", surface, "coalesced", calls, "selector", payload.Selector)
	c.action(surface, payload)
}

// Pending reports whether surface has a scheduled action.
func (c *Coalescer) Pending(surface message.SurfaceID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[surface]
	return ok
}

// Cancel drops surface's pending action, if any.
func (c *Coalescer) Cancel(surface message.SurfaceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.pending[surface]; e != nil {
		e.timer.Stop()
		delete(c.pending, surface)
	}
}

// Flush runs every pending action now, in no particular surface order. It
// must not be called from the goroutine that consumes what the actions post.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	due := make(map[message.SurfaceID]message.Mutated, len(c.pending))
	for s, e := range c.pending {
		e.timer.Stop()
		due[s] = e.payload
	}
	c.pending = make(map[message.SurfaceID]*entry)
	c.mu.Unlock()

	for s, m := range due {
		c.action(s, m)
	}
}

// Stop drops all pending actions. Later Schedule calls are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.pending {
		e.timer.Stop()
	}
	dropped := len(c.pending)
	c.pending = make(map[message.SurfaceID]*entry)
	c.stopped = true
	if dropped > 0 {
		c.logger.Debug("coalesce: stopped with pending actions dropped", "dropped", dropped)
	}
}

// Package router dispatches preview messages to per-channel handlers.
//
// One Router exists per editor session. Handlers are closures bound to the
// session's state store; the router holds no editor state itself.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hazyhaar/canvasync/editor/message"
)

// HandlerFunc handles one validated message.
type HandlerFunc func(ctx context.Context, msg message.Message)

// ErrNoHandler is returned by Dispatch when the channel has no handler.
type ErrNoHandler struct {
	Channel message.Channel
}

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("router: no handler for channel %q", e.Channel)
}

// ErrPanic wraps a panic recovered from a handler.
type ErrPanic struct {
	Channel message.Channel
	Value   any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("router: handler for %q panicked: %v", e.Channel, e.Value)
}

// Router maps channel names to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[message.Channel]HandlerFunc
	console  *ConsoleSink
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with no handlers.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[message.Channel]HandlerFunc),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.console = NewConsoleSink(r.logger)
	return r
}

// Handle registers h for channel, replacing any previous handler.
func (r *Router) Handle(channel message.Channel, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[channel] = h
	r.mu.Unlock()
}

// Registered reports whether a handler is registered for channel.
func (r *Router) Registered(channel message.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[channel]
	return ok
}

// Dispatch routes raw to its channel handler. Every failure is logged here
// exactly once and returned for the caller's information; none of them
// leaves partial state behind:
//
//   - no handler        → *ErrNoHandler, nothing invoked
//   - invalid payload   → *message.ErrMalformed, handler not invoked
//   - handler panic     → *ErrPanic, recovered
func (r *Router) Dispatch(ctx context.Context, raw message.Raw) (err error) {
	r.mu.RLock()
	h := r.handlers[raw.Channel]
	r.mu.RUnlock()

	if h == nil {
		err = &ErrNoHandler{Channel: raw.Channel}
		r.logger.ErrorContext(ctx, "router: no handler for channel",
			"channel", raw.Channel, "surface", raw.Surface)
		return err
	}

	msg, err := message.Decode(raw)
	if err != nil {
		var malformed *message.ErrMalformed
		if errors.As(err, &malformed) {
			r.logger.ErrorContext(ctx, "router: malformed payload",
				"channel", raw.Channel, "surface", raw.Surface, "reason", malformed.Reason)
		} else {
			r.logger.ErrorContext(ctx, "router: decode failed",
				"channel", raw.Channel, "surface", raw.Surface, "error", err)
		}
		return err
	}

	defer func() {
		if v := recover(); v != nil {
			err = &ErrPanic{Channel: raw.Channel, Value: v}
			r.logger.ErrorContext(ctx, "router: handler panic recovered",
				"channel", raw.Channel, "panic", v, "stack", string(debug.Stack()))
		}
	}()
	h(ctx, msg)
	return nil
}

// Console forwards a preview console line to the host log.
func (r *Router) Console(ctx context.Context, cm message.ConsoleMessage) {
	r.console.Write(ctx, cm)
}

// Package hostcall is the host-side request/response bus. Collaborators that
// live outside the synchronization core (user settings storage, the IDE
// launcher) register a Handler under a stable service name; the core calls
// them by name without knowing where they run.
//
//	bus := hostcall.New()
//	bus.RegisterLocal(hostcall.GetUserSettings, settingsStore.HandleGet)
//	resp, err := bus.Call(ctx, hostcall.GetUserSettings, nil)
package hostcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Stable service names used by the editor core.
const (
	GetUserSettings    = "get-user-settings"
	UpdateUserSettings = "update-user-settings"
	OpenInIde          = "open-in-ide"
)

// Handler is a service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router dispatches calls to registered handlers. Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	mw       HandlerMiddleware
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered after construction.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.mw = Chain(mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers (or replaces) the handler for a service.
func (r *Router) RegisterLocal(service string, h Handler) {
	if r.mw != nil {
		h = r.mw(h)
	}
	r.mu.Lock()
	r.handlers[service] = h
	r.mu.Unlock()
}

// Unregister removes a service. Unknown names are ignored.
func (r *Router) Unregister(service string) {
	r.mu.Lock()
	delete(r.handlers, service)
	r.mu.Unlock()
}

// Services lists registered service names in sorted order.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call dispatches a service call. Returns *ErrServiceNotFound when nothing
// is registered under service.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[service]
	r.mu.RUnlock()

	if h == nil {
		return nil, &ErrServiceNotFound{Service: service}
	}
	r.logger.DebugContext(ctx, "hostcall: dispatch", "service", service)
	return h(ctx, payload)
}

// CallJSON marshals req, calls service and unmarshals the response into resp.
// A nil resp discards the response body.
func (r *Router) CallJSON(ctx context.Context, service string, req, resp any) error {
	var payload []byte
	if req != nil {
		var err error
		if payload, err = json.Marshal(req); err != nil {
			return fmt.Errorf("hostcall: %s: marshal: %w", service, err)
		}
	}
	out, err := r.Call(ctx, service, payload)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("hostcall: %s: unmarshal: %w", service, err)
	}
	return nil
}

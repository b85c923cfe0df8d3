// Package editor keeps a visual editor's model in sync with its live
// preview surfaces. A Session receives channel messages from the surfaces,
// dispatches them to typed handlers, coalesces DOM mutations into subtree
// resyncs, and exposes the resulting state together with source mapping
// and IDE integration.
package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/canvasync/editor/internal/coalesce"
	"github.com/hazyhaar/canvasync/editor/internal/config"
	"github.com/hazyhaar/canvasync/editor/internal/domtree"
	"github.com/hazyhaar/canvasync/editor/internal/ide"
	"github.com/hazyhaar/canvasync/editor/internal/router"
	"github.com/hazyhaar/canvasync/editor/internal/state"
	"github.com/hazyhaar/canvasync/editor/message"
	"github.com/hazyhaar/canvasync/hostcall"
)

// Preview is what a Session needs from the surfaces it serves.
type Preview interface {
	Element(ctx context.Context, surface message.SurfaceID, selector string) (message.DomElementSnapshot, error)
	OuterHTML(ctx context.Context, surface message.SurfaceID, selector string) (string, error)
}

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("editor: session closed")

// SessionConfig configures a Session.
type SessionConfig struct {
	Preview Preview
	// Bus reaches the settings and IDE-launch collaborators.
	Bus *hostcall.Router
	// Mapper resolves selectors to source. Nil disables source lookup.
	Mapper ide.Mapper

	DebounceWindow time.Duration
	// FetchTimeout bounds each round-trip to a surface. Default: 5s.
	FetchTimeout time.Duration
	// ResyncMode is config.ResyncSubtree (default) or config.ResyncDisabled.
	ResyncMode string
	// QueueSize bounds each inbound queue. Default: 1024.
	QueueSize int
	// AfterFunc replaces the coalescer's timers (tests).
	AfterFunc coalesce.AfterFunc
	Logger    *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = coalesce.DefaultWindow
	}
	if c.ResyncMode == "" {
		c.ResyncMode = config.ResyncSubtree
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Bus == nil {
		c.Bus = hostcall.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type firedMutation struct {
	surface message.SurfaceID
	m       message.Mutated
}

// Session owns one editor's state. Every mutation runs on the loop
// goroutine started by Run; other goroutines only enqueue. Round-trips to
// surfaces run on their own goroutines and hand their result back to the
// loop, so a stalled surface never holds up the others.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	store  *state.Store
	router *router.Router
	coal   *coalesce.Coalescer
	ide    *ide.Selector

	inbound chan message.Raw
	console chan message.ConsoleMessage
	fired   chan firedMutation
	results chan func(context.Context)
	calls   chan func(context.Context)

	// Loop-owned resync bookkeeping, per surface.
	resyncing map[message.SurfaceID]uint64
	queued    map[message.SurfaceID]message.Mutated
	resyncSeq uint64

	fetchCtx    context.Context
	fetchCancel context.CancelFunc

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewSession wires a Session. Call Run to start processing.
func NewSession(cfg SessionConfig) (*Session, error) {
	cfg.defaults()
	if cfg.Preview == nil {
		return nil, fmt.Errorf("editor: session: preview is required")
	}
	if cfg.ResyncMode != config.ResyncSubtree && cfg.ResyncMode != config.ResyncDisabled {
		return nil, fmt.Errorf("editor: session: unknown resync mode %q", cfg.ResyncMode)
	}

	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		inbound: make(chan message.Raw, cfg.QueueSize),
		console: make(chan message.ConsoleMessage, cfg.QueueSize),
		fired:   make(chan firedMutation, 16),
		results: make(chan func(context.Context), cfg.QueueSize),
		calls:   make(chan func(context.Context)),

		resyncing: make(map[message.SurfaceID]uint64),
		queued:    make(map[message.SurfaceID]message.Mutated),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.fetchCtx, s.fetchCancel = context.WithCancel(context.Background())
	s.store = state.New(cfg.Preview, state.WithLogger(cfg.Logger))
	s.router = router.New(router.WithLogger(cfg.Logger))

	copts := []coalesce.Option{coalesce.WithWindow(cfg.DebounceWindow), coalesce.WithLogger(cfg.Logger)}
	if cfg.AfterFunc != nil {
		copts = append(copts, coalesce.WithAfterFunc(cfg.AfterFunc))
	}
	s.coal = coalesce.New(s.post, copts...)
	s.ide = ide.NewSelector(cfg.Bus, cfg.Mapper, ide.WithLogger(cfg.Logger))

	s.registerHandlers()
	return s, nil
}

func (s *Session) registerHandlers() {
	s.router.Handle(message.ChannelWindowResized, func(ctx context.Context, msg message.Message) {
		s.refresh(msg.Surface, state.RefreshGeometry)
	})
	s.router.Handle(message.ChannelStyleUpdated, func(ctx context.Context, msg message.Message) {
		s.refresh(msg.Surface, state.RefreshStyles)
	})
	s.router.Handle(message.ChannelWindowMutated, func(ctx context.Context, msg message.Message) {
		s.coal.Schedule(msg.Surface, msg.Payload.(message.Mutated))
	})
	s.router.Handle(message.ChannelElementInserted, func(ctx context.Context, msg message.Message) {
		s.store.SetSelectionFromInsertedElement(msg.Surface, msg.Payload.(message.Inserted).Element)
	})
}

// Store exposes the state for readers.
func (s *Session) Store() *state.Store { return s.store }

// IDE exposes the IDE selector.
func (s *Session) IDE() *ide.Selector { return s.ide }

// Inbound enqueues a surface message. It blocks while the queue is full so
// per-surface order is kept, and gives up when ctx ends or the session
// closes.
func (s *Session) Inbound(ctx context.Context, raw message.Raw) {
	select {
	case s.inbound <- raw:
	case <-ctx.Done():
	case <-s.done:
	}
}

// Console enqueues a preview console line.
func (s *Session) Console(ctx context.Context, cm message.ConsoleMessage) {
	select {
	case s.console <- cm:
	case <-ctx.Done():
	case <-s.done:
	}
}

// post hands a fired coalescer action to the loop.
func (s *Session) post(surface message.SurfaceID, m message.Mutated) {
	select {
	case s.fired <- firedMutation{surface: surface, m: m}:
	case <-s.done:
	case <-s.stopped:
	}
}

// fetch runs read against the surfaces on its own goroutine with a
// deadline. The commit it returns, if any, runs on the loop.
func (s *Session) fetch(read func(ctx context.Context) func(context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(s.fetchCtx, s.cfg.FetchTimeout)
		commit := read(ctx)
		cancel()
		if commit == nil {
			return
		}
		select {
		case s.results <- commit:
		case <-s.done:
		case <-s.stopped:
		}
	}()
}

// refresh re-reads the selection on surface off the loop. The commit is
// dropped if the selection changed in the meantime.
func (s *Session) refresh(surface message.SurfaceID, kind state.RefreshKind) {
	r, ok := s.store.BeginRefresh(surface, kind)
	if !ok {
		return
	}
	s.fetch(func(ctx context.Context) func(context.Context) {
		if r.Fetch(ctx, s.cfg.Preview, s.logger) == 0 {
			return nil
		}
		return func(context.Context) { s.store.CommitRefresh(r) }
	})
}

// Run processes messages until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.fetchCancel()
	s.logger.Info("editor: session running", "debounce", s.cfg.DebounceWindow, "resync", s.cfg.ResyncMode)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case raw := <-s.inbound:
			s.dispatch(ctx, raw)
		case cm := <-s.console:
			s.router.Console(ctx, cm)
		case f := <-s.fired:
			s.resync(ctx, f.surface, f.m)
		case commit := <-s.results:
			commit(ctx)
		case fn := <-s.calls:
			// A call sees every event queued before it.
			s.drain(ctx)
			fn(ctx)
		}
	}
}

// dispatch routes one message. Errors are logged by the router; one bad
// message never stops the loop.
func (s *Session) dispatch(ctx context.Context, raw message.Raw) {
	_ = s.router.Dispatch(ctx, raw)
}

// drain handles everything already queued without waiting for more.
func (s *Session) drain(ctx context.Context) {
	for {
		select {
		case raw := <-s.inbound:
			s.dispatch(ctx, raw)
		case cm := <-s.console:
			s.router.Console(ctx, cm)
		case f := <-s.fired:
			s.resync(ctx, f.surface, f.m)
		case commit := <-s.results:
			commit(ctx)
		default:
			return
		}
	}
}

// Do runs fn on the loop goroutine and waits for it. fn sees every message
// queued before Do was called.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context)) error {
	ran := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(ran)
		fn(c)
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resync re-derives the subtree a coalesced mutation reported. One resync
// per surface is in flight at a time; mutations fired meanwhile are merged
// into one follow-up rooted at their common ancestor.
func (s *Session) resync(ctx context.Context, surface message.SurfaceID, m message.Mutated) {
	if s.cfg.ResyncMode == config.ResyncDisabled {
		s.logger.DebugContext(ctx, "editor: resync disabled, mutation ignored", "surface", surface, "selector", m.Selector)
		return
	}
	if _, busy := s.resyncing[surface]; busy {
		if q, ok := s.queued[surface]; ok {
			m.Selector = s.store.CommonAncestor(surface, q.Selector, m.Selector)
		}
		s.queued[surface] = m
		return
	}
	s.resyncSeq++
	s.resyncing[surface] = s.resyncSeq
	s.startResync(surface, m.Selector, s.resyncSeq)
}

func (s *Session) startResync(surface message.SurfaceID, selector string, token uint64) {
	s.fetch(func(ctx context.Context) func(context.Context) {
		node, err := s.readSubtree(ctx, surface, selector)
		return func(ctx context.Context) { s.finishResync(ctx, surface, selector, token, node, err) }
	})
}

func (s *Session) readSubtree(ctx context.Context, surface message.SurfaceID, selector string) (*message.DomNode, error) {
	html, err := s.cfg.Preview.OuterHTML(ctx, surface, selector)
	if err != nil {
		return nil, err
	}
	sel := selector
	if sel == "" {
		sel = "body"
	}
	return domtree.Parse(sel, html)
}

func (s *Session) finishResync(ctx context.Context, surface message.SurfaceID, selector string, token uint64, node *message.DomNode, err error) {
	if s.resyncing[surface] != token {
		// The surface closed while the read was in flight.
		return
	}
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "editor: resync failed", "surface", surface, "selector", selector, "error", err)
	case s.store.ReplaceSubtree(surface, node):
		s.logger.DebugContext(ctx, "editor: subtree resynced", "surface", surface, "selector", node.Selector, "nodes", node.Count())
	case selector != "":
		// The node is new to the tree: fall back to the whole body.
		s.startResync(surface, "", token)
		return
	default:
		s.logger.WarnContext(ctx, "editor: body not accepted", "surface", surface)
	}

	if q, ok := s.queued[surface]; ok {
		delete(s.queued, surface)
		s.startResync(surface, q.Selector, token)
		return
	}
	delete(s.resyncing, surface)
}

// ResyncSurface rebuilds surface's whole tree. Use it once a surface has
// loaded.
func (s *Session) ResyncSurface(ctx context.Context, surface message.SurfaceID) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	node, err := s.readSubtree(rctx, surface, "")
	cancel()
	if err != nil {
		return err
	}
	return s.Do(ctx, func(context.Context) { s.store.SetDom(surface, node) })
}

// SurfaceClosed drops a surface's pending mutation and state.
func (s *Session) SurfaceClosed(ctx context.Context, surface message.SurfaceID) error {
	return s.Do(ctx, func(context.Context) {
		s.coal.Cancel(surface)
		delete(s.resyncing, surface)
		delete(s.queued, surface)
		s.store.RemoveSurface(surface)
	})
}

// FlushMutations resyncs every pending mutation now instead of at the end
// of its window. Call it from outside the loop goroutine.
func (s *Session) FlushMutations() { s.coal.Flush() }

// Select replaces the selection on surface by reading each selector from
// the preview. Unreadable selectors are skipped.
func (s *Session) Select(ctx context.Context, surface message.SurfaceID, selectors []string) ([]message.DomElementSnapshot, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	var picked []message.DomElementSnapshot
	for _, sel := range selectors {
		el, err := s.cfg.Preview.Element(rctx, surface, sel)
		if err != nil {
			s.logger.WarnContext(ctx, "editor: select skipped", "surface", surface, "selector", sel, "error", err)
			continue
		}
		picked = append(picked, el)
	}
	cancel()
	err := s.Do(ctx, func(context.Context) { s.store.Select(surface, picked) })
	return picked, err
}

// ClearSelection empties the selection.
func (s *Session) ClearSelection(ctx context.Context) error {
	return s.Do(ctx, func(context.Context) { s.store.ClearSelection() })
}

// SetMode changes the editor mode.
func (s *Session) SetMode(ctx context.Context, m message.EditorMode) error {
	if !m.Valid() {
		return fmt.Errorf("editor: unknown mode %q", m)
	}
	return s.Do(ctx, func(context.Context) { s.store.SetMode(m) })
}

// ResolveSource maps the current selection to source.
func (s *Session) ResolveSource(ctx context.Context) message.SourcePair {
	_, sel := s.store.Selection()
	return s.ide.ResolveSourceForSelection(ctx, sel)
}

// OpenSource opens the selection's source in the active IDE.
func (s *Session) OpenSource(ctx context.Context, target ide.Target) (*message.TemplateNode, error) {
	_, sel := s.store.Selection()
	return s.ide.OpenTarget(ctx, sel, target)
}

// Close drops pending mutations, waits for settings writes, stops the loop
// and closes the preview if it is closable. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.coal.Stop()
		s.ide.Wait()
		close(s.done)
		s.fetchCancel()
		if c, ok := s.cfg.Preview.(io.Closer); ok {
			err = c.Close()
		}
		s.logger.Info("editor: session closed")
	})
	return err
}

// Package state is the editor's single source of truth for selection,
// interaction mode and the per-surface element tree.
//
// All mutation goes through Store methods. Each method commits under one
// write lock, so readers never observe a mode change without the matching
// selection change, or a half-refreshed selection.
package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/canvasync/editor/message"
)

// ElementFetcher re-reads an element's current geometry and computed style
// from its preview surface.
type ElementFetcher interface {
	Element(ctx context.Context, surface message.SurfaceID, selector string) (message.DomElementSnapshot, error)
}

// State is a consistent copy of the store's fields.
type State struct {
	Mode     message.EditorMode           `json:"mode"`
	Surface  message.SurfaceID            `json:"surface,omitempty"`
	Selected []message.DomElementSnapshot `json:"selected"`
	Version  uint64                       `json:"version"`
}

// Store owns SelectionSet and EditorMode for an editor session.
type Store struct {
	mu       sync.RWMutex
	mode     message.EditorMode
	surface  message.SurfaceID
	selected []message.DomElementSnapshot
	selGen   uint64 // bumped whenever selection membership changes
	version  uint64 // bumped on every committed change
	doms     map[message.SurfaceID]*message.DomNode

	fetch  ElementFetcher
	logger *slog.Logger

	subMu sync.Mutex
	subs  map[int]chan struct{}
	subID int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMode sets the initial mode. Default: design.
func WithMode(m message.EditorMode) Option {
	return func(s *Store) { s.mode = m }
}

// New creates a Store reading element data through fetch.
func New(fetch ElementFetcher, opts ...Option) *Store {
	s := &Store{
		mode:   message.ModeDesign,
		doms:   make(map[message.SurfaceID]*message.DomNode),
		fetch:  fetch,
		logger: slog.Default(),
		subs:   make(map[int]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- reads ---

// Mode returns the current editor mode.
func (s *Store) Mode() message.EditorMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Selection returns the selection's surface and a copy of its elements in
// selection order.
func (s *Store) Selection() (message.SurfaceID, []message.DomElementSnapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.surface, cloneAll(s.selected)
}

// Snapshot returns every field under one read lock.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Mode:     s.mode,
		Surface:  s.surface,
		Selected: cloneAll(s.selected),
		Version:  s.version,
	}
}

// Dom returns a copy of surface's element tree, or nil.
func (s *Store) Dom(surface message.SurfaceID) *message.DomNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doms[surface].Clone()
}

// --- selection and mode ---

// SetSelectionFromInsertedElement makes el the only selected element,
// scoped to surface, and forces design mode in the same commit.
func (s *Store) SetSelectionFromInsertedElement(surface message.SurfaceID, el message.DomElementSnapshot) {
	s.mu.Lock()
	s.mode = message.ModeDesign
	s.setSelectionLocked(surface, []message.DomElementSnapshot{el})
	s.mu.Unlock()
	s.notify()
}

// Select replaces the selection with elements, in order, scoped to surface.
// An empty list clears it.
func (s *Store) Select(surface message.SurfaceID, elements []message.DomElementSnapshot) {
	s.mu.Lock()
	s.setSelectionLocked(surface, elements)
	s.mu.Unlock()
	s.notify()
}

// ClearSelection empties the selection.
func (s *Store) ClearSelection() {
	s.Select("", nil)
}

// SetMode changes the interaction mode. Unknown modes are ignored.
func (s *Store) SetMode(m message.EditorMode) bool {
	if !m.Valid() {
		return false
	}
	s.mu.Lock()
	changed := s.mode != m
	if changed {
		s.mode = m
		s.version++
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return true
}

func (s *Store) setSelectionLocked(surface message.SurfaceID, elements []message.DomElementSnapshot) {
	if len(elements) == 0 {
		surface = ""
	}
	s.surface = surface
	s.selected = cloneAll(elements)
	s.selGen++
	s.version++
}

// RefreshKind selects which fields a refresh copies from the fresh snapshot.
type RefreshKind int

const (
	// RefreshGeometry copies rect, styles and tag name.
	RefreshGeometry RefreshKind = iota
	// RefreshStyles copies computed styles only.
	RefreshStyles
)

// Refresh is a pending re-read of the selection on one surface. Begin it
// under the store, Fetch it anywhere, then Commit it.
type Refresh struct {
	Surface   message.SurfaceID
	Kind      RefreshKind
	Selectors []string

	gen   uint64
	fresh map[int]message.DomElementSnapshot
}

// BeginRefresh captures the selection on surface. It reports false when
// there is nothing to refresh there.
func (s *Store) BeginRefresh(surface message.SurfaceID, kind RefreshKind) (*Refresh, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.surface != surface || len(s.selected) == 0 {
		return nil, false
	}
	r := &Refresh{Surface: surface, Kind: kind, gen: s.selGen, Selectors: make([]string, len(s.selected))}
	for i, el := range s.selected {
		r.Selectors[i] = el.Selector
	}
	return r, true
}

// Fetch reads every captured selector. Unreadable elements are skipped and
// keep their previous snapshot on commit. It returns how many were read.
func (r *Refresh) Fetch(ctx context.Context, fetch ElementFetcher, logger *slog.Logger) int {
	r.fresh = make(map[int]message.DomElementSnapshot, len(r.Selectors))
	for i, sel := range r.Selectors {
		el, err := fetch.Element(ctx, r.Surface, sel)
		if err != nil {
			logger.WarnContext(ctx, "state: element refresh failed",
				"surface", r.Surface, "selector", sel, "error", err)
			continue
		}
		r.fresh[i] = el.Clone()
	}
	return len(r.fresh)
}

// CommitRefresh applies a fetched refresh unless the selection membership
// changed since BeginRefresh. It returns how many elements were updated.
func (s *Store) CommitRefresh(r *Refresh) int {
	if r == nil || len(r.fresh) == 0 {
		return 0
	}
	s.mu.Lock()
	if s.selGen != r.gen {
		s.mu.Unlock()
		s.logger.Debug("state: selection changed during refresh, discarding", "surface", r.Surface)
		return 0
	}
	for i, el := range r.fresh {
		cur := &s.selected[i]
		cur.Styles = el.Styles
		if r.Kind == RefreshGeometry {
			cur.Rect = el.Rect
			if el.TagName != "" {
				cur.TagName = el.TagName
			}
		}
	}
	s.version++
	s.mu.Unlock()
	s.notify()
	return len(r.fresh)
}

// RefreshSelectedElements re-fetches geometry and style of every selected
// element on surface and commits in one step. Membership and order never
// change; an element that cannot be fetched keeps its previous snapshot.
func (s *Store) RefreshSelectedElements(ctx context.Context, surface message.SurfaceID) int {
	return s.refresh(ctx, surface, RefreshGeometry)
}

// ApplyStyleUpdate re-reads computed style for the selection on surface.
// Geometry, membership and mode are left alone.
func (s *Store) ApplyStyleUpdate(ctx context.Context, surface message.SurfaceID) int {
	return s.refresh(ctx, surface, RefreshStyles)
}

func (s *Store) refresh(ctx context.Context, surface message.SurfaceID, kind RefreshKind) int {
	r, ok := s.BeginRefresh(surface, kind)
	if !ok {
		return 0
	}
	r.Fetch(ctx, s.fetch, s.logger)
	return s.CommitRefresh(r)
}

// --- element tree ---

// SetDom replaces surface's whole element tree.
func (s *Store) SetDom(surface message.SurfaceID, root *message.DomNode) {
	s.mu.Lock()
	s.doms[surface] = root.Clone()
	s.version++
	s.mu.Unlock()
	s.notify()
}

// ReplaceSubtree splices sub into surface's tree at the node sharing its
// selector. When sub is the root it becomes the tree; with no tree yet only
// a body element is accepted. It reports false when the selector is not in
// the tree; nothing changes then.
func (s *Store) ReplaceSubtree(surface message.SurfaceID, sub *message.DomNode) bool {
	if sub == nil {
		return false
	}
	s.mu.Lock()
	root := s.doms[surface]
	switch {
	case root == nil && sub.Tag != "body":
		s.mu.Unlock()
		return false
	case root == nil || root.Selector == sub.Selector:
		s.doms[surface] = sub.Clone()
	case !root.Replace(sub.Clone()):
		s.mu.Unlock()
		return false
	}
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// CommonAncestor returns the selector of the deepest node in surface's tree
// containing both a and b. The tree root, an unknown selector or an empty
// one yields "", meaning the whole body.
func (s *Store) CommonAncestor(surface message.SurfaceID, a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	root := s.doms[surface]
	pa, pb := root.Path(a), root.Path(b)
	var common string
	for i := 0; i < len(pa) && i < len(pb) && pa[i] == pb[i]; i++ {
		common = pa[i]
	}
	if root == nil || common == root.Selector {
		return ""
	}
	return common
}

// RemoveSurface forgets a closed surface: its tree, and the selection if it
// was scoped there.
func (s *Store) RemoveSurface(surface message.SurfaceID) {
	s.mu.Lock()
	delete(s.doms, surface)
	if s.surface == surface {
		s.setSelectionLocked("", nil)
	}
	s.version++
	s.mu.Unlock()
	s.notify()
}

// --- change notifications ---

// Subscribe returns a channel signalled after every committed change.
// Signals coalesce: a slow reader sees one pending signal, then reads
// Snapshot for the latest state. Call cancel to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subID++
	id := s.subID
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func cloneAll(in []message.DomElementSnapshot) []message.DomElementSnapshot {
	if len(in) == 0 {
		return nil
	}
	out := make([]message.DomElementSnapshot, len(in))
	for i, el := range in {
		out[i] = el.Clone()
	}
	return out
}

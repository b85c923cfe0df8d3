package ide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/canvasync/editor/message"
	"github.com/hazyhaar/canvasync/editor/internal/settings"
	"github.com/hazyhaar/canvasync/hostcall"
)

// Mapper resolves selectors to source locations. A miss is (nil, nil).
type Mapper interface {
	ResolveInstance(ctx context.Context, selector string) (*message.TemplateNode, error)
	ResolveRoot(ctx context.Context, selector string) (*message.TemplateNode, error)
}

// Target picks which half of a SourcePair to open.
type Target string

const (
	TargetAuto     Target = "auto" // instance, else root
	TargetInstance Target = "instance"
	TargetRoot     Target = "root"
)

// ErrNoSource is returned by OpenTarget when the requested location is not
// known.
var ErrNoSource = errors.New("ide: no source location for selection")

// OpenRequest is the open-in-ide payload.
type OpenRequest struct {
	URL  string               `json:"url"`
	IDE  Type                 `json:"ide"`
	Node message.TemplateNode `json:"node"`
}

// Selector tracks the active IDE.
//
// SetActive updates local state immediately and persists in the background.
// A single writer goroutine persists only the latest choice, so writes never
// land out of order. Persistence failures are logged and never rolled back.
//
// LoadActive applies the persisted value only when every local choice has
// been settled by the writer and no SetActive ran during the load. Until
// then the stored value may predate the user's choice and is dropped. After
// a failed write the next load reconciles with whatever the store holds.
type Selector struct {
	bus    *hostcall.Router
	mapper Mapper
	logger *slog.Logger

	mu      sync.RWMutex
	active  Descriptor
	gen     uint64 // bumped by every SetActive
	settled uint64 // last gen the writer finished with
	writing bool

	persistTimeout time.Duration
	wg             sync.WaitGroup
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// WithPersistTimeout bounds each background settings write. Default: 10s.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Selector) { s.persistTimeout = d }
}

// NewSelector creates a Selector starting on Default.
func NewSelector(bus *hostcall.Router, mapper Mapper, opts ...Option) *Selector {
	s := &Selector{
		bus:            bus,
		mapper:         mapper,
		logger:         slog.Default(),
		active:         Default,
		persistTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Catalog returns every supported IDE.
func (s *Selector) Catalog() []Descriptor { return All() }

// Active returns the active descriptor.
func (s *Selector) Active() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// LoadActive reads the persisted IDE choice. Absent, empty or unknown
// values select Default. The result is dropped while a local choice is
// unsettled or if SetActive ran meanwhile.
func (s *Selector) LoadActive(ctx context.Context) error {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	var us settings.UserSettings
	if err := s.bus.CallJSON(ctx, hostcall.GetUserSettings, nil, &us); err != nil {
		s.logger.WarnContext(ctx, "ide: load settings failed", "error", err)
		return fmt.Errorf("ide: load active: %w", err)
	}
	d, ok := FromType(Type(us.IdeType))
	if !ok && us.IdeType != "" {
		s.logger.WarnContext(ctx, "ide: unknown persisted ide, using default", "ide_type", us.IdeType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.settled != s.gen {
		s.logger.DebugContext(ctx, "ide: stale load ignored", "loaded", d.Type, "active", s.active.Type)
		return nil
	}
	s.active = d
	return nil
}

// SetActive switches the active IDE and persists the choice without
// waiting for the result.
func (s *Selector) SetActive(ctx context.Context, d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = d
	s.gen++
	if s.writing {
		return
	}
	s.writing = true
	s.wg.Add(1)
	go s.persist(context.WithoutCancel(ctx))
}

// persist writes the latest local choice until no newer one is pending.
func (s *Selector) persist(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.settled == s.gen {
			s.writing = false
			s.mu.Unlock()
			return
		}
		gen, d := s.gen, s.active
		s.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
		req := settings.UserSettings{IdeType: string(d.Type)}
		if err := s.bus.CallJSON(pctx, hostcall.UpdateUserSettings, req, nil); err != nil {
			s.logger.Error("ide: persist active ide failed", "ide_type", d.Type, "error", err)
		}
		cancel()

		s.mu.Lock()
		s.settled = gen
		s.mu.Unlock()
	}
}

// Wait blocks until background persistence has finished.
func (s *Selector) Wait() { s.wg.Wait() }

// ResolveSourceForSelection maps the first selected element to its instance
// and root locations. An empty selection never reaches the mapper. Misses
// and mapper errors leave the matching half nil.
func (s *Selector) ResolveSourceForSelection(ctx context.Context, selection []message.DomElementSnapshot) message.SourcePair {
	var pair message.SourcePair
	if len(selection) == 0 || s.mapper == nil {
		return pair
	}
	sel := selection[0].Selector

	inst, err := s.mapper.ResolveInstance(ctx, sel)
	if err != nil {
		s.logger.WarnContext(ctx, "ide: resolve instance failed", "selector", sel, "error", err)
	} else {
		pair.Instance = inst
	}
	root, err := s.mapper.ResolveRoot(ctx, sel)
	if err != nil {
		s.logger.WarnContext(ctx, "ide: resolve root failed", "selector", sel, "error", err)
	} else {
		pair.Root = root
	}
	return pair
}

// Open asks the launcher to show node in the active IDE. Failures are
// logged and returned; callers treat them as non-fatal.
func (s *Selector) Open(ctx context.Context, node *message.TemplateNode) error {
	if node == nil {
		return ErrNoSource
	}
	d := s.Active()
	u, err := d.URL(*node)
	if err != nil {
		return err
	}
	req := OpenRequest{URL: u, IDE: d.Type, Node: *node}
	if err := s.bus.CallJSON(ctx, hostcall.OpenInIde, req, nil); err != nil {
		s.logger.ErrorContext(ctx, "ide: open failed", "url", u, "error", err)
		return fmt.Errorf("ide: open %s: %w", node, err)
	}
	s.logger.InfoContext(ctx, "ide: opened", "ide", d.Type, "node", node.String())
	return nil
}

// OpenTarget resolves selection and opens the requested half of the pair.
// It returns the node that was opened.
func (s *Selector) OpenTarget(ctx context.Context, selection []message.DomElementSnapshot, target Target) (*message.TemplateNode, error) {
	pair := s.ResolveSourceForSelection(ctx, selection)
	var node *message.TemplateNode
	switch target {
	case TargetInstance:
		node = pair.Instance
	case TargetRoot:
		node = pair.Root
	case TargetAuto, "":
		node = pair.Preferred()
	default:
		return nil, fmt.Errorf("ide: unknown target %q", target)
	}
	if node == nil {
		return nil, ErrNoSource
	}
	return node, s.Open(ctx, node)
}

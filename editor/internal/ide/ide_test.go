package ide

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/canvasync/editor/internal/settings"
	"github.com/hazyhaar/canvasync/editor/message"
	"github.com/hazyhaar/canvasync/hostcall"
)

// settingsBus is an in-memory settings collaborator.
type settingsBus struct {
	mu      sync.Mutex
	ideType string
	updates []string
	failUpd bool
}

func (b *settingsBus) router(t *testing.T) *hostcall.Router {
	t.Helper()
	r := hostcall.New()
	r.RegisterLocal(hostcall.GetUserSettings, func(_ context.Context, _ []byte) ([]byte, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		return json.Marshal(settings.UserSettings{IdeType: b.ideType})
	})
	r.RegisterLocal(hostcall.UpdateUserSettings, func(_ context.Context, p []byte) ([]byte, error) {
		var u settings.UserSettings
		if err := json.Unmarshal(p, &u); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.updates = append(b.updates, u.IdeType)
		if b.failUpd {
			return nil, errors.New("disk full")
		}
		b.ideType = u.IdeType
		return []byte(`{"ok":true}`), nil
	})
	return r
}

type fakeMapper struct {
	calls    int
	instance map[string]*message.TemplateNode
	root     map[string]*message.TemplateNode
	err      error
}

func (m *fakeMapper) ResolveInstance(_ context.Context, sel string) (*message.TemplateNode, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.instance[sel], nil
}

func (m *fakeMapper) ResolveRoot(_ context.Context, sel string) (*message.TemplateNode, error) {
	m.calls++
	return m.root[sel], nil
}

func TestFromType(t *testing.T) {
	for _, d := range All() {
		got, ok := FromType(d.Type)
		if !ok || got != d {
			t.Errorf("FromType(%q) = %v, %v", d.Type, got, ok)
		}
	}
	if got, ok := FromType("emacs"); ok || got != VSCode {
		t.Errorf("unknown: got %v, %v", got, ok)
	}
	if got, _ := FromType(""); got != VSCode {
		t.Errorf("empty: got %v", got)
	}
}

func TestDescriptorURL(t *testing.T) {
	node := message.TemplateNode{Path: "/home/me/app/page.tsx", StartTag: message.Position{Line: 12, Column: 4}}
	got, err := Cursor.URL(node)
	if err != nil {
		t.Fatal(err)
	}
	if want := "cursor://file/home/me/app/page.tsx:12:4"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got, _ = Zed.URL(message.TemplateNode{Path: "src/a.tsx"})
	if want := "zed://file/src/a.tsx:1:1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := VSCode.URL(message.TemplateNode{}); err == nil {
		t.Error("empty path accepted")
	}
}

func TestLoadActive(t *testing.T) {
	ctx := context.Background()
	cases := map[string]Descriptor{"": VSCode, "zed": Zed, "cursor": Cursor, "notepad": VSCode}
	for stored, want := range cases {
		b := &settingsBus{ideType: stored}
		s := NewSelector(b.router(t), nil)
		if err := s.LoadActive(ctx); err != nil {
			t.Fatalf("LoadActive(%q): %v", stored, err)
		}
		if got := s.Active(); got != want {
			t.Errorf("stored %q: got %v, want %v", stored, got, want)
		}
	}
}

func TestLoadActive_NoCollaborator(t *testing.T) {
	s := NewSelector(hostcall.New(), nil)
	if err := s.LoadActive(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.Active() != Default {
		t.Errorf("active changed: %v", s.Active())
	}
}

func TestSetActive_PersistsInBackground(t *testing.T) {
	b := &settingsBus{}
	s := NewSelector(b.router(t), nil)
	s.SetActive(context.Background(), Zed)
	if s.Active() != Zed {
		t.Fatalf("local state not updated: %v", s.Active())
	}
	s.Wait()
	if len(b.updates) != 1 || b.updates[0] != "zed" {
		t.Errorf("updates: %v", b.updates)
	}
}

func TestSetActive_FailureKeepsLocalChoice(t *testing.T) {
	b := &settingsBus{failUpd: true}
	s := NewSelector(b.router(t), nil)
	s.SetActive(context.Background(), Cursor)
	s.Wait()
	if s.Active() != Cursor {
		t.Errorf("rolled back to %v", s.Active())
	}
}

func TestSetActive_WinsOverStaleLoad(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := hostcall.New()
	r.RegisterLocal(hostcall.GetUserSettings, func(_ context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-release
		return json.Marshal(settings.UserSettings{IdeType: "cursor"})
	})
	r.RegisterLocal(hostcall.UpdateUserSettings, func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	})
	s := NewSelector(r, nil)

	done := make(chan error, 1)
	go func() { done <- s.LoadActive(context.Background()) }()
	<-started
	s.SetActive(context.Background(), Zed)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	s.Wait()

	if s.Active() != Zed {
		t.Errorf("stale load applied: got %v, want Zed", s.Active())
	}
}

// gatedBus persists like settingsBus but holds the first update until
// release is closed.
type gatedBus struct {
	mu      sync.Mutex
	stored  string
	updates []string
	started chan struct{}
	release chan struct{}
}

func newGatedBus(stored string) *gatedBus {
	return &gatedBus{stored: stored, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *gatedBus) router() *hostcall.Router {
	r := hostcall.New()
	r.RegisterLocal(hostcall.GetUserSettings, func(context.Context, []byte) ([]byte, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		return json.Marshal(settings.UserSettings{IdeType: b.stored})
	})
	r.RegisterLocal(hostcall.UpdateUserSettings, func(_ context.Context, p []byte) ([]byte, error) {
		var u settings.UserSettings
		if err := json.Unmarshal(p, &u); err != nil {
			return nil, err
		}
		b.mu.Lock()
		first := len(b.updates) == 0
		b.updates = append(b.updates, u.IdeType)
		b.mu.Unlock()
		if first {
			close(b.started)
			<-b.release
		}
		b.mu.Lock()
		b.stored = u.IdeType
		b.mu.Unlock()
		return []byte(`{"ok":true}`), nil
	})
	return r
}

func TestSetActive_ThenImmediateStaleLoad(t *testing.T) {
	ctx := context.Background()
	b := newGatedBus("cursor")
	s := NewSelector(b.router(), nil)

	s.SetActive(ctx, Zed)
	<-b.started
	if err := s.LoadActive(ctx); err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if s.Active() != Zed {
		t.Fatalf("unpersisted choice overridden by stored value: got %v, want Zed", s.Active())
	}

	close(b.release)
	s.Wait()
	if err := s.LoadActive(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Active() != Zed {
		t.Errorf("after persistence: got %v, want Zed", s.Active())
	}
}

func TestSetActive_LastChoiceIsPersistedLast(t *testing.T) {
	ctx := context.Background()
	b := newGatedBus("")
	s := NewSelector(b.router(), nil)

	s.SetActive(ctx, Cursor)
	<-b.started
	s.SetActive(ctx, Zed)
	s.SetActive(ctx, VSCode)
	s.SetActive(ctx, Zed)
	close(b.release)
	s.Wait()

	b.mu.Lock()
	updates := append([]string(nil), b.updates...)
	stored := b.stored
	b.mu.Unlock()
	if len(updates) != 2 || updates[0] != "cursor" || updates[1] != "zed" {
		t.Errorf("updates: %v, want [cursor zed]", updates)
	}
	if stored != "zed" {
		t.Errorf("stored %q, want zed", stored)
	}

	if err := s.LoadActive(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Active() != Zed {
		t.Errorf("after reconcile: got %v, want Zed", s.Active())
	}
}

func TestLoadActive_ReconcilesAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	b := &settingsBus{ideType: "cursor", failUpd: true}
	s := NewSelector(b.router(t), nil)
	s.SetActive(ctx, Zed)
	s.Wait()
	if s.Active() != Zed {
		t.Fatalf("rolled back on failure: %v", s.Active())
	}
	if err := s.LoadActive(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Active() != Cursor {
		t.Errorf("load after failed write: got %v, want stored Cursor", s.Active())
	}
}

func TestResolveSourceForSelection(t *testing.T) {
	inst := &message.TemplateNode{Path: "page.tsx", Role: message.RoleInstance}
	root := &message.TemplateNode{Path: "card.tsx", Role: message.RoleRoot}
	m := &fakeMapper{
		instance: map[string]*message.TemplateNode{"#a": inst},
		root:     map[string]*message.TemplateNode{"#a": root},
	}
	s := NewSelector(hostcall.New(), m)
	ctx := context.Background()

	pair := s.ResolveSourceForSelection(ctx, nil)
	if pair.Instance != nil || pair.Root != nil || m.calls != 0 {
		t.Fatalf("empty selection: %+v, calls=%d", pair, m.calls)
	}

	pair = s.ResolveSourceForSelection(ctx, []message.DomElementSnapshot{{Selector: "#a"}, {Selector: "#b"}})
	if pair.Instance != inst || pair.Root != root {
		t.Errorf("got %+v", pair)
	}

	pair = s.ResolveSourceForSelection(ctx, []message.DomElementSnapshot{{Selector: "#b"}})
	if pair.Instance != nil || pair.Root != nil {
		t.Errorf("miss: got %+v", pair)
	}

	m.err = errors.New("index corrupt")
	pair = s.ResolveSourceForSelection(ctx, []message.DomElementSnapshot{{Selector: "#a"}})
	if pair.Instance != nil || pair.Root != root {
		t.Errorf("error half: got %+v", pair)
	}
}

func TestOpenTarget(t *testing.T) {
	var got []string
	l := NewLauncher(func(_ context.Context, name string, args ...string) error {
		got = append([]string{name}, args...)
		return nil
	}, []string{"xdg-open"}, nil)
	bus := hostcall.New()
	l.Register(bus)

	root := &message.TemplateNode{Path: "/src/card.tsx", StartTag: message.Position{Line: 3, Column: 1}, Role: message.RoleRoot}
	m := &fakeMapper{root: map[string]*message.TemplateNode{"#a": root}}
	s := NewSelector(bus, m)
	sel := []message.DomElementSnapshot{{Selector: "#a"}}
	ctx := context.Background()

	node, err := s.OpenTarget(ctx, sel, TargetAuto)
	if err != nil {
		t.Fatalf("OpenTarget auto: %v", err)
	}
	if node != root {
		t.Errorf("auto fell back to %+v", node)
	}
	if len(got) != 2 || got[0] != "xdg-open" || got[1] != "vscode://file/src/card.tsx:3:1" {
		t.Errorf("command: %v", got)
	}

	if _, err := s.OpenTarget(ctx, sel, TargetInstance); !errors.Is(err, ErrNoSource) {
		t.Errorf("instance: got %v, want ErrNoSource", err)
	}
	if _, err := s.OpenTarget(ctx, sel, "sideways"); err == nil {
		t.Error("unknown target accepted")
	}
}

func TestOpen_LauncherFailure(t *testing.T) {
	l := NewLauncher(func(context.Context, string, ...string) error {
		return errors.New("no handler for scheme")
	}, nil, nil)
	bus := hostcall.New()
	l.Register(bus)
	s := NewSelector(bus, nil)

	err := s.Open(context.Background(), &message.TemplateNode{Path: "a.tsx"})
	if err == nil || !strings.Contains(err.Error(), "no handler for scheme") {
		t.Fatalf("got %v", err)
	}
	if err := s.Open(context.Background(), nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("nil node: got %v", err)
	}
}

func TestDefaultOpener(t *testing.T) {
	if got := defaultOpener("darwin"); got[0] != "open" {
		t.Errorf("darwin: %v", got)
	}
	if got := defaultOpener("linux"); got[0] != "xdg-open" {
		t.Errorf("linux: %v", got)
	}
	if got := defaultOpener("windows"); len(got) != 2 {
		t.Errorf("windows: %v", got)
	}
}

package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hazyhaar/canvasync/editor/message"
)

// fakeFetcher serves element snapshots from a map and records every call.
type fakeFetcher struct {
	mu       sync.Mutex
	elements map[string]message.DomElementSnapshot
	calls    []string
	onFetch  func()
}

func (f *fakeFetcher) Element(_ context.Context, surface message.SurfaceID, sel string) (message.DomElementSnapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(surface)+"|"+sel)
	el, ok := f.elements[sel]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return message.DomElementSnapshot{}, errors.New("gone")
	}
	return el, nil
}

func el(sel string, w float64) message.DomElementSnapshot {
	return message.DomElementSnapshot{
		Selector: sel,
		TagName:  "div",
		Rect:     message.Rect{Width: w},
		Styles:   map[string]string{"color": "red"},
	}
}

func TestSetSelectionFromInsertedElement(t *testing.T) {
	s := New(&fakeFetcher{}, WithMode(message.ModeInteract))
	s.Select("a", []message.DomElementSnapshot{el("#1", 1), el("#2", 2)})

	s.SetSelectionFromInsertedElement("b", el("#new", 5))

	st := s.Snapshot()
	if st.Mode != message.ModeDesign {
		t.Errorf("mode: got %q, want design", st.Mode)
	}
	if st.Surface != "b" {
		t.Errorf("surface: got %q, want b", st.Surface)
	}
	if len(st.Selected) != 1 || st.Selected[0].Selector != "#new" {
		t.Errorf("selection: got %+v", st.Selected)
	}
}

func TestSelectionIsCopied(t *testing.T) {
	s := New(&fakeFetcher{})
	in := el("#1", 1)
	s.Select("a", []message.DomElementSnapshot{in})
	in.Styles["color"] = "blue"

	_, sel := s.Selection()
	if sel[0].Styles["color"] != "red" {
		t.Fatal("store retained caller's snapshot")
	}
	sel[0].Styles["color"] = "green"
	_, again := s.Selection()
	if again[0].Styles["color"] != "red" {
		t.Fatal("reader mutated store state")
	}
}

func TestRefreshSelectedElements_KeepsMembership(t *testing.T) {
	f := &fakeFetcher{elements: map[string]message.DomElementSnapshot{
		"#1": el("#1", 100),
		"#2": el("#2", 200),
	}}
	s := New(f)
	s.Select("a", []message.DomElementSnapshot{el("#1", 1), el("#2", 2)})

	if n := s.RefreshSelectedElements(context.Background(), "a"); n != 2 {
		t.Fatalf("refreshed: got %d, want 2", n)
	}
	surface, sel := s.Selection()
	if surface != "a" || len(sel) != 2 {
		t.Fatalf("membership changed: %q %+v", surface, sel)
	}
	if sel[0].Selector != "#1" || sel[0].Rect.Width != 100 || sel[1].Rect.Width != 200 {
		t.Errorf("geometry not refreshed: %+v", sel)
	}
	if len(f.calls) != 2 || f.calls[0] != "a|#1" || f.calls[1] != "a|#2" {
		t.Errorf("fetch calls: %v", f.calls)
	}
}

func TestRefreshSelectedElements_OtherSurfaceOrEmptyIsNoop(t *testing.T) {
	f := &fakeFetcher{}
	s := New(f)
	if n := s.RefreshSelectedElements(context.Background(), "a"); n != 0 {
		t.Fatalf("empty selection refreshed %d", n)
	}
	s.Select("a", []message.DomElementSnapshot{el("#1", 1)})
	v := s.Snapshot().Version
	if n := s.RefreshSelectedElements(context.Background(), "b"); n != 0 {
		t.Fatalf("other surface refreshed %d", n)
	}
	if len(f.calls) != 0 {
		t.Errorf("fetcher called: %v", f.calls)
	}
	if s.Snapshot().Version != v {
		t.Error("version changed on no-op")
	}
}

func TestRefresh_MissingElementKeepsOldSnapshot(t *testing.T) {
	f := &fakeFetcher{elements: map[string]message.DomElementSnapshot{"#2": el("#2", 20)}}
	s := New(f)
	s.Select("a", []message.DomElementSnapshot{el("#1", 1), el("#2", 2)})

	if n := s.RefreshSelectedElements(context.Background(), "a"); n != 1 {
		t.Fatalf("refreshed: got %d, want 1", n)
	}
	_, sel := s.Selection()
	if sel[0].Rect.Width != 1 || sel[1].Rect.Width != 20 {
		t.Errorf("got %+v", sel)
	}
}

func TestRefresh_DiscardedWhenSelectionChanges(t *testing.T) {
	f := &fakeFetcher{elements: map[string]message.DomElementSnapshot{"#1": el("#1", 100)}}
	s := New(f)
	s.Select("a", []message.DomElementSnapshot{el("#1", 1)})
	f.onFetch = func() { s.Select("a", []message.DomElementSnapshot{el("#other", 3)}) }

	if n := s.RefreshSelectedElements(context.Background(), "a"); n != 0 {
		t.Fatalf("stale refresh committed %d elements", n)
	}
	_, sel := s.Selection()
	if len(sel) != 1 || sel[0].Selector != "#other" {
		t.Errorf("got %+v", sel)
	}
}

func TestRefresh_SplitPhases(t *testing.T) {
	f := &fakeFetcher{elements: map[string]message.DomElementSnapshot{"#1": el("#1", 50)}}
	s := New(f)
	s.Select("a", []message.DomElementSnapshot{el("#1", 1)})

	if _, ok := s.BeginRefresh("b", RefreshGeometry); ok {
		t.Error("refresh begun on a surface without selection")
	}

	r, ok := s.BeginRefresh("a", RefreshGeometry)
	if !ok {
		t.Fatal("BeginRefresh: nothing to refresh")
	}
	if n := r.Fetch(context.Background(), f, s.logger); n != 1 {
		t.Fatalf("fetched %d", n)
	}
	if n := s.CommitRefresh(r); n != 1 {
		t.Fatalf("committed %d", n)
	}
	if _, sel := s.Selection(); sel[0].Rect.Width != 50 {
		t.Errorf("not applied: %+v", sel[0])
	}

	// Selection replaced between fetch and commit.
	r, _ = s.BeginRefresh("a", RefreshGeometry)
	r.Fetch(context.Background(), f, s.logger)
	s.Select("a", []message.DomElementSnapshot{el("#1", 7)})
	if n := s.CommitRefresh(r); n != 0 {
		t.Errorf("stale commit applied %d", n)
	}
	if _, sel := s.Selection(); sel[0].Rect.Width != 7 {
		t.Errorf("stale data leaked: %+v", sel[0])
	}
}

func TestApplyStyleUpdate_StylesOnly(t *testing.T) {
	fresh := el("#1", 999)
	fresh.Styles = map[string]string{"color": "blue"}
	f := &fakeFetcher{elements: map[string]message.DomElementSnapshot{"#1": fresh}}
	s := New(f, WithMode(message.ModeInteract))
	s.Select("a", []message.DomElementSnapshot{el("#1", 1)})

	s.ApplyStyleUpdate(context.Background(), "a")

	st := s.Snapshot()
	if st.Selected[0].Styles["color"] != "blue" {
		t.Errorf("styles: got %v", st.Selected[0].Styles)
	}
	if st.Selected[0].Rect.Width != 1 {
		t.Errorf("geometry changed: %v", st.Selected[0].Rect)
	}
	if st.Mode != message.ModeInteract {
		t.Errorf("mode changed: %q", st.Mode)
	}
}

func TestSetMode(t *testing.T) {
	s := New(&fakeFetcher{})
	if s.SetMode("bogus") {
		t.Error("accepted unknown mode")
	}
	if !s.SetMode(message.ModePan) || s.Mode() != message.ModePan {
		t.Errorf("mode: got %q", s.Mode())
	}
}

func TestReplaceSubtree(t *testing.T) {
	s := New(&fakeFetcher{})
	s.SetDom("a", &message.DomNode{Selector: "body", Tag: "body", Children: []*message.DomNode{
		{Selector: "#list", Tag: "ul", Children: []*message.DomNode{{Selector: "#list > li:nth-child(1)", Tag: "li"}}},
		{Selector: "#footer", Tag: "footer"},
	}})

	ok := s.ReplaceSubtree("a", &message.DomNode{Selector: "#list", Tag: "ul", Children: []*message.DomNode{
		{Selector: "#list > li:nth-child(1)", Tag: "li"},
		{Selector: "#list > li:nth-child(2)", Tag: "li"},
	}})
	if !ok {
		t.Fatal("ReplaceSubtree: not applied")
	}
	dom := s.Dom("a")
	if got := len(dom.Find("#list").Children); got != 2 {
		t.Errorf("list children: got %d, want 2", got)
	}
	if dom.Find("#footer") == nil {
		t.Error("sibling subtree lost")
	}

	if s.ReplaceSubtree("a", &message.DomNode{Selector: "#nowhere"}) {
		t.Error("unknown selector applied")
	}

	if s.ReplaceSubtree("b", &message.DomNode{Selector: "#list", Tag: "ul"}) || s.Dom("b") != nil {
		t.Error("fragment became the tree of an empty surface")
	}
	if !s.ReplaceSubtree("b", &message.DomNode{Selector: "body", Tag: "body"}) || s.Dom("b") == nil {
		t.Error("body on empty surface should become the tree")
	}
}

func TestCommonAncestor(t *testing.T) {
	s := New(&fakeFetcher{})
	s.SetDom("a", &message.DomNode{Selector: "body", Tag: "body", Children: []*message.DomNode{
		{Selector: "#main", Tag: "main", Children: []*message.DomNode{
			{Selector: "#list", Tag: "ul", Children: []*message.DomNode{{Selector: "#item", Tag: "li"}}},
			{Selector: "#aside", Tag: "aside"},
		}},
		{Selector: "#footer", Tag: "footer"},
	}})

	cases := []struct{ a, b, want string }{
		{"#item", "#aside", "#main"},
		{"#item", "#list", "#list"},
		{"#item", "#item", "#item"},
		{"#item", "#footer", ""},
		{"#item", "#missing", ""},
		{"", "#item", ""},
	}
	for _, c := range cases {
		if got := s.CommonAncestor("a", c.a, c.b); got != c.want {
			t.Errorf("CommonAncestor(%q, %q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
	if got := s.CommonAncestor("none", "#a", "#b"); got != "" {
		t.Errorf("no tree: got %q", got)
	}
}

func TestRemoveSurface(t *testing.T) {
	s := New(&fakeFetcher{})
	s.SetDom("a", &message.DomNode{Selector: "body"})
	s.Select("a", []message.DomElementSnapshot{el("#1", 1)})
	s.RemoveSurface("a")

	if s.Dom("a") != nil {
		t.Error("tree kept")
	}
	if surface, sel := s.Selection(); surface != "" || len(sel) != 0 {
		t.Errorf("selection kept: %q %v", surface, sel)
	}
}

func TestSubscribe(t *testing.T) {
	s := New(&fakeFetcher{})
	ch, cancel := s.Subscribe()

	s.Select("a", []message.DomElementSnapshot{el("#1", 1)})
	s.SetMode(message.ModePan)

	select {
	case <-ch:
	default:
		t.Fatal("no notification")
	}
	select {
	case <-ch:
		t.Fatal("notifications not coalesced")
	default:
	}

	cancel()
	s.ClearSelection()
	select {
	case <-ch:
		t.Fatal("notified after cancel")
	default:
	}
}

func TestConcurrentReadsSeeConsistentState(t *testing.T) {
	s := New(&fakeFetcher{}, WithMode(message.ModeInteract))
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := s.Snapshot()
			if len(st.Selected) == 1 && st.Selected[0].Selector == "#ins" && st.Mode != message.ModeDesign {
				t.Error("observed inserted selection without design mode")
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		s.ClearSelection()
		s.SetMode(message.ModeInteract)
		s.SetSelectionFromInsertedElement("a", el("#ins", 1))
	}
	close(stop)
	wg.Wait()
}

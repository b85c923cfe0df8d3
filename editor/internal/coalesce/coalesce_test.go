package coalesce

import (
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/canvasync/editor/message"
)

// manualClock hands out timers that only fire when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

// elapse fires every live timer, as if the window passed with no new calls.
func (c *manualClock) elapse() {
	c.mu.Lock()
	var live []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			live = append(live, t)
		}
	}
	c.mu.Unlock()
	for _, t := range live {
		t.f()
	}
}

type call struct {
	surface message.SurfaceID
	sel     string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) action(s message.SurfaceID, m message.Mutated) {
	r.mu.Lock()
	r.calls = append(r.calls, call{s, m.Selector})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func newTest() (*Coalescer, *manualClock, *recorder) {
	clk := &manualClock{}
	rec := &recorder{}
	return New(rec.action, WithAfterFunc(clk.AfterFunc)), clk, rec
}

func TestBurstWithinWindow_RunsOnceWithLastPayload(t *testing.T) {
	c, clk, rec := newTest()
	for _, sel := range []string{"#a", "#b", "#c", "#d", "#e"} {
		c.Schedule("s1", message.Mutated{Selector: sel})
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("action ran before quiescence: %v", got)
	}

	clk.elapse()

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("actions: got %d, want 1", len(got))
	}
	if got[0] != (call{"s1", "#e"}) {
		t.Errorf("action: got %+v, want last payload #e", got[0])
	}
	if c.Pending("s1") {
		t.Error("entry still pending after firing")
	}
}

func TestCallsSpacedBeyondWindow_RunEach(t *testing.T) {
	c, clk, rec := newTest()
	const n = 4
	for i := 0; i < n; i++ {
		c.Schedule("s1", message.Mutated{})
		clk.elapse()
	}
	if got := len(rec.snapshot()); got != n {
		t.Fatalf("actions: got %d, want %d", got, n)
	}
}

func TestSurfacesAreIndependent(t *testing.T) {
	c, clk, rec := newTest()
	c.Schedule("b", message.Mutated{Selector: "#only"})
	for i := 0; i < 10; i++ {
		c.Schedule("a", message.Mutated{Selector: "#burst"})
	}
	clk.elapse()

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("actions: got %d, want 2 (one per surface)", len(got))
	}
	seen := map[message.SurfaceID]string{}
	for _, cl := range got {
		seen[cl.surface] = cl.sel
	}
	if seen["a"] != "#burst" || seen["b"] != "#only" {
		t.Errorf("got %v", seen)
	}
}

func TestStaleTimerDoesNotFire(t *testing.T) {
	clk := &manualClock{}
	rec := &recorder{}
	c := New(rec.action, WithAfterFunc(clk.AfterFunc))

	c.Schedule("s1", message.Mutated{Selector: "#old"})
	stale := clk.timers[0]
	c.Schedule("s1", message.Mutated{Selector: "#new"})

	// The first timer already left the runtime queue before Stop.
	stale.f()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("stale timer ran action: %v", got)
	}

	clk.elapse()
	if got := rec.snapshot(); len(got) != 1 || got[0].sel != "#new" {
		t.Fatalf("got %v", got)
	}
}

func TestCancel(t *testing.T) {
	c, clk, rec := newTest()
	c.Schedule("s1", message.Mutated{})
	c.Cancel("s1")
	c.Cancel("never-scheduled")
	clk.elapse()
	if len(rec.snapshot()) != 0 {
		t.Fatal("cancelled action ran")
	}
}

func TestFlush(t *testing.T) {
	c, clk, rec := newTest()
	c.Schedule("s1", message.Mutated{Selector: "#x"})
	c.Schedule("s2", message.Mutated{Selector: "#y"})
	c.Flush()
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("flushed actions: got %d, want 2", got)
	}
	clk.elapse()
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("timers fired after flush: got %d actions", got)
	}
}

func TestStop_DropsPendingAndIgnoresLaterCalls(t *testing.T) {
	c, clk, rec := newTest()
	c.Schedule("s1", message.Mutated{})
	c.Stop()
	clk.elapse()

	if c.Schedule("s1", message.Mutated{}) {
		t.Error("Schedule accepted after Stop")
	}
	clk.elapse()
	if len(rec.snapshot()) != 0 {
		t.Fatal("action ran after Stop")
	}
	c.Stop()
}

func TestRealTimer(t *testing.T) {
	done := make(chan call, 4)
	c := New(func(s message.SurfaceID, m message.Mutated) {
		done <- call{s, m.Selector}
	}, WithWindow(30*time.Millisecond))

	for i := 0; i < 5; i++ {
		c.Schedule("s1", message.Mutated{Selector: "#last"})
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-done:
		if got.sel != "#last" {
			t.Errorf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action never ran")
	}

	select {
	case extra := <-done:
		t.Fatalf("unexpected second action: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	if c.Window() != 30*time.Millisecond {
		t.Errorf("window: got %v", c.Window())
	}
}

package settings

import (
	"context"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/canvasync/dbopen"
	"github.com/hazyhaar/canvasync/hostcall"
	"github.com/hazyhaar/canvasync/watch"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)), nil)
}

func TestGetEmpty(t *testing.T) {
	s := testStore(t)
	u, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.IdeType != "" {
		t.Errorf("IdeType: got %q, want empty", u.IdeType)
	}
}

func TestUpdateGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, ide := range []string{"cursor", "zed"} {
		if err := s.Update(ctx, UserSettings{IdeType: ide}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		u, err := s.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if u.IdeType != ide {
			t.Errorf("IdeType: got %q, want %q", u.IdeType, ide)
		}
	}

	// Empty fields do not clear stored values.
	if err := s.Update(ctx, UserSettings{}); err != nil {
		t.Fatal(err)
	}
	if u, _ := s.Get(ctx); u.IdeType != "zed" {
		t.Errorf("after empty update: %q", u.IdeType)
	}
}

func TestHostcallHandlers(t *testing.T) {
	s := testStore(t)
	bus := hostcall.New()
	s.Register(bus)
	ctx := context.Background()

	var ack Ack
	if err := bus.CallJSON(ctx, hostcall.UpdateUserSettings, UserSettings{IdeType: "cursor"}, &ack); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ack.OK {
		t.Error("ack not ok")
	}

	var got UserSettings
	if err := bus.CallJSON(ctx, hostcall.GetUserSettings, nil, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IdeType != "cursor" {
		t.Errorf("IdeType: got %q", got.IdeType)
	}

	if _, err := s.HandleUpdate(ctx, []byte("not json")); err == nil {
		t.Error("bad payload accepted")
	}
	raw, _ := s.HandleGet(ctx, nil)
	if !json.Valid(raw) {
		t.Errorf("invalid response %q", raw)
	}
}

func TestChangeDetectorAdvances(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	detect := watch.MaxColumnDetector("user_settings", "updated_at")

	before, err := detect(ctx, s.DB)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, UserSettings{IdeType: "zed"}); err != nil {
		t.Fatal(err)
	}
	after, err := detect(ctx, s.DB)
	if err != nil {
		t.Fatal(err)
	}
	if after <= before {
		t.Errorf("updated_at did not advance: %d -> %d", before, after)
	}
}

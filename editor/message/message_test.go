package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustRaw(t *testing.T, ch Channel, args ...any) Raw {
	t.Helper()
	raw, err := NewRaw(ch, "s1", args...)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDecode_ResizedNoArgs(t *testing.T) {
	msg, err := Decode(mustRaw(t, ChannelWindowResized))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := msg.Payload.(Resized); !ok {
		t.Fatalf("payload: got %T", msg.Payload)
	}
	if msg.Surface != "s1" {
		t.Errorf("surface: got %q", msg.Surface)
	}
}

func TestDecode_EmptyArgsMalformed(t *testing.T) {
	for _, ch := range []Channel{ChannelStyleUpdated, ChannelElementInserted} {
		_, err := Decode(mustRaw(t, ch))
		var m *ErrMalformed
		if !errors.As(err, &m) {
			t.Fatalf("%s: expected ErrMalformed, got %v", ch, err)
		}
		if m.Channel != ch {
			t.Errorf("%s: error channel %q", ch, m.Channel)
		}
	}
}

func TestDecode_StyleUpdatedOpaqueArg(t *testing.T) {
	msg, err := Decode(mustRaw(t, ChannelStyleUpdated, 42))
	if err != nil {
		t.Fatal(err)
	}
	p := msg.Payload.(StyleUpdated)
	if p.Element != nil {
		t.Errorf("Element: got %+v, want nil", p.Element)
	}

	msg, err = Decode(mustRaw(t, ChannelStyleUpdated, DomElementSnapshot{Selector: "#a"}))
	if err != nil {
		t.Fatal(err)
	}
	if p := msg.Payload.(StyleUpdated); p.Element == nil || p.Element.Selector != "#a" {
		t.Errorf("Element: got %+v", p.Element)
	}
}

func TestDecode_Inserted(t *testing.T) {
	el := DomElementSnapshot{Selector: "[data-oid=\"x\"]", TagName: "div", Rect: Rect{Width: 10}}
	msg, err := Decode(mustRaw(t, ChannelElementInserted, el))
	if err != nil {
		t.Fatal(err)
	}
	got := msg.Payload.(Inserted).Element
	if got.Selector != el.Selector || got.Rect.Width != 10 {
		t.Errorf("element: got %+v", got)
	}
}

func TestDecode_InsertedRejectsBadPayloads(t *testing.T) {
	cases := []Raw{
		mustRaw(t, ChannelElementInserted, DomElementSnapshot{}),
		mustRaw(t, ChannelElementInserted, "not an element"),
		mustRaw(t, ChannelElementInserted, DomElementSnapshot{Selector: "a"}, DomElementSnapshot{Selector: "b"}),
	}
	for i, raw := range cases {
		if _, err := Decode(raw); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestDecode_Mutated(t *testing.T) {
	msg, err := Decode(mustRaw(t, ChannelWindowMutated))
	if err != nil {
		t.Fatal(err)
	}
	if p := msg.Payload.(Mutated); p.Selector != "" {
		t.Errorf("selector: got %q", p.Selector)
	}

	msg, _ = Decode(mustRaw(t, ChannelWindowMutated, Mutated{Selector: "#list"}))
	if p := msg.Payload.(Mutated); p.Selector != "#list" {
		t.Errorf("selector: got %q", p.Selector)
	}

	msg, _ = Decode(mustRaw(t, ChannelWindowMutated, "#bare"))
	if p := msg.Payload.(Mutated); p.Selector != "#bare" {
		t.Errorf("selector: got %q", p.Selector)
	}
}

func TestDecode_UnknownChannel(t *testing.T) {
	_, err := Decode(Raw{Channel: "nope"})
	var u *ErrUnknownChannel
	if !errors.As(err, &u) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestRawJSON(t *testing.T) {
	var raw Raw
	data := []byte(`{"channel":"element-inserted","surface":"s2","args":[{"selector":"#b"}]}`)
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Surface != "s2" || msg.Payload.(Inserted).Element.Selector != "#b" {
		t.Fatalf("got %+v", msg)
	}
}

func TestDomNodeFind(t *testing.T) {
	root := &DomNode{Selector: "body", Children: []*DomNode{
		{Selector: "body > div", Children: []*DomNode{{Selector: "#x"}}},
	}}
	if n := root.Find("#x"); n == nil || n.Selector != "#x" {
		t.Fatalf("Find: got %+v", n)
	}
	if root.Find("#missing") != nil {
		t.Fatal("Find: expected nil")
	}
	if root.Count() != 3 {
		t.Fatalf("Count: got %d", root.Count())
	}
}

func TestSourcePairPreferred(t *testing.T) {
	root := &TemplateNode{Path: "a.tsx", Role: RoleRoot}
	inst := &TemplateNode{Path: "b.tsx", Role: RoleInstance}
	if got := (SourcePair{Root: root}).Preferred(); got != root {
		t.Errorf("root fallback: got %v", got)
	}
	if got := (SourcePair{Instance: inst, Root: root}).Preferred(); got != inst {
		t.Errorf("instance first: got %v", got)
	}
	if (SourcePair{}).Preferred() != nil {
		t.Error("empty: expected nil")
	}
}

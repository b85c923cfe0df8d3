package message

import (
	"encoding/json"
	"fmt"
)

// ErrMalformed is returned by Decode when a channel's required payload is
// missing or unreadable.
type ErrMalformed struct {
	Channel Channel
	Reason  string
	Cause   error
}

func (e *ErrMalformed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("message: malformed %s payload: %s: %v", e.Channel, e.Reason, e.Cause)
	}
	return fmt.Sprintf("message: malformed %s payload: %s", e.Channel, e.Reason)
}

func (e *ErrMalformed) Unwrap() error { return e.Cause }

// ErrUnknownChannel is returned by Decode for a channel with no payload schema.
type ErrUnknownChannel struct {
	Channel Channel
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("message: unknown channel %q", e.Channel)
}

// Decode validates raw args against the channel's payload schema.
//
//	window-resized    no args required, any args ignored
//	style-updated     at least one arg; a snapshot in args[0] is kept if readable
//	window-mutated    optional {"selector": ...} or bare selector string
//	element-inserted  exactly one arg, a DomElementSnapshot with a selector
func Decode(raw Raw) (Message, error) {
	msg := Message{Channel: raw.Channel, Surface: raw.Surface}

	switch raw.Channel {
	case ChannelWindowResized:
		msg.Payload = Resized{}

	case ChannelStyleUpdated:
		if len(raw.Args) == 0 {
			return Message{}, &ErrMalformed{Channel: raw.Channel, Reason: "no args"}
		}
		var p StyleUpdated
		var el DomElementSnapshot
		if json.Unmarshal(raw.Args[0], &el) == nil && el.Selector != "" {
			p.Element = &el
		}
		msg.Payload = p

	case ChannelWindowMutated:
		var p Mutated
		if len(raw.Args) > 0 {
			if json.Unmarshal(raw.Args[0], &p) != nil {
				var sel string
				if json.Unmarshal(raw.Args[0], &sel) == nil {
					p.Selector = sel
				}
			}
		}
		msg.Payload = p

	case ChannelElementInserted:
		if len(raw.Args) == 0 {
			return Message{}, &ErrMalformed{Channel: raw.Channel, Reason: "no args"}
		}
		if len(raw.Args) > 1 {
			return Message{}, &ErrMalformed{Channel: raw.Channel, Reason: fmt.Sprintf("want 1 arg, got %d", len(raw.Args))}
		}
		var el DomElementSnapshot
		if err := json.Unmarshal(raw.Args[0], &el); err != nil {
			return Message{}, &ErrMalformed{Channel: raw.Channel, Reason: "element", Cause: err}
		}
		if el.Selector == "" {
			return Message{}, &ErrMalformed{Channel: raw.Channel, Reason: "element has no selector"}
		}
		msg.Payload = Inserted{Element: el}

	default:
		return Message{}, &ErrUnknownChannel{Channel: raw.Channel}
	}
	return msg, nil
}

// NewRaw builds a Raw message, marshalling each arg. It is the inverse of
// Decode for callers that originate messages in Go (tests, the HTTP API).
func NewRaw(ch Channel, surface SurfaceID, args ...any) (Raw, error) {
	raw := Raw{Channel: ch, Surface: surface}
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return Raw{}, fmt.Errorf("message: marshal arg %d: %w", i, err)
		}
		raw.Args = append(raw.Args, data)
	}
	return raw, nil
}

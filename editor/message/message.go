// Package message defines the types exchanged between preview surfaces and
// the editor host. Any consumer of the synchronization core (HTTP clients,
// MCP tools, tests) imports this package for the wire and state contract.
package message

import "encoding/json"

// SurfaceID identifies one live preview surface (a page or frame). Several
// surfaces may render the same application at different viewports.
type SurfaceID string

// Channel is a stable inbound channel name.
type Channel string

const (
	ChannelWindowResized   Channel = "window-resized"
	ChannelStyleUpdated    Channel = "style-updated"
	ChannelWindowMutated   Channel = "window-mutated"
	ChannelElementInserted Channel = "element-inserted"
)

// Channels lists every inbound channel the editor understands.
func Channels() []Channel {
	return []Channel{
		ChannelWindowResized,
		ChannelStyleUpdated,
		ChannelWindowMutated,
		ChannelElementInserted,
	}
}

// Raw is a message as it arrives from a surface: untyped, possibly empty args.
type Raw struct {
	Channel Channel           `json:"channel"`
	Surface SurfaceID         `json:"surface"`
	Args    []json.RawMessage `json:"args"`
}

// Message is a Raw message after validation, carrying a typed payload.
type Message struct {
	Channel Channel
	Surface SurfaceID
	Payload Payload
}

// Payload is the closed set of per-channel payloads.
type Payload interface {
	channel() Channel
}

// Resized carries nothing: the surface handle is the whole message.
type Resized struct{}

// StyleUpdated reports a style change. Element is set when the preview sent
// a snapshot of the restyled element; the editor re-pulls styles either way.
type StyleUpdated struct {
	Element *DomElementSnapshot
}

// Mutated reports a DOM mutation rooted at Selector. An empty selector means
// the mutation's root is unknown and the whole body must be re-derived.
type Mutated struct {
	Selector string `json:"selector,omitempty"`
}

// Inserted carries the element the user just inserted.
type Inserted struct {
	Element DomElementSnapshot
}

func (Resized) channel() Channel      { return ChannelWindowResized }
func (StyleUpdated) channel() Channel { return ChannelStyleUpdated }
func (Mutated) channel() Channel      { return ChannelWindowMutated }
func (Inserted) channel() Channel     { return ChannelElementInserted }

// ConsoleLevel mirrors the browser console API type.
type ConsoleLevel string

const (
	ConsoleLog   ConsoleLevel = "log"
	ConsoleInfo  ConsoleLevel = "info"
	ConsoleWarn  ConsoleLevel = "warning"
	ConsoleError ConsoleLevel = "error"
	ConsoleDebug ConsoleLevel = "debug"
)

// ConsoleMessage is a console/log line emitted inside a preview surface.
type ConsoleMessage struct {
	Surface SurfaceID    `json:"surface"`
	Level   ConsoleLevel `json:"level"`
	Text    string       `json:"text"`
}

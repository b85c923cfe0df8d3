package preview

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/canvasync/editor/message"
)

// BindingName is the CDP binding the bridge script calls.
const BindingName = "__canvasync_ipc"

//go:embed bridge.js
var bridgeJS string

// ParseBinding decodes a binding payload into a Raw message attributed to
// surface. The surface never names itself; attribution comes from the page
// the event arrived on.
func ParseBinding(surface message.SurfaceID, payload string) (message.Raw, error) {
	var in struct {
		Channel message.Channel   `json:"channel"`
		Args    []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return message.Raw{}, fmt.Errorf("preview: binding payload: %w", err)
	}
	if in.Channel == "" {
		return message.Raw{}, fmt.Errorf("preview: binding payload: missing channel")
	}
	return message.Raw{Channel: in.Channel, Surface: surface, Args: in.Args}, nil
}

// consoleMessage flattens a console API call into one line of text.
func consoleMessage(surface message.SurfaceID, e *proto.RuntimeConsoleAPICalled) message.ConsoleMessage {
	parts := make([]string, 0, len(e.Args))
	for _, a := range e.Args {
		parts = append(parts, remoteText(a))
	}
	return message.ConsoleMessage{
		Surface: surface,
		Level:   consoleLevel(e.Type),
		Text:    strings.Join(parts, " "),
	}
}

func remoteText(o *proto.RuntimeRemoteObject) string {
	if o == nil {
		return ""
	}
	switch o.Type {
	case proto.RuntimeRemoteObjectTypeString:
		return o.Value.Str()
	case proto.RuntimeRemoteObjectTypeUndefined:
		return "undefined"
	}
	if o.Description != "" {
		return o.Description
	}
	if !o.Value.Nil() {
		return o.Value.JSON("", "")
	}
	return string(o.Type)
}

func consoleLevel(t proto.RuntimeConsoleAPICalledType) message.ConsoleLevel {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
		return message.ConsoleError
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return message.ConsoleWarn
	case proto.RuntimeConsoleAPICalledTypeInfo:
		return message.ConsoleInfo
	case proto.RuntimeConsoleAPICalledTypeDebug:
		return message.ConsoleDebug
	default:
		return message.ConsoleLog
	}
}

// shouldBlock maps CDP resource types to config names.
func shouldBlock(blockSet map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[lower]
}

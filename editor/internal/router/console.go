package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/canvasync/editor/message"
)

// ConsoleStyle tags every forwarded preview console line so it stands out
// from host diagnostics.
const ConsoleStyle = "background: #000; color: #AAFF00"

// ConsoleSink forwards preview console output to the host log. Text comes
// from untrusted page scripts and is stripped of markup before logging.
type ConsoleSink struct {
	logger *slog.Logger
	policy *bluemonday.Policy
}

// NewConsoleSink creates a sink writing to logger.
func NewConsoleSink(logger *slog.Logger) *ConsoleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleSink{logger: logger, policy: bluemonday.StrictPolicy()}
}

// Write logs cm. It never fails and never touches editor state.
func (c *ConsoleSink) Write(ctx context.Context, cm message.ConsoleMessage) {
	text := strings.TrimSpace(c.policy.Sanitize(cm.Text))
	c.logger.InfoContext(ctx, "preview console",
		"source", "preview",
		"style", ConsoleStyle,
		"surface", cm.Surface,
		"level", string(cm.Level),
		"text", text)
}

package ide

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"github.com/hazyhaar/canvasync/hostcall"
)

// CommandFunc starts an external program. Tests replace it.
type CommandFunc func(ctx context.Context, name string, args ...string) error

// Launcher hands editor URLs to the OS URL handler. It serves the
// open-in-ide hostcall.
type Launcher struct {
	run    CommandFunc
	opener []string
	logger *slog.Logger
}

// NewLauncher creates a Launcher. A nil run uses os/exec; an empty opener
// picks the platform default (xdg-open, open, or rundll32 on Windows).
func NewLauncher(run CommandFunc, opener []string, logger *slog.Logger) *Launcher {
	if run == nil {
		run = execCommand
	}
	if len(opener) == 0 {
		opener = defaultOpener(runtime.GOOS)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{run: run, opener: opener, logger: logger}
}

func defaultOpener(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		return []string{"xdg-open"}
	}
}

func execCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HandleOpen is the open-in-ide hostcall handler.
func (l *Launcher) HandleOpen(ctx context.Context, payload []byte) ([]byte, error) {
	var req OpenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("ide: launcher: decode: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("ide: launcher: empty url")
	}
	args := append(append([]string{}, l.opener[1:]...), req.URL)
	if err := l.run(ctx, l.opener[0], args...); err != nil {
		return nil, fmt.Errorf("ide: launcher: %w", err)
	}
	l.logger.DebugContext(ctx, "ide: launched", "url", req.URL)
	return []byte(`{"ok":true}`), nil
}

// Register binds the launcher on bus.
func (l *Launcher) Register(bus *hostcall.Router) {
	bus.RegisterLocal(hostcall.OpenInIde, l.HandleOpen)
}

// Package preview hosts preview surfaces in Chrome through go-rod. Each
// surface is a page with the bridge script installed; binding calls and
// console output are forwarded to a Sink, and the editor reads element
// geometry and subtree HTML back through the Manager.
package preview

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/canvasync/editor/message"
)

// Sink receives everything a surface emits. Calls come from one goroutine
// per surface and may block to preserve order.
type Sink interface {
	Inbound(ctx context.Context, raw message.Raw)
	Console(ctx context.Context, cm message.ConsoleMessage)
}

// Config configures the Manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string
	Headless  bool
	// Stealth creates surfaces with go-rod/stealth.
	Stealth bool
	// XvfbDisplay is started for headful mode when DISPLAY is unset.
	XvfbDisplay      string
	ResourceBlocking []string
	NavTimeout       time.Duration
	Logger           *slog.Logger
}

func (c *Config) defaults() {
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrUnknownSurface is returned for a SurfaceID with no open surface.
type ErrUnknownSurface struct {
	Surface message.SurfaceID
}

func (e *ErrUnknownSurface) Error() string {
	return fmt.Sprintf("preview: unknown surface %q", e.Surface)
}

// Manager owns the browser and the open surfaces.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	browser  *rod.Browser
	lnch     *launcher.Launcher
	xvfb     *exec.Cmd
	surfaces map[message.SurfaceID]*Surface
	closed   bool
}

// NewManager creates a Manager. Call Start to launch or connect Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, surfaces: make(map[message.SurfaceID]*Surface)}
}

// Start launches Chrome (or connects to a remote instance).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("preview: manager is closed")
	}
	if m.browser != nil {
		return nil
	}
	b, err := m.launch(ctx)
	if err != nil {
		m.cleanupLocked()
		return err
	}
	m.browser = b
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("preview: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx)
		if m.cfg.Headless {
			l = l.Headless(true)
		} else {
			l = l.Headless(false)
			if os.Getenv("DISPLAY") == "" {
				if err := m.startXvfb(); err != nil {
					return nil, fmt.Errorf("preview: xvfb: %w", err)
				}
				l = l.Env(append(os.Environ(), "DISPLAY="+m.cfg.XvfbDisplay)...)
			}
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("preview: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("preview: launched local chrome", "url", wsURL, "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("preview: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("preview: ignore cert errors failed", "error", err)
	}
	return b, nil
}

// Open creates a surface, installs the bridge and navigates to url.
func (m *Manager) Open(ctx context.Context, opts SurfaceOptions, sink Sink) (*Surface, error) {
	m.mu.Lock()
	if m.closed || m.browser == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("preview: browser not started")
	}
	if _, dup := m.surfaces[opts.ID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("preview: surface %q already open", opts.ID)
	}
	b := m.browser
	m.mu.Unlock()

	s, err := openSurface(ctx, b, m.cfg, opts, sink)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.surfaces[opts.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Surface returns the open surface with id, or nil.
func (m *Manager) Surface(id message.SurfaceID) *Surface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.surfaces[id]
}

// Surfaces lists open surface IDs in sorted order.
func (m *Manager) Surfaces() []message.SurfaceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]message.SurfaceID, 0, len(m.surfaces))
	for id := range m.surfaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseSurface closes and forgets one surface.
func (m *Manager) CloseSurface(id message.SurfaceID) error {
	m.mu.Lock()
	s := m.surfaces[id]
	delete(m.surfaces, id)
	m.mu.Unlock()
	if s == nil {
		return &ErrUnknownSurface{Surface: id}
	}
	return s.Close()
}

// Element implements state.ElementFetcher.
func (m *Manager) Element(ctx context.Context, id message.SurfaceID, selector string) (message.DomElementSnapshot, error) {
	s := m.Surface(id)
	if s == nil {
		return message.DomElementSnapshot{}, &ErrUnknownSurface{Surface: id}
	}
	return s.Element(ctx, selector)
}

// OuterHTML returns the serialized subtree at selector on surface id.
func (m *Manager) OuterHTML(ctx context.Context, id message.SurfaceID, selector string) (string, error) {
	s := m.Surface(id)
	if s == nil {
		return "", &ErrUnknownSurface{Surface: id}
	}
	return s.OuterHTML(ctx, selector)
}

// Close closes every surface and shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, s := range m.surfaces {
		if err := s.Close(); err != nil {
			m.cfg.Logger.Warn("preview: close surface", "surface", id, "error", err)
		}
	}
	m.surfaces = map[message.SurfaceID]*Surface{}
	m.cleanupLocked()
	return nil
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

// startXvfb launches an Xvfb virtual display for headful mode.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	cmd := exec.Command("Xvfb", m.cfg.XvfbDisplay, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	m.xvfb = cmd
	time.Sleep(500 * time.Millisecond)
	m.cfg.Logger.Info("preview: xvfb started", "display", m.cfg.XvfbDisplay, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.cfg.Logger.Info("preview: xvfb stopped")
	m.xvfb = nil
}

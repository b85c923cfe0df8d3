package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/canvasync/editor/internal/ide"
	"github.com/hazyhaar/canvasync/editor/internal/preview"
	"github.com/hazyhaar/canvasync/editor/internal/settings"
	"github.com/hazyhaar/canvasync/editor/internal/sourcemap"
	"github.com/hazyhaar/canvasync/editor/message"
	"github.com/hazyhaar/canvasync/hostcall"
	"github.com/hazyhaar/canvasync/shield"
)

// Daemon runs a Session against real Chrome surfaces with SQLite-backed
// settings and source maps, and serves the HTTP/MCP API.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	settings  *settings.Store
	sourcemap *sourcemap.Store
	bus       *hostcall.Router
	mgr       *preview.Manager
	session   *Session
	server    *http.Server
}

// NewDaemon creates a Daemon. Nothing is opened until Run.
func NewDaemon(cfg *Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, logger: logger}
}

// Session returns the running session, or nil before Run.
func (d *Daemon) Session() *Session { return d.session }

// Run starts everything and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.open(ctx); err != nil {
		d.close()
		return err
	}
	defer d.close()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- err
		}
	}()

	if err := d.session.IDE().LoadActive(ctx); err != nil {
		d.logger.Warn("canvasync: initial ide load failed", "error", err)
	}
	if d.cfg.Settings.WatchInterval > 0 {
		w := d.settings.Watcher(d.cfg.Settings.WatchInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.OnChange(ctx, func() error { return d.session.IDE().LoadActive(ctx) })
		}()
	}

	for _, sc := range d.cfg.Surfaces {
		if err := d.openSurface(ctx, sc); err != nil {
			d.logger.Error("canvasync: surface failed", "surface", sc.ID, "url", sc.URL, "error", err)
		}
	}

	if d.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.logger.Info("canvasync: http listening", "addr", d.server.Addr, "mcp", d.cfg.MCP.Enabled)
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("canvasync: http: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	if d.server != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		d.server.Shutdown(sctx)
		cancel()
	}
	d.session.Close()
	wg.Wait()
	return runErr
}

func (d *Daemon) open(ctx context.Context) error {
	var err error
	d.settings, err = settings.Open(d.cfg.Settings.Path, d.logger)
	if err != nil {
		return fmt.Errorf("canvasync: settings db: %w", err)
	}
	d.sourcemap, err = sourcemap.Open(d.cfg.SourceMap.Path)
	if err != nil {
		return fmt.Errorf("canvasync: sourcemap db: %w", err)
	}
	if d.cfg.SourceMap.Import != "" {
		if err := d.importSourceMap(ctx, d.cfg.SourceMap.Import); err != nil {
			return err
		}
	}

	d.bus = hostcall.New(
		hostcall.WithLogger(d.logger),
		hostcall.WithMiddleware(
			hostcall.Recovery(d.logger),
			hostcall.Logging(d.logger),
			hostcall.Timeout(15*time.Second),
		),
	)
	d.settings.Register(d.bus)
	ide.NewLauncher(nil, d.cfg.IDE.Opener, d.logger).Register(d.bus)

	d.mgr = preview.NewManager(preview.Config{
		RemoteURL:        d.cfg.Browser.Remote,
		Headless:         d.cfg.Browser.Headless,
		Stealth:          d.cfg.Browser.Stealth,
		XvfbDisplay:      d.cfg.Browser.XvfbDisplay,
		ResourceBlocking: d.cfg.Browser.ResourceBlocking,
		NavTimeout:       d.cfg.Browser.NavTimeout,
		Logger:           d.logger,
	})
	if err := d.mgr.Start(ctx); err != nil {
		return err
	}

	d.session, err = NewSession(SessionConfig{
		Preview:        d.mgr,
		Bus:            d.bus,
		Mapper:         d.sourcemap,
		DebounceWindow: d.cfg.Debounce.Window,
		ResyncMode:     d.cfg.Resync.Mode,
		FetchTimeout:   d.cfg.Resync.FetchTimeout,
		Logger:         d.logger,
	})
	if err != nil {
		return err
	}

	if d.cfg.HTTP.Addr != "" {
		r := d.session.Router(shield.BearerToken(d.cfg.HTTP.TokenHash))
		if d.cfg.MCP.Enabled {
			srv := mcp.NewServer(&mcp.Implementation{Name: "canvasync", Version: "1.0.0"}, nil)
			d.session.RegisterMCP(srv)
			r.Handle(d.cfg.MCP.Path, mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
		}
		d.server = &http.Server{
			Addr:              d.cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

func (d *Daemon) importSourceMap(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("canvasync: sourcemap import: %w", err)
	}
	defer f.Close()
	n, err := d.sourcemap.Import(ctx, f)
	if err != nil {
		return err
	}
	d.logger.Info("canvasync: source map imported", "path", path, "nodes", n)
	return nil
}

func (d *Daemon) openSurface(ctx context.Context, sc SurfaceConfig) error {
	id := message.SurfaceID(sc.ID)
	_, err := d.mgr.Open(ctx, preview.SurfaceOptions{
		ID: id, URL: sc.URL, Width: sc.Width, Height: sc.Height,
	}, d.session)
	if err != nil {
		return err
	}
	return d.session.ResyncSurface(ctx, id)
}

func (d *Daemon) close() {
	if d.session != nil {
		d.session.Close()
	} else if d.mgr != nil {
		d.mgr.Close()
	}
	if d.sourcemap != nil {
		d.sourcemap.Close()
	}
	if d.settings != nil {
		d.settings.Close()
	}
}

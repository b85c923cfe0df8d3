package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/canvasync/editor/message"
)

// SurfaceOptions describes one surface to open.
type SurfaceOptions struct {
	ID     message.SurfaceID
	URL    string
	Width  int
	Height int
}

// Surface is one live preview page.
type Surface struct {
	ID   message.SurfaceID
	URL  string
	Page *rod.Page

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func openSurface(ctx context.Context, b *rod.Browser, cfg Config, opts SurfaceOptions, sink Sink) (*Surface, error) {
	var page *rod.Page
	var err error
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("preview: create page: %w", err)
	}

	log := cfg.Logger.With("surface", opts.ID)
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Surface{
		ID:     opts.ID,
		URL:    opts.URL,
		Page:   page,
		logger: log,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	fail := func(err error) (*Surface, error) {
		cancel()
		page.Close()
		return nil, err
	}

	if opts.Width > 0 && opts.Height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width: opts.Width, Height: opts.Height, DeviceScaleFactor: 1,
		}); err != nil {
			log.Warn("preview: set viewport failed", "error", err)
		}
	}
	if len(cfg.ResourceBlocking) > 0 {
		applyResourceBlocking(page, cfg.ResourceBlocking)
	}

	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		return fail(fmt.Errorf("preview: add binding: %w", err))
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		return fail(fmt.Errorf("preview: install bridge: %w", err))
	}

	// Listen before navigating so the first events are not lost.
	wait := page.Context(sctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != BindingName {
				return
			}
			raw, err := ParseBinding(opts.ID, e.Payload)
			if err != nil {
				log.Warn("preview: dropped binding call", "error", err)
				return
			}
			sink.Inbound(sctx, raw)
		},
		func(e *proto.RuntimeConsoleAPICalled) {
			sink.Console(sctx, consoleMessage(opts.ID, e))
		},
	)
	go func() {
		defer close(s.done)
		wait()
	}()

	navCtx, navCancel := context.WithTimeout(ctx, cfg.NavTimeout)
	defer navCancel()
	if err := page.Context(navCtx).Navigate(opts.URL); err != nil {
		return fail(fmt.Errorf("preview: navigate %s: %w", opts.URL, err))
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("preview: wait load timeout", "url", opts.URL, "error", err)
	}
	log.Info("preview: surface open", "url", opts.URL)
	return s, nil
}

// Element reads one element's snapshot through the bridge.
func (s *Surface) Element(ctx context.Context, selector string) (message.DomElementSnapshot, error) {
	var snap message.DomElementSnapshot
	res, err := s.Page.Context(ctx).Eval(`(sel) => window.__canvasync ? window.__canvasync.snapshotSelector(sel) : null`, selector)
	if err != nil {
		return snap, fmt.Errorf("preview: element %q: %w", selector, err)
	}
	if res.Value.Nil() {
		return snap, fmt.Errorf("preview: element %q: not found", selector)
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return snap, fmt.Errorf("preview: element %q: %w", selector, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("preview: element %q: decode: %w", selector, err)
	}
	// The editor addresses elements by the selector it holds.
	snap.Selector = selector
	return snap, nil
}

// OuterHTML serializes the subtree at selector. An empty selector means
// the document body.
func (s *Surface) OuterHTML(ctx context.Context, selector string) (string, error) {
	res, err := s.Page.Context(ctx).Eval(`(sel) => {
		const el = sel ? document.querySelector(sel) : document.body;
		return el ? el.outerHTML : null;
	}`, selector)
	if err != nil {
		return "", fmt.Errorf("preview: outerHTML %q: %w", selector, err)
	}
	if res.Value.Nil() {
		return "", fmt.Errorf("preview: outerHTML %q: not found", selector)
	}
	return res.Value.Str(), nil
}

// Close stops the listeners and closes the page.
func (s *Surface) Close() error {
	s.cancel()
	err := s.Page.Close()
	<-s.done
	return err
}

// applyResourceBlocking intercepts requests and fails the blocked types.
func applyResourceBlocking(page *rod.Page, types []string) {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

package editor

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/canvasync/editor/internal/ide"
	"github.com/hazyhaar/canvasync/editor/message"
	"github.com/hazyhaar/canvasync/kit"
)

// RegisterMCP registers the editor tools on an MCP server.
func (s *Session) RegisterMCP(srv *mcp.Server) {
	s.registerStateTool(srv)
	s.registerSelectTool(srv)
	s.registerSetModeTool(srv)
	s.registerResolveSourceTool(srv)
	s.registerOpenSourceTool(srv)
	s.registerSetIDETool(srv)
	s.registerSelectionMarkdownTool(srv)
}

// --- canvasync_state ---

type stateRequest struct{}

func (s *Session) registerStateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "canvasync_state",
		Description: "Current editor mode and selected elements with their geometry and computed styles.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.store.Snapshot(), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[stateRequest]())
}

// --- canvasync_select ---

type selectToolRequest struct {
	Surface   string   `json:"surface"`
	Selectors []string `json:"selectors"`
}

func (s *Session) registerSelectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "canvasync_select",
		Description: "Select elements on a preview surface by CSS selector. Replaces the current selection.",
		InputSchema: kit.InputSchema(map[string]any{
			"surface":   map[string]any{"type": "string", "description": "Preview surface ID"},
			"selectors": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Selectors in selection order"},
		}, []string{"surface", "selectors"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*selectToolRequest)
		if r.Surface == "" {
			return nil, errors.New("surface is required")
		}
		picked, err := s.Select(ctx, message.SurfaceID(r.Surface), r.Selectors)
		if err != nil {
			return nil, err
		}
		return map[string]any{"selected": len(picked), "state": s.store.Snapshot()}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[selectToolRequest]())
}

// --- canvasync_set_mode ---

type setModeToolRequest struct {
	Mode string `json:"mode"`
}

func (s *Session) registerSetModeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "canvasync_set_mode",
		Description: "Switch the editor interaction mode.",
		InputSchema: kit.InputSchema(map[string]any{
			"mode": map[string]any{"type": "string", "enum": []any{"design", "interact", "pan"}},
		}, []string{"mode"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		m := message.EditorMode(req.(*setModeToolRequest).Mode)
		if err := s.SetMode(ctx, m); err != nil {
			return nil, err
		}
		return map[string]string{"mode": string(s.store.Mode())}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[setModeToolRequest]())
}

// --- canvasync_resolve_source ---

type resolveSourceRequest struct{}

func (s *Session) registerResolveSourceTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "canvasync_resolve_source",
		Description: "Source locations of the first selected element: the rendered instance and the component root. Missing halves are null.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.ResolveSource(ctx), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[resolveSourceRequest]())
}

// --- canvasync_open_source ---

type openSourceRequest struct {
	Target string `json:"target,omitempty"`
}

func (s *Session) registerOpenSourceTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "canvasync_open_source",
		Description: "Open the selected element's source in the active IDE. target=auto opens the instance, falling back to the component root.",
		InputSchema: kit.InputSchema(map[string]any{
			"target": map[string]any{"type": "string", "enum": []any{"auto", "instance", "root"}, "description": "Default auto"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		node, err := s.OpenSource(ctx, ide.Target(req.(*openSourceRequest).Target))
		if err != nil {
			return nil, err
		}
		return node, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[openSourceRequest]())
}

// --- canvasync_set_ide ---

type setIDEToolRequest struct {
	Type string `json:"type"`
}

func (s *Session) registerSetIDETool(srv *mcp.Server) {
	var types []any
	for _, d := range ide.All() {
		types = append(types, string(d.Type))
	}
	tool := &mcp.Tool{
		Name:        "canvasync_set_ide",
		Description: "Choose which IDE source locations open in. The choice is persisted in user settings.",
		InputSchema: kit.InputSchema(map[string]any{
			"type": map[string]any{"type": "string", "enum": types},
		}, []string{"type"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		t := ide.Type(req.(*setIDEToolRequest).Type)
		d, ok := ide.FromType(t)
		if !ok {
			return nil, fmt.Errorf("unknown ide %q", t)
		}
		s.ide.SetActive(ctx, d)
		return s.ideView(), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[setIDEToolRequest]())
}

// --- canvasync_selection_markdown ---

type selectionMarkdownRequest struct{}

type selectionMarkdown struct {
	Surface  message.SurfaceID `json:"surface"`
	Selector string            `json:"selector"`
	Markdown string            `json:"markdown"`
}

func (s *Session) registerSelectionMarkdownTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "canvasync_selection_markdown",
		Description: "Rendered content of each selected element converted to Markdown.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	conv := newMarkdownConverter()
	endpoint := func(ctx context.Context, _ any) (any, error) {
		surface, sel := s.store.Selection()
		if len(sel) == 0 {
			return []selectionMarkdown{}, nil
		}
		out := make([]selectionMarkdown, 0, len(sel))
		for _, el := range sel {
			html, err := s.cfg.Preview.OuterHTML(ctx, surface, el.Selector)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", el.Selector, err)
			}
			md, err := conv.ConvertString(html)
			if err != nil {
				return nil, fmt.Errorf("convert %s: %w", el.Selector, err)
			}
			out = append(out, selectionMarkdown{Surface: surface, Selector: el.Selector, Markdown: md})
		}
		return out, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[selectionMarkdownRequest]())
}

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/canvasync/editor/internal/ide"
	"github.com/hazyhaar/canvasync/editor/message"
	"github.com/hazyhaar/canvasync/shield"
)

// ideEntry is one catalog row as the IDE menu renders it.
type ideEntry struct {
	ide.Descriptor
	Active bool `json:"active"`
}

type ideResponse struct {
	Active  ide.Descriptor `json:"active"`
	Catalog []ideEntry     `json:"catalog"`
}

type setIDERequest struct {
	Type ide.Type `json:"type"`
}

type setModeRequest struct {
	Mode message.EditorMode `json:"mode"`
}

type selectRequest struct {
	Surface   message.SurfaceID `json:"surface"`
	Selectors []string          `json:"selectors"`
}

// RegisterHTTP mounts the presentation API on r.
//
//	GET    /healthz
//	GET    /state                    mode, selection, version
//	GET    /state/events             server-sent state changes
//	GET    /state/dom/{surface}      element tree of one surface
//	PUT    /state/mode               {"mode": "design"|"interact"|"pan"}
//	POST   /state/selection          {"surface": ..., "selectors": [...]}
//	DELETE /state/selection
//	POST   /state/flush              resync pending mutations now
//	GET    /ide                      active IDE and catalog
//	PUT    /ide                      {"type": "vscode"|"cursor"|"zed"}
//	GET    /source                   instance and root of the selection
//	POST   /source/open?target=auto|instance|root
func (s *Session) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/state", func(r chi.Router) {
		r.Get("/", s.handleState)
		r.Get("/events", s.handleEvents)
		r.Get("/dom/{surface}", s.handleDom)
		r.Put("/mode", s.handleSetMode)
		r.Post("/selection", s.handleSelect)
		r.Delete("/selection", s.handleClearSelection)
		r.Post("/flush", s.handleFlush)
	})

	r.Get("/ide", s.handleGetIDE)
	r.Put("/ide", s.handleSetIDE)

	r.Get("/source", s.handleSource)
	r.Post("/source/open", s.handleOpenSource)
}

// Router returns the API behind the shield middleware stack, followed by
// extra. Callers may mount more routes on it.
func (s *Session) Router(extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.logger) {
		r.Use(mw)
	}
	r.Use(extra...)
	s.RegisterHTTP(r)
	return r
}

func (s *Session) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Session) handleDom(w http.ResponseWriter, r *http.Request) {
	surface := message.SurfaceID(chi.URLParam(r, "surface"))
	dom := s.store.Dom(surface)
	if dom == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no element tree for surface %q", surface))
		return
	}
	writeJSON(w, http.StatusOK, dom)
}

func (s *Session) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", req.Mode))
		return
	}
	if err := s.SetMode(r.Context(), req.Mode); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Session) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Surface == "" {
		writeError(w, http.StatusBadRequest, errors.New("surface is required"))
		return
	}
	if _, err := s.Select(r.Context(), req.Surface, req.Selectors); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Session) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	if err := s.ClearSelection(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Session) handleFlush(w http.ResponseWriter, _ *http.Request) {
	s.FlushMutations()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flushing"})
}

func (s *Session) handleGetIDE(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ideView())
}

func (s *Session) ideView() ideResponse {
	active := s.ide.Active()
	resp := ideResponse{Active: active}
	for _, d := range s.ide.Catalog() {
		resp.Catalog = append(resp.Catalog, ideEntry{Descriptor: d, Active: d == active})
	}
	return resp
}

func (s *Session) handleSetIDE(w http.ResponseWriter, r *http.Request) {
	var req setIDERequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, ok := ide.FromType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown ide %q", req.Type))
		return
	}
	s.ide.SetActive(r.Context(), d)
	writeJSON(w, http.StatusOK, s.ideView())
}

func (s *Session) handleSource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ResolveSource(r.Context()))
}

func (s *Session) handleOpenSource(w http.ResponseWriter, r *http.Request) {
	target := ide.Target(r.URL.Query().Get("target"))
	node, err := s.OpenSource(r.Context(), target)
	switch {
	case errors.Is(err, ide.ErrNoSource):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil && node == nil:
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		// Launch failures are reported, never fatal.
		shield.GetLogger(r.Context()).Warn("editor: open source failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleEvents streams a snapshot after every committed state change.
func (s *Session) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	ch, cancel := s.store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		data, err := json.Marshal(s.store.Snapshot())
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send() {
		return
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ch:
			if !send() {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func statusFor(err error) int {
	if errors.Is(err, ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("editor: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

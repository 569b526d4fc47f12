package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"goa.design/clue/health"

	"aide.dev/aide/features/stream/pulse"
	"aide.dev/aide/kernel/assembly"
	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/channel"
	"aide.dev/aide/kernel/orchestrator"
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/telemetry"
)

type (
	// server holds the handler dependencies.
	server struct {
		orch      *orchestrator.Orchestrator
		assembler *assembly.Assembler
		bridge    *frameBridge
		log       telemetry.Logger
		blueprint *blueprint.Blueprint
		templates map[string]*blueprint.Blueprint
	}

	messageRequest struct {
		ActorID   string `json:"actor_id"`
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
		// Source is the ingress label (web, signal or api). Defaults to api.
		Source string `json:"source"`
	}

	editRequest struct {
		ActorID  string     `json:"actor_id"`
		EntityID string     `json:"entity_id"`
		Field    string     `json:"field"`
		Value    page.Value `json:"value"`
	}

	publishRequest struct {
		Slug     string `json:"slug"`
		FreeTier bool   `json:"free_tier"`
	}

	createRequest struct {
		Template string `json:"template"`
	}
)

// newHandler mounts the JSON API, the published-page endpoint and the health
// check.
func newHandler(s *server, checker health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pages", s.createPage)
	mux.HandleFunc("POST /messages", s.postMessage)
	mux.HandleFunc("POST /pages/{id}/messages", s.postMessage)
	mux.HandleFunc("POST /pages/{id}/edits", s.postEdit)
	mux.HandleFunc("POST /pages/{id}/publish", s.publishPage)
	mux.HandleFunc("POST /pages/{id}/fork", s.forkPage)
	mux.HandleFunc("GET /pages/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /p/{slug}", s.servePublished)
	mux.Handle("GET /healthz", health.Handler(checker))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) createPage(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bp := s.blueprint
	if req.Template != "" {
		t, ok := s.templates[req.Template]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown template %q", req.Template))
			return
		}
		bp = t
	}
	id, err := s.orch.CreatePage(r.Context(), bp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"page_id": id})
}

// postMessage runs a message turn. Mounted both on a page and bare: a bare
// message creates its page and the response carries the new id.
func (s *server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	src := page.SourceAPI
	switch req.Source {
	case "":
	case string(page.SourceWeb), string(page.SourceSignal), string(page.SourceAPI):
		src = page.Source(req.Source)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", req.Source))
		return
	}
	pageID := r.PathValue("id")
	if pageID != "" {
		s.bridge.Ensure(pageID)
	}
	id, err := s.orch.HandleMessage(r.Context(), orchestrator.Message{
		PageID:    pageID,
		ActorID:   req.ActorID,
		Content:   req.Content,
		MessageID: req.MessageID,
		Source:    src,
	})
	if err != nil {
		writeTurnError(w, err)
		return
	}
	s.bridge.Ensure(id)
	status := http.StatusOK
	if pageID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"status": "applied", "page_id": id})
}

func (s *server) postEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EntityID == "" || req.Field == "" {
		writeError(w, http.StatusBadRequest, errors.New("entity_id and field are required"))
		return
	}
	pageID := r.PathValue("id")
	s.bridge.Ensure(pageID)
	err := s.orch.DirectEdit(r.Context(), pageID, req.ActorID, req.EntityID, req.Field, req.Value)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *server) publishPage(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f, err := s.assembler.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeTurnError(w, err)
		return
	}
	url, err := s.assembler.Publish(r.Context(), f, assembly.PublishOptions{
		Slug:     req.Slug,
		FreeTier: req.FreeTier,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Visibility changed; persist the working copy with a fresh render.
	f.HTML = nil
	if err := s.assembler.Save(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *server) forkPage(w http.ResponseWriter, r *http.Request) {
	f, err := s.assembler.Fork(r.Context(), r.PathValue("id"))
	if err != nil {
		writeTurnError(w, err)
		return
	}
	if err := s.assembler.Save(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"page_id": f.PageID})
}

// streamEvents bridges a hub subscription to server-sent events. The
// snapshot replay frames arrive first, then live deltas until the client
// disconnects.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	sub, err := s.orch.Attach(r.Context(), r.PathValue("id"))
	if err != nil {
		writeTurnError(w, err)
		return
	}
	defer s.orch.Detach(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sub.C():
			if !open {
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *server) servePublished(w http.ResponseWriter, r *http.Request) {
	doc, err := s.assembler.Published(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeTurnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// decodeJSON tolerates empty request bodies; endpoints validate required
// fields themselves.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeTurnError maps kernel errors onto HTTP statuses.
func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assembly.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type (
	// frameBridge keeps one Pulse forwarder subscription alive per active
	// page so edge nodes see the same frames as local SSE clients. Nil
	// bridges (no Redis configured) are inert.
	frameBridge struct {
		ctx    context.Context
		cancel context.CancelFunc
		orch   *orchestrator.Orchestrator
		fwd    *pulse.Forwarder
		log    telemetry.Logger

		mu    sync.Mutex
		pages map[string]*channel.Subscription
		wg    sync.WaitGroup
	}
)

func newFrameBridge(ctx context.Context, orch *orchestrator.Orchestrator, fwd *pulse.Forwarder, log telemetry.Logger) *frameBridge {
	ctx, cancel := context.WithCancel(ctx)
	return &frameBridge{
		ctx:    ctx,
		cancel: cancel,
		orch:   orch,
		fwd:    fwd,
		log:    log,
		pages:  make(map[string]*channel.Subscription),
	}
}

// Ensure starts forwarding the page's frames if not already running.
func (b *frameBridge) Ensure(pageID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pages[pageID]; ok {
		return
	}
	sub, err := b.orch.Attach(b.ctx, pageID)
	if err != nil {
		b.log.Warn(b.ctx, "pulse bridge attach failed", "page_id", pageID, "err", err)
		return
	}
	b.pages[pageID] = sub
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.fwd.Run(b.ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn(b.ctx, "pulse bridge stopped", "page_id", pageID, "err", err)
		}
		b.orch.Detach(sub)
		b.mu.Lock()
		delete(b.pages, pageID)
		b.mu.Unlock()
	}()
}

// Close detaches all bridge subscriptions and waits for their forwarders.
func (b *frameBridge) Close() {
	if b == nil {
		return
	}
	b.cancel()
	b.mu.Lock()
	for _, sub := range b.pages {
		b.orch.Detach(sub)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

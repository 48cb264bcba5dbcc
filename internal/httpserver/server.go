// Package httpserver exposes the control API the host UI drives: sending
// messages, managing targets and conversations, and reading the archive.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
	"github.com/openmux/omnichat/internal/dispatch"
	"github.com/openmux/omnichat/internal/store"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the HTTP boundary between the host UI and the automation core.
type Server struct {
	store      *store.Store
	engine     *dispatch.Engine
	reconciler *dispatch.Reconciler
	archive    *store.Archive
	cfg        config.ServerConfig
	logger     *zap.Logger

	http *http.Server
}

// New assembles the server and its routes. archive may be nil.
func New(st *store.Store, engine *dispatch.Engine, rec *dispatch.Reconciler, archive *store.Archive, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		store:      st,
		engine:     engine,
		reconciler: rec,
		archive:    archive,
		cfg:        cfg,
		logger:     logger.Named("http"),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", s.handleSend)

		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.handleListTargets)
			r.Post("/", s.handleAddTarget)
			r.Post("/swap", s.handleSwapOrder)
			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", s.handleUpdateTarget)
				r.Delete("/", s.handleDeleteTarget)
			})
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleNewConversation)
			r.Get("/current", s.handleCurrentConversation)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/switch", s.handleSwitchConversation)
				r.Patch("/", s.handleUpdateConversation)
				r.Delete("/", s.handleDeleteConversation)
			})
		})

		r.Get("/archive", s.handleArchive)
	})
	return r
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Start runs the listener until the context is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// --- send ---

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	Message  schemas.Message   `json:"message"`
	Outcomes []schemas.Outcome `json:"outcomes"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	convID := s.store.CurrentID()
	msg, err := s.store.AppendMessage(convID, req.Text)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.archive != nil {
		if err := s.archive.Record(convID, req.Text, msg.Timestamp); err != nil {
			s.logger.Warn("Failed to archive message", zap.Error(err))
		}
	}

	outcomes := s.engine.SendToActiveTargets(r.Context(), req.Text)
	if dispatch.AnyDelivered(outcomes) {
		s.reconciler.ScheduleCapture(convID)
	}
	s.writeJSON(w, http.StatusOK, sendResponse{Message: msg, Outcomes: outcomes})
}

// --- targets ---

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Targets())
}

type addTargetRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var req addTargetRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	s.writeJSON(w, http.StatusCreated, s.store.AddTarget(req.Name, req.URL))
}

type updateTargetRequest struct {
	Name   *string `json:"name,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req updateTargetRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		if err := s.store.RenameTarget(id, *req.Name); err != nil {
			s.storeError(w, err)
			return
		}
	}
	if req.Active != nil {
		if err := s.store.SetTargetActive(id, *req.Active); err != nil {
			s.storeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.store.Targets())
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteTarget(id); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type swapOrderRequest struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

func (s *Server) handleSwapOrder(w http.ResponseWriter, r *http.Request) {
	var req swapOrderRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SwapOrder(req.A, req.B); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.ActiveTargets())
}

// --- conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Conversations())
}

func (s *Server) handleCurrentConversation(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Current())
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.store.NewConversation()
	// Clearing the surfaces settles in the background; the response does not
	// wait on the remote sites.
	go s.reconciler.ResetConversation(context.WithoutCancel(r.Context()))
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleSwitchConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.reconciler.SwitchConversation(context.WithoutCancel(r.Context()), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Current())
}

type updateConversationRequest struct {
	Title  *string `json:"title,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req updateConversationRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Title != nil {
		if err := s.store.RenameConversation(id, *req.Title); err != nil {
			s.storeError(w, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := s.store.SetPinned(id, *req.Pinned); err != nil {
			s.storeError(w, err)
			return
		}
	}
	conv, err := s.store.Get(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteConversation(id); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- archive ---

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.archive.Recent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.ArchivedMessage{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

// --- helpers ---

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// storeError maps store sentinel errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrActiveLimit):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonAPI.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

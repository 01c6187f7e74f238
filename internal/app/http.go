package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"blueshot/api/internal/logger"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/search"
	"blueshot/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	// keepAlive is the SSE comment interval on the notification stream.
	keepAlive time.Duration
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, keepAlive: 25 * time.Second}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/session", s.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/user-groups", s.handleCreateUserGroup)
			r.Post("/event-groups", s.handleCreateEventGroup)

			r.Route("/events", func(r chi.Router) {
				r.Get("/", s.handleListEvents)
				r.Post("/", s.handleCreateEvent)
				r.Get("/{id}/acknowledgements", s.handleListAcknowledgements)
				r.Post("/{id}/acknowledgement", s.handleAcknowledge)
				r.Post("/{id}/meeting-token", s.handleMeetingToken)
			})

			r.Route("/edit-sessions", func(r chi.Router) {
				r.Get("/", s.handleListEditSessions)
				r.Post("/", s.handleOpenEditSession)
				r.Get("/{id}", s.handleGetEditSession)
				r.Delete("/{id}", s.handleCloseEditSession)
				r.Post("/{id}/changes", s.handleStageChange)
				r.Delete("/{id}/changes/{changeId}", s.handleRemoveChange)
				r.Post("/{id}/save", s.handleSave)
				r.Post("/{id}/discard", s.handleDiscard)
				r.Post("/{id}/refresh", s.handleRefresh)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleListNotifications)
				r.Get("/stream", s.handleNotificationStream)
				r.Post("/{id}/read", s.handleMarkNotificationRead)
			})

			r.Get("/search/identities", s.handleSearchIdentities)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"email":         session.Email,
	})
}

// Groups and events

func (s *HTTPServer) handleCreateUserGroup(w http.ResponseWriter, r *http.Request) {
	var body CreateGroupInput
	if !decodeOrFail(w, r, &body) {
		return
	}
	group, err := s.service.CreateUserGroup(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          group.ID,
		"name":        group.Name,
		"description": group.Description,
		"createdAt":   group.CreatedAt,
	})
}

func (s *HTTPServer) handleCreateEventGroup(w http.ResponseWriter, r *http.Request) {
	var body CreateGroupInput
	if !decodeOrFail(w, r, &body) {
		return
	}
	group, err := s.service.CreateEventGroup(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          group.ID,
		"name":        group.Name,
		"description": group.Description,
		"createdAt":   group.CreatedAt,
	})
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.ListEvents(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var body CreateEventInput
	if !decodeOrFail(w, r, &body) {
		return
	}
	event, err := s.service.CreateEvent(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *HTTPServer) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status store.AckStatus `json:"status"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	ack, err := s.service.Acknowledge(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *HTTPServer) handleListAcknowledgements(w http.ResponseWriter, r *http.Request) {
	acks, err := s.service.ListAcknowledgements(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledgements": acks})
}

func (s *HTTPServer) handleMeetingToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.service.MeetingToken(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// Edit sessions

func (s *HTTPServer) handleListEditSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.service.EditSessionIDs(sessionFrom(r).UserID)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (s *HTTPServer) handleOpenEditSession(w http.ResponseWriter, r *http.Request) {
	var body reconcile.Resource
	if !decodeOrFail(w, r, &body) {
		return
	}
	view, err := s.service.OpenEditSession(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleGetEditSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetEditSession(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCloseEditSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CloseEditSession(sessionFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleStageChange(w http.ResponseWriter, r *http.Request) {
	var body StageChangeInput
	if !decodeOrFail(w, r, &body) {
		return
	}
	result, err := s.service.StageChange(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRemoveChange(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.RemoveChange(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "changeId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.SaveEditSession(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DiscardEditSession(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.RefreshEditSession(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Notifications

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.ListNotifications(r.Context(), sessionFrom(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkNotificationRead(r.Context(), sessionFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleNotificationStream relays the caller's realtime channel as
// server-sent events until the client goes away.
func (s *HTTPServer) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	stream, err := s.service.SubscribeNotifications(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-store")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleSearchIdentities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	filter := search.ResultType(query.Get("type"))
	switch filter {
	case "", search.ResultUser, search.ResultGroup:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "type must be user or group", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SearchIdentities(r.Context(), strings.TrimSpace(query.Get("q")), filter, limit))
}

// Plumbing

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		lg := logger.With("http")
		lg.Error().
			Err(err).
			Str("request_id", requestID(r)).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		log := logger.With("http")
		event := log.Info()
		switch {
		case writer.status >= http.StatusInternalServerError:
			event = log.Error()
		case writer.status >= http.StatusBadRequest:
			event = log.Warn()
		}
		event.
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

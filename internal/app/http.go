package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"formcollect/api/internal/logging"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	trustProxy bool
	log        logging.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, trustProxy bool, log logging.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		trustProxy: trustProxy,
		log:        logging.Component(log, "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Head("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Head("/ready", s.handleReady)

		r.Get("/form/public", s.handlePublicForm)

		r.Route("/submissions", func(r chi.Router) {
			r.Post("/start-with-token", s.handleStartWithToken)
			r.Post("/start/{formId}", s.handleStart)
			r.Put("/{submissionId}/field", s.handleSetField)
			r.Post("/{submissionId}/finish", s.handleFinish)
		})
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

func (s *HTTPServer) handlePublicForm(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.PublicForm(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var body StartInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return
	}
	sub, err := s.service.StartDirect(r.Context(), chi.URLParam(r, "formId"), body, s.client(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *HTTPServer) handleStartWithToken(w http.ResponseWriter, r *http.Request) {
	var body StartWithTokenInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return
	}
	sub, err := s.service.StartWithToken(r.Context(), body, s.client(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *HTTPServer) handleSetField(w http.ResponseWriter, r *http.Request) {
	var body SetFieldInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return
	}
	sub, err := s.service.SetField(r.Context(), chi.URLParam(r, "submissionId"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *HTTPServer) handleFinish(w http.ResponseWriter, r *http.Request) {
	var body FinishInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return
	}
	sub, err := s.service.Finish(r.Context(), chi.URLParam(r, "submissionId"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed",
			"request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

// client identifies the caller. The first X-Forwarded-For hop is only
// honoured behind a trusted proxy.
func (s *HTTPServer) client(r *http.Request) Client {
	return Client{
		UserID: s.service.UserFromBearer(r.Context(), bearerToken(r)),
		Addr:   clientAddr(r, s.trustProxy),
	}
}

func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info(ctx, "request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

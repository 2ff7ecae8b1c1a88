// Package server is the HTTP ingress used by the hosting daemon. The
// core itself owns no wire format; this package just feeds inbound
// message events into the aggregator.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/talkline/dialog-core/internal/core/domain"
)

// Submitter accepts inbound message events.
type Submitter interface {
	Submit(id domain.ConversationID, text string, arrivedAt time.Time)
}

type Server struct {
	Router *chi.Mux
	Port   int

	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the ingress router over the given submitter.
func New(port int, logger *slog.Logger, submitter Submitter) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(10 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "dialog-core")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Post("/v1/tenants/{tenant}/users/{user}/messages", submitHandler(submitter))

	return &Server{Router: r, Port: port, logger: logger}
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	Status string `json:"status"`
}

func submitHandler(submitter Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			http.Error(w, "body must be {\"text\": \"...\"}", http.StatusBadRequest)
			return
		}

		id := domain.ConversationID{
			TenantID: chi.URLParam(r, "tenant"),
			UserID:   chi.URLParam(r, "user"),
		}
		if id.TenantID == "" || id.UserID == "" {
			http.Error(w, "tenant and user are required", http.StatusBadRequest)
			return
		}

		submitter.Submit(id, req.Text, time.Now())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(submitResponse{Status: "accepted"})
	}
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

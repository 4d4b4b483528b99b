package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/talon/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// No tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Post("/webhooks/{provider}", handler.IngestWebhook)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/payments", handler.CreatePayment)
		r.Get("/payments/{id}", handler.GetPayment)
		r.Post("/payments/{id}/refunds", handler.CreateRefund)

		r.Post("/risk/logins", handler.AssessLogin)

		r.Group(func(r chi.Router) {
			r.Use(RequireActor())

			r.Post("/manual-payments", handler.SubmitManualPayment)
			r.Get("/manual-payments/{id}", handler.GetManualPayment)
			r.Post("/manual-payments/{id}/approve", handler.ApproveManualPayment)
			r.Post("/manual-payments/{id}/reject", handler.RejectManualPayment)

			r.Get("/approval-tickets", handler.ListTickets)
			r.Post("/approval-tickets/{id}/assign", handler.AssignTicket)
			r.Post("/approval-tickets/{id}/approve", handler.ApproveTicket)
			r.Post("/approval-tickets/{id}/reject", handler.RejectTicket)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireActor(domain.RoleAdmin, domain.RoleFinanceAdmin))

			r.Post("/blacklist", handler.AddBlacklist)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireActor(domain.RoleAdmin))

			r.Get("/rules", handler.ListRules)
			r.Post("/rules", handler.CreateRule)
			r.Post("/rules/reload", handler.ReloadRules)

			r.Get("/keys", handler.ListKeys)
			r.Post("/keys/{purpose}/rotate", handler.RotateKey)

			r.Post("/webhooks/events/{id}/replay", handler.ReplayWebhook)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

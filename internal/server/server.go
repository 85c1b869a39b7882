package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/handler"
	"github.com/Nzyazin/cashbook/internal/core/logger"
	middlWre "github.com/Nzyazin/cashbook/internal/core/middleware"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/internal/core/usecase"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

type Config struct {
	AllowedOrigins []string
	Verifier       middlWre.TokenVerifier
	// Registry backs /metrics; nil uses the Prometheus default registry.
	Registry *prom.Registry
}

type Server struct {
	router           *mux.Router
	handler          http.Handler
	log              logger.Logger
	httpServer       *http.Server
	transactions     *handler.TransactionHandler
	bankAdmin        *handler.BankAdminHandler
	verifier         middlWre.TokenVerifier
	metricsHandler   http.Handler
	metricsRegistrar prom.Registerer
	closers          []func() error
}

func NewServer(uc usecase.TransactionUsecase, cfg Config, log logger.Logger) *Server {
	server := &Server{
		log:              log,
		router:           mux.NewRouter(),
		transactions:     handler.NewTransactionHandler(uc, log),
		bankAdmin:        handler.NewBankAdminHandler(uc, log),
		verifier:         cfg.Verifier,
		metricsHandler:   promhttp.Handler(),
		metricsRegistrar: prom.DefaultRegisterer,
	}
	if cfg.Registry != nil {
		server.metricsHandler = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
		server.metricsRegistrar = cfg.Registry
	}

	server.router.Use(
		middlWre.Logging(server.log),
		middlWre.Recovery(server.log),
	)

	mw := middleware.New(middleware.Config{
		Recorder: prometheus.NewRecorder(prometheus.Config{Registry: server.metricsRegistrar}),
	})
	server.router.Use(func(next http.Handler) http.Handler {
		return std.Handler("", mw, next)
	})

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	server.RegisterRoutes()

	// CORS wraps the router so preflight requests never reach route matching.
	server.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})(server.router)

	return server
}

func (s *Server) RegisterRoutes() {
	s.router.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		middlWre.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	cashbook := s.router.PathPrefix("/transactions").Subrouter()
	cashbook.Use(
		middlWre.Authenticate(s.verifier, s.log),
		middlWre.RequireRole(models.RoleCashbook),
	)
	s.transactions.RegisterRoutes(cashbook)

	bankAdmin := s.router.PathPrefix("/bank_admin").Subrouter()
	bankAdmin.Use(
		middlWre.Authenticate(s.verifier, s.log),
		middlWre.RequireRole(models.RoleBankAdmin),
	)
	s.bankAdmin.RegisterRoutes(bankAdmin)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// OnShutdown registers fn to run after the HTTP server stops, in order.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       9 * time.Second,
		WriteTimeout:      12 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 6 * time.Second,
	}

	s.httpServer = srv

	return srv.ListenAndServe()
}

func (s *Server) RunTLS(addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       9 * time.Second,
		WriteTimeout:      9 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 6 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	s.httpServer = srv
	return srv.ListenAndServeTLS(certFile, keyFile)
}

func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	var shutdownErr error

	go func() {
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.Error("Failed to shutdown HTTP server", logger.ErrorField("error", err))
				shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
			}
		}

		for _, closeFn := range s.closers {
			if err := closeFn(); err != nil {
				s.log.Error("Failed to release resource", logger.ErrorField("error", err))
				shutdownErr = fmt.Errorf("resource shutdown error: %w", err)
			}
		}

		close(done)
	}()

	select {
	case <-done:
		return shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

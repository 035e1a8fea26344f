package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/dubpipe/internal/tracing"
)

// Server is the HTTP server fronting one Handler. It binds the chi router
// to the configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *Handler
	httpSrv *http.Server
}

// NewServer builds a Server with the given Handler and listen address.
// Zero-value timeouts leave the corresponding http.Server field at its
// default (no timeout). If tracingEnabled is true, the OpenTelemetry HTTP
// middleware is added to extract/inject trace context, matching the
// proxy server's optional instrumentation.
func NewServer(handler *Handler, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Route("/v1/workspaces/{id}", func(wr chi.Router) {
		wr.Post("/run", handler.HandleRun)
		wr.Post("/cancel", handler.HandleCancel)
		wr.Post("/bless", handler.HandleBless)
		wr.Post("/gates/{key}/pass", handler.HandlePassGate)
		wr.Get("/status", handler.HandleStatus)
		wr.Get("/caldoc", handler.HandleGetCalDoc)
		wr.Put("/caldoc", handler.HandlePutCalDoc)
	})
	r.Get("/v1/jobs", handler.HandleListJobs)
	r.Get("/health", handler.HandleHealth)
	r.Get("/health/ready", handler.HandleReady)

	srv := &Server{
		router:  r,
		handler: handler,
	}

	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return srv
}

// Router returns the underlying chi.Router, useful for testing or
// additional route mounting by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening for HTTP connections on the configured address.
// It blocks until the server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("apiserver: %w", err)
	}
	return nil
}

// StartTLS begins listening for HTTPS connections using the given
// certificate and key files. It blocks until the server is shut down or
// encounters a fatal error.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("apiserver (TLS): %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

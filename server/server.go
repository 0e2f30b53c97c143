// Package server exposes the archive over HTTP, WebSocket and gRPC health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/assistant"
	"github.com/becomeliminal/nim-archive/tools"
)

// Asker answers free-form questions about message history.
type Asker interface {
	Ask(ctx context.Context, channelID, question string) (*assistant.Answer, error)
}

// Config configures a Server.
type Config struct {
	Router *archive.Router
	Tools  *tools.Executor
	// Assistant serves POST /v1/ask. Nil disables the route.
	Assistant Asker
	Logger    zerolog.Logger

	HTTPAddr string
	// GRPCAddr serves the standard gRPC health service. Empty disables it.
	GRPCAddr string
	// HealthInterval is how often dependency health is pushed to the gRPC
	// health service. Defaults to 15s.
	HealthInterval time.Duration
	// MaxBodyBytes limits request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Server is the archive's network front end.
type Server struct {
	cfg      Config
	router   *archive.Router
	tools    *tools.Executor
	asker    Asker
	logger   zerolog.Logger
	mux      *chi.Mux
	upgrader websocket.Upgrader
	health   *health.Server
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewExecutor(cfg.Router)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		cfg:    cfg,
		router: cfg.Router,
		tools:  cfg.Tools,
		asker:  cfg.Assistant,
		logger: cfg.Logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		health: health.NewServer(),
	}
	s.mux = s.routes()
	return s, nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(maxBodySize(s.cfg.MaxBodyBytes))

		r.Post("/events", s.handleIngest)
		r.Get("/ws", s.handleWebsocket)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Get("/channels/{channelID}/messages", s.handleRecent)
		r.Get("/channels/{channelID}/stats", s.handleStats)
		r.Get("/search", s.handleSearch)
		r.Get("/context", s.handleContext)
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/{name}", s.handleExecuteTool)
		r.Post("/ask", s.handleAsk)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP (and gRPC health when configured) until ctx is done, then
// shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = s.newGRPCServer()
		go func() {
			s.logger.Info().Str("addr", s.cfg.GRPCAddr).Msg("grpc health listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.watchHealth(healthCtx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.logger.Info().Msg("shutting down")
	stopHealth()
	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return runErr
}

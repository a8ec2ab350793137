// Package server exposes the coordinator's inbound surface: the webhook and
// client-verify push entry points, the state endpoint the game UI polls, and
// the operator admin surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/ingest"
	"github.com/Al3Xoni/OpenClawEffect/pkg/metrics"
)

// Gateway accepts canonical push submissions.
type Gateway interface {
	SubmitPush(ctx context.Context, sub ingest.Submission) (ingest.Result, error)
}

// StateReader is the read-only store surface for the UI endpoints.
type StateReader interface {
	State(ctx context.Context) (*game.State, error)
	Round(ctx context.Context, id int64) (*game.Round, error)
}

// Resetter force-starts a new round for the operator surface.
type Resetter interface {
	ForceNewRound(ctx context.Context, duration time.Duration) (int64, error)
}

// VersionInfo is served on /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	Clock             clockwork.Clock
	ListenAddr        string
	Gateway           Gateway
	Store             StateReader
	Resetter          Resetter
	WebhookSecret     string
	OperatorWallet    string
	Treasury          string
	Mint              string
	AllowedOrigins    []string
	VersionInfo       VersionInfo
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	VerifyRateLimit   rate.Limit
	VerifyRateBurst   int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Resetter == nil {
		return errors.New("resetter is required")
	}
	if cfg.OperatorWallet == "" {
		return errors.New("operator wallet is required")
	}
	if cfg.Treasury == "" {
		return errors.New("treasury address is required")
	}
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.VerifyRateLimit == 0 {
		// 30 verify calls per minute per IP, small burst.
		cfg.VerifyRateLimit = rate.Every(2 * time.Second)
	}
	if cfg.VerifyRateBurst <= 0 {
		cfg.VerifyRateBurst = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log      *slog.Logger
	cfg      Config
	router   *chi.Mux
	httpSrv  *http.Server
	verifyRL *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		router:   chi.NewRouter(),
		verifyRL: NewRateLimiter(cfg.VerifyRateLimit, cfg.VerifyRateBurst),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.countRequests)
	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		r.With(s.rateLimitVerify).Post("/verify-push", s.handleVerifyPush)
		r.Get("/state", s.handleState)
		r.Post("/admin/reset", s.handleAdminReset)
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Label by route pattern, not raw path, to keep cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	defer s.verifyRL.Stop()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers; the singleton row exists after bootstrap.
	if _, err := s.cfg.Store.State(r.Context()); err != nil {
		s.log.Debug("readyz: store not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("store not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

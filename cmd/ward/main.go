package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/wardroom/internal/audit"
	"github.com/dreamware/wardroom/internal/auth"
	"github.com/dreamware/wardroom/internal/config"
	"github.com/dreamware/wardroom/internal/coordinator"
	"github.com/dreamware/wardroom/internal/gateway"
	"github.com/dreamware/wardroom/internal/logging"
	"github.com/dreamware/wardroom/internal/metrics"
	"github.com/dreamware/wardroom/internal/remediation"
	"github.com/dreamware/wardroom/internal/ward"
)

// auditMaxLen caps the audit stream so a long-running ward cannot fill Redis.
const auditMaxLen = 10000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "ward")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.sweeper.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ward listening", zap.String("addr", cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.close()
	logger.Info("ward stopped")
}

// server holds everything the HTTP handlers need.
type server struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    ward.Store
	engine   *coordinator.Engine
	tokens   *auth.Service
	gateway  *gateway.Gateway
	sweeper  *coordinator.SessionSweeper
	registry *prometheus.Registry
	redis    *redis.Client
}

// newServer builds the engine and its collaborators from cfg.
func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	store := ward.NewMemoryStore()
	seed := ward.DefaultSeed()
	if cfg.SeedFile != "" {
		var err error
		if seed, err = ward.LoadSeed(cfg.SeedFile); err != nil {
			return nil, err
		}
	}
	if err := seed.Apply(store, time.Now()); err != nil {
		return nil, fmt.Errorf("apply seed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheus(registry, "ward")

	engine := coordinator.NewEngine(store, newAction(cfg, logger.Named("remediation")), coordinator.EngineConfig{
		DefaultRoom: cfg.Session.DefaultRoom,
		Grace:       cfg.Session.Grace,
		Cooldown:    cfg.Remediation.Cooldown,
		Timeout:     cfg.Remediation.Timeout,
		Reopen:      cfg.Remediation.Reopen,
	}, logger.Named("engine"), m)

	if cfg.Auth.Secret == "" {
		logger.Warn("JWT_SECRET not set, tokens will not survive a restart")
	}
	tokens, err := auth.NewService(auth.NewUserStore(nil), auth.Options{
		Secret:     cfg.Auth.Secret,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   engine,
		tokens:   tokens,
		registry: registry,
	}

	var sink audit.Sink = audit.Nop{}
	if cfg.Redis.Addr != "" {
		srv.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := audit.NewRedisSink(srv.redis, cfg.Redis.Stream, auditMaxLen, logger.Named("audit"))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("audit stream unreachable, events will be dropped until it is back",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		sink = rs
	}

	srv.gateway = gateway.New(engine, gateway.Options{
		Verifier:       tokens,
		Audit:          sink,
		Metrics:        m,
		Logger:         logger.Named("gateway"),
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv.sweeper = coordinator.NewSessionSweeper(engine.Sessions(), cfg.Session.SweepInterval, logger.Named("sweeper"))
	srv.sweeper.SetOnSweep(m.RecordSessionsSwept)

	logger.Info("ward ready",
		zap.Int("patients", len(store.Patients())),
		zap.String("remediation_mode", cfg.Remediation.Mode),
		zap.Duration("cooldown", cfg.Remediation.Cooldown),
		zap.Bool("audit", srv.redis != nil),
	)
	return srv, nil
}

// newAction selects the remediation action. The engine applies the timeout.
func newAction(cfg *config.Config, logger *zap.Logger) remediation.Action {
	switch cfg.Remediation.Mode {
	case config.ModeHTTP:
		return remediation.NewHTTPAction(cfg.Remediation.URL, logger)
	case config.ModeManifest:
		return remediation.NewManifestAction(cfg.Remediation.Manifest, cfg.Remediation.Tags, logger)
	}
	return remediation.Simulated{Delay: cfg.Remediation.Delay}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/verify", s.handleVerify)
	mux.HandleFunc("GET /auth/me", s.handleMe)

	mux.HandleFunc("GET /patients", s.handleListPatients)
	mux.HandleFunc("GET /patients/{id}", s.handleGetPatient)
	mux.HandleFunc("POST /patients/{id}/problems", s.handleCreateProblem)

	mux.HandleFunc("GET /caregivers", s.handleListCaregivers)

	mux.Handle("/ward", s.gateway)

	return withCORS(s.cfg.AllowedOrigins, mux)
}

// close stops background work and disconnects every client.
func (s *server) close() {
	s.sweeper.Stop()
	s.gateway.Close()
	s.engine.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

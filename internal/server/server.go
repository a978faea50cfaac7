/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/api"
	"github.com/SystemVirtue/obie-v5-sub001/internal/auth"
	"github.com/SystemVirtue/obie-v5-sub001/internal/catalog"
	"github.com/SystemVirtue/obie-v5-sub001/internal/config"
	"github.com/SystemVirtue/obie-v5-sub001/internal/db"
	"github.com/SystemVirtue/obie-v5-sub001/internal/election"
	"github.com/SystemVirtue/obie-v5-sub001/internal/eventbus"
	"github.com/SystemVirtue/obie-v5-sub001/internal/kiosk"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/nowplaying"
	"github.com/SystemVirtue/obie-v5-sub001/internal/playback"
	"github.com/SystemVirtue/obie-v5-sub001/internal/queue"
	"github.com/SystemVirtue/obie-v5-sub001/internal/reconcile"
	"github.com/SystemVirtue/obie-v5-sub001/internal/registry"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
)

// Server bundles the HTTP API and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db         *gorm.DB
	bus        eventbus.Bus
	api        *api.API
	playback   *playback.Service
	nowplaying *nowplaying.Service

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for websocket connections; the events stream stays open
	// until the client hangs up.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so the events websocket is not cut off; the
		// middleware timeout covers the plain request routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	bus, err := s.newEventBus()
	if err != nil {
		return err
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	// Row-change notifications hang off the GORM callback chain, so every
	// write path publishes without the services having to remember to.
	if err := db.RegisterCallbacks(database, bus); err != nil {
		return fmt.Errorf("register db callbacks: %w", err)
	}

	if err := s.seedRegistry(); err != nil {
		return err
	}
	if err := s.bootstrapAdmin(); err != nil {
		return err
	}

	queueSvc := queue.New(database, s.logger)
	electionSvc := election.New(database, bus, s.logger)
	s.playback = playback.New(database, bus, s.logger)

	kioskSvc := kiosk.New(database, kiosk.Policy{
		CreditCost: s.cfg.CreditCost,
		FreePlay:   s.cfg.FreePlay,
		SessionTTL: s.cfg.SessionTTL,
	}, s.logger)

	var resolver catalog.Resolver
	if s.cfg.YouTubeAPIKey != "" {
		resolver = catalog.NewYouTubeResolver(s.cfg.YouTubeAPIKey)
	} else {
		s.logger.Warn().Msg("no YouTube API key configured, catalog search disabled")
	}
	catalogSvc := catalog.New(database, resolver, s.logger)

	s.nowplaying = nowplaying.New(database, bus, s.logger,
		reconcile.WithInterval(s.cfg.DebounceInterval))
	s.DeferClose(func() error { s.nowplaying.Close(); return nil })

	// Prime the derived snapshots so the first read does not race the first
	// debounce window.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.nowplaying.Refetch(ctx); err != nil {
		return fmt.Errorf("initial now-playing refetch: %w", err)
	}

	s.api = api.New(database, []byte(s.cfg.JWTSigningKey),
		queueSvc, electionSvc, s.playback, kioskSvc, catalogSvc, s.nowplaying,
		bus, s.logger)

	return nil
}

// newEventBus selects the fan-out backend. Memory is single-node; Redis and
// NATS mirror row-change notifications across server instances.
func (s *Server) newEventBus() (eventbus.Bus, error) {
	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = eventbus.NodeID()
	}

	switch s.cfg.BusBackend {
	case config.BusRedis:
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		return eventbus.NewRedisBus(redisCfg, nodeID, s.logger)
	case config.BusNATS:
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		return eventbus.NewNATSBus(natsCfg, nodeID, s.logger)
	default:
		return eventbus.NewMemoryBus(), nil
	}
}

// seedRegistry loads the player fleet definition and upserts it. A missing
// file is tolerated in development so the server can come up before the
// operator has written one; the fleet is just empty until then.
func (s *Server) seedRegistry() error {
	file, err := registry.Load(s.cfg.PlayersFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("path", s.cfg.PlayersFile).Msg("players file not found, fleet is empty")
			return nil
		}
		return fmt.Errorf("load player registry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Seed(ctx, s.db, file, s.logger); err != nil {
		return fmt.Errorf("seed player registry: %w", err)
	}
	s.logger.Info().Int("players", len(file.Players)).Str("path", s.cfg.PlayersFile).Msg("player registry seeded")
	return nil
}

// bootstrapAdmin upserts the console admin account when configured. The
// password is rotated on every start so a changed env var takes effect.
func (s *Server) bootstrapAdmin() error {
	if s.cfg.AdminEmail == "" || s.cfg.AdminPassword == "" {
		return nil
	}

	hash, err := auth.HashPassword(s.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	var user models.User
	err = s.db.Where("email = ?", s.cfg.AdminEmail).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			ID:       uuid.New().String(),
			Email:    s.cfg.AdminEmail,
			Password: hash,
			Role:     models.RoleAdmin,
		}
		if err := s.db.Create(&user).Error; err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
		s.logger.Info().Str("email", s.cfg.AdminEmail).Msg("admin user created")
	case err != nil:
		return fmt.Errorf("lookup admin user: %w", err)
	default:
		updates := map[string]any{"password": hash, "role": models.RoleAdmin}
		if err := s.db.Model(&user).Updates(updates).Error; err != nil {
			return fmt.Errorf("update admin user: %w", err)
		}
	}
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Advisory heartbeat sweep. Stale statuses are flagged, never advanced;
	// only the priority instance moves a queue.
	sweepEvery := s.cfg.HeartbeatStaleAfter / 2
	if sweepEvery < 5*time.Second {
		sweepEvery = 5 * time.Second
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.playback.SweepStale(ctx, s.cfg.HeartbeatStaleAfter); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error().Err(err).Msg("heartbeat sweep failed")
				}
			}
		}
	}()

	// Database connection pool metrics updater.
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()

	// Metrics are served on a separate bind so the scrape endpoint never
	// shares the public listener.
	if s.cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics server listening")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.api.Routes(s.router)
}

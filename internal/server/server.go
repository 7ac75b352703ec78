// Package server assembles the session manager, the agent transport, the
// admin API, and the observability endpoints into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aixgo-dev/convene/internal/api"
	"github.com/aixgo-dev/convene/internal/logging"
	tracing "github.com/aixgo-dev/convene/internal/observability"
	"github.com/aixgo-dev/convene/pkg/config"
	"github.com/aixgo-dev/convene/pkg/launcher"
	"github.com/aixgo-dev/convene/pkg/observability"
	"github.com/aixgo-dev/convene/pkg/payment"
	"github.com/aixgo-dev/convene/pkg/registry"
	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
	"github.com/aixgo-dev/convene/pkg/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// limiterIdle is how long an agent's rate limiter survives without requests.
const limiterIdle = 10 * time.Minute

// Server owns every long-lived component of a running convene process.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	version string

	manager  *session.Manager
	store    session.RecordStore
	ledger   *payment.Ledger
	launcher session.Launcher
	binder   *transport.Binder
	limiter  *security.RateLimiter
	audit    security.AuditLogger
	checker  *observability.HealthChecker

	httpServer *http.Server
	obsServer  *observability.Server
	grpcServer *grpc.Server
	health     *health.Server
	janitor    *cron.Cron
}

// Listeners are the sockets a Server serves on. Observability and
// GRPCHealth are optional.
type Listeners struct {
	HTTP          net.Listener
	Observability net.Listener
	GRPCHealth    net.Listener
}

// New builds a server from cfg. cfg must already be validated.
func New(cfg *config.Config, logger *zap.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		checker: observability.NewHealthChecker(version),
	}

	store, err := newRecordStore(cfg)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.checker.RegisterCheck(observability.PingCheck())
	if rs, ok := store.(*session.RedisRecordStore); ok {
		s.checker.RegisterCheck(observability.StoreCheck("redis", rs.Ping))
	}

	resolver, err := registry.New(cfg.Registry.File, logger.Named("registry"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	l, err := launcher.New(cfg.Launcher.Type, cfg.Server.PublicURL, logger.Named("launcher"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.launcher = l
	s.ledger = payment.NewLedger(logger.Named("payment"))

	s.manager = session.NewManager(
		session.WithLogger(logger.Named("session")),
		session.WithResolver(resolver),
		session.WithLauncher(l),
		session.WithPayment(s.ledger),
		session.WithRecordStore(store),
		session.WithDefaultNamespace(cfg.Sessions.DefaultNamespace),
		session.WithDefaultTTL(cfg.Sessions.DefaultTTL),
		session.WithMaxSessions(cfg.Sessions.MaxSessions),
		session.WithEventSink(logging.NewEventLogger(logger.Named("events"))),
		session.WithEventSink(observability.MetricsSink{}),
	)

	tools := transport.NewToolset(s.manager,
		transport.WithWaitLimits(cfg.Sessions.DefaultWait, cfg.Sessions.MaxWait),
		transport.WithPayment(s.ledger),
		transport.WithToolLogger(logger.Named("tools")),
	)
	s.binder = transport.NewBinder(s.manager, tools,
		transport.WithBinderLogger(logger.Named("transport")),
		transport.WithImplementation(&mcp.Implementation{Name: "convene", Version: version}),
	)
	s.manager.AddSink(s.binder)

	httpOpts := []transport.HTTPOption{transport.WithHTTPLogger(logger.Named("http"))}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		httpOpts = append(httpOpts, transport.WithRateLimiter(s.limiter))
	}
	agents := transport.NewHTTPHandler(s.binder, httpOpts...)

	s.audit = security.NewZapAuditLogger(logger)
	admin := api.New(s.manager,
		api.WithAuthenticator(authenticator(cfg.Server.APIKeys, logger)),
		api.WithAuthorizer(security.NewRBACAuthorizer()),
		api.WithAuditLogger(s.audit),
		api.WithSettlements(s.ledger),
		api.WithPublicURL(cfg.Server.PublicURL),
		api.WithLogger(logger.Named("api")),
	)

	mux := http.NewServeMux()
	mux.Handle("/agents/", agents)
	mux.Handle("/", admin)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.Observability.Addr != "" {
		s.obsServer = observability.NewServer(cfg.Observability.Addr, s.checker)
	}
	if cfg.Observability.GRPCHealthAddr != "" {
		s.health = health.NewServer()
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}

	s.janitor = cron.New()
	if cfg.Sessions.JanitorSchedule != "" {
		if _, err := s.janitor.AddFunc(cfg.Sessions.JanitorSchedule, s.sweep); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("sessions.janitor_schedule: %w", err)
		}
	}
	return s, nil
}

func newRecordStore(cfg *config.Config) (session.RecordStore, error) {
	switch cfg.Store.Type {
	case "", "memory":
		return session.NewMemoryRecordStore(cfg.Sessions.ArchiveRetention), nil
	case "redis":
		rc := cfg.Store.Redis
		store, err := session.NewRedisRecordStore(session.RedisConfig{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			Prefix:    rc.Prefix,
			Retention: cfg.Sessions.ArchiveRetention,
			PoolSize:  rc.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// authenticator returns an open authenticator when no keys are configured.
func authenticator(keys []config.APIKey, logger *zap.Logger) security.Authenticator {
	if len(keys) == 0 {
		logger.Warn("no api keys configured, admin API is unauthenticated")
		return security.NewOpenAuthenticator()
	}
	auth := security.NewAPIKeyAuthenticator()
	for i, k := range keys {
		name := k.Name
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		auth.AddKey(k.Key, &security.Principal{ID: name, Name: name, Roles: []string{k.Role}})
	}
	return auth
}

// Manager returns the session manager.
func (s *Server) Manager() *session.Manager { return s.manager }

// Handler returns the combined agent and admin HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var ls Listeners
	var err error
	closeAll := func() {
		for _, l := range []net.Listener{ls.HTTP, ls.Observability, ls.GRPCHealth} {
			if l != nil {
				_ = l.Close()
			}
		}
	}

	if ls.HTTP, err = net.Listen("tcp", s.cfg.Server.Addr); err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	if s.obsServer != nil {
		if ls.Observability, err = net.Listen("tcp", s.cfg.Observability.Addr); err != nil {
			closeAll()
			return fmt.Errorf("listen %s: %w", s.cfg.Observability.Addr, err)
		}
	}
	if s.grpcServer != nil {
		if ls.GRPCHealth, err = net.Listen("tcp", s.cfg.Observability.GRPCHealthAddr); err != nil {
			closeAll()
			return fmt.Errorf("listen %s: %w", s.cfg.Observability.GRPCHealthAddr, err)
		}
	}
	return s.Serve(ctx, ls)
}

// Serve serves on ls until ctx is done or a listener fails, then shuts
// everything down.
func (s *Server) Serve(ctx context.Context, ls Listeners) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("serving agents and admin API", zap.String("addr", ls.HTTP.Addr().String()))
		if err := s.httpServer.Serve(ls.HTTP); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if ls.Observability != nil && s.obsServer != nil {
		g.Go(func() error {
			s.logger.Info("serving observability", zap.String("addr", ls.Observability.Addr().String()))
			if err := s.obsServer.Serve(ls.Observability); err != nil {
				return fmt.Errorf("observability server: %w", err)
			}
			return nil
		})
	}
	if ls.GRPCHealth != nil && s.grpcServer != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			s.logger.Info("serving grpc health", zap.String("addr", ls.GRPCHealth.Addr().String()))
			if err := s.grpcServer.Serve(ls.GRPCHealth); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
	}

	s.janitor.Start()
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown drains in dependency order: stop advertising readiness, end
// sessions, release bindings, then close the listeners and collaborators.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down", zap.Duration("timeout", s.cfg.Server.ShutdownTimeout))
	s.checker.SetDraining(true)
	if s.health != nil {
		s.health.Shutdown()
	}
	<-s.janitor.Stop().Done()

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session manager: %w", err))
	}
	s.binder.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if s.obsServer != nil {
		if err := s.obsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability server: %w", err))
		}
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	if c, ok := s.launcher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("launcher: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("record store: %w", err))
	}
	_ = s.audit.Close()

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
	} else {
		s.logger.Info("shutdown complete")
	}
	return err
}

// sweep is the janitor job.
func (s *Server) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n, err := s.manager.PruneArchive(ctx); err != nil {
		s.logger.Warn("prune archive", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("pruned archive", zap.Int("records", n))
	}
	if retention := s.cfg.Sessions.ArchiveRetention; retention > 0 {
		if n := s.ledger.Prune(retention); n > 0 {
			s.logger.Debug("pruned settlements", zap.Int("settlements", n))
		}
	}
	if s.limiter != nil {
		s.limiter.Forget(limiterIdle)
	}
	observability.SetSessionStats(s.manager.Stats())
	observability.RecordRuntime()
}

// tracingConfig uses the tracing section of the config when it enables
// tracing, and the standard OTEL_* environment otherwise.
func tracingConfig(tc config.TracingConfig) tracing.Config {
	if !tc.Enabled {
		return tracing.ConfigFromEnv()
	}
	return tracing.Config{
		ServiceName:  tracing.DefaultServiceName,
		Enabled:      true,
		ExporterType: tc.Exporter,
		OTLPEndpoint: tc.Endpoint,
		OTLPHeaders:  tc.Headers,
		SampleRate:   tc.SampleRate,
	}
}

// Run sets up logging and tracing from cfg, then builds a Server and runs it
// until ctx is done.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	defer logging.Install(logger)()

	if err := tracing.Init(tracingConfig(cfg.Observability.Tracing), logger.Named("tracing")); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	observability.InitMetrics()

	srv, err := New(cfg, logger, version)
	if err != nil {
		return err
	}
	logger.Info("starting convene",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("public_url", cfg.Server.PublicURL),
		zap.String("store", cfg.Store.Type),
		zap.String("launcher", cfg.Launcher.Type))
	return srv.Run(ctx)
}

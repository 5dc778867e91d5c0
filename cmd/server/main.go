// server runs the auth service: register, login, refresh and logout over gRPC,
// publishing user.created events for the profile workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"google.golang.org/grpc/health"

	"clinix/backend/internal/audit"
	auditrepo "clinix/backend/internal/audit/repository"
	"clinix/backend/internal/config"
	"clinix/backend/internal/db"
	"clinix/backend/internal/events/publisher"
	healthhandler "clinix/backend/internal/health/handler"
	identityhandler "clinix/backend/internal/identity/handler"
	identityservice "clinix/backend/internal/identity/service"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/security"
	"clinix/backend/internal/server"
	"clinix/backend/internal/server/interceptors"
	"clinix/backend/internal/session/lock"
	sessionrepo "clinix/backend/internal/session/repository"
	sessionservice "clinix/backend/internal/session/service"
	"clinix/backend/internal/telemetry"
	"clinix/backend/internal/telemetry/otel"
	userrepo "clinix/backend/internal/user/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}
	if err := cfg.ValidateBroker(false); err != nil {
		return err
	}

	providers, err := otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer shutdownTelemetry(providers)

	logger := logging.New(logging.Options{Service: cfg.ServiceName, Format: cfg.LogFormat, OTel: providers.LoggerProvider})
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}

	hasher, err := security.NewPasswordHasher(cfg.PasswordHasher, cfg.BcryptCost)
	if err != nil {
		return err
	}
	accessSecret, err := security.LoadSecret(cfg.JWTAccessSecret)
	if err != nil {
		return err
	}
	refreshSecret, err := security.LoadSecret(cfg.JWTRefreshSecret)
	if err != nil {
		return err
	}
	tokens := security.NewTokenCodec(accessSecret, refreshSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	stores, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	pub := publisher.New(publisher.Config{
		URI:      cfg.RabbitMQURI,
		Exchange: cfg.RabbitMQExchange,
		Timeout:  cfg.PublishTimeout(),
		AppID:    cfg.ServiceName,
	}, nil, metrics, logger)
	defer func() { _ = pub.Close() }()

	auditLogger := audit.NewLogger(stores.audit, interceptors.ClientIP, logger)
	sessions := sessionservice.NewManager(stores.sessions, locker, sessionservice.Config{
		MaxDevices: cfg.MaxDevices,
		SessionTTL: cfg.SessionTTL(),
	}, metrics, logger)
	auth := identityservice.NewAuthService(identityservice.Deps{
		Users:          stores.users,
		Sessions:       sessions,
		Hasher:         hasher,
		Tokens:         tokens,
		Publisher:      pub,
		Audit:          auditLogger,
		Metrics:        metrics,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout(),
	})

	hs := health.NewServer()
	var checks []healthhandler.Check
	if stores.pool != nil {
		checks = append(checks, healthhandler.PingCheck("postgres", stores.pool))
	}
	checker := healthhandler.NewChecker(hs, nil, 10*time.Second, logger, checks...)
	go checker.Run(ctx)

	srv := server.NewGRPCServer(server.Deps{
		Auth:   identityhandler.NewAuthServer(auth, logger),
		Tokens: tokens,
		Audit:  auditLogger,
		Health: hs,
		Logger: logger,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.GRPCAddr).Wrap(err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		serveErr <- srv.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gRPC server")
	hs.Shutdown()
	srv.GracefulStop()
	logger.Info("gRPC server stopped")
	return nil
}

type stores struct {
	pool     *pgxpool.Pool
	users    identityservice.UserRepo
	sessions sessionrepo.Repository
	audit    auditrepo.Repository
}

// openStores connects to Postgres, or falls back to in-memory stores when DATABASE_URL is empty.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		return &stores{
			users:    userrepo.NewMemoryRepository(),
			sessions: sessionrepo.NewMemoryRepository(),
			audit:    auditrepo.NewMemoryRepository(),
		}, func() {}, nil
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, oops.Code("DB_OPEN_FAILED").Wrap(err)
	}
	return &stores{
		pool:     pool,
		users:    userrepo.NewPostgresRepository(pool),
		sessions: sessionrepo.NewPostgresRepository(pool),
		audit:    auditrepo.NewPostgresRepository(pool),
	}, pool.Close, nil
}

// openLocker returns the Redis lock when REDIS_URL is set, else the in-process keyed mutex.
func openLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set; session lock is per process")
		return lock.NewKeyedMutex(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, oops.Code("REDIS_URL_INVALID").Wrap(err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, oops.Code("REDIS_PING_FAILED").Wrap(err)
	}
	return lock.NewRedisLocker(client, "clinix:session-lock:", cfg.LockTTL(), logger), func() { _ = client.Close() }, nil
}

func shutdownTelemetry(p *otel.Providers) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}

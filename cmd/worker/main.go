// worker provisions doctor or patient profiles from user.created events and
// serves ProfileService/GetMyProfile for the same kind. PROFILE_KIND picks the kind.
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

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"clinix/backend/internal/config"
	"clinix/backend/internal/db"
	"clinix/backend/internal/events/consumer"
	"clinix/backend/internal/events/topology"
	healthhandler "clinix/backend/internal/health/handler"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/policy/engine"
	"clinix/backend/internal/profile/domain"
	profilehandler "clinix/backend/internal/profile/handler"
	"clinix/backend/internal/profile/repository"
	"clinix/backend/internal/profile/service"
	"clinix/backend/internal/security"
	"clinix/backend/internal/server"
	"clinix/backend/internal/telemetry"
	"clinix/backend/internal/telemetry/otel"
)

// setupAttempts bounds how long startup waits for the broker before giving up.
const setupAttempts = 5

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	kind, err := domain.ParseKind(cfg.ProfileKind)
	if err != nil {
		return errors.New("config: PROFILE_KIND must be doctor or patient")
	}
	if err := cfg.ValidateBroker(true); err != nil {
		return err
	}
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}
	serviceName := cfg.ServiceName
	if serviceName == "" || serviceName == "auth-service" {
		serviceName = string(kind) + "-worker"
	}

	providers, err := otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer shutdownTelemetry(providers)

	logger := logging.New(logging.Options{Service: serviceName, Format: cfg.LogFormat, OTel: providers.LoggerProvider})
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}

	var checks []healthhandler.Check
	var repo repository.Repository
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory profile store")
		repo = repository.NewMemoryRepository()
	} else {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return oops.Code("DB_OPEN_FAILED").Wrap(err)
		}
		defer pool.Close()
		pgRepo, err := repository.NewPostgresRepository(pool, kind)
		if err != nil {
			return err
		}
		repo = pgRepo
		checks = append(checks, healthhandler.PingCheck("postgres", pool))
	}
	svc := service.NewService(repo, kind, logger)

	desc := topology.Descriptor{
		Exchange: cfg.RabbitMQExchange,
		Queue:    cfg.RabbitMQQueue,
		Bindings: cfg.Bindings(),
	}
	cons := consumer.New(consumer.Config{
		URI:            cfg.RabbitMQURI,
		Topology:       desc,
		Tag:            serviceName,
		NackDelay:      cfg.NackDelay(),
		HandlerTimeout: cfg.HandlerTimeout(),
	}, nil, metrics, logger)
	cons.Handle(profilehandler.Route(svc), profilehandler.UserCreatedHandler(svc))
	if err := setupConsumer(ctx, cons, desc, logger); err != nil {
		return err
	}
	checks = append(checks, healthhandler.PingCheck("broker", cons))

	policy, err := engine.NewOPAEvaluator(ctx, engine.DefaultRolePolicy)
	if err != nil {
		return err
	}
	checks = append(checks, healthhandler.PolicyCheck(policy))

	accessSecret, err := security.LoadSecret(cfg.JWTAccessSecret)
	if err != nil {
		return err
	}
	refreshSecret, err := security.LoadSecret(cfg.JWTRefreshSecret)
	if err != nil {
		return err
	}
	tokens := security.NewTokenCodec(accessSecret, refreshSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	hs := health.NewServer()
	checker := healthhandler.NewChecker(hs, nil, 10*time.Second, logger, checks...)
	srv := server.NewGRPCServer(server.Deps{
		Profile: profilehandler.NewProfileServer(svc, policy, logger),
		Tokens:  tokens,
		Health:  hs,
		Logger:  logger,
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.GRPCAddr).Wrap(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return cons.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr), slog.String("kind", string(kind)))
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down worker")
		srv.GracefulStop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// setupConsumer asserts the topology and starts consuming, retrying briefly while the
// broker comes up. Missing configuration fails at once.
func setupConsumer(ctx context.Context, cons *consumer.Consumer, desc topology.Descriptor, logger *slog.Logger) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	b := retry.WithMaxRetries(setupAttempts-1, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := cons.Setup(ctx)
		if err == nil {
			return nil
		}
		logging.LogError(ctx, logger, "consumer setup failed", err)
		return retry.RetryableError(err)
	})
}

func shutdownTelemetry(p *otel.Providers) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}

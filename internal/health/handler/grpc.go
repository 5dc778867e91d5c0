package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"clinix/backend/internal/logging"
)

// Pinger is a dependency that can be pinged for readiness (e.g. *pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker is the policy engine's self test (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(name string, p Pinger) Check {
	return Check{Name: name, Fn: p.Ping}
}

// PolicyCheck adapts a PolicyChecker.
func PolicyCheck(p PolicyChecker) Check {
	return Check{Name: "policy", Fn: p.HealthCheck}
}

// Checker drives the standard gRPC health service: every probe passing means SERVING
// for the overall server ("") and each named service, any failure means NOT_SERVING.
type Checker struct {
	hs       *health.Server
	services []string
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker returns a Checker updating hs for the overall server and services.
func NewChecker(hs *health.Server, services []string, interval time.Duration, logger *slog.Logger, checks ...Check) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Checker{
		hs:       hs,
		services: append([]string{""}, services...),
		checks:   checks,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

// CheckOnce runs every probe and publishes the combined status.
func (c *Checker) CheckOnce(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	for _, chk := range c.checks {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := chk.Fn(pctx)
		cancel()
		if err != nil {
			logging.LogError(ctx, c.logger, "health check failed", err, slog.String("check", chk.Name))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	for _, svc := range c.services {
		c.hs.SetServingStatus(svc, st)
	}
	return st
}

// Run checks immediately and then every interval until ctx is done, when it marks
// everything NOT_SERVING so load balancers drain before shutdown.
func (c *Checker) Run(ctx context.Context) {
	c.CheckOnce(ctx)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.hs.Shutdown()
			return
		case <-t.C:
			c.CheckOnce(ctx)
		}
	}
}

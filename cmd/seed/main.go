// seed registers a development doctor and patient through a running auth server.
// Accounts that already exist are skipped, so it is safe to run repeatedly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"clinix/backend/api/authv1"
	"clinix/backend/api/rpc"
	"clinix/backend/internal/config"
	"clinix/backend/internal/logging"
)

const devPassword = "password123"

var devAccounts = []authv1.RegisterRequest{
	{Email: "doctor@example.com", Password: devPassword, FirstName: "Dana", LastName: "Doctor", Roles: []string{"DOCTOR"}},
	{Email: "patient@example.com", Password: devPassword, FirstName: "Pat", LastName: "Patient", Roles: []string{"PATIENT"}},
}

// Registrar is the part of the auth client seeding needs.
type Registrar interface {
	Register(ctx context.Context, in *authv1.RegisterRequest, opts ...grpc.CallOption) (*authv1.RegisterResponse, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	addr := flag.String("addr", dialTarget(cfg.GRPCAddr), "auth server address")
	flag.Parse()

	logger := logging.New(logging.Options{Service: "seed", Format: "text"})
	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		rpc.DialOption(),
	)
	if err != nil {
		logging.LogError(context.Background(), logger, "dial auth server", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	created, skipped, err := seed(ctx, authv1.NewAuthServiceClient(conn), devAccounts, logger)
	if err != nil {
		logging.LogError(ctx, logger, "seed failed", err)
		os.Exit(1)
	}
	logger.Info("seed complete", slog.Int("created", created), slog.Int("skipped", skipped))
}

func seed(ctx context.Context, auth Registrar, accounts []authv1.RegisterRequest, logger *slog.Logger) (created, skipped int, err error) {
	for i := range accounts {
		acct := accounts[i]
		_, err := auth.Register(ctx, &acct)
		switch status.Code(err) {
		case codes.OK:
			created++
			logger.Info("registered", slog.String("email", acct.Email), slog.Any("roles", acct.Roles))
		case codes.AlreadyExists:
			skipped++
			logger.Info("already registered; skipping", slog.String("email", acct.Email))
		default:
			return created, skipped, fmt.Errorf("register %s: %w", acct.Email, err)
		}
	}
	return created, skipped, nil
}

// dialTarget turns a listen address such as ":8080" into one a client can dial.
func dialTarget(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/hostelgate/internal/config"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/ratelimit"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/token"
	"github.com/BrandonDHaskell/hostelgate/internal/grpcapi"
	"github.com/BrandonDHaskell/hostelgate/internal/httpapi"
	"github.com/BrandonDHaskell/hostelgate/internal/logging"
	"github.com/BrandonDHaskell/hostelgate/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health endpoint and the credential sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{Env: cfg.Env, Level: cfg.LogLevel, Service: "hostelgate"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	codec, err := token.NewCodec(cfg.TokenSecret)
	if err != nil {
		return err
	}
	m, err := metrics.New(nil)
	if err != nil {
		return err
	}

	opts := []service.Option{service.WithLogger(logger), service.WithRecorder(m)}
	creds := service.NewCredentialService(st, st, codec, service.IssuePolicy{
		IncomingLead:               cfg.IncomingLead,
		IncomingGrace:              cfg.IncomingGrace,
		EmergencyImmediateIncoming: cfg.EmergencyImmediateIncoming,
		EmergencySkipFloor:         cfg.EmergencySkipFloor,
	}, opts...)
	terminals := service.NewTerminalRegistry(st, opts...)
	scan := service.NewScanService(creds, st, terminals, cfg.RequireKnownTerminals, opts...)
	moves := service.NewMovementService(st, cfg.Segments, opts...)

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer func() { _ = client.Close() }()
			limiter = ratelimit.NewRedisLimiter(client, "", cfg.RateLimitPerMinute, time.Minute)
		} else {
			limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute)
		}
	}

	sweeper := service.NewCredentialSweeper(st, service.SweeperConfig{
		RetentionDays:   cfg.CredentialRetentionDays,
		IntervalMinutes: cfg.SweepIntervalMinutes,
	}, opts...)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:         logger,
		Addr:           cfg.HTTPAddr,
		Credentials:    creds,
		Scan:           scan,
		Movements:      moves,
		Metrics:        m,
		Limiter:        limiter,
		UpstreamAPIKey: cfg.UpstreamAPIKey,
	})

	var gsrv *grpcapi.Server
	if cfg.GRPCAddr != "" {
		gsrv = grpcapi.NewServer(cfg.GRPCAddr, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("db", cfg.DBDriver))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if gsrv != nil {
		g.Go(func() error {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			return gsrv.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if gsrv != nil {
			gsrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

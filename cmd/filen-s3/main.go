// Command filen-s3 runs the S3-compatible gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/FilenCloudDienste/filen-s3/pkg/admin"
	s3api "github.com/FilenCloudDienste/filen-s3/pkg/api/s3"
	"github.com/FilenCloudDienste/filen-s3/pkg/backend"
	"github.com/FilenCloudDienste/filen-s3/pkg/cluster"
	"github.com/FilenCloudDienste/filen-s3/pkg/config"
	"github.com/FilenCloudDienste/filen-s3/pkg/obs/metrics"
	"github.com/FilenCloudDienste/filen-s3/pkg/obs/tracing"
	"github.com/FilenCloudDienste/filen-s3/pkg/ratelimit"
	"github.com/FilenCloudDienste/filen-s3/pkg/security/oidc"
	"github.com/FilenCloudDienste/filen-s3/pkg/security/sigv4"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("loading config failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With more than one worker configured, the initial process acts as
	// supervisor and re-executes itself once per worker.
	if cfg.Cluster.Workers > 1 && !cluster.IsWorker() {
		sup := cluster.NewSupervisor(cluster.Options{
			Workers:        cfg.Cluster.Workers,
			ReadyTimeout:   time.Duration(cfg.Cluster.ReadyTimeoutSeconds) * time.Second,
			RestartBackoff: time.Duration(cfg.Cluster.RestartBackoffSeconds) * time.Second,
			Logger:         logger,
		})
		if err := sup.Run(ctx); err != nil {
			logger.Error("supervisor failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shCtx)
	}()

	if err := config.EnsureDataDir(cfg); err != nil {
		return err
	}

	m := metrics.New()
	store := m.InstrumentStore(backend.NewBillyFS(osfs.New(cfg.Backend.DataDir)))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
			cfg.RateLimit.Max,
		)
		stopJanitor := limiter.StartJanitor(ctx, 0, logger)
		defer stopJanitor()
	}

	srv := s3api.NewServer(store, m, logger, s3api.Options{
		Region: cfg.Region,
		Identity: sigv4.Identity{
			AccessKeyID: cfg.Identity.AccessKeyID,
			SecretKey:   cfg.Identity.SecretKey,
		},
		AuthMode:     cfg.AuthMode,
		MaxBodyBytes: cfg.Limits.MaxBodyBytes,
		RateLimiter:  limiter,
		RateKeyMode:  cfg.RateLimit.KeyMode,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", m.Handler())

	if cfg.Admin.Enabled {
		adminHandler := admin.NewHandler(version, cluster.WorkerSlot(), limiter, srv.Locks(), logger)
		guard, err := adminGuard(ctx, cfg, logger)
		if err != nil {
			return err
		}
		adminHandler.Register(mux, guard)
	}

	mux.Handle("/", srv)
	handler := m.Middleware(tracing.Middleware(mux))

	ln, err := cluster.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Address, err)
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			errCh <- httpSrv.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			errCh <- httpSrv.Serve(ln)
		}
	}()

	logger.Info("gateway listening",
		slog.String("address", cfg.Address),
		slog.String("region", cfg.Region),
		slog.String("authMode", cfg.AuthMode),
		slog.Bool("tls", cfg.TLS.Enabled),
		slog.Int("workerSlot", cluster.WorkerSlot()),
		slog.String("version", version))
	cluster.NotifyReady()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// adminGuard builds the OIDC middleware for the admin routes, or nil when
// no OIDC provider is configured.
func adminGuard(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	oc := oidc.Config{
		Issuer:   cfg.Admin.OIDC.Issuer,
		ClientID: cfg.Admin.OIDC.ClientID,
		JWKSURL:  cfg.Admin.OIDC.JWKSURL,
	}
	if !oc.Enabled() {
		logger.Warn("admin surface enabled without OIDC; stats are unauthenticated")
		return nil, nil
	}
	verifier, err := oidc.NewVerifier(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("admin oidc: %w", err)
	}
	return oidc.Middleware(verifier), nil
}

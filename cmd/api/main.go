package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"ridehub.io/internal/auth"
	"ridehub.io/internal/config"
	"ridehub.io/internal/httpapi"
	"ridehub.io/internal/migrate"
	"ridehub.io/internal/obs"
	"ridehub.io/internal/store/memory"
	"ridehub.io/internal/store/mongo"
	"ridehub.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := obs.NewLogger(os.Stderr, cfg.LogLevel)
	obs.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ridehub-api exited", "err", err)
		os.Exit(1)
	}
}

// accountStore is what the service needs from a backend, plus a way to
// release it on shutdown.
type accountStore interface {
	auth.AccountStore
	auth.Pinger
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hasher, err := auth.NewHasher(
		auth.WithHashAlgorithm(cfg.Password.Algorithm),
		auth.WithBcryptCost(cfg.Password.BcryptCost),
		auth.WithHashConcurrency(cfg.Password.Concurrency),
	)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenManager(cfg.Token.Secret,
		auth.WithIssuer(cfg.Token.Issuer),
		auth.WithTTL(cfg.Token.TTL),
	)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, hasher, tokens,
		auth.WithStrictSessions(cfg.StrictSessions),
		auth.WithMinPasswordLength(cfg.Password.MinLength),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if cfg.Admin.Email != "" {
		admin, err := svc.EnsureAdmin(ctx, cfg.Admin.Name, cfg.Admin.Email, cfg.Admin.Password)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("bootstrap admin ready", "account_id", admin.ID)
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(svc, probe, version,
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithTrustedProxies(proxies...),
		httpapi.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "version", version,
			"store", cfg.Store.Backend, "strict_sessions", cfg.StrictSessions)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv := httpapi.NewGRPCServer(svc, probe, logger).NewServer()
		g.Go(func() error {
			logger.Info("grpc listening", "addr", lis.Addr().String())
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (accountStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		st, err := pg.Open(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.Store.AutoMigrate {
			mgr, err := migrate.NewManager(st.DB())
			if err != nil {
				_ = st.Close()
				return nil, nil, err
			}
			if err := mgr.Up(ctx); err != nil {
				_ = st.Close()
				return nil, nil, err
			}
			logger.Info("migrations applied")
		}
		return st, func() { _ = st.Close() }, nil
	case config.StoreMongo:
		st, err := mongo.Open(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo: %w", err)
		}
		return st, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = st.Close(closeCtx)
		}, nil
	default:
		logger.Warn("using in-memory account store; accounts are lost on restart")
		return memory.New(), func() {}, nil
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kassa.app/internal/anomaly"
	"kassa.app/internal/audit"
	"kassa.app/internal/auth"
	"kassa.app/internal/billing"
	"kassa.app/internal/catalog"
	"kassa.app/internal/config"
	"kassa.app/internal/httpapi"
	"kassa.app/internal/logging"
	"kassa.app/internal/migrate"
	"kassa.app/internal/obs"
	"kassa.app/internal/payments"
	"kassa.app/internal/store/pg"
	"kassa.app/internal/stream"
	"kassa.app/internal/token"
	"kassa.app/migrations"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: auto-discover)")
	migrateUp := flag.Bool("migrate", false, "apply pending migrations before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, *migrateUp); err != nil {
		logging.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg *config.Config, migrateUp bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(ctx, cfg.DB.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if migrateUp {
		if err := migrate.NewManager(store.DB(), migrations.Files).Up(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	// The audit logger fans out to the live feed and the anomaly
	// detector on top of the durable store.
	feed := stream.New()
	detector := anomaly.New()
	auditLog := audit.NewLogger(store,
		audit.WithSink(feed.Publish),
		audit.WithSink(detector.Observe))

	authSvc, err := auth.NewService(store, auditLog,
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithBcryptCost(cfg.Session.BcryptCost))
	if err != nil {
		return err
	}
	catalogSvc, err := catalog.NewService(store, auditLog)
	if err != nil {
		return err
	}
	provider, err := newPaymentsProvider(cfg)
	if err != nil {
		return err
	}
	billingSvc, err := billing.NewService(store, provider, auditLog)
	if err != nil {
		return err
	}
	tokens, err := token.NewService(store.DB(),
		token.WithIssuer(cfg.Token.Issuer),
		token.WithKeyTTL(cfg.Token.KeyTTL),
		token.WithRotateWindow(cfg.Token.RotateWindow))
	if err != nil {
		return err
	}
	if err := tokens.EnsureKey(ctx); err != nil {
		return fmt.Errorf("prepare signing key: %w", err)
	}

	srv, err := httpapi.New(httpapi.Deps{
		Config:  *cfg,
		Auth:    authSvc,
		Catalog: catalogSvc,
		Billing: billingSvc,
		Audit:   auditLog,
		Tokens:  tokens,
		Feed:    feed,
		Anomaly: detector,
		DB:      store.DB(),
		Version: version,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	go maintenance(ctx, cfg, authSvc, auditLog, tokens)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().
			Str("addr", cfg.HTTP.Addr).
			Str("version", version).
			Str("env", cfg.Environment).
			Msg("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newPaymentsProvider(cfg *config.Config) (payments.Provider, error) {
	if cfg.Payments.Provider == "gateway" {
		return payments.NewGatewayClient(cfg.Payments.GatewayURL, cfg.Payments.GatewayToken,
			payments.WithGatewayTimeout(cfg.Payments.Timeout))
	}
	logging.Warn().Msg("using in-memory payments provider; charges are not real")
	return payments.NewInMemoryProvider(), nil
}

// maintenance runs the periodic sweeps until the process context ends:
// expired sessions, audit retention, signing-key rotation, and the
// active-sessions gauge.
func maintenance(ctx context.Context, cfg *config.Config, authSvc *auth.Service, auditLog *audit.Logger, tokens *token.Service) {
	sessions := time.NewTicker(cfg.Session.CleanupInterval)
	retention := time.NewTicker(cfg.Audit.CleanupInterval)
	keys := time.NewTicker(time.Hour)
	gauge := time.NewTicker(time.Minute)
	defer sessions.Stop()
	defer retention.Stop()
	defer keys.Stop()
	defer gauge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessions.C:
			if _, err := authSvc.CleanupExpiredSessions(ctx); err != nil {
				logging.Error().Err(err).Msg("session sweep failed")
			}
		case <-retention.C:
			_, err := auditLog.Cleanup(ctx, audit.CleanupPolicy{
				RetentionDays:         cfg.Audit.RetentionDays,
				CriticalRetentionDays: cfg.Audit.CriticalRetentionDays,
				BatchSize:             cfg.Audit.CleanupBatchSize,
			})
			if err != nil {
				logging.Error().Err(err).Msg("audit retention sweep failed")
			}
		case <-keys.C:
			if err := tokens.EnsureKey(ctx); err != nil {
				logging.Error().Err(err).Msg("signing key rotation failed")
			}
		case <-gauge.C:
			if n, err := authSvc.ActiveSessionCount(ctx); err == nil {
				obs.SetActiveSessions(n)
			}
		}
	}
}

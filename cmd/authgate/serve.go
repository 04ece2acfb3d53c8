// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/authgate/authgate/internal/account"
	accountpg "github.com/authgate/authgate/internal/account/postgres"
	"github.com/authgate/authgate/internal/auth"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/flow"
	"github.com/authgate/authgate/internal/gateway"
	"github.com/authgate/authgate/internal/logging"
	"github.com/authgate/authgate/internal/observability"
	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/internal/session"
	sessionpg "github.com/authgate/authgate/internal/session/postgres"
	sessionredis "github.com/authgate/authgate/internal/session/redis"
	"github.com/authgate/authgate/internal/store"
	"github.com/authgate/authgate/pkg/errutil"
)

// sessionCleanupInterval is how often expired remember-me sessions are
// swept from the store.
const sessionCleanupInterval = time.Hour

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication gateway",
		Long: `Start the player-facing TCP gateway together with the
authentication services and the metrics endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, autoMigrate)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("server.listen_addr", defaults.Server.ListenAddr, "player-facing TCP listen address")
	cmd.Flags().String("server.metrics_addr", defaults.Server.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL (or DATABASE_URL)")
	cmd.Flags().String("log.format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("log.level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "apply pending schema migrations on startup")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, autoMigrate bool) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("database.url or DATABASE_URL environment variable is required")
	}

	logging.SetDefault("authgate", version, cfg.Log.Format, cfg.Log.Level)
	logger := slog.Default()

	logger.Info("starting authgate",
		"listen_addr", cfg.Server.ListenAddr,
		"session_backend", cfg.SessionStore.Backend,
		"log_format", cfg.Log.Format,
	)

	if autoMigrate {
		if err := migrateUp(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("schema migrations applied")
	}

	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger.Info("connected to database")

	var sessionStore session.Store
	switch cfg.SessionStore.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.SessionStore.RedisAddr,
			Password: cfg.SessionStore.RedisPassword,
			DB:       cfg.SessionStore.RedisDB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return oops.Code("STORAGE_ERROR").
				With("redis_addr", cfg.SessionStore.RedisAddr).
				Wrap(err)
		}
		sessionStore = sessionredis.NewStore(client)
	default:
		sessionStore = sessionpg.NewStore(pool)
	}

	registry := player.NewRegistry()
	bus := events.NewBus()
	adapter := gateway.NewAdapter(logger)

	accounts := accountpg.NewStore(pool)
	hasher := account.NewArgon2idHasher()
	policy := account.LengthPolicy{
		Min: cfg.Passwords.MinLength,
		Max: cfg.Passwords.MaxLength,
	}

	throttler, err := auth.NewThrottler(accounts, bus, auth.ThrottlerConfig{
		Enabled:       cfg.BruteForce.Enabled,
		MaxAttempts:   cfg.BruteForce.MaxAttempts,
		BlockDuration: cfg.BruteForce.BlockDuration,
	}, logger)
	if err != nil {
		return err
	}

	sessionSvc, err := session.NewService(sessionStore, registry, session.Config{
		Enabled:        cfg.AutoLogin.Enabled,
		SecurityLevel:  cfg.AutoLogin.SecurityLevel,
		MaxSessions:    cfg.AutoLogin.MaxSessions,
		Lifetime:       cfg.AutoLogin.Lifetime,
		RefreshOnLogin: cfg.AutoLogin.RefreshOnLogin,
	}, logger)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(auth.ServiceDeps{
		Accounts:   accounts,
		Hasher:     hasher,
		Throttler:  throttler,
		Sessions:   sessionSvc,
		Registry:   registry,
		Bus:        bus,
		State:      adapter,
		Visibility: adapter,
		Prompter:   adapter,
		Policy:     policy,
		Logger:     logger,
	}, auth.Config{
		AutoLoginEnabled:         cfg.AutoLogin.Enabled,
		LoginTimeout:             cfg.Server.LoginTimeout,
		PromptForcedChangeOnline: cfg.Server.PromptForcedChangeOnline,
	})
	if err != nil {
		return err
	}
	sessionSvc.SetDeauthenticator(authSvc)

	regSvc, err := auth.NewRegistrationService(
		accounts, hasher, policy, authSvc, sessionSvc, registry, bus,
		auth.RegistrationConfig{
			MaxAccountsPerIP: cfg.Registration.MaxAccountsPerIP,
			ConfirmWindow:    cfg.Registration.ConfirmWindow,
		}, logger)
	if err != nil {
		return err
	}

	mgr, err := flow.NewManager(accounts, authSvc, adapter, adapter, bus,
		flow.Config{Order: cfg.Flow.Order}, logger)
	if err != nil {
		return err
	}
	mgr.RegisterStep(flow.NewAutoLoginStep(mgr, sessionSvc, logger))
	mgr.RegisterStep(flow.NewPasswordLoginStep(mgr, accounts, authSvc, adapter, adapter, logger))
	mgr.RegisterStep(flow.NewRegistrationStep(mgr, accounts, authSvc, adapter, logger))

	srv, err := gateway.NewServer(cfg.Server.ListenAddr, gateway.Deps{
		Flow:         mgr,
		Auth:         authSvc,
		Registration: regSvc,
		Sessions:     sessionSvc,
		Registry:     registry,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer *observability.Server
	if cfg.Server.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.Server.MetricsAddr, func() bool { return true })
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	go cleanupSessions(ctx, sessionSvc, logger)

	errChan := make(chan error, 1)
	go func() {
		if runErr := srv.Run(ctx); runErr != nil {
			errChan <- runErr
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("AuthGate started")
	logger.Info("authgate ready", "listen_addr", cfg.Server.ListenAddr)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		return oops.With("listen_addr", cfg.Server.ListenAddr).Wrap(err)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// migrateUp applies all pending migrations before the server starts.
func migrateUp(databaseURL string) error {
	m, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}

// cleanupSessions sweeps expired remember-me sessions on a fixed
// interval. Transient store failures are retried with backoff before
// the sweep is abandoned until the next tick.
func cleanupSessions(ctx context.Context, sessions *session.Service, logger *slog.Logger) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				if _, err := sessions.CleanupExpired(ctx); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				errutil.LogError(logger, "session cleanup failed", err)
			}
		}
	}
}

// monitorServerErrors cancels the run context when a background server
// reports a fatal error, triggering graceful shutdown of the process.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}

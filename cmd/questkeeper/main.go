package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/cycles"
	"github.com/harlowdev/questkeeper/internal/decision"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/engine"
	"github.com/harlowdev/questkeeper/internal/instances"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
	"github.com/harlowdev/questkeeper/internal/supervisor"
	"github.com/harlowdev/questkeeper/internal/supervisor/httpapi"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	httpAddr           string
	dbDriver           string
	dbDSN              string
	logLevel           string
	operatorPassphrase string
	jwtSigningKey      string
	legacyServerHost   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "questkeeper",
		Short: "Questkeeper: automation supervisor for a session-authenticated browser game",
		Long: `Questkeeper supervises one bot engine per configured game server, each
driving a browser tab's page executor over a websocket bridge through a
scan -> decide -> execute -> cooldown cycle.`,
	}

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newSeedDemoCmd(cfg))
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("QK_HTTP_ADDR", ":8080"), "HTTP API, bridge, and metrics listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("QK_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("QK_DB_DSN", "./questkeeper.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("QK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.operatorPassphrase, "operator-passphrase", envOrDefault("QK_OPERATOR_PASSPHRASE", ""), "Operator login passphrase (required)")
	root.PersistentFlags().StringVar(&cfg.jwtSigningKey, "jwt-signing-key", envOrDefault("QK_JWT_SIGNING_KEY", ""), "HMAC signing key for operator bearer tokens (required)")
	root.PersistentFlags().StringVar(&cfg.legacyServerHost, "legacy-server-host", envOrDefault("QK_LEGACY_SERVER_HOST", ""), "Hostname to file pre-multi-server records under during legacy migration")

	return root
}

func newServeCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor: HTTP API, bridge hub, and bot engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and the legacy single-server layout migration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			store, err := storage.Open(storage.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			serverKey := string(domain.NormalizeServerKey(cfg.legacyServerHost))
			if err := store.MigrateLegacyLayout(cmd.Context(), serverKey, logger); err != nil {
				return fmt.Errorf("legacy layout migration failed: %w", err)
			}
			logger.Info("migrations complete")
			return nil
		},
	}
}

func newSeedDemoCmd(cfg *config) *cobra.Command {
	var serverHost, label string
	seed := &cobra.Command{
		Use:   "seed-demo",
		Short: "Write a default per-server config so the operator UI has a server to list",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			store, err := storage.Open(storage.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			serverKey := string(domain.NormalizeServerKey(serverHost))
			if err := store.SaveServerConfig(cmd.Context(), serverKey, label, engine.DefaultConfig()); err != nil {
				return fmt.Errorf("failed to seed demo config: %w", err)
			}
			logger.Info("seeded demo server config", zap.String("server_key", serverKey))
			return nil
		},
	}
	seed.Flags().StringVar(&serverHost, "server-host", "demo.example.com", "Hostname of the demo game server")
	seed.Flags().StringVar(&label, "label", "Demo server", "Registry label for the seeded server")
	return seed
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("questkeeper %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.operatorPassphrase == "" {
		return fmt.Errorf("operator passphrase is required; set --operator-passphrase or QK_OPERATOR_PASSPHRASE")
	}
	if cfg.jwtSigningKey == "" {
		return fmt.Errorf("jwt signing key is required; set --jwt-signing-key or QK_JWT_SIGNING_KEY")
	}

	logger.Info("starting questkeeper",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Storage ---
	store, err := storage.Open(storage.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	// Legacy single-server records are filed under --legacy-server-host
	// (falling back to the unknown-server key) the first time we start
	// against a store with no registry; a no-op on every later start.
	legacyKey := string(domain.NormalizeServerKey(cfg.legacyServerHost))
	if err := store.MigrateLegacyLayout(ctx, legacyKey, logger); err != nil {
		return fmt.Errorf("legacy layout migration failed: %w", err)
	}

	// --- 2. Log keeper ---
	logs := logkeep.New(ctx, logger, store)
	logs.StartPeriodicFlush(ctx)

	// --- 3. Bridge hub (page-executor connections) ---
	hub := bridge.NewHub(logger)

	// --- 4. Instance manager ---
	// module is decision.Noop: the decision/strategy layer is an external
	// collaborator, wired here only through the decision.Module interface
	// boundary.
	mgr := instances.New(store, logs, logger, hub, decision.Noop)

	// --- 5. Operator auth ---
	auth, err := supervisor.NewOperatorAuth(cfg.operatorPassphrase, []byte(cfg.jwtSigningKey), "questkeeper")
	if err != nil {
		return fmt.Errorf("failed to initialize operator auth: %w", err)
	}

	// --- 6. Metrics ---
	metrics := supervisor.NewMetrics(prometheus.DefaultRegisterer)

	// --- 7. Supervisor ---
	sup := supervisor.New(mgr, hub, store, logs, logger, auth, metrics)

	sweepSched, err := cycles.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create alarm sweep scheduler: %w", err)
	}
	sweepSched.Start()
	defer sweepSched.Stop()
	if err := sup.StartAlarmSweep(ctx, sweepSched); err != nil {
		return fmt.Errorf("failed to start alarm sweep: %w", err)
	}

	// --- 8. HTTP server ---
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Supervisor: sup,
		Auth:       auth,
		Hub:        hub,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down questkeeper")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	mgr.StopAll(shutdownCtx)
	if err := logs.Flush(shutdownCtx); err != nil {
		logger.Warn("final log flush error", zap.Error(err))
	}

	logger.Info("questkeeper stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

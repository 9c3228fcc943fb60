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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bountyflow/auth"
	"bountyflow/config"
	"bountyflow/db"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/logging"
	"bountyflow/migrations"
	"bountyflow/proof"
	"bountyflow/reputation"
	"bountyflow/sweeper"
	"bountyflow/task"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

const shutdownTimeout = 15 * time.Second

var configOpts config.Options

var rootCmd = &cobra.Command{
	Use:           "bountyflow",
	Short:         "Task bounty marketplace API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when enabled, the deadline sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		migrate, _ := cmd.Flags().GetBool("migrate")
		return serve(cmd.Context(), migrate)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configOpts)
		if err != nil {
			return err
		}
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			return err
		}
		defer pool.Close()
		return migrations.Apply(cmd.Context(), pool)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bountyflow %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configOpts.EnvFile, "env-file", "", "dotenv file to load (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&configOpts.ConfigDir, "config-dir", "", "directory holding bountyflow.yaml")
	serveCmd.Flags().Bool("migrate", false, "apply migrations before serving")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bountyflow:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, migrate bool) error {
	cfg, err := config.Load(configOpts)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	logger, err := logging.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if zl, ok := logger.(*logging.ZapLogger); ok {
		defer func() { _ = zl.Sync() }()
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if migrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	ledger, err := newLedger(cfg)
	if err != nil {
		return err
	}

	reputationRepo := reputation.NewRepository(pool)
	taskService := task.NewService(pool, task.NewRepository(pool), reputationRepo, ledger, cfg.Policy).
		WithLogger(logger).
		WithValidator(proof.NewValidator(cfg.ProofRules()))

	server := &Server{
		taskService:       taskService,
		disputeService:    dispute.NewService(dispute.NewRepository(pool)),
		reputationService: reputation.NewService(reputationRepo),
		authService:       auth.NewService(auth.NewRepository(pool), cfg.JWTSecret).WithTokenTTL(cfg.TokenTTL),
		logger:            logger.With("component", "http"),
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Sweeper.Enabled {
		sw := sweeper.New(sweeper.NewFinder(pool, cfg.Policy.Dispute.ForceResolveAfter), taskService, cfg.Sweeper.Batch).
			WithLogger(logger)
		g.Go(func() error {
			return sw.Run(gctx, cfg.Sweeper.Schedule)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// newLedger returns the settlement backend. Only the in-process simulator is
// available; it mints so test accounts can fund tasks without a faucet.
func newLedger(cfg config.Config) (escrow.Ledger, error) {
	if !cfg.LedgerSimulator {
		return nil, errors.New("no ledger backend configured: set ledger.simulator")
	}
	return escrow.NewMemoryLedger(escrow.WithAutoOptIn(), escrow.WithMinting()), nil
}

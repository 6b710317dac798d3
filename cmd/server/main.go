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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caesarlabs/caesar-core/internal/adapter/fiat"
	httpadapter "github.com/caesarlabs/caesar-core/internal/adapter/http"
	"github.com/caesarlabs/caesar-core/internal/adapter/repository/memory"
	"github.com/caesarlabs/caesar-core/internal/adapter/repository/postgres"
	"github.com/caesarlabs/caesar-core/internal/config"
	"github.com/caesarlabs/caesar-core/internal/domain"
	"github.com/caesarlabs/caesar-core/internal/usecase/gateway"
	"github.com/caesarlabs/caesar-core/internal/usecase/ledger"
	"github.com/caesarlabs/caesar-core/internal/usecase/relay"
	"github.com/caesarlabs/caesar-core/internal/usecase/throttle"
)

var (
	configPath string
	verbose    bool
	inMemory   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "caesard",
	Short: "Caesar token core: demurrage ledger, fiat gateway and cross-chain relay",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server and relay sweeper",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().BoolVar(&inMemory, "in-memory", false, "use in-memory repositories instead of postgres")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// repositories groups the persistence surface so serve can swap the
// postgres and in-memory implementations wholesale.
type repositories struct {
	accounts    domain.AccountRepository
	activity    domain.ActivityRepository
	intents     domain.IntentRepository
	messages    domain.MessageRepository
	settlements domain.SettlementRepository
}

func openRepositories(ctx context.Context, cfg *config.Config) (*repositories, func(), error) {
	if inMemory {
		logger.Warn("running with in-memory repositories, all state is lost on exit")
		return &repositories{
			accounts:    memory.NewAccountRepository(),
			activity:    memory.NewActivityRepository(),
			intents:     memory.NewIntentRepository(),
			messages:    memory.NewMessageRepository(),
			settlements: memory.NewSettlementRepository(),
		}, func() {}, nil
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &repositories{
		accounts:    postgres.NewAccountRepository(db),
		activity:    postgres.NewActivityRepository(db),
		intents:     postgres.NewIntentRepository(db),
		messages:    postgres.NewMessageRepository(db),
		settlements: postgres.NewSettlementRepository(db),
	}, func() { db.Close() }, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*postgres.DB, error) {
	db, err := postgres.NewDB(ctx, cfg.Database.ConnectionString(), postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	decayPolicy, err := cfg.DecayPolicy()
	if err != nil {
		return err
	}
	throttlePolicy, err := cfg.ThrottlePolicy()
	if err != nil {
		return err
	}
	relayPolicy, err := cfg.RelayPolicy()
	if err != nil {
		return err
	}
	validators, err := cfg.ValidatorSet()
	if err != nil {
		return err
	}
	rate, err := cfg.TokensPerFiat()
	if err != nil {
		return err
	}
	if len(validators) < relayPolicy.QuorumThreshold {
		logger.Warn("fewer validators configured than quorum threshold, relay messages cannot be delivered",
			zap.Int("validators", len(validators)),
			zap.Int("quorum", relayPolicy.QuorumThreshold))
	}

	repos, closeRepos, err := openRepositories(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeRepos()

	ledgerSvc := ledger.NewService(repos.accounts, repos.activity, repos.settlements, decayPolicy, logger)
	throttleSvc := throttle.NewService(ledgerSvc, repos.intents, throttlePolicy, logger)
	gatewaySvc := gateway.NewService(
		ledgerSvc,
		fiat.NewAllowlistCompliance(cfg.Gateway.VerifiedAccounts),
		fiat.NewFixedRateOracle(rate),
		logger,
	)
	relaySvc := relay.NewService(ledgerSvc, repos.intents, repos.messages, validators, relayPolicy, logger)

	server := httpadapter.NewServer(ledgerSvc, gatewaySvc, throttleSvc, relaySvc, repos.intents, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(cfg.Server.APIToken),
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sweeper := relay.NewSweeper(relaySvc, throttleSvc, cfg.Relay.SweepInterval, logger)
	go sweeper.Run(ctx)

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	waitForShutdown(httpServer, cancel, sweeper)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(cmd.Context(), db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

// waitForShutdown blocks until SIGTERM or SIGINT, then stops the
// sweeper and drains the HTTP server.
func waitForShutdown(httpServer *http.Server, cancel context.CancelFunc, sweeper *relay.Sweeper) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	sweeper.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

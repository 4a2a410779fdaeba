/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, the TOML config file and LOYALTY_* variables
  2. Apply command-line flags
  3. Initialize SQLite store and the settings cache (Redis or in-process)
  4. Build the engine, activities service and API handler
  5. Start the expiry scheduler and the HTTP server
  6. Shut down gracefully on SIGINT/SIGTERM

COMMANDS:
  server serve                  Run the HTTP API (default)
  server scenario list          List demo scenarios
  server scenario load ID       Reset the database and load a scenario

FLAGS:
  --config  TOML config file (optional)
  --port    HTTP server port, overrides config
  --db      SQLite database path, overrides config
            Use ":memory:" for in-memory database

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/loyalty.db

  # Load the referral demo, then serve it
  ./server scenario load referral-unlock --db=./demo.db
  ./server serve --db=./demo.db

SEE ALSO:
  - config/config.go: Configuration sources and precedence
  - api/server.go: Router configuration
  - api/scheduler.go: Coin expiry scheduler
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/loyalty-engine/activities"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/store/sqlite"
)

var (
	configPath string
	portFlag   int
	dbFlag     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite database path")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "HTTP server port")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.AddCommand(scenarioListCmd)
	scenarioCmd.AddCommand(scenarioLoadCmd)
}

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Coin loyalty engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// app holds everything a command needs.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *sqlite.Store
	handler   *api.Handler
	scheduler *api.ExpiryScheduler
}

func loadConfig() (config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if dbFlag != "" {
		cfg.Database.Path = dbFlag
	}
	return cfg, cfg.Validate()
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	checks := make(map[string]api.HealthCheck)
	var settingsCache cache.SettingsCache
	if cfg.Redis.Addr != "" {
		r := cache.NewRedis(cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), cfg.Cache.SettingsTTL)
		settingsCache = r
		checks["redis"] = r.HealthCheck
		logger.Info("settings cache", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		settingsCache = cache.NewMemory(cfg.Cache.SettingsTTL)
		logger.Info("settings cache", "backend", "memory")
	}
	provider := cache.NewProvider(store, settingsCache, logger)

	recorder := metrics.Recorder{}
	engine := loyalty.NewEngine(store, provider,
		loyalty.WithLogger(logger),
		loyalty.WithRecorder(recorder),
	)
	acts := activities.NewService(store, provider)
	acts.Logger = logger
	acts.Metrics = recorder

	handler := api.NewHandler(store, engine, acts, provider, logger)
	for name, check := range checks {
		handler.Checks[name] = check
	}

	scheduler := api.NewExpiryScheduler(engine, logger)
	scheduler.Interval = cfg.Expiry.Interval
	scheduler.Enabled = cfg.Expiry.Enabled

	return &app{cfg: cfg, logger: logger, store: store, handler: handler, scheduler: scheduler}, nil
}

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	router := api.NewRouter(a.handler, a.cfg.Server.CORSOrigins)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.scheduler.Start()
	defer a.scheduler.Stop()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", server.Addr, "db", a.cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "List or load demo scenarios",
	Long: `Demo scenarios populate the database through the engine so every row
follows the same settlement rules as live traffic. Loading a scenario
resets the database first.`,
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := api.Scenarios()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range all {
			fmt.Fprintf(out, "%-22s %s\n", s.ID, s.Description)
		}
		return nil
	},
}

var scenarioLoadCmd = &cobra.Command{
	Use:   "load SCENARIO_ID",
	Short: "Reset the database and load a scenario",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.store.Close()

		resp, err := a.handler.RunScenario(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Loaded %s into %s\n", resp.Scenario.ID, a.cfg.Database.Path)
		for _, r := range resp.Receipts {
			fmt.Fprintf(out, "  %-10s %-8s bill %-8s earned %-4d redeemed %-4d payable %s\n",
				r.InvoiceNo, r.CustomerID, r.BillAmount, r.EarnedCoins, r.RedeemedCoins, r.FinalPayable)
			for _, n := range r.Notes {
				fmt.Fprintf(out, "             note: %s\n", n)
			}
		}
		return nil
	},
}

package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/blockstor/internal/control"
	"github.com/vietddude/blockstor/internal/core/config"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "blockstor",
	Short: "Blockstor address indexer",
	Long: `Blockstor follows a full node and keeps a per-address index of balances,
unspent outputs and history, with rollback-safe consumer markers and a live
mempool view.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexer until interrupted",
	Run:   runIndexer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads the config file and sets up logging. It exits on error.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	stylelog.InitDefault(&tint.Options{
		Level:      logLevel(cfg.Logging.Level),
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func logLevel(name string) slog.Level {
	if isDebug {
		return slog.LevelDebug
	}
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runIndexer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize indexer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start indexer", "error", err)
		_ = app.Stop(context.Background())
		os.Exit(1)
	}

	slog.Info("Indexer running", "config", cfgPath)

	var sig os.Signal
	select {
	case sig = <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case <-app.Done():
		if err := app.Err(); err != nil {
			slog.Error("Indexer stopped on consistency error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	stopErr := app.Stop(shutdownCtx)
	if stopErr != nil {
		slog.Error("Error during shutdown", "error", stopErr)
	}
	if code := exitStatus(sig, app.Err(), stopErr); code != 0 {
		slog.Info("Indexer stopped", "exit_code", code)
		os.Exit(code)
	}
	slog.Info("Indexer stopped gracefully")
}

// exitStatus maps how a run ended to the process exit code. Only an engine
// that returned on its own with no error exits 0; an aborted run exits with
// the conventional 128+signal status.
func exitStatus(sig os.Signal, engineErr, stopErr error) int {
	switch {
	case engineErr != nil || stopErr != nil:
		return 1
	case sig != nil:
		if s, ok := sig.(syscall.Signal); ok {
			return 128 + int(s)
		}
		return 1
	}
	return 0
}

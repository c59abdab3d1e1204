package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rewired-gh/filingwatch/internal/config"
	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"github.com/rewired-gh/filingwatch/internal/telemetry"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	configPath string
	dryRun     bool
	asOfFlag   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "filingwatch",
		Short:        "Filingwatch - SEC EDGAR filing ingestion and disclosure anomaly scoring",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false,
		"Run without writing data; the database and lock files are still created and schema migrations still apply")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(outcomeCmd())
	return rootCmd
}

// app holds what every command needs once configuration is valid.
type app struct {
	cfg      *config.Config
	store    *storage.Storage
	shutdown func(context.Context) error
}

// setup loads and validates configuration before anything touches the store,
// then opens it.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if configPath != "" {
		logger.Debug("Configuration loaded from %s", configPath)
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("Tracing disabled: %v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if n := store.AppliedMigrations(); n > 0 {
		logger.Info("Applied %d schema migrations to %s", n, cfg.Storage.DBPath)
	}
	return &app{cfg: cfg, store: store, shutdown: shutdown}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		logger.Warn("Failed to flush traces: %v", err)
	}
}

// asOf resolves --as-of. A date is read as noon UTC so it names the same
// calendar day in US timezones.
func asOf() (time.Time, error) {
	if asOfFlag == "" {
		return time.Now().UTC(), nil
	}
	d, err := time.Parse(models.DateLayout, asOfFlag)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q, want YYYY-MM-DD", asOfFlag)
	}
	return d.Add(12 * time.Hour), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Store %s is up to date (%d migrations applied)\n", a.cfg.Storage.DBPath, a.store.AppliedMigrations())
			return nil
		},
	}
}

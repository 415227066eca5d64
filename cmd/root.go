package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facehash/internal/config"
	"github.com/andresmejia3/facehash/internal/journal"
	"github.com/andresmejia3/facehash/internal/utils"
	"github.com/andresmejia3/facehash/internal/worker"
)

var (
	// Cfg is the layered configuration shared by subcommands
	Cfg *config.Config
	// Logger is the structured logger shared by subcommands
	Logger *slog.Logger

	configPath string
	dbURL      string
	logLevel   string
	envFile    string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facehash",
	Short:   "On-device face enrollment and recognition over a serial link",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env file is optional, don't fail if not found
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		// Flags win over file and environment
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		Cfg = cfg

		Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
		slog.SetDefault(Logger)
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (overrides built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the event journal (env FACEHASH_DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
}

// openJournal connects to the journal database. It returns nil when no URL is
// configured and required is false.
func openJournal(ctx context.Context, required bool) (*journal.Store, error) {
	if Cfg.Database.URL == "" {
		if required {
			return nil, errors.New("no database configured (use --db or FACEHASH_DATABASE_URL)")
		}
		return nil, nil
	}
	db, err := journal.New(ctx, Cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// modelFiles returns the configured model locations.
func modelFiles() worker.ModelFiles {
	return worker.ModelFiles{
		Dir:      Cfg.Models.Dir,
		Detect:   Cfg.Models.Detect,
		Landmark: Cfg.Models.Landmark,
		Embed:    Cfg.Models.Embed,
	}
}

// startAccelerator brings up the three model runtimes or exits with their logs.
func startAccelerator() *worker.Set {
	fmt.Fprintf(os.Stderr, "⚙️  Loading models from %s...\n", Cfg.Models.Dir)
	set, err := worker.StartSet(Cfg.Models.Runtime, modelFiles())
	if err != nil {
		var rerr *worker.RuntimeError
		if errors.As(err, &rerr) && rerr.Logs != "" {
			sc := utils.NewSafeCommand(Cfg.Models.Runtime)
			sc.Stderr.WriteString(rerr.Logs)
			utils.Die("Accelerator failed to load", err, sc)
		}
		utils.Die("Accelerator failed to load", err, nil)
	}
	return set
}

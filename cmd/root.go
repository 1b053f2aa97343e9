package cmd

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata migrates schema and data between MySQL, PostgreSQL and SQLite.",
	Long: `Strata migrates a relational database to another engine in four steps:
it analyzes both schemas, proposes a migration plan for operator approval,
applies the approved structure, copies the data and verifies the copy.

Connection profiles and settings come from the environment (and .env).
Passwords are never configured directly: profiles carry a secret reference
such as env:SRC_PASSWORD or vault:db/source.`,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrap,
}

var (
	envFile      string
	outputFormat string
	debugFlag    bool

	batchSizeOverride int
	workersOverride   int
	stateDirOverride  string
	tablesOverride    []string
	excludeOverride   []string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "File of environment overrides to load")
	pf.StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
	pf.BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	pf.IntVar(&batchSizeOverride, "batch-size", 0, "Override BATCH_SIZE (must be > 0)")
	pf.IntVar(&workersOverride, "workers", 0, "Override WORKERS (must be > 0)")
	pf.StringVar(&stateDirOverride, "state-dir", "", "Override STATE_DIR")
	pf.StringSliceVar(&tablesOverride, "tables", nil, "Override TABLES (comma separated)")
	pf.StringSliceVar(&excludeOverride, "exclude", nil, "Override EXCLUDE_TABLES (comma separated)")
}

// Execute runs the CLI. SIGINT and SIGTERM interrupt running jobs; their
// state is kept for `strata resume`.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Log.Sync()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

func bootstrap(cmd *cobra.Command, _ []string) error {
	envErr := godotenv.Overload(envFile)

	pre := &struct {
		EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
		DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	}{}
	if err := env.Parse(pre); err != nil {
		stdlog.Printf("Failed to parse logger configuration: %v", err)
		return err
	}
	if err := logger.Init(pre.DebugMode || debugFlag, pre.EnableJsonLogging); err != nil {
		stdlog.Printf("Failed to initialize logger: %v", err)
		return err
	}
	if envErr != nil {
		logger.Log.Debug("No env file loaded; relying on the environment", zap.String("file", envFile), zap.Error(envErr))
	}

	switch outputFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	return nil
}

// loadConfig reads configuration from the environment and applies flag
// overrides. Commands that start jobs need the connection profiles.
func loadConfig(withProfiles bool) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if withProfiles {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadSettings()
	}
	if err != nil {
		return nil, err
	}
	applyCliOverrides(cfg)
	if debugFlag {
		cfg.DebugMode = true
	}
	if withProfiles {
		err = config.Validate(cfg)
	} else {
		err = config.ValidateSettings(cfg)
	}
	if err != nil {
		return nil, err
	}
	logLoadedConfig(cfg, withProfiles)
	return cfg, nil
}

func applyCliOverrides(cfg *config.Config) {
	log := logger.Log
	if batchSizeOverride > 0 {
		log.Info("Overriding BATCH_SIZE with CLI flag", zap.Int("env_value", cfg.BatchSize), zap.Int("cli_value", batchSizeOverride))
		cfg.BatchSize = batchSizeOverride
	}
	if workersOverride > 0 {
		log.Info("Overriding WORKERS with CLI flag", zap.Int("env_value", cfg.Workers), zap.Int("cli_value", workersOverride))
		cfg.Workers = workersOverride
	}
	if stateDirOverride != "" {
		log.Info("Overriding STATE_DIR with CLI flag", zap.String("env_value", cfg.StateDir), zap.String("cli_value", stateDirOverride))
		cfg.StateDir = stateDirOverride
	}
	if len(tablesOverride) > 0 {
		log.Info("Overriding TABLES with CLI flag", zap.Strings("cli_value", tablesOverride))
		cfg.Tables = tablesOverride
	}
	if len(excludeOverride) > 0 {
		log.Info("Overriding EXCLUDE_TABLES with CLI flag", zap.Strings("cli_value", excludeOverride))
		cfg.ExcludeTables = excludeOverride
	}
}

func logLoadedConfig(cfg *config.Config, withProfiles bool) {
	fields := []zap.Field{
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.Workers),
		zap.Duration("table_timeout", cfg.TableTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.String("translator", string(cfg.TranslatorProvider)),
		zap.String("state_dir", cfg.StateDir),
		zap.Bool("vault_enabled", cfg.VaultEnabled),
		zap.Bool("sentry_enabled", cfg.SentryDSN != ""),
		zap.Int("metrics_port", cfg.MetricsPort),
	}
	if withProfiles {
		fields = append(fields, zap.Object("source", cfg.Source), zap.Object("target", cfg.Target))
	}
	logger.Log.Info("Configuration loaded", fields...)
}

// outcomeError carries a finished job's outcome to the exit code.
type outcomeError struct {
	jobID   string
	stage   string
	outcome string
}

func (e *outcomeError) Error() string {
	return fmt.Sprintf("job %s ended %s (%s)", e.jobID, e.stage, e.outcome)
}

// exitCode maps errors to process exit codes: 2 for a partial success,
// 3 for an aborted job, 1 otherwise.
func exitCode(err error) int {
	var oe *outcomeError
	if errors.As(err, &oe) {
		switch oe.outcome {
		case "PARTIAL_SUCCESS":
			return 2
		case "ABORTED":
			return 3
		}
	}
	return 1
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Enucatl/send-bills/cmd/sendbills/config"
	"github.com/Enucatl/send-bills/internal/billing"
	"github.com/Enucatl/send-bills/internal/reporter"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, app := newRootCommand()
	err := root.ExecuteContext(ctx)
	return NewCLIErrorHandler(os.Stderr, app.verbose).HandleError(err)
}

// app carries the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	log     logger.Logger
	cfgFile string
	envFile string
	verbose bool
}

// flagBindings maps persistent flags onto configuration keys.
var flagBindings = map[string]string{
	"db-driver":     "database.driver",
	"db-dsn":        "database.dsn",
	"delivery":      "delivery.mode",
	"spool-dir":     "delivery.spool_dir",
	"output-format": "report.format",
	"output-file":   "report.output",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"seed-file":     "seed_file",
}

// newRootCommand builds the command tree with its own viper instance.
func newRootCommand() (*cobra.Command, *app) {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:   "sendbills",
		Short: "Recurring bills with structured references",
		Long: `sendbills issues recurring bills with structured payment references,
delivers them, tracks overdue bills and reconciles bank exports against
the open bills.

Configuration is read from flags, an optional config file, a .env file
and SENDBILLS_* environment variables, e.g. SENDBILLS_DATABASE_DSN.

Examples:
  sendbills migrate --db-driver sqlite --db-dsn bills.db --seed seed.json
  sendbills generate --as-of 2024-03-31
  sendbills send --delivery spool --spool-dir outbox
  sendbills reconcile export.csv --feed-profile postfinance -f json
  sendbills reference validate "RF18 5390 0754 7034"`,
		Version:           getVersionString(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initConfig,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (optional)")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env when present)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.String("db-driver", config.DriverMemory, "store driver: memory, sqlite, postgres")
	flags.String("db-dsn", "", "database DSN or sqlite path")
	flags.String("delivery", config.DeliveryLog, "delivery mode: spool, log")
	flags.String("spool-dir", "", "directory spooled documents are written to")
	flags.StringP("output-format", "f", string(reporter.FormatConsole), "report format: console, json, csv, xlsx")
	flags.StringP("output-file", "o", "", "report file path (default: stdout)")
	flags.String("log-level", string(logger.InfoLevel), "log level: debug, info, warn, error")
	flags.String("log-format", string(logger.TextFormat), "log format: text, json")
	flags.String("seed-file", "", "JSON master data loaded into the memory store")

	for flag, key := range flagBindings {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		a.newGenerateCommand(),
		a.newSendCommand(),
		a.newOverdueCommand(),
		a.newNotifyOverdueCommand(),
		a.newReconcileCommand(),
		a.newCancelCommand(),
		a.newMigrateCommand(),
		newReferenceCommand(),
	)
	return root, a
}

// initConfig reads the dotenv file, config file and environment, then
// builds the logger.
func (a *app) initConfig(cmd *cobra.Command, args []string) error {
	if err := a.loadEnvFile(); err != nil {
		return err
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "config", a.cfgFile, err).
				WithSuggestion("Check that the config file exists and is valid YAML, JSON or TOML")
		}
	}

	a.v.SetEnvPrefix(config.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	if a.verbose {
		a.v.Set("log.level", string(logger.DebugLevel))
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := config.CreateLogger(cfg)
	if err != nil {
		return err
	}
	logger.SetGlobalLogger(log)

	a.cfg = cfg
	a.log = log.WithComponent("cli")
	if a.cfgFile != "" {
		a.log.WithField("config_file", a.v.ConfigFileUsed()).Debug("Using config file")
	}
	return nil
}

func (a *app) loadEnvFile() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return apperrors.FileError(apperrors.CodeFileNotFound, a.envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.FileError(apperrors.CodeFilePermission, ".env", err)
	}
	return nil
}

// openStore opens the configured store; the returned func releases it.
func (a *app) openStore(ctx context.Context) (store.Store, func(), error) {
	s, err := config.CreateStore(ctx, a.cfg, logger.GetGlobalLogger())
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.log.WithError(err).Warn("Failed to close store")
			}
		}
	}
	return s, release, nil
}

// newService builds a service over the configured store and deliverer; the
// returned func releases the store.
func (a *app) newService(ctx context.Context) (*billing.Service, func(), error) {
	s, release, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	log := logger.GetGlobalLogger()
	deliverer, err := config.CreateDeliverer(a.cfg, log)
	if err != nil {
		release()
		return nil, nil, err
	}
	svcConfig, err := config.CreateServiceConfig(a.cfg, log)
	if err != nil {
		release()
		return nil, nil, err
	}
	svc, err := billing.NewService(s, deliverer, svcConfig)
	if err != nil {
		release()
		return nil, nil, err
	}
	return svc, release, nil
}

// withService runs op and renders the report it returns.
func (a *app) withService(cmd *cobra.Command, op func(ctx context.Context, svc *billing.Service) (*billing.OperationReport, error)) error {
	ctx := commandContext(cmd)
	svc, release, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer release()

	report, err := op(ctx, svc)
	if err != nil {
		return err
	}
	return a.render(cmd, report, a.cfg.Report.Output)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// render writes the report and turns failed items into the returned error.
func (a *app) render(cmd *cobra.Command, report *billing.OperationReport, output string) error {
	reportConfig := config.CreateReportConfig(a.cfg)
	if reportConfig.Format.Binary() && output == "" {
		return apperrors.ConfigurationError(apperrors.CodeMissingConfig, "report.output", "", nil).
			WithSuggestion("Use --output-file with the xlsx format")
	}

	gen, err := reporter.NewSafeReportGenerator(reportConfig, logger.GetGlobalLogger())
	if err != nil {
		return err
	}

	if output == "" {
		err = gen.GenerateReportSafely(report, cmd.OutOrStdout())
	} else {
		var written string
		written, err = gen.WriteReportFile(report, output)
		if err == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", written)
		}
	}
	if err != nil {
		return err
	}

	if report.Failed() {
		return apperrors.NewErrorSummary(report.Errors)
	}
	return nil
}

// Package config loads the sendbills configuration from viper and builds
// the components the commands run on.
package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Enucatl/send-bills/internal/billing"
	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/delivery"
	"github.com/Enucatl/send-bills/internal/matcher"
	"github.com/Enucatl/send-bills/internal/parsers"
	"github.com/Enucatl/send-bills/internal/reconciler"
	"github.com/Enucatl/send-bills/internal/reporter"
	"github.com/Enucatl/send-bills/internal/schedule"
	"github.com/Enucatl/send-bills/internal/store"
	"github.com/Enucatl/send-bills/internal/store/gormstore"
	"github.com/Enucatl/send-bills/internal/store/memory"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// EnvPrefix prefixes every environment variable, e.g. SENDBILLS_DATABASE_DSN.
const EnvPrefix = "SENDBILLS"

const (
	DriverMemory = "memory"

	DeliverySpool = "spool"
	DeliveryLog   = "log"
)

// Config is the complete CLI configuration.
type Config struct {
	Database  DatabaseConfig         `mapstructure:"database"`
	Delivery  DeliveryConfig         `mapstructure:"delivery"`
	Log       logger.Config          `mapstructure:"log"`
	Report    ReportSettings         `mapstructure:"report"`
	Feed      FeedSettings           `mapstructure:"feed"`
	Matching  matcher.MatchingConfig `mapstructure:"matching"`
	DueOffset calendar.DueOffset     `mapstructure:"due_offset"`
	Templates delivery.Templates     `mapstructure:"templates"`
	// SeedFile is loaded into the memory store on every run.
	SeedFile string `mapstructure:"seed_file"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=memory sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	Debug  bool   `mapstructure:"debug"`
}

// DeliveryConfig selects where documents go.
type DeliveryConfig struct {
	Mode     string `mapstructure:"mode" validate:"required,oneof=spool log"`
	SpoolDir string `mapstructure:"spool_dir" validate:"required_if=Mode spool"`
}

// ReportSettings controls report rendering.
type ReportSettings struct {
	Format           string `mapstructure:"format" validate:"required,oneof=console json csv xlsx"`
	Output           string `mapstructure:"output"`
	MaxItems         int    `mapstructure:"max_items" validate:"gte=0"`
	IncludeUnchanged bool   `mapstructure:"include_unchanged"`
}

// FeedSettings picks a bank export profile and overrides parts of it.
type FeedSettings struct {
	Profile          string `mapstructure:"profile" validate:"required"`
	Delimiter        string `mapstructure:"delimiter" validate:"omitempty,len=1"`
	DecimalComma     bool   `mapstructure:"decimal_comma"`
	Encoding         string `mapstructure:"encoding" validate:"omitempty,oneof=auto utf-8 latin1"`
	HeaderLine       int    `mapstructure:"header_line" validate:"gte=0"`
	RemittanceMarker string `mapstructure:"remittance_marker"`
	DefaultCurrency  string `mapstructure:"default_currency" validate:"omitempty,iso4217"`
}

// SetDefaults registers every key with its default so environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	logDefaults := logger.DefaultConfig()
	templates := delivery.DefaultTemplates()
	matching := matcher.DefaultMatchingConfig()

	defaults := map[string]interface{}{
		"database.driver":           DriverMemory,
		"database.dsn":              "",
		"database.debug":            false,
		"delivery.mode":             DeliveryLog,
		"delivery.spool_dir":        "",
		"log.level":                 string(logDefaults.Level),
		"log.format":                string(logDefaults.Format),
		"log.output":                string(logDefaults.Output),
		"log.file":                  "",
		"log.disable_timestamp":     false,
		"log.caller_info":           false,
		"report.format":             string(reporter.FormatConsole),
		"report.output":             "",
		"report.max_items":          reporter.DefaultReportConfig().MaxItems,
		"report.include_unchanged":  false,
		"feed.profile":              "standard",
		"feed.delimiter":            "",
		"feed.decimal_comma":        false,
		"feed.encoding":             "",
		"feed.header_line":          0,
		"feed.remittance_marker":    "",
		"feed.default_currency":     "",
		"matching.check_account":    matching.CheckAccount,
		"matching.check_currency":   matching.CheckCurrency,
		"due_offset.months":         calendar.DefaultDueOffset.Months,
		"due_offset.days":           calendar.DefaultDueOffset.Days,
		"templates.invoice_subject": templates.InvoiceSubject,
		"templates.invoice_body":    templates.InvoiceBody,
		"templates.overdue_subject": templates.OverdueSubject,
		"templates.overdue_body":    templates.OverdueBody,
		"seed_file":                 "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "config", v.ConfigFileUsed(), err).
			WithSuggestion("Check the types of the values in the config file and environment")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize canonicalizes values that are accepted in any case.
func (c *Config) normalize() {
	c.Feed.DefaultCurrency = strings.ToUpper(strings.TrimSpace(c.Feed.DefaultCurrency))
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// configValidator reports settings by their mapstructure keys.
func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			return f.Tag.Get("mapstructure")
		})
	})
	return validate
}

// Validate checks the configuration. Every failing setting is named in the
// error context.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apperrors.InternalError("validate config", err)
		}
		settings := make([]string, 0, len(verrs))
		for _, ve := range verrs {
			settings = append(settings, settingName(ve.Namespace()))
		}
		sort.Strings(settings)

		first := verrs[0]
		appErr := apperrors.ConfigurationError(apperrors.CodeInvalidConfig, strings.Join(settings, ","), first.Value(), err)
		for _, ve := range verrs {
			appErr = appErr.WithContext(settingName(ve.Namespace()), ve.Tag())
		}
		return appErr.WithSuggestion(fmt.Sprintf("Set the values via flags, the config file or %s_* environment variables", EnvPrefix))
	}
	if err := c.Log.Validate(); err != nil {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "log", c.Log, err)
	}
	return nil
}

// settingName turns "Config.database.dsn" into "database.dsn".
func settingName(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// CreateLogger builds the logger described by the log section.
func CreateLogger(c *Config) (logger.Logger, error) {
	log, err := logger.NewLogger(&c.Log)
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "log", c.Log, err)
	}
	return log, nil
}

// CreateFeedConfig returns the selected profile with the configured
// overrides applied.
func CreateFeedConfig(c *Config) (*parsers.FeedConfig, error) {
	feed, err := parsers.Profile(c.Feed.Profile)
	if err != nil {
		return nil, err
	}
	if c.Feed.Delimiter != "" {
		r, _ := utf8.DecodeRuneInString(c.Feed.Delimiter)
		feed.Delimiter = r
	}
	if c.Feed.DecimalComma {
		feed.DecimalComma = true
	}
	if c.Feed.Encoding != "" {
		feed.Encoding = c.Feed.Encoding
	}
	if c.Feed.HeaderLine > 0 {
		feed.HeaderLine = c.Feed.HeaderLine
	}
	if c.Feed.RemittanceMarker != "" {
		feed.RemittanceMarker = c.Feed.RemittanceMarker
	}
	if c.Feed.DefaultCurrency != "" {
		feed.DefaultCurrency = c.Feed.DefaultCurrency
	}
	if err := feed.Validate(); err != nil {
		return nil, err
	}
	return feed, nil
}

// CreateReportConfig maps the report section onto the reporter.
func CreateReportConfig(c *Config) *reporter.ReportConfig {
	cfg := reporter.DefaultReportConfig()
	cfg.Format = reporter.OutputFormat(c.Report.Format)
	cfg.MaxItems = c.Report.MaxItems
	cfg.IncludeUnchanged = c.Report.IncludeUnchanged
	return cfg
}

// CreateServiceConfig wires the billing engines.
func CreateServiceConfig(c *Config, log logger.Logger) (*billing.Config, error) {
	feed, err := CreateFeedConfig(c)
	if err != nil {
		return nil, err
	}
	matching := c.Matching

	cfg := billing.DefaultConfig()
	cfg.Logger = log
	cfg.Templates = c.Templates
	cfg.Schedule = schedule.DefaultConfig()
	cfg.Schedule.DueOffset = c.DueOffset
	cfg.Schedule.Logger = log
	cfg.Reconcile = reconciler.DefaultConfig()
	cfg.Reconcile.Feed = feed
	cfg.Reconcile.Matching = &matching
	cfg.Reconcile.Logger = log
	return cfg, nil
}

// CreateStore opens the configured store. The memory store is loaded from
// the seed file when one is configured; database stores are not migrated.
func CreateStore(ctx context.Context, c *Config, log logger.Logger) (store.Store, error) {
	switch c.Database.Driver {
	case DriverMemory:
		s := memory.New()
		if c.SeedFile != "" {
			seed, err := LoadSeed(c.SeedFile)
			if err != nil {
				return nil, err
			}
			if err := seed.Apply(ctx, s); err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		s, err := gormstore.Open(gormstore.Config{
			Driver: c.Database.Driver,
			DSN:    c.Database.DSN,
			Debug:  c.Database.Debug,
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// CreateDeliverer returns the configured deliverer.
func CreateDeliverer(c *Config, log logger.Logger) (delivery.Deliverer, error) {
	switch c.Delivery.Mode {
	case DeliverySpool:
		return delivery.NewSpoolDeliverer(c.Delivery.SpoolDir, log)
	case DeliveryLog:
		return delivery.NewLogDeliverer(log), nil
	default:
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "delivery.mode", c.Delivery.Mode, nil)
	}
}

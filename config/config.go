// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Rollover RolloverConfig `yaml:"rollover"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	OpenAPI  OpenAPIConfig  `yaml:"openapi"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures storage.
// "sqlite3" uses the cgo driver, "sqlite" the pure Go one, "memory" keeps
// everything in process.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite3 sqlite memory"`
	DSN    string `yaml:"dsn"`
}

// EngineConfig configures thresholds and enforcement behaviour.
type EngineConfig struct {
	WarnPercent    float64       `yaml:"warn_percent" validate:"gt=0"`
	HardPercent    float64       `yaml:"hard_percent" validate:"gt=0"`
	GraceDuration  time.Duration `yaml:"grace_duration" validate:"gt=0"`
	FailMode       string        `yaml:"fail_mode" validate:"oneof=open closed"`
	StrictMetrics  bool          `yaml:"strict_metrics"`
	LockShards     int           `yaml:"lock_shards" validate:"min=1"`
	MinSampleRate  int           `yaml:"min_sample_rate" validate:"min=2"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`
}

// CatalogConfig configures where plan limits come from.
// Use "local" for plans stored in the database (seeded from Plans and
// Accounts) or "remote" to ask an external service.
type CatalogConfig struct {
	Mode        string            `yaml:"mode" validate:"oneof=local remote"` // "local" or "remote"
	TTL         time.Duration     `yaml:"ttl"`
	DefaultPlan string            `yaml:"default_plan"`
	Plans       []PlanConfig      `yaml:"plans" validate:"dive"`
	Accounts    map[string]string `yaml:"accounts"` // account -> plan
	Remote      RemoteConfig      `yaml:"remote,omitempty"`
}

// PlanConfig configures one plan. A metric missing from Limits is unlimited.
type PlanConfig struct {
	ID     string           `yaml:"id" validate:"required"`
	Name   string           `yaml:"name"`
	Limits map[string]int64 `yaml:"limits" validate:"dive,keys,metric,endkeys"`
}

// RemoteConfig configures a remote service endpoint.
type RemoteConfig struct {
	URL     string            `yaml:"url" validate:"omitempty,url"`
	APIKey  string            `yaml:"api_key,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// RolloverConfig configures the billing period sweep.
type RolloverConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule" validate:"omitempty,cronspec"`
}

// AdminConfig configures the administrative API.
type AdminConfig struct {
	// TokenHash is the bcrypt hash of the admin bearer token. Admin routes
	// are disabled while it is empty.
	TokenHash string `yaml:"token_hash"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json console"`
	File       string `yaml:"file"` // rotate into this file when set
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// OpenAPIConfig configures OpenAPI/Swagger documentation.
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"` // Enable /swagger endpoints
}

// Thresholds returns the engine thresholds.
func (e EngineConfig) Thresholds() quota.Thresholds {
	return quota.Thresholds{WarnPercent: e.WarnPercent, HardPercent: e.HardPercent}
}

// PlanLimits converts the configured plans to domain plans.
func (c CatalogConfig) PlanLimits() ([]quota.PlanLimits, error) {
	out := make([]quota.PlanLimits, 0, len(c.Plans))
	for _, p := range c.Plans {
		pl := quota.PlanLimits{PlanID: p.ID, Limits: make(map[quota.Metric]int64, len(p.Limits))}
		for name, n := range p.Limits {
			m, err := quota.ParseMetric(name)
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", p.ID, err)
			}
			pl.Limits[m] = n
		}
		out = append(out, pl)
	}
	return out, nil
}

// structValidator caches struct parsing; one instance serves every Load.
var structValidator *validator.Validate

func init() {
	structValidator = validator.New()
	structValidator.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister("metric", func(fl validator.FieldLevel) bool {
		return quota.Metric(fl.Field().String()).Valid()
	})
	mustRegister("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
}

func mustRegister(tag string, fn validator.Func) {
	if err := structValidator.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	QUOTAGATE_SERVER_HOST         - Server host (default: 0.0.0.0)
//	QUOTAGATE_SERVER_PORT         - Server port (default: 8080)
//	QUOTAGATE_DATABASE_DRIVER     - sqlite3, sqlite or memory (default: sqlite3)
//	QUOTAGATE_DATABASE_DSN        - Database path (default: quotagate.db)
//	QUOTAGATE_ENGINE_FAIL_MODE    - open or closed (default: open)
//	QUOTAGATE_CATALOG_MODE        - local or remote (default: local)
//	QUOTAGATE_CATALOG_REMOTE_URL  - Remote plan catalog URL
//	QUOTAGATE_ADMIN_TOKEN_HASH    - bcrypt hash of the admin token
//	QUOTAGATE_LOG_LEVEL           - debug, info, warn, error (default: info)
//	QUOTAGATE_LOG_FORMAT          - json or console (default: json)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback loads the file when it exists and falls back to
// environment variables otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies QUOTAGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("QUOTAGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("QUOTAGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Database configuration
	if v := os.Getenv("QUOTAGATE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("QUOTAGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Engine configuration
	if v := os.Getenv("QUOTAGATE_ENGINE_WARN_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.WarnPercent = f
		}
	}
	if v := os.Getenv("QUOTAGATE_ENGINE_HARD_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.HardPercent = f
		}
	}
	if v := os.Getenv("QUOTAGATE_ENGINE_GRACE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.GraceDuration = d
		}
	}
	if v := os.Getenv("QUOTAGATE_ENGINE_FAIL_MODE"); v != "" {
		cfg.Engine.FailMode = v
	}
	if v := os.Getenv("QUOTAGATE_ENGINE_STRICT_METRICS"); v != "" {
		cfg.Engine.StrictMetrics = parseBool(v)
	}

	// Catalog configuration
	if v := os.Getenv("QUOTAGATE_CATALOG_MODE"); v != "" {
		cfg.Catalog.Mode = v
	}
	if v := os.Getenv("QUOTAGATE_CATALOG_DEFAULT_PLAN"); v != "" {
		cfg.Catalog.DefaultPlan = v
	}
	if v := os.Getenv("QUOTAGATE_CATALOG_REMOTE_URL"); v != "" {
		cfg.Catalog.Remote.URL = v
	}
	if v := os.Getenv("QUOTAGATE_CATALOG_REMOTE_API_KEY"); v != "" {
		cfg.Catalog.Remote.APIKey = v
	}

	// Rollover configuration
	if v := os.Getenv("QUOTAGATE_ROLLOVER_ENABLED"); v != "" {
		cfg.Rollover.Enabled = parseBool(v)
	}
	if v := os.Getenv("QUOTAGATE_ROLLOVER_SCHEDULE"); v != "" {
		cfg.Rollover.Schedule = v
	}

	// Admin configuration
	if v := os.Getenv("QUOTAGATE_ADMIN_TOKEN_HASH"); v != "" {
		cfg.Admin.TokenHash = v
	}

	// Logging configuration
	if v := os.Getenv("QUOTAGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUOTAGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("QUOTAGATE_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	// Metrics configuration
	if v := os.Getenv("QUOTAGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}

	// OpenAPI configuration
	if v := os.Getenv("QUOTAGATE_OPENAPI_ENABLED"); v != "" {
		cfg.OpenAPI.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "quotagate.db"
	}

	if cfg.Engine.WarnPercent == 0 {
		cfg.Engine.WarnPercent = 80
	}
	if cfg.Engine.HardPercent == 0 {
		cfg.Engine.HardPercent = 100
	}
	if cfg.Engine.GraceDuration == 0 {
		cfg.Engine.GraceDuration = quota.DefaultGraceDuration
	}
	if cfg.Engine.FailMode == "" {
		cfg.Engine.FailMode = "open"
	}
	if cfg.Engine.LockShards == 0 {
		cfg.Engine.LockShards = 256
	}
	if cfg.Engine.MinSampleRate == 0 {
		cfg.Engine.MinSampleRate = quota.DefaultMinSampleRate
	}
	if cfg.Engine.CheckTimeout == 0 {
		cfg.Engine.CheckTimeout = 250 * time.Millisecond
	}
	if cfg.Engine.StatusCacheTTL == 0 {
		cfg.Engine.StatusCacheTTL = time.Hour
	}

	if cfg.Catalog.Mode == "" {
		cfg.Catalog.Mode = "local"
	}
	if cfg.Catalog.TTL == 0 {
		cfg.Catalog.TTL = 30 * time.Second
	}
	if cfg.Catalog.Remote.Timeout == 0 {
		cfg.Catalog.Remote.Timeout = 2 * time.Second
	}

	if cfg.Rollover.Schedule == "" {
		cfg.Rollover.Schedule = "5 * * * *"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// validate runs the struct tag rules and the cross-field checks and
// reports every problem at once.
func validate(cfg *Config) error {
	var errs *multierror.Error

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = multierror.Append(errs, fmt.Errorf("%s: failed %q rule (value %v)", fieldPath(fe), fe.Tag(), fe.Value()))
		}
	}

	if cfg.Engine.WarnPercent > cfg.Engine.HardPercent {
		errs = multierror.Append(errs, fmt.Errorf("engine.warn_percent (%.2f) must not exceed engine.hard_percent (%.2f)",
			cfg.Engine.WarnPercent, cfg.Engine.HardPercent))
	}

	if cfg.Database.Driver != "memory" && cfg.Database.DSN == "" {
		errs = multierror.Append(errs, fmt.Errorf("database.dsn is required for driver %q", cfg.Database.Driver))
	}

	if cfg.Catalog.Mode == "remote" && cfg.Catalog.Remote.URL == "" {
		errs = multierror.Append(errs, fmt.Errorf("catalog.remote.url is required when catalog.mode is 'remote'"))
	}

	plans := make(map[string]bool, len(cfg.Catalog.Plans))
	for i, p := range cfg.Catalog.Plans {
		if plans[p.ID] {
			errs = multierror.Append(errs, fmt.Errorf("catalog.plans[%d]: duplicate plan id %q", i, p.ID))
		}
		plans[p.ID] = true
	}
	if cfg.Catalog.Mode == "local" {
		if cfg.Catalog.DefaultPlan != "" && !plans[cfg.Catalog.DefaultPlan] {
			errs = multierror.Append(errs, fmt.Errorf("catalog.default_plan %q is not defined", cfg.Catalog.DefaultPlan))
		}
		for account, plan := range cfg.Catalog.Accounts {
			if !plans[plan] {
				errs = multierror.Append(errs, fmt.Errorf("catalog.accounts[%s]: plan %q is not defined", account, plan))
			}
		}
	}

	if h := cfg.Admin.TokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		errs = multierror.Append(errs, fmt.Errorf("admin.token_hash must be a bcrypt hash"))
	}

	return errs.ErrorOrNil()
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

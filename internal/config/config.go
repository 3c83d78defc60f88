package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "EVENTLOG"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "eventlog.db"
	defaultMaxOpenConns    = 10
	defaultLogLevel        = "info"
	defaultAuthIssuer      = "eventlog-api"
	defaultTokenTTLMinutes = 60
	defaultSampleRatio     = 1.0

	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	DatabaseMaxOpenConns int
	LogLevel             string
	AuthSigningSecret    string
	AuthIssuer           string
	AuthTokenTTL         time.Duration
	TracingEndpoint      string
	TracingSampleRatio   float64
	TracingInsecure      bool
	MetricsEnabled       bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("tracing.endpoint", "")
	configViper.SetDefault("tracing.sample_ratio", defaultSampleRatio)
	configViper.SetDefault("tracing.insecure", false)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),
		LogLevel:             configViper.GetString("log.level"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthTokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		TracingEndpoint:      strings.TrimSpace(configViper.GetString("tracing.endpoint")),
		TracingSampleRatio:   configViper.GetFloat64("tracing.sample_ratio"),
		TracingInsecure:      configViper.GetBool("tracing.insecure"),
		MetricsEnabled:       configViper.GetBool("metrics.enabled"),
	}
	if cfg.DatabaseDriver == driverSQLite {
		cfg.DatabaseMaxOpenConns = 1
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports an error when commands that issue or check tokens lack a secret.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case driverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case driverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", driverSQLite, driverPostgres, c.DatabaseDriver)
	}
	if c.DatabaseMaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

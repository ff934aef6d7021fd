package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/cdshooks/internal/domain/library"
)

// Auth modes for the admin API.
const (
	AuthModeDevelopment = "development"
	AuthModeHMAC        = "hmac"
	AuthModeOIDC        = "oidc"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	HooksDir        string        `mapstructure:"HOOKS_DIR"`
	PrefetchDepth   int           `mapstructure:"PREFETCH_MAX_DEPTH"`
	LibraryStore    string        `mapstructure:"LIBRARY_STORE"`
	LibraryDir      string        `mapstructure:"LIBRARY_DIR"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	BoltPath        string        `mapstructure:"LIBRARY_BOLT_PATH"`
	SQLitePath      string        `mapstructure:"LIBRARY_SQLITE_PATH"`
	S3Bucket        string        `mapstructure:"LIBRARY_S3_BUCKET"`
	S3Region        string        `mapstructure:"LIBRARY_S3_REGION"`
	S3Endpoint      string        `mapstructure:"LIBRARY_S3_ENDPOINT"`
	S3Prefix        string        `mapstructure:"LIBRARY_S3_PREFIX"`
	S3PathStyle     bool          `mapstructure:"LIBRARY_S3_PATH_STYLE"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	AdminSigningKey string        `mapstructure:"ADMIN_SIGNING_KEY"`
	AdminIssuer     string        `mapstructure:"ADMIN_ISSUER"`
	AdminJWKSURL    string        `mapstructure:"ADMIN_JWKS_URL"`
	AdminAudience   string        `mapstructure:"ADMIN_AUDIENCE"`
	AdminRole       string        `mapstructure:"ADMIN_ROLE"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]interface{}{
	"PORT":                "8000",
	"ENV":                 "development",
	"LOG_LEVEL":           "info",
	"HOOKS_DIR":           "./hooks",
	"PREFETCH_MAX_DEPTH":  512,
	"LIBRARY_STORE":       library.BackendFilesystem,
	"LIBRARY_DIR":         "./libraries",
	"DB_MAX_CONNS":        10,
	"DB_MIN_CONNS":        1,
	"LIBRARY_BOLT_PATH":   "./libraries.db",
	"LIBRARY_SQLITE_PATH": "./libraries.sqlite",
	"ADMIN_ROLE":          "cds-admin",
	"CORS_ORIGINS":        "*",
	"RATE_LIMIT_RPS":      100,
	"RATE_LIMIT_BURST":    200,
	"BODY_LIMIT":          "32M",
	"REQUEST_TIMEOUT":     "30s",
}

var envOnly = []string{
	"DATABASE_URL", "LIBRARY_S3_BUCKET", "LIBRARY_S3_REGION", "LIBRARY_S3_ENDPOINT",
	"LIBRARY_S3_PREFIX", "LIBRARY_S3_PATH_STYLE", "AUTH_MODE", "ADMIN_SIGNING_KEY",
	"ADMIN_ISSUER", "ADMIN_JWKS_URL", "ADMIN_AUDIENCE", "TLS_ENABLED", "TLS_CERT_FILE",
	"TLS_KEY_FILE",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for key := range defaults {
		_ = v.BindEnv(key)
	}
	for _, key := range envOnly {
		_ = v.BindEnv(key)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := v.GetString("CORS_ORIGINS")
	cfg.CORSOrigins = nil
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	cfg.LibraryStore = strings.ToLower(strings.TrimSpace(cfg.LibraryStore))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise a signing key
// selects hmac, an issuer or JWKS URL selects oidc, and development runs
// without authentication.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	switch {
	case c.AdminSigningKey != "":
		return AuthModeHMAC
	case c.AdminIssuer != "" || c.AdminJWKSURL != "":
		return AuthModeOIDC
	case c.IsDev():
		return AuthModeDevelopment
	}
	return ""
}

// Validate checks that the selected library store is fully configured and
// that the admin API is authenticated outside development.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed in production", AuthModeDevelopment)
		}
	case AuthModeHMAC:
		if len(c.AdminSigningKey) < 32 {
			return fmt.Errorf("ADMIN_SIGNING_KEY must be at least 32 bytes")
		}
	case AuthModeOIDC:
		if c.AdminIssuer == "" && c.AdminJWKSURL == "" {
			return fmt.Errorf("ADMIN_ISSUER or ADMIN_JWKS_URL is required when AUTH_MODE is %q", AuthModeOIDC)
		}
	case "":
		return fmt.Errorf("ADMIN_SIGNING_KEY, ADMIN_ISSUER or ADMIN_JWKS_URL must be set outside development (ENV=%q)", c.Env)
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q",
			AuthModeDevelopment, AuthModeHMAC, AuthModeOIDC, c.AuthMode)
	}

	if c.HooksDir == "" {
		return fmt.Errorf("HOOKS_DIR is required")
	}
	if c.PrefetchDepth <= 0 {
		return fmt.Errorf("PREFETCH_MAX_DEPTH must be positive, got %d", c.PrefetchDepth)
	}

	switch c.LibraryStore {
	case "", library.BackendFilesystem:
		if c.LibraryDir == "" {
			return fmt.Errorf("LIBRARY_DIR is required for the %s library store", library.BackendFilesystem)
		}
	case library.BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s library store", library.BackendPostgres)
		}
	case library.BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("LIBRARY_BOLT_PATH is required for the %s library store", library.BackendBolt)
		}
	case library.BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("LIBRARY_SQLITE_PATH is required for the %s library store", library.BackendSQLite)
		}
	case library.BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("LIBRARY_S3_BUCKET is required for the %s library store", library.BackendS3)
		}
	default:
		return fmt.Errorf("LIBRARY_STORE %q is not one of filesystem, postgres, bolt, sqlite, s3", c.LibraryStore)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// LibraryConfig builds the library store settings.
func (c *Config) LibraryConfig() library.Config {
	return library.Config{
		Backend:     c.LibraryStore,
		Dir:         c.LibraryDir,
		DatabaseURL: c.DatabaseURL,
		MaxConns:    c.DBMaxConns,
		MinConns:    c.DBMinConns,
		BoltPath:    c.BoltPath,
		SQLitePath:  c.SQLitePath,
		S3: library.S3Config{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			Prefix:    c.S3Prefix,
			PathStyle: c.S3PathStyle,
		},
	}
}

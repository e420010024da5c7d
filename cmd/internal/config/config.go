// Package config loads service configuration from environment variables and
// validates it before the server starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Config is the unified service configuration.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Resolver ResolverConfig
	Fetch    FetchConfig
	Engines  EnginesConfig
	Refine   RefineConfig
	Storage  StorageConfig
	Policy   PolicyConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Env  string // dev, staging, production
	Port string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string // debug, info, warn, error
	File  string // empty: stdout
}

// ResolverConfig holds audio format resolution settings.
type ResolverConfig struct {
	MetadataURL string        // metadata provider endpoint
	CacheTTL    time.Duration // descriptor cache lifetime
}

// FetchConfig holds chunked download settings.
type FetchConfig struct {
	ChunkSize           int64
	MaxConcurrentChunks int
	ChunkTimeout        time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
	ProxyPrefix         string // rewrite target, empty disables the proxy detour
	SOCKSProxyAddr      string // optional SOCKS5 address for all chunk requests
}

// EnginesConfig holds speech-to-text engine endpoints.
type EnginesConfig struct {
	NovaURL         string
	NovaAPIKey      string
	PrecisionURL    string
	PrecisionAPIKey string
}

// RefineConfig holds text refinement settings.
type RefineConfig struct {
	OpenAIKey      string
	Model          string
	MaxConcurrency int
	BatchDelay     time.Duration
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// PolicyConfig points at the YAML strategy policy file.
type PolicyConfig struct {
	File string // empty: built-in defaults
}

// GlobalConfig is the process-wide configuration instance.
var GlobalConfig *Config

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Env:  getEnv("ENV", "dev"),
			Port: getEnv("PORT", "8000"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
		Resolver: ResolverConfig{
			MetadataURL: getEnv("RESOLVER_METADATA_URL", ""),
			CacheTTL:    getEnvDuration("RESOLVER_CACHE_TTL", 5*time.Minute),
		},
		Fetch: FetchConfig{
			ChunkSize:           getEnvInt64("FETCH_CHUNK_SIZE", 1<<20),
			MaxConcurrentChunks: getEnvInt("FETCH_MAX_CONCURRENT_CHUNKS", 4),
			ChunkTimeout:        getEnvDuration("FETCH_CHUNK_TIMEOUT", 30*time.Second),
			RetryAttempts:       getEnvInt("FETCH_RETRY_ATTEMPTS", 3),
			RetryDelay:          getEnvDuration("FETCH_RETRY_DELAY", 500*time.Millisecond),
			ProxyPrefix:         getEnv("FETCH_PROXY_PREFIX", ""),
			SOCKSProxyAddr:      getEnv("FETCH_SOCKS_PROXY", ""),
		},
		Engines: EnginesConfig{
			NovaURL:         getEnv("NOVA_API_URL", ""),
			NovaAPIKey:      getEnv("NOVA_API_KEY", ""),
			PrecisionURL:    getEnv("PRECISION_API_URL", ""),
			PrecisionAPIKey: getEnv("PRECISION_API_KEY", ""),
		},
		Refine: RefineConfig{
			OpenAIKey:      getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("REFINE_MODEL", "gpt-4o-mini"),
			MaxConcurrency: getEnvInt("REFINE_MAX_CONCURRENCY", 3),
			BatchDelay:     getEnvDuration("REFINE_BATCH_DELAY", 300*time.Millisecond),
		},
		Storage: StorageConfig{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
			Bucket:    getEnv("S3_BUCKET", "castscribe-audio"),
			Region:    getEnv("S3_REGION", ""),
			Secure:    getEnvBool("S3_SECURE", true),
		},
		Policy: PolicyConfig{
			File: getEnv("STRATEGY_POLICY_FILE", ""),
		},
	}

	GlobalConfig = cfg
	return cfg, nil
}

// ValidateConfig checks the loaded configuration for consistency.
func ValidateConfig(cfg *Config) error {
	var errs []string

	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}

	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true}
	if !validEnvs[cfg.Server.Env] {
		errs = append(errs, fmt.Sprintf("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env))
	}

	if cfg.Fetch.ChunkSize < 64*1024 {
		errs = append(errs, fmt.Sprintf("FETCH_CHUNK_SIZE too small: %d (minimum 65536)", cfg.Fetch.ChunkSize))
	}
	if cfg.Fetch.MaxConcurrentChunks < 1 {
		errs = append(errs, "FETCH_MAX_CONCURRENT_CHUNKS must be at least 1")
	}
	if cfg.Fetch.RetryAttempts < 1 {
		errs = append(errs, "FETCH_RETRY_ATTEMPTS must be at least 1")
	}

	if cfg.Server.Env == "production" {
		if cfg.Engines.NovaURL == "" && cfg.Engines.PrecisionURL == "" {
			errs = append(errs, "at least one of NOVA_API_URL / PRECISION_API_URL is required in production")
		}
		if cfg.Storage.Endpoint == "" {
			errs = append(errs, "S3_ENDPOINT is required in production")
		}
	}

	if cfg.Refine.MaxConcurrency < 1 {
		errs = append(errs, "REFINE_MAX_CONCURRENCY must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// GetServerAddr returns the HTTP listen address.
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

func getEnv(key, fallback string) string {
	if v, ok := lookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := lookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := lookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := lookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := lookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

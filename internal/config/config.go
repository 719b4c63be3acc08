// Package config loads Heimdall's runtime configuration: the store path and
// upstream API credentials, from a dotenv-style file and the process
// environment. Besides the ambient settings every component needs, it reads
// the adapter credentials, which main passes to each adapter's constructor.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds Heimdall's ambient configuration.
type Config struct {
	// DatabasePath is the on-disk path of the embedded store.
	DatabasePath string

	// LogLevel controls zerolog's global level (debug, info, warn, error).
	LogLevel string
	// LogPretty enables human-readable console output instead of JSON.
	LogPretty bool

	// HTTPTimeoutSeconds is the per-request connect+read timeout of the
	// shared HTTP Fetch Client. All adapters share that one client, so the
	// timeout is the same for every adapter; there is no per-adapter value.
	HTTPTimeoutSeconds int

	// Adapter credentials: the macro-series and news-feed adapters each take
	// one; the price-bars adapter needs none.
	MacroSeriesAPIKey string
	NewsFeedAPIKey    string
}

// Load reads configuration from a .env file (if present) and the process
// environment. Environment variables always take precedence over defaults;
// there is no settings-database override layer in this core (unlike the
// dashboard it feeds).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:       getEnv("HEIMDALL_DB_PATH", "data/heimdall.db"),
		LogLevel:           getEnv("HEIMDALL_LOG_LEVEL", "info"),
		LogPretty:          getEnvAsBool("HEIMDALL_LOG_PRETTY", false),
		HTTPTimeoutSeconds: getEnvAsInt("HEIMDALL_HTTP_TIMEOUT_SECONDS", 10),
		MacroSeriesAPIKey:  getEnv("FRED_API_KEY", ""),
		NewsFeedAPIKey:     getEnv("NEWSAPI_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the ambient configuration that must be present for the
// store to open; missing adapter credentials are a per-adapter concern
// surfaced at fetch time, not a fatal setup error.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("HEIMDALL_DB_PATH is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

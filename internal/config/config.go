// ABOUTME: Runtime configuration for the plughost server and host shell.
// ABOUTME: Loads .env, an optional TOML config file and environment variables through viper.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultStaticToken is what the stub broker hands out when PLUGHOST_PST is unset.
const DefaultStaticToken = "no PLUGHOST_PST environment variable exists or no value set"

// Config holds application configuration.
type Config struct {
	Port              int
	APIBaseURL        string
	PluginID          string
	CORSOrigins       []string
	DBPath            string
	InsecureTLS       bool
	ClaimTimeout      time.Duration
	FetchTimeout      time.Duration
	StaticToken       string
	TokenAuthorityURL string
	PluginsFile       string
}

// keys maps each viper key to the environment variable that overrides it.
var keys = map[string]string{
	"port":                "PORT",
	"api_base_url":        "ACUITAS_API_BASE_URL",
	"plugin_id":           "PLUGIN_ID",
	"cors_origin":         "CORS_ORIGIN",
	"db_path":             "PLUGHOST_DB_PATH",
	"insecure_tls":        "ACUITAS_INSECURE_TLS",
	"claim_timeout":       "CLAIM_TIMEOUT",
	"fetch_timeout":       "FETCH_TIMEOUT",
	"static_token":        "PLUGHOST_PST",
	"token_authority_url": "TOKEN_AUTHORITY_URL",
	"plugins_file":        "PLUGHOST_PLUGINS_FILE",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", 3001)
	v.SetDefault("api_base_url", "https://euint.oh.ocuco.com")
	v.SetDefault("plugin_id", "retinalyze")
	v.SetDefault("cors_origin", "http://localhost:4173")
	v.SetDefault("db_path", "./plughost.db")
	v.SetDefault("insecure_tls", false)
	v.SetDefault("claim_timeout", "5s")
	v.SetDefault("fetch_timeout", "10s")
	v.SetDefault("static_token", DefaultStaticToken)
	v.SetDefault("token_authority_url", "")
	v.SetDefault("plugins_file", "plugins.toml")

	for key, env := range keys {
		v.BindEnv(key, env)
	}
	return v
}

// Load reads .env (if present), then PLUGHOST_CONFIG (if set), then the environment.
// Environment variables win over the config file.
func Load() (*Config, error) {
	// Missing .env is normal
	_ = godotenv.Load()

	v := newViper()
	if path := os.Getenv("PLUGHOST_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		Port:              v.GetInt("port"),
		APIBaseURL:        v.GetString("api_base_url"),
		PluginID:          v.GetString("plugin_id"),
		CORSOrigins:       splitList(v.GetString("cors_origin")),
		DBPath:            v.GetString("db_path"),
		InsecureTLS:       v.GetBool("insecure_tls"),
		ClaimTimeout:      v.GetDuration("claim_timeout"),
		FetchTimeout:      v.GetDuration("fetch_timeout"),
		StaticToken:       v.GetString("static_token"),
		TokenAuthorityURL: v.GetString("token_authority_url"),
		PluginsFile:       v.GetString("plugins_file"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("config: api base url is required")
	}
	if c.PluginID == "" {
		return fmt.Errorf("config: plugin id is required")
	}
	if c.ClaimTimeout <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

// Addr is the listen address for Port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

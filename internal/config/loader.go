package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EDUNEXIA_AUTHZ"

// InitViper points Viper at configFile, or at the first
// edunexia-authz.yaml/.yml found in the standard locations, and enables
// EDUNEXIA_AUTHZ_* overrides. A .env file in the working directory is
// loaded first; variables already set in the environment win.
func InitViper(configFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Without search paths ReadInConfig returns ConfigFileNotFoundError,
		// which LoadConfig treats as env-only configuration.
		viper.SetConfigName("edunexia-authz")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindNestedEnvKeys()
	return nil
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".edunexia-authz"),
		"/etc/edunexia-authz",
	})
}

// findConfigFileInPaths returns the first edunexia-authz.yaml or .yml in
// paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "edunexia-authz"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar keys so that, for example,
// EDUNEXIA_AUTHZ_STORE_DSN overrides store.dsn. Lists (auth, policy) are
// file-only.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.shutdown_timeout",
		"server.tls_cert_file",
		"server.tls_key_file",
		"server.admin_permission",
		"server.max_check_timeout",
		"server.mcp",
		"store.driver",
		"store.dsn",
		"store.state_path",
		"store.load_retry",
		"attributes.base_url",
		"attributes.api_key",
		"attributes.check_timeout",
		"attributes.fetch_timeout",
		"cache.permission_size",
		"cache.attribute_size",
		"cache.attribute_ttl",
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.channel",
		"audit.output",
		"audit.buffer_size",
		"rate_limit.enabled",
		"rate_limit.ip_rate",
		"rate_limit.client_rate",
		"telemetry.enabled",
		"telemetry.service_name",
		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the file and environment, applies defaults and
// validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the file and environment and applies defaults, but
// neither dev defaults nor validation. Callers apply flag overrides first.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or "".
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

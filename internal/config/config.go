// Package config provides configuration types for the EdunexIA
// authorization service.
//
// Configuration comes from edunexia-authz.yaml, EDUNEXIA_AUTHZ_* environment
// variables and an optional .env file. Roles, assignments and condition
// rules given under policy seed an empty store on first start; afterwards
// the store is authoritative and the admin API manages them.
package config

import (
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverState    = "state"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects where roles, assignments and condition rules live.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Attributes configures the billing attribute source used by
	// contextual checks. Without a base URL, checks that need a lookup
	// are denied.
	Attributes AttributesConfig `yaml:"attributes" mapstructure:"attributes"`

	// Cache sizes the permission and attribute caches.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Redis enables cross-instance invalidation.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Audit configures where decisions and admin changes are recorded.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// RateLimit configures request rate limiting on the HTTP API.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Telemetry configures OpenTelemetry tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Auth defines API clients and their keys.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Policy seeds an empty store.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// AllowLists overrides the permitted status values, keyed by attribute
	// kind, then "resource:action" (wildcards allowed).
	AllowLists map[string]map[string][]string `yaml:"allow_lists" mapstructure:"allow_lists" validate:"omitempty,dive,keys,oneof=subscription_status payment_status institution_phase,endkeys"`

	// DevMode enables debug logging and a development client.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// AdminPermission, when set, is a "resource:action" the end user named
	// in the X-Subject-ID header must hold to use the admin API.
	AdminPermission string `yaml:"admin_permission" mapstructure:"admin_permission" validate:"omitempty,permission"`

	// MaxCheckTimeout caps the timeout_ms callers may request. Defaults to "30s".
	MaxCheckTimeout string `yaml:"max_check_timeout" mapstructure:"max_check_timeout" validate:"omitempty,duration"`

	// MCP serves the authorization tools over streamable HTTP at /mcp.
	MCP bool `yaml:"mcp" mapstructure:"mcp"`
}

// StoreConfig configures the policy store.
type StoreConfig struct {
	// Driver is memory, state, sqlite or postgres. Defaults to state.
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,store_driver"`

	// DSN is the database source for sqlite and postgres.
	DSN string `yaml:"dsn" mapstructure:"dsn" validate:"required_if=Driver sqlite,required_if=Driver postgres"`

	// StatePath is the state.json location for the state driver.
	// Defaults to "./state.json".
	StatePath string `yaml:"state_path" mapstructure:"state_path"`

	// LoadRetry is the pause between failed initial loads (e.g., "2s").
	LoadRetry string `yaml:"load_retry" mapstructure:"load_retry" validate:"omitempty,duration"`
}

// AttributesConfig configures the billing attribute source.
type AttributesConfig struct {
	// BaseURL is the attribute gateway, e.g. "https://billing.internal/v1".
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// CheckTimeout bounds a whole contextual check. Defaults to "3s".
	CheckTimeout string `yaml:"check_timeout" mapstructure:"check_timeout" validate:"omitempty,duration"`

	// FetchTimeout bounds one HTTP lookup. Defaults to "5s".
	FetchTimeout string `yaml:"fetch_timeout" mapstructure:"fetch_timeout" validate:"omitempty,duration"`
}

// CacheConfig sizes the caches.
type CacheConfig struct {
	// PermissionSize is the number of subjects whose effective permissions
	// are memoized. Defaults to 4096.
	PermissionSize int `yaml:"permission_size" mapstructure:"permission_size" validate:"omitempty,min=1"`

	// AttributeSize is the number of resolved attribute records kept.
	// Defaults to 1024.
	AttributeSize int `yaml:"attribute_size" mapstructure:"attribute_size" validate:"omitempty,min=1"`

	// AttributeTTL is how long a resolved record is reused. Defaults to "1m".
	AttributeTTL string `yaml:"attribute_ttl" mapstructure:"attribute_ttl" validate:"omitempty,duration"`
}

// RedisConfig configures the invalidation bus.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`
	// Channel defaults to "edunexia:authz:invalidate".
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// AuditConfig configures audit output.
type AuditConfig struct {
	// Output is "stdout", "none" or "file:///absolute/path/audit.jsonl".
	// Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the audit queue capacity. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records written together. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are written. Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record blocks on a full queue before
	// dropping. Defaults to "50ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// BufferSize is the number of recent records served by the admin API.
	// Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum requests per minute per IP. Defaults to 600.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`

	// ClientRate is the maximum requests per minute per API client.
	// Defaults to 6000.
	ClientRate int `yaml:"client_rate" mapstructure:"client_rate" validate:"omitempty,min=1"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// Enabled installs stdout trace and metric exporters.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ServiceName defaults to "edunexia-authz".
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	// MetricInterval is the metric export period. Defaults to "60s".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// AuthConfig defines API clients and keys.
type AuthConfig struct {
	Clients []ClientConfig `yaml:"clients" mapstructure:"clients" validate:"omitempty,dive"`
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// ClientConfig is an application allowed to call the API.
type ClientConfig struct {
	ID   string `yaml:"id" mapstructure:"id" validate:"required"`
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Scopes are "check" and/or "admin".
	Scopes []string `yaml:"scopes" mapstructure:"scopes" validate:"required,min=1,dive,oneof=check admin"`
}

// APIKeyConfig is a hashed API key belonging to a client.
type APIKeyConfig struct {
	// KeyHash is "sha256:<hex>" or an argon2id PHC string. Generate with
	// `edunexia-authz hash-key`.
	KeyHash  string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
	ClientID string `yaml:"client_id" mapstructure:"client_id" validate:"required"`
	Name     string `yaml:"name" mapstructure:"name"`
}

// PolicyConfig seeds roles, assignments and condition rules.
type PolicyConfig struct {
	Roles          []RoleConfig          `yaml:"roles" mapstructure:"roles" validate:"omitempty,dive"`
	Assignments    []AssignmentConfig    `yaml:"assignments" mapstructure:"assignments" validate:"omitempty,dive"`
	ConditionRules []ConditionRuleConfig `yaml:"condition_rules" mapstructure:"condition_rules" validate:"omitempty,dive"`
}

// RoleConfig is a seeded role. Permissions are "resource:action".
type RoleConfig struct {
	ID          string   `yaml:"id" mapstructure:"id" validate:"required"`
	Name        string   `yaml:"name" mapstructure:"name" validate:"required"`
	Description string   `yaml:"description" mapstructure:"description"`
	Permissions []string `yaml:"permissions" mapstructure:"permissions" validate:"omitempty,dive,permission"`
}

// AssignmentConfig grants a seeded role to a user.
type AssignmentConfig struct {
	UserID string `yaml:"user_id" mapstructure:"user_id" validate:"required"`
	RoleID string `yaml:"role_id" mapstructure:"role_id" validate:"required"`
}

// ConditionRuleConfig is a seeded CEL condition rule.
type ConditionRuleConfig struct {
	Name        string `yaml:"name" mapstructure:"name" validate:"required"`
	Resource    string `yaml:"resource" mapstructure:"resource" validate:"required"`
	Action      string `yaml:"action" mapstructure:"action" validate:"required"`
	Expression  string `yaml:"expression" mapstructure:"expression" validate:"required"`
	Description string `yaml:"description" mapstructure:"description"`
}

// HasSeed reports whether any policy is configured.
func (p PolicyConfig) HasSeed() bool {
	return len(p.Roles) > 0 || len(p.Assignments) > 0 || len(p.ConditionRules) > 0
}

// SetDevDefaults applies permissive defaults for development mode.
// They are applied before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if len(c.Auth.Clients) == 0 {
		c.Auth.Clients = []ClientConfig{{
			ID:     "dev-client",
			Name:   "Development Client",
			Scopes: []string{"check", "admin"},
		}}
	}

	// sha256 of "dev-api-key"
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{{
			KeyHash:  "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
			ClientID: "dev-client",
			Name:     "dev",
		}}
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	c.Server.LogLevel = "debug"
}

// SetDefaults fills optional values.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Server.MaxCheckTimeout == "" {
		c.Server.MaxCheckTimeout = "30s"
	}

	if c.Store.Driver == "" && !c.DevMode {
		c.Store.Driver = DriverState
	}
	if c.Store.StatePath == "" {
		c.Store.StatePath = "./state.json"
	}
	if c.Store.LoadRetry == "" {
		c.Store.LoadRetry = "2s"
	}

	if c.Attributes.CheckTimeout == "" {
		c.Attributes.CheckTimeout = "3s"
	}
	if c.Attributes.FetchTimeout == "" {
		c.Attributes.FetchTimeout = "5s"
	}

	if c.Cache.PermissionSize == 0 {
		c.Cache.PermissionSize = 4096
	}
	if c.Cache.AttributeSize == 0 {
		c.Cache.AttributeSize = 1024
	}
	if c.Cache.AttributeTTL == "" {
		c.Cache.AttributeTTL = "1m"
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = "edunexia:authz:invalidate"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "50ms"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 600
	}
	if c.RateLimit.ClientRate == 0 {
		c.RateLimit.ClientRate = 6000
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "edunexia-authz"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "60s"
	}
}

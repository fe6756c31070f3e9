package am

import "time"

// Config represents the stagee configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database"`
	Server      ServerConfig      `mapstructure:"server" toml:"server"`
	Log         LogConfig         `mapstructure:"log" toml:"log"`
	Engine      EngineConfig      `mapstructure:"engine" toml:"engine"`
	Policy      PolicyConfig      `mapstructure:"policy" toml:"policy"`
	Redis       RedisConfig       `mapstructure:"redis" toml:"redis"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore" toml:"objectstore"`
	Auth        AuthConfig        `mapstructure:"auth" toml:"auth"`
	Inventory   InventoryConfig   `mapstructure:"inventory" toml:"inventory"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Bind           string   `mapstructure:"bind" toml:"bind"`
	Port           int      `mapstructure:"port" toml:"port"`
	RateLimit      float64  `mapstructure:"rate_limit" toml:"rate_limit"` // requests per second per actor, 0 = unlimited
	RateBurst      int      `mapstructure:"rate_burst" toml:"rate_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8780
)

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// EngineConfig configures execution dispatch and the background worker pool
type EngineConfig struct {
	ImmediateThresholdMS  int64  `mapstructure:"immediate_threshold_ms" toml:"immediate_threshold_ms"`
	DefaultStepEstimateMS int64  `mapstructure:"default_step_estimate_ms" toml:"default_step_estimate_ms"`
	Workers               int    `mapstructure:"workers" toml:"workers"` // 0 = no background workers in this process
	PollIntervalMS        int64  `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	DequeueWaitMS         int64  `mapstructure:"dequeue_wait_ms" toml:"dequeue_wait_ms"`
	LeaseSafetyBufferMS   int64  `mapstructure:"lease_safety_buffer_ms" toml:"lease_safety_buffer_ms"`
	ReaperIntervalMS      int64  `mapstructure:"reaper_interval_ms" toml:"reaper_interval_ms"`
	LockBackend           string `mapstructure:"lock_backend" toml:"lock_backend"` // sql | redis
	ResultCapBytes        int    `mapstructure:"result_cap_bytes" toml:"result_cap_bytes"`
	RetryBaseMS           int64  `mapstructure:"retry_base_ms" toml:"retry_base_ms"`
	RetryMaxMS            int64  `mapstructure:"retry_max_ms" toml:"retry_max_ms"`
	HTTPBlockPrivate      bool   `mapstructure:"http_block_private" toml:"http_block_private"` // refuse HTTP steps aimed at private addresses
}

// ImmediateThreshold is the estimated duration below which plans run inline.
func (e EngineConfig) ImmediateThreshold() time.Duration { return ms(e.ImmediateThresholdMS) }

// DefaultStepEstimate is used for steps with no observed history.
func (e EngineConfig) DefaultStepEstimate() time.Duration { return ms(e.DefaultStepEstimateMS) }

// PollInterval is how often idle workers look for work when not woken.
func (e EngineConfig) PollInterval() time.Duration { return ms(e.PollIntervalMS) }

// DequeueWait bounds a single blocking dequeue.
func (e EngineConfig) DequeueWait() time.Duration { return ms(e.DequeueWaitMS) }

// LeaseSafetyBuffer is added to the step timeout when deriving leases.
func (e EngineConfig) LeaseSafetyBuffer() time.Duration { return ms(e.LeaseSafetyBufferMS) }

// ReaperInterval is the lock reaper period.
func (e EngineConfig) ReaperInterval() time.Duration { return ms(e.ReaperIntervalMS) }

// RetryBase is the first retry backoff.
func (e EngineConfig) RetryBase() time.Duration { return ms(e.RetryBaseMS) }

// RetryMax caps retry backoff.
func (e EngineConfig) RetryMax() time.Duration { return ms(e.RetryMaxMS) }

// PolicyConfig carries overrides for the built-in timeout policy table.
type PolicyConfig struct {
	Overrides []PolicyOverride `mapstructure:"overrides" toml:"overrides"`
}

// PolicyOverride replaces one (sla_class, action_class) row of the policy table.
type PolicyOverride struct {
	SLAClass           string `mapstructure:"sla_class" toml:"sla_class"`
	ActionClass        string `mapstructure:"action_class" toml:"action_class"`
	ExecutionTimeoutMS int64  `mapstructure:"execution_timeout_ms" toml:"execution_timeout_ms"`
	StepTimeoutMS      int64  `mapstructure:"step_timeout_ms" toml:"step_timeout_ms"`
	MaxAttempts        int    `mapstructure:"max_attempts" toml:"max_attempts"`
	MaxLeaseRenewals   int    `mapstructure:"max_lease_renewals" toml:"max_lease_renewals"`
}

// RedisConfig configures the optional Redis lock backend and event fan-out.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr          string `mapstructure:"addr" toml:"addr"`
	Password      string `mapstructure:"password" toml:"password"`
	DB            int    `mapstructure:"db" toml:"db"`
	EventsChannel string `mapstructure:"events_channel" toml:"events_channel"`
}

// ObjectStoreConfig configures S3-compatible storage for offloaded results.
// An empty Endpoint keeps results in memory.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint"`
	AccessKey string `mapstructure:"access_key" toml:"access_key"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key"`
	Bucket    string `mapstructure:"bucket" toml:"bucket"`
	Region    string `mapstructure:"region" toml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" toml:"use_ssl"`
}

// AuthConfig configures bearer identity resolution
type AuthConfig struct {
	Tokens           []TokenConfig `mapstructure:"tokens" toml:"tokens"`
	OIDCIssuer       string        `mapstructure:"oidc_issuer" toml:"oidc_issuer"`
	OIDCClientID     string        `mapstructure:"oidc_client_id" toml:"oidc_client_id"`
	TenantClaim      string        `mapstructure:"tenant_claim" toml:"tenant_claim"`
	PermissionsClaim string        `mapstructure:"permissions_claim" toml:"permissions_claim"`
}

// TokenConfig maps a static bearer token to an actor.
type TokenConfig struct {
	Token       string   `mapstructure:"token" toml:"token"`
	ActorID     string   `mapstructure:"actor_id" toml:"actor_id"`
	TenantID    string   `mapstructure:"tenant_id" toml:"tenant_id"`
	Permissions []string `mapstructure:"permissions" toml:"permissions"`
}

// InventoryConfig points at the static target inventory.
type InventoryConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// File and directory permission constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Package config loads the daemon configuration: a YAML document overridden
// by environment variables, checked against a JSON Schema before anything
// touches the network. The resulting Config is passed explicitly into
// constructors; nothing reads configuration globally.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/paystream/pkg/disclosure"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/retry"
	"github.com/Mindburn-Labs/paystream/pkg/throttle"
)

// Config is the complete daemon configuration.
type Config struct {
	// Network selects which factories entry provides disclosure records.
	Network  string                   `yaml:"network" json:"network"`
	LogLevel string                   `yaml:"log_level" json:"log_level"`
	Gateway  GatewayConfig            `yaml:"gateway" json:"gateway"`
	Billing  BillingConfig            `yaml:"billing" json:"billing"`
	Receipts ReceiptsConfig           `yaml:"receipts" json:"receipts"`
	Archive  ArchiveConfig            `yaml:"archive" json:"archive"`
	Throttle ThrottleConfig           `yaml:"throttle" json:"throttle"`
	Networks map[string]NetworkConfig `yaml:"networks" json:"networks"`
}

// GatewayConfig points the daemon at a ledger JSON gateway.
type GatewayConfig struct {
	BaseURL         string   `yaml:"base_url" json:"base_url"`
	JWTSecret       string   `yaml:"jwt_secret" json:"jwt_secret"`
	Party           string   `yaml:"party" json:"party"`
	ReadAs          []string `yaml:"read_as,omitempty" json:"read_as,omitempty"`
	SubmitTimeoutMs int64    `yaml:"submit_timeout_ms" json:"submit_timeout_ms"`
	ReadyPollMs     int64    `yaml:"ready_poll_ms" json:"ready_poll_ms"`
	ReadyTimeoutMs  int64    `yaml:"ready_timeout_ms" json:"ready_timeout_ms"`
	// MinVersion gates startup on the gateway's reported version.
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// BillingConfig shapes the settlement loop.
type BillingConfig struct {
	IntervalMs int64        `yaml:"interval_ms" json:"interval_ms"`
	Retry      retry.Policy `yaml:"retry" json:"retry"`
}

// ReceiptsConfig selects the receipt store backend.
type ReceiptsConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "memory" | "sqlite" | "postgres"
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// ArchiveConfig points statement export at an S3 bucket.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// ThrottleConfig shapes submission throttling.
type ThrottleConfig struct {
	Mode          string  `yaml:"mode" json:"mode"` // "none" | "local" | "redis"
	PerSecond     float64 `yaml:"per_second,omitempty" json:"per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty" json:"burst,omitempty"`
	RedisAddr     string  `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string  `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       int     `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

// NetworkConfig carries the per-network records the daemon cannot learn from
// the gateway itself, chiefly the factory disclosure.
type NetworkConfig struct {
	Factory FactoryRecord `yaml:"factory" json:"factory"`
}

// FactoryRecord is a pre-shared disclosed contract for the network's stream
// factory. The blob is the created-event payload as base64.
type FactoryRecord struct {
	Template string `yaml:"template" json:"template"`
	Contract string `yaml:"contract" json:"contract"`
	BlobB64  string `yaml:"blob_b64" json:"blob_b64"`
	Domain   string `yaml:"domain,omitempty" json:"domain,omitempty"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := validateSchema(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets operators override the deploy-sensitive keys via standard
// 12-factor env vars without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAYSTREAM_NETWORK"); v != "" {
		c.Network = v
	}
	if v := os.Getenv("PAYSTREAM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PAYSTREAM_GATEWAY_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("PAYSTREAM_GATEWAY_JWT_SECRET"); v != "" {
		c.Gateway.JWTSecret = v
	}
	if v := os.Getenv("PAYSTREAM_GATEWAY_PARTY"); v != "" {
		c.Gateway.Party = v
	}
	if v := os.Getenv("PAYSTREAM_RECEIPTS_DRIVER"); v != "" {
		c.Receipts.Driver = v
	}
	if v := os.Getenv("PAYSTREAM_RECEIPTS_DSN"); v != "" {
		c.Receipts.DSN = v
	}
	if v := os.Getenv("PAYSTREAM_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("PAYSTREAM_THROTTLE_REDIS_ADDR"); v != "" {
		c.Throttle.RedisAddr = v
	}
	if v := os.Getenv("PAYSTREAM_BILLING_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.Billing.IntervalMs = ms
		}
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.Gateway.SubmitTimeoutMs <= 0 {
		c.Gateway.SubmitTimeoutMs = 30000
	}
	if c.Gateway.ReadyPollMs <= 0 {
		c.Gateway.ReadyPollMs = 2000
	}
	if c.Gateway.ReadyTimeoutMs <= 0 {
		c.Gateway.ReadyTimeoutMs = 120000
	}
	if c.Billing.IntervalMs <= 0 {
		c.Billing.IntervalMs = 30000
	}
	if c.Billing.Retry == (retry.Policy{}) {
		c.Billing.Retry = retry.DefaultPolicy()
	}
	if c.Receipts.Driver == "" {
		c.Receipts.Driver = "memory"
	}
	if c.Throttle.Mode == "" {
		c.Throttle.Mode = "none"
	}
	if c.Throttle.Mode != "none" {
		if c.Throttle.PerSecond <= 0 {
			c.Throttle.PerSecond = 10
		}
		if c.Throttle.Burst <= 0 {
			c.Throttle.Burst = 20
		}
	}
}

// validate covers the cross-field rules the schema cannot express.
func (c *Config) validate() error {
	switch c.Receipts.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Receipts.DSN == "" {
			return fmt.Errorf("config: receipts driver %q requires a dsn", c.Receipts.Driver)
		}
	}
	if c.Throttle.Mode == "redis" && c.Throttle.RedisAddr == "" {
		return fmt.Errorf("config: throttle mode redis requires redis_addr")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive enabled without a bucket")
	}
	if c.Network != "" {
		if _, ok := c.Networks[c.Network]; len(c.Networks) > 0 && !ok {
			return fmt.Errorf("config: network %q has no networks entry", c.Network)
		}
	}
	return nil
}

// ThrottlePolicy converts the throttle section for pkg/throttle.
func (c *Config) ThrottlePolicy() throttle.Policy {
	return throttle.Policy{PerSecond: c.Throttle.PerSecond, Burst: c.Throttle.Burst}
}

// FactoryBundle decodes the selected network's factory disclosure.
func (c *Config) FactoryBundle() (string, disclosure.Bundle, error) {
	net, ok := c.Networks[c.Network]
	if !ok {
		return "", disclosure.Bundle{}, fmt.Errorf("config: no factory record for network %q", c.Network)
	}
	blob, err := base64.StdEncoding.DecodeString(net.Factory.BlobB64)
	if err != nil {
		return "", disclosure.Bundle{}, fmt.Errorf("config: factory blob for %q is not base64: %w", c.Network, err)
	}
	return c.Network, disclosure.Bundle{
		Template: ledger.TemplateID(net.Factory.Template),
		Contract: ledger.ContractID(net.Factory.Contract),
		Blob:     blob,
		Domain:   ledger.DomainID(net.Factory.Domain),
	}, nil
}

package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/config"
)

var factoryBlobB64 = base64.StdEncoding.EncodeToString([]byte(`{"operator":"op::devnet"}`))

var minimalYAML = `
network: devnet
gateway:
  base_url: http://localhost:7575
  party: processor::alpha
networks:
  devnet:
    factory:
      template: "pkg:mod:StreamFactory"
      contract: "factory-devnet"
      blob_b64: "` + factoryBlobB64 + `"
      domain: "devnet::domain"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paystream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoad_Defaults verifies that a minimal document boots with safe
// defaults filled in.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, int64(30000), cfg.Gateway.SubmitTimeoutMs)
	assert.Equal(t, int64(2000), cfg.Gateway.ReadyPollMs)
	assert.Equal(t, int64(120000), cfg.Gateway.ReadyTimeoutMs)
	assert.Equal(t, int64(30000), cfg.Billing.IntervalMs)
	assert.Equal(t, 5, cfg.Billing.Retry.MaxAttempts)
	assert.Equal(t, "memory", cfg.Receipts.Driver)
	assert.Equal(t, "none", cfg.Throttle.Mode)
}

// TestLoad_EnvOverrides verifies ops can override deploy-sensitive keys via
// standard 12-factor env vars.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAYSTREAM_GATEWAY_URL", "http://gateway.internal:7575")
	t.Setenv("PAYSTREAM_GATEWAY_JWT_SECRET", "prod-secret")
	t.Setenv("PAYSTREAM_LOG_LEVEL", "DEBUG")
	t.Setenv("PAYSTREAM_RECEIPTS_DRIVER", "sqlite")
	t.Setenv("PAYSTREAM_RECEIPTS_DSN", "/var/lib/paystream/receipts.db")
	t.Setenv("PAYSTREAM_BILLING_INTERVAL_MS", "5000")

	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://gateway.internal:7575", cfg.Gateway.BaseURL)
	assert.Equal(t, "prod-secret", cfg.Gateway.JWTSecret)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Receipts.Driver)
	assert.Equal(t, "/var/lib/paystream/receipts.db", cfg.Receipts.DSN)
	assert.Equal(t, int64(5000), cfg.Billing.IntervalMs)
}

func TestLoad_SchemaRejectsBadDriver(t *testing.T) {
	bad := minimalYAML + `
receipts:
  driver: dynamodb
  dsn: whatever
`
	_, err := config.Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestLoad_MissingGatewayURL(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
network: devnet
gateway:
  party: processor::alpha
networks:
  devnet:
    factory:
      template: "pkg:mod:StreamFactory"
      contract: "factory-devnet"
      blob_b64: ""
`))
	require.Error(t, err)
}

func TestLoad_CrossFieldRules(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "sqlite needs dsn",
			body: minimalYAML + "\nreceipts:\n  driver: sqlite\n",
			want: "requires a dsn",
		},
		{
			name: "redis throttle needs addr",
			body: minimalYAML + "\nthrottle:\n  mode: redis\n",
			want: "requires redis_addr",
		},
		{
			name: "archive needs bucket",
			body: minimalYAML + "\narchive:\n  enabled: true\n",
			want: "without a bucket",
		},
		{
			name: "unknown network",
			body: `
network: mainnet
gateway:
  base_url: http://localhost:7575
  party: processor::alpha
networks:
  devnet:
    factory:
      template: "pkg:mod:StreamFactory"
      contract: "factory-devnet"
      blob_b64: ""
`,
			want: "no networks entry",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFactoryBundle(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	network, bundle, err := cfg.FactoryBundle()
	require.NoError(t, err)
	assert.Equal(t, "devnet", network)
	assert.Equal(t, "factory-devnet", string(bundle.Contract))
	assert.Equal(t, `{"operator":"op::devnet"}`, string(bundle.Blob))
	assert.Equal(t, "devnet::domain", string(bundle.Domain))
}

func TestFactoryBundle_BadBase64(t *testing.T) {
	body := `
network: devnet
gateway:
  base_url: http://localhost:7575
  party: processor::alpha
networks:
  devnet:
    factory:
      template: "pkg:mod:StreamFactory"
      contract: "factory-devnet"
      blob_b64: "%%% not base64 %%%"
`
	cfg, err := config.Load(writeConfig(t, body))
	require.NoError(t, err)

	_, _, err = cfg.FactoryBundle()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not base64")
}

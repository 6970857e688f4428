package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/txflow/internal/queue"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, LedgerSimulated, cfg.Ledger.Kind)
	assert.Equal(t, queue.ShortCircuit, cfg.Policy())
	assert.Equal(t, 30*time.Second, cfg.TransactionOptions().ReadTimeout)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "txflow.yaml", `
log:
  level: debug
  format: text
ledger:
  kind: neo
  rpc_url: http://localhost:20332
  network_magic: 894710606
  permission_contract: "0x1234"
  contracts:
    asset: "0xabcd"
engine:
  read_timeout: 5s
  inclusion_timeout: 1m
  failure_policy: continue-independent
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, LedgerNeo, cfg.Ledger.Kind)
	assert.Equal(t, uint32(894710606), cfg.Ledger.NetworkMagic)
	assert.Equal(t, "0xabcd", cfg.Ledger.Contracts["asset"])
	assert.Equal(t, 5*time.Second, cfg.Engine.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.TransactionOptions().InclusionTimeout)
	assert.Equal(t, queue.ContinueIndependent, cfg.Policy())
	// untouched sections keep their defaults
	assert.Equal(t, "txflow", cfg.Metrics.Namespace)
	assert.Equal(t, 20.0, cfg.Ledger.RateLimit)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "txflow.yaml", "engine:\n  read_timeout: 5s\n")

	t.Setenv("TXFLOW_READ_TIMEOUT", "9s")
	t.Setenv("TXFLOW_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.Engine.ReadTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "ledger: [")
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := writeFile(t, dir, "invalid.yaml", "ledger:\n  kind: neo\n")
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "rpc_url")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown ledger", func(c *Config) { c.Ledger.Kind = "eth" }, "unknown kind"},
		{"bad rpc url", func(c *Config) {
			c.Ledger.Kind = LedgerNeo
			c.Ledger.RPCURL = "not a url"
			c.Ledger.NetworkMagic = 1
		}, "invalid rpc_url"},
		{"missing magic", func(c *Config) {
			c.Ledger.Kind = LedgerNeo
			c.Ledger.RPCURL = "http://localhost:20332"
		}, "network_magic"},
		{"zero read timeout", func(c *Config) { c.Engine.ReadTimeout = 0 }, "read_timeout"},
		{"bad policy", func(c *Config) { c.Engine.FailurePolicy = "retry" }, "unknown failure policy"},
		{"empty namespace", func(c *Config) { c.Metrics.Namespace = " " }, "namespace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "test.env", "TXFLOW_TEST_ENV_VALUE=from-file\n")
	t.Setenv("TXFLOW_TEST_ENV_VALUE", "")
	os.Unsetenv("TXFLOW_TEST_ENV_VALUE")

	require.NoError(t, LoadEnvFile(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "from-file", os.Getenv("TXFLOW_TEST_ENV_VALUE"))
}

func TestSignerKey(t *testing.T) {
	cfg := Default()
	cfg.Signer.KeyEnv = "TXFLOW_TEST_SIGNER_KEY"

	t.Setenv("TXFLOW_TEST_SIGNER_KEY", "")
	_, err := cfg.SignerKey()
	assert.Error(t, err)

	t.Setenv("TXFLOW_TEST_SIGNER_KEY", " L1abc ")
	key, err := cfg.SignerKey()
	require.NoError(t, err)
	assert.Equal(t, "L1abc", key)
}

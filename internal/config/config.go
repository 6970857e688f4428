// Package config loads the txflow configuration: a YAML file, an optional
// .env file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/txflow/internal/logging"
	"github.com/R3E-Network/txflow/internal/queue"
	"github.com/R3E-Network/txflow/internal/transaction"
)

// Ledger kinds.
const (
	LedgerNeo       = "neo"
	LedgerSimulated = "simulated"
)

// DefaultPath is where Load looks when no path is given.
var DefaultPath = filepath.Join("config", "txflow.yaml")

// Config is the complete daemon configuration.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Ledger  LedgerConfig   `yaml:"ledger"`
	Engine  EngineConfig   `yaml:"engine"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Signer  SignerConfig   `yaml:"signer"`
}

// LedgerConfig selects and configures the ledger adapter.
type LedgerConfig struct {
	Kind               string        `yaml:"kind" env:"TXFLOW_LEDGER"`
	RPCURL             string        `yaml:"rpc_url" env:"TXFLOW_RPC_URL"`
	NetworkMagic       uint32        `yaml:"network_magic" env:"TXFLOW_NETWORK_MAGIC"`
	RateLimit          float64       `yaml:"rate_limit" env:"TXFLOW_RPC_RATE_LIMIT"`
	Burst              int           `yaml:"burst" env:"TXFLOW_RPC_BURST"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"TXFLOW_POLL_INTERVAL"`
	PermissionContract string        `yaml:"permission_contract" env:"TXFLOW_PERMISSION_CONTRACT"`
	// Contracts maps module names used in call references to contract
	// script hashes.
	Contracts map[string]string `yaml:"contracts"`
	// ValidUntilBlocks is how many blocks a built transaction stays valid.
	ValidUntilBlocks uint32 `yaml:"valid_until_blocks" env:"TXFLOW_VALID_UNTIL_BLOCKS"`
}

// EngineConfig bounds transaction execution.
type EngineConfig struct {
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"TXFLOW_READ_TIMEOUT"`
	InclusionTimeout time.Duration `yaml:"inclusion_timeout" env:"TXFLOW_INCLUSION_TIMEOUT"`
	FailurePolicy    string        `yaml:"failure_policy" env:"TXFLOW_FAILURE_POLICY"`
	EventBuffer      int           `yaml:"event_buffer" env:"TXFLOW_EVENT_BUFFER"`
}

// MetricsConfig configures the daemon HTTP listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"TXFLOW_LISTEN_ADDR"`
	Namespace  string `yaml:"namespace" env:"TXFLOW_METRICS_NAMESPACE"`
}

// SignerConfig names where the signing key comes from. Key material is
// only ever read from the environment.
type SignerConfig struct {
	// KeyEnv is the environment variable holding a WIF or hex private key.
	KeyEnv string `yaml:"key_env" env:"TXFLOW_SIGNER_KEY_ENV"`
	// Account names the simulated signer.
	Account string `yaml:"account" env:"TXFLOW_SIGNER_ACCOUNT"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "json"},
		Ledger: LedgerConfig{
			Kind:             LedgerSimulated,
			RateLimit:        20,
			Burst:            5,
			PollInterval:     time.Second,
			ValidUntilBlocks: 100,
			Contracts:        map[string]string{},
		},
		Engine: EngineConfig{
			ReadTimeout:      transaction.DefaultReadTimeout,
			InclusionTimeout: transaction.DefaultInclusionTimeout,
			FailurePolicy:    queue.ShortCircuit.String(),
			EventBuffer:      1000,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9100",
			Namespace:  "txflow",
		},
		Signer: SignerConfig{
			KeyEnv:  "TXFLOW_SIGNER_KEY",
			Account: "operator",
		},
	}
}

// Load reads the configuration at path on top of the defaults, then
// applies environment overrides. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	if err := LoadEnvFile(); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads DefaultPath, falling back to the defaults (with
// environment overrides) when the file does not exist.
func LoadOrDefault() (*Config, error) {
	if _, err := os.Stat(DefaultPath); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(DefaultPath)
}

// LoadEnvFile loads the given .env files, or ".env" when none are given.
// Missing files are ignored; variables already set are kept.
func LoadEnvFile(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Ledger.Kind {
	case LedgerSimulated:
	case LedgerNeo:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger: rpc_url is required for %s", LedgerNeo)
		}
		u, err := url.Parse(c.Ledger.RPCURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("ledger: invalid rpc_url %q", c.Ledger.RPCURL)
		}
		if c.Ledger.NetworkMagic == 0 {
			return fmt.Errorf("ledger: network_magic is required for %s", LedgerNeo)
		}
		if c.Signer.KeyEnv == "" {
			return fmt.Errorf("signer: key_env is required for %s", LedgerNeo)
		}
	default:
		return fmt.Errorf("ledger: unknown kind %q", c.Ledger.Kind)
	}
	if c.Ledger.RateLimit < 0 {
		return fmt.Errorf("ledger: rate_limit must not be negative")
	}
	if c.Engine.ReadTimeout <= 0 {
		return fmt.Errorf("engine: read_timeout must be positive")
	}
	if c.Engine.InclusionTimeout <= 0 {
		return fmt.Errorf("engine: inclusion_timeout must be positive")
	}
	if _, err := queue.ParsePolicy(c.Engine.FailurePolicy); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if strings.TrimSpace(c.Metrics.Namespace) == "" {
		return fmt.Errorf("metrics: namespace is required")
	}
	return nil
}

// TransactionOptions returns the engine timeouts as transaction options.
func (c *Config) TransactionOptions() transaction.Options {
	return transaction.Options{
		ReadTimeout:      c.Engine.ReadTimeout,
		InclusionTimeout: c.Engine.InclusionTimeout,
	}
}

// Policy returns the configured failure policy.
func (c *Config) Policy() queue.Policy {
	p, _ := queue.ParsePolicy(c.Engine.FailurePolicy)
	return p
}

// SignerKey returns the private key held in the signer's environment
// variable.
func (c *Config) SignerKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.Signer.KeyEnv))
	if key == "" {
		return "", fmt.Errorf("signer: environment variable %s is empty", c.Signer.KeyEnv)
	}
	return key, nil
}

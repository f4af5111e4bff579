package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/lockstore"
	"github.com/drachma/drachma-bridge/internal/proof"
)

type Config struct {
	Env      string `mapstructure:"DRM_ENV"`
	LogLevel string `mapstructure:"DRM_LOG_LEVEL"`
	HTTPAddr string `mapstructure:"DRM_HTTP_ADDR"`
	NodeID   string `mapstructure:"DRM_NODE_ID"`

	Store    StoreConfig    `mapstructure:",squash"`
	Gossip   GossipConfig   `mapstructure:",squash"`
	Bridge   BridgeConfig   `mapstructure:",squash"`
	Relayer  RelayerConfig  `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`

	// Chains is assembled from DRM_CHAINS and the per-chain keys.
	Chains []ChainSpec `mapstructure:"-"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"DRM_STORE_BACKEND"`
	Path        string `mapstructure:"DRM_STORE_PATH"`
	RedisURL    string `mapstructure:"DRM_REDIS_URL"`
	PostgresDSN string `mapstructure:"DRM_POSTGRES_DSN"`
}

type GossipConfig struct {
	Backend string `mapstructure:"DRM_GOSSIP_BACKEND"` // "memory", "redis"
}

type BridgeConfig struct {
	NodeKey      string `mapstructure:"DRM_NODE_KEY"`      // hex secp256k1 scalar
	NodeKeyFile  string `mapstructure:"DRM_NODE_KEY_FILE"` // file holding the hex key
	StrictRefund bool   `mapstructure:"DRM_STRICT_REFUND"`
}

type RelayerConfig struct {
	PollInterval time.Duration `mapstructure:"DRM_RELAYER_POLL_INTERVAL"`
	MaxBackoff   time.Duration `mapstructure:"DRM_RELAYER_MAX_BACKOFF"`
	StopTimeout  time.Duration `mapstructure:"DRM_RELAYER_STOP_TIMEOUT"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"DRM_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"DRM_CORS_ALLOWED_ORIGINS"`
}

// ChainSpec is a chain registered at startup.
type ChainSpec struct {
	Name   string
	Config bridge.ChainConfig
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("DRM_ENV", "dev")
	v.SetDefault("DRM_LOG_LEVEL", "")
	v.SetDefault("DRM_HTTP_ADDR", ":8080")
	v.SetDefault("DRM_NODE_ID", hostname())
	v.SetDefault("DRM_STORE_BACKEND", string(lockstore.BackendFile))
	v.SetDefault("DRM_STORE_PATH", "./data/locks")
	v.SetDefault("DRM_REDIS_URL", "")
	v.SetDefault("DRM_POSTGRES_DSN", "")
	v.SetDefault("DRM_GOSSIP_BACKEND", "memory")
	v.SetDefault("DRM_NODE_KEY", "")
	v.SetDefault("DRM_NODE_KEY_FILE", "")
	v.SetDefault("DRM_STRICT_REFUND", false)
	v.SetDefault("DRM_RELAYER_POLL_INTERVAL", "5s")
	v.SetDefault("DRM_RELAYER_MAX_BACKOFF", "2m")
	v.SetDefault("DRM_RELAYER_STOP_TIMEOUT", "5s")
	v.SetDefault("DRM_RATE_LIMIT_RPM", 120)
	v.SetDefault("DRM_CORS_ALLOWED_ORIGINS", "http://localhost:3000")

	// Handle array parsing for comma-separated values
	if origins := v.GetString("DRM_CORS_ALLOWED_ORIGINS"); origins != "" {
		v.Set("DRM_CORS_ALLOWED_ORIGINS", splitList(origins))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	chains, err := loadChains(v)
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// loadChains reads DRM_CHAINS=bitcoin,litecoin and, per chain,
// DRM_CHAIN_<NAME>_RPC, _FAMILY, _POLICY and _POLL_INTERVAL.
func loadChains(v *viper.Viper) ([]ChainSpec, error) {
	names := splitList(v.GetString("DRM_CHAINS"))
	specs := make([]ChainSpec, 0, len(names))
	seen := make(map[string]struct{}, len(names))

	for _, name := range names {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("chain %q listed twice in DRM_CHAINS", name)
		}
		seen[name] = struct{}{}

		prefix := "DRM_CHAIN_" + envKey(name) + "_"
		cfg := bridge.ChainConfig{
			RPCEndpoint: strings.TrimSpace(v.GetString(prefix + "RPC")),
			Family:      strings.ToLower(strings.TrimSpace(v.GetString(prefix + "FAMILY"))),
			ProofPolicy: strings.ToLower(strings.TrimSpace(v.GetString(prefix + "POLICY"))),
		}
		if raw := strings.TrimSpace(v.GetString(prefix + "POLL_INTERVAL")); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%sPOLL_INTERVAL: %w", prefix, err)
			}
			cfg.PollInterval = d
		}
		specs = append(specs, ChainSpec{Name: name, Config: cfg})
	}
	return specs, nil
}

func (c *Config) validate() error {
	switch lockstore.Backend(c.Store.Backend) {
	case lockstore.BackendFile, lockstore.BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("DRM_STORE_PATH is required for the %s store", c.Store.Backend)
		}
	case lockstore.BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("DRM_REDIS_URL is required for the redis store")
		}
	case lockstore.BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("DRM_POSTGRES_DSN is required for the postgres store")
		}
	case lockstore.BackendMemory:
		if c.IsProd() {
			return fmt.Errorf("the memory store is not durable and cannot be used in prod")
		}
	default:
		return fmt.Errorf("invalid DRM_STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Gossip.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("DRM_REDIS_URL is required for redis gossip")
		}
	default:
		return fmt.Errorf("invalid DRM_GOSSIP_BACKEND %q (must be memory or redis)", c.Gossip.Backend)
	}

	if c.Relayer.PollInterval <= 0 {
		return fmt.Errorf("DRM_RELAYER_POLL_INTERVAL must be positive")
	}

	for _, spec := range c.Chains {
		if _, err := proof.ForPolicy(spec.Config.ProofPolicy, spec.Config.Family, proof.NewHeaderTracker()); err != nil {
			return fmt.Errorf("chain %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// LockStore returns the lock store settings.
func (c *Config) LockStore() lockstore.Config {
	return lockstore.Config{
		Backend:     lockstore.Backend(c.Store.Backend),
		Path:        c.Store.Path,
		RedisURL:    c.Store.RedisURL,
		PostgresDSN: c.Store.PostgresDSN,
	}
}

// NodeKeyBytes returns the configured node signing key, preferring the
// inline value over the key file. It returns nil when neither is set.
func (c *Config) NodeKeyBytes() ([]byte, error) {
	raw := c.Bridge.NodeKey
	if raw == "" && c.Bridge.NodeKeyFile != "" {
		data, err := os.ReadFile(c.Bridge.NodeKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read node key file: %w", err)
		}
		raw = string(data)
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode node key: %w", err)
	}
	return key, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envKey maps a chain name to the fragment used in its env keys.
func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "drachma-bridge"
}

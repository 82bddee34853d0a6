package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/chainrelay/internal/constants"
	"github.com/0xmhha/chainrelay/pkg/broker"
	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/0xmhha/chainrelay/pkg/listener"
	"github.com/0xmhha/chainrelay/pkg/reconnect"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Log       LogConfig       `yaml:"log"`
	Listener  ListenerConfig  `yaml:"listener"`
	Broker    BrokerConfig    `yaml:"broker"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Ops       OpsConfig       `yaml:"ops"`
}

// RPCConfig holds chain RPC client configuration
type RPCConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ContractConfig is one watched contract
type ContractConfig struct {
	Address string `yaml:"address"`
	// ABI selects a bundled ABI: governor, erc20 or community
	ABI string `yaml:"abi"`
	// Contest tags every event from this contract with a contest address
	Contest string `yaml:"contest,omitempty"`
}

// ListenerConfig holds chain listener configuration
type ListenerConfig struct {
	ChainLabel   string           `yaml:"chain_label"`
	Network      string           `yaml:"network"`
	Contracts    []ContractConfig `yaml:"contracts"`
	StartBlock   uint64           `yaml:"start_block"`
	PageSize     uint64           `yaml:"page_size"`
	SampleBlocks int              `yaml:"sample_blocks"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	SkipCatchup  bool             `yaml:"skip_catchup"`
	// RPCRateLimit paces log queries in requests per second; zero disables pacing
	RPCRateLimit float64 `yaml:"rpc_rate_limit"`
}

// ManagementConfig holds broker management API configuration
type ManagementConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// BrokerConfig holds message broker configuration
type BrokerConfig struct {
	URI            string           `yaml:"uri"`
	Service        string           `yaml:"service"`
	PurgeOnStartup bool             `yaml:"purge_on_startup"`
	PublishTimeout time.Duration    `yaml:"publish_timeout"`
	Prefetch       int              `yaml:"prefetch"`
	ReconnectDelay time.Duration    `yaml:"reconnect_delay"`
	Management     ManagementConfig `yaml:"management"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	PoolSize  int      `yaml:"pool_size"`
}

// PebbleConfig holds local progress database configuration
type PebbleConfig struct {
	Path string `yaml:"path"`
	// CacheSize is the block cache size in MB
	CacheSize int `yaml:"cache_size"`
}

// ReconnectConfig selects where listener progress is kept
type ReconnectConfig struct {
	// Backend is one of none, memory, redis, pebble
	Backend string       `yaml:"backend"`
	Redis   RedisConfig  `yaml:"redis"`
	Pebble  PebbleConfig `yaml:"pebble"`
}

// DedupeConfig holds consumer idempotence configuration
type DedupeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is memory or redis. Redis reuses reconnect.redis.
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// OpsConfig holds the metrics and health server configuration
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field with its default
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}
	if c.RPC.BreakerFailures == 0 {
		c.RPC.BreakerFailures = constants.DefaultBreakerFailures
	}
	if c.RPC.BreakerCooldown == 0 {
		c.RPC.BreakerCooldown = constants.DefaultBreakerCooldown
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Listener.ChainLabel == "" {
		c.Listener.ChainLabel = constants.DefaultChainLabel
	}
	if c.Listener.Network == "" {
		c.Listener.Network = constants.DefaultNetwork
	}
	if c.Listener.PageSize == 0 {
		c.Listener.PageSize = listener.DefaultPageSize
	}
	if c.Listener.SampleBlocks == 0 {
		c.Listener.SampleBlocks = listener.DefaultSampleBlocks
	}
	if c.Listener.PollInterval == 0 {
		c.Listener.PollInterval = listener.DefaultPollInterval
	}

	if c.Broker.URI == "" {
		c.Broker.URI = constants.DefaultBrokerURI
	}
	if c.Broker.Service == "" {
		c.Broker.Service = constants.DefaultService
	}
	if c.Broker.PublishTimeout == 0 {
		c.Broker.PublishTimeout = broker.DefaultPublishTimeout
	}
	if c.Broker.ReconnectDelay == 0 {
		c.Broker.ReconnectDelay = broker.DefaultReconnectDelay
	}
	if c.Broker.Management.VHost == "" {
		c.Broker.Management.VHost = constants.DefaultManagementVHost
	}

	if c.Reconnect.Backend == "" {
		c.Reconnect.Backend = constants.ReconnectBackendMemory
	}
	if c.Reconnect.Redis.KeyPrefix == "" {
		c.Reconnect.Redis.KeyPrefix = reconnect.DefaultKeyPrefix
	}
	if c.Reconnect.Pebble.Path == "" {
		c.Reconnect.Pebble.Path = constants.DefaultPebblePath
	}
	if c.Reconnect.Pebble.CacheSize == 0 {
		c.Reconnect.Pebble.CacheSize = constants.DefaultPebbleCacheSize
	}

	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = constants.ReconnectBackendMemory
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = constants.DefaultDedupeTTL
	}

	if c.Ops.Listen == "" {
		c.Ops.Listen = constants.DefaultOpsListen
	}
}

// LoadFromEnv overrides configuration from RELAY_* environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(constants.EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	parse := func(name string, apply func(string) error) {
		if v := os.Getenv(constants.EnvPrefix + name); v != "" {
			if err := apply(v); err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", constants.EnvPrefix, name, err))
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		parse(name, func(v string) (err error) {
			*dst, err = time.ParseDuration(v)
			return err
		})
	}
	boolean := func(name string, dst *bool) {
		parse(name, func(v string) (err error) {
			*dst, err = strconv.ParseBool(v)
			return err
		})
	}

	// RPC configuration
	str("RPC_ENDPOINT", &c.RPC.Endpoint)
	duration("RPC_TIMEOUT", &c.RPC.Timeout)

	// Log configuration
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	// Listener configuration
	str("CHAIN_LABEL", &c.Listener.ChainLabel)
	str("NETWORK", &c.Listener.Network)
	parse("START_BLOCK", func(v string) (err error) {
		c.Listener.StartBlock, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	parse("PAGE_SIZE", func(v string) (err error) {
		c.Listener.PageSize, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	duration("POLL_INTERVAL", &c.Listener.PollInterval)
	boolean("SKIP_CATCHUP", &c.Listener.SkipCatchup)
	parse("RPC_RATE_LIMIT", func(v string) (err error) {
		c.Listener.RPCRateLimit, err = strconv.ParseFloat(v, 64)
		return err
	})

	// Broker configuration
	str("BROKER_URI", &c.Broker.URI)
	str("SERVICE", &c.Broker.Service)
	boolean("PURGE_ON_STARTUP", &c.Broker.PurgeOnStartup)
	duration("PUBLISH_TIMEOUT", &c.Broker.PublishTimeout)
	parse("PREFETCH", func(v string) (err error) {
		c.Broker.Prefetch, err = strconv.Atoi(v)
		return err
	})
	str("MANAGEMENT_URL", &c.Broker.Management.URL)
	str("MANAGEMENT_USERNAME", &c.Broker.Management.Username)
	str("MANAGEMENT_PASSWORD", &c.Broker.Management.Password)

	// Reconnect configuration
	str("RECONNECT_BACKEND", &c.Reconnect.Backend)
	parse("REDIS_ADDRESSES", func(v string) error {
		addrs := make([]string, 0)
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				addrs = append(addrs, addr)
			}
		}
		c.Reconnect.Redis.Addresses = addrs
		return nil
	})
	str("REDIS_PASSWORD", &c.Reconnect.Redis.Password)
	parse("REDIS_DB", func(v string) (err error) {
		c.Reconnect.Redis.DB, err = strconv.Atoi(v)
		return err
	})
	str("PEBBLE_PATH", &c.Reconnect.Pebble.Path)

	// Dedupe configuration
	boolean("DEDUPE_ENABLED", &c.Dedupe.Enabled)
	str("DEDUPE_BACKEND", &c.Dedupe.Backend)
	duration("DEDUPE_TTL", &c.Dedupe.TTL)

	// Ops configuration
	boolean("OPS_ENABLED", &c.Ops.Enabled)
	str("OPS_LISTEN", &c.Ops.Listen)

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// IsRelayer reports whether the process runs the listener pipeline
func (c *Config) IsRelayer() bool {
	return broker.Service(c.Broker.Service) == broker.ServiceRelayer
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if _, ok := broker.DefaultTopology().Services[broker.Service(c.Broker.Service)]; !ok {
		return fmt.Errorf("unknown service %q", c.Broker.Service)
	}
	if c.Broker.URI == "" {
		return fmt.Errorf("broker URI is required")
	}
	if c.Broker.PublishTimeout <= 0 {
		return fmt.Errorf("broker publish timeout must be positive")
	}
	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("broker prefetch cannot be negative")
	}

	if c.IsRelayer() {
		if err := c.validateListener(); err != nil {
			return err
		}
	}

	switch c.Reconnect.Backend {
	case constants.ReconnectBackendNone, constants.ReconnectBackendMemory:
	case constants.ReconnectBackendRedis:
		if len(c.Reconnect.Redis.Addresses) == 0 {
			return fmt.Errorf("redis reconnect backend selected but no addresses configured")
		}
	case constants.ReconnectBackendPebble:
		if c.Reconnect.Pebble.Path == "" {
			return fmt.Errorf("pebble reconnect backend selected but no path configured")
		}
	default:
		return fmt.Errorf("invalid reconnect backend %q, must be one of: none, memory, redis, pebble", c.Reconnect.Backend)
	}

	if c.Dedupe.Enabled {
		switch c.Dedupe.Backend {
		case constants.ReconnectBackendMemory:
		case constants.ReconnectBackendRedis:
			if len(c.Reconnect.Redis.Addresses) == 0 {
				return fmt.Errorf("redis dedupe backend selected but no addresses configured")
			}
		default:
			return fmt.Errorf("invalid dedupe backend %q, must be one of: memory, redis", c.Dedupe.Backend)
		}
		if c.Dedupe.TTL <= 0 {
			return fmt.Errorf("dedupe TTL must be positive")
		}
	}

	if c.Ops.Enabled && c.Ops.Listen == "" {
		return fmt.Errorf("ops listen address is required when ops is enabled")
	}

	return nil
}

func (c *Config) validateListener() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.Listener.ChainLabel == "" {
		return fmt.Errorf("chain label is required")
	}
	if _, err := events.ParseNetwork(c.Listener.Network); err != nil {
		return err
	}
	if len(c.Listener.Contracts) == 0 {
		return fmt.Errorf("at least one contract is required")
	}
	if _, err := c.Listener.Sources(); err != nil {
		return err
	}
	if c.Listener.PageSize == 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Listener.RPCRateLimit < 0 {
		return fmt.Errorf("RPC rate limit cannot be negative")
	}
	return nil
}

// Sources converts the configured contracts into listener sources
func (l *ListenerConfig) Sources() ([]chain.Source, error) {
	sources := make([]chain.Source, 0, len(l.Contracts))
	for i, cc := range l.Contracts {
		if !common.IsHexAddress(cc.Address) {
			return nil, fmt.Errorf("contract %d: invalid address %q", i, cc.Address)
		}
		ct, err := chain.ParseContractType(cc.ABI)
		if err != nil {
			return nil, fmt.Errorf("contract %d: %w", i, err)
		}
		if cc.Contest != "" && !common.IsHexAddress(cc.Contest) {
			return nil, fmt.Errorf("contract %d: invalid contest address %q", i, cc.Contest)
		}
		sources = append(sources, chain.Source{
			Address:  common.HexToAddress(cc.Address),
			Contract: ct,
			Contest:  cc.Contest,
		})
	}
	return sources, nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

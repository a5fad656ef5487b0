package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"
)

// Config is the engine's static configuration. Position state is never
// configured here; it lives in the lending pool.
type Config struct {
	// Chain and network settings
	ChainID     uint64 `json:"chain_id" yaml:"chain_id"`
	RPCEndpoint string `json:"rpc_endpoint" yaml:"rpc_endpoint"`

	// Collaborator contracts
	PoolAddress       string `json:"pool_address" yaml:"pool_address"`
	AggregatorAddress string `json:"aggregator_address" yaml:"aggregator_address"`
	SequencerFeed     string `json:"sequencer_feed,omitempty" yaml:"sequencer_feed,omitempty"`

	// Engine identities. ReceiverAddress is the deployed flash-loan
	// receiver contract that runs the callback on-chain; without it
	// only read-only commands can execute.
	OwnerAddress    string `json:"owner_address" yaml:"owner_address"`
	ReceiverAddress string `json:"receiver_address,omitempty" yaml:"receiver_address,omitempty"`

	// Price feeds: token address -> feed address
	Feeds map[string]FeedConfig `json:"feeds" yaml:"feeds"`

	// Sizing and execution parameters
	SlippageBufferBps    uint16        `json:"slippage_buffer_bps" yaml:"slippage_buffer_bps"`
	MaxFeedAge           time.Duration `json:"max_feed_age" yaml:"max_feed_age"`
	SequencerGracePeriod time.Duration `json:"sequencer_grace_period" yaml:"sequencer_grace_period"`
	GasLimit             uint64        `json:"gas_limit" yaml:"gas_limit"`

	// RPC rate limiting
	RPCRateLimit RateLimitConfig `json:"rpc_rate_limit" yaml:"rpc_rate_limit"`

	// Observability
	PrometheusEnabled  bool   `json:"prometheus_enabled" yaml:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint" yaml:"prometheus_endpoint"`

	// Internal components
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// FeedConfig is one price feed registration.
type FeedConfig struct {
	Feed   string        `json:"feed" yaml:"feed"`
	MaxAge time.Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	if r.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	return nil
}

func validAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

func (c *Config) ValidateConfig() error {
	var errors []string

	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if c.RPCEndpoint == "" {
		errors = append(errors, "rpc_endpoint must be specified")
	}
	if !validAddress(c.PoolAddress) {
		errors = append(errors, "pool_address must be a non-zero address")
	}
	if !validAddress(c.AggregatorAddress) {
		errors = append(errors, "aggregator_address must be a non-zero address")
	}
	if !validAddress(c.OwnerAddress) {
		errors = append(errors, "owner_address must be a non-zero address")
	}
	if c.SequencerFeed != "" && !validAddress(c.SequencerFeed) {
		errors = append(errors, "sequencer_feed must be a valid address when set")
	}
	if c.ReceiverAddress != "" && !validAddress(c.ReceiverAddress) {
		errors = append(errors, "receiver_address must be a valid address when set")
	}
	if c.SlippageBufferBps >= 10000 {
		errors = append(errors, "slippage_buffer_bps must be below 10000")
	}
	if c.MaxFeedAge <= 0 {
		errors = append(errors, "max_feed_age must be positive")
	}
	for token, feed := range c.Feeds {
		if !validAddress(token) || !validAddress(feed.Feed) {
			errors = append(errors, fmt.Sprintf("feed entry %s invalid", token))
		}
	}
	if err := c.RPCRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("RPC rate limit error: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

// LoadConfig reads a JSON or YAML config file, chosen by extension.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".levbot.json")
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(cfgFile)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	config.Logger = logger

	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes the config as indented JSON.
func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(home, ".levbot.json")
	}

	file, err := os.Create(cfgFile)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	return encoder.Encode(cfg)
}

// DefaultConfig returns a config with sane execution parameters and a
// no-op logger. Addresses must still be filled in.
func DefaultConfig() *Config {
	return &Config{
		Logger:               zap.NewNop(),
		ChainID:              1,
		RPCEndpoint:          "http://localhost:8545",
		Feeds:                map[string]FeedConfig{},
		SlippageBufferBps:    500, // 5%
		MaxFeedAge:           time.Hour,
		SequencerGracePeriod: time.Hour,
		GasLimit:             1_200_000,
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			BurstSize:         100,
			WaitTimeout:       time.Second,
		},
		PrometheusEnabled:  false,
		PrometheusEndpoint: "",
	}
}

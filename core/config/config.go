package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"
)

// Chain index defaults. Overridden from TOML or flags at program startup.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultDBPath        = "epochsync-db"
	DefaultLogLevel      = "info"
)

// Config is the on-disk configuration for epochsyncd.
type Config struct {
	DBPath        string   `toml:"db_path"`
	Peer          string   `toml:"peer"`
	NetworkMagic  uint32   `toml:"network_magic"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval Duration `toml:"flush_interval"`
	LogLevel      string   `toml:"log_level"`
	MetricsAddr   string   `toml:"metrics_addr"`
}

// Duration is a time.Duration that decodes from strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a mainnet configuration with the chain index defaults.
func Default() Config {
	return Config{
		DBPath:        DefaultDBPath,
		NetworkMagic:  MainnetMagic,
		BatchSize:     DefaultBatchSize,
		FlushInterval: Duration{DefaultFlushInterval},
		LogLevel:      DefaultLogLevel,
	}
}

// Load reads path as TOML over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = DefaultDBPath
	}
	if c.NetworkMagic == 0 {
		c.NetworkMagic = MainnetMagic
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval.Duration == 0 {
		c.FlushInterval = Duration{DefaultFlushInterval}
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks that c can be used to open the chain index and dial a peer.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config missing db_path")
	}
	if _, err := NetworkByMagic(c.NetworkMagic); err != nil {
		return err
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.FlushInterval.Duration < 0 {
		return fmt.Errorf("flush_interval must not be negative, got %s", c.FlushInterval)
	}
	if c.Peer != "" {
		if _, err := ma.NewMultiaddr(c.Peer); err != nil {
			return fmt.Errorf("peer %q is not a multiaddr: %w", c.Peer, err)
		}
	}
	return nil
}

// Network returns the network table entry selected by NetworkMagic.
func (c Config) Network() (Network, error) {
	return NetworkByMagic(c.NetworkMagic)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("config: bad built-in hex %q: %v", s, err))
	}
	return b
}

func mustHex32(s string) [32]byte {
	var out [32]byte
	b := mustHex(s)
	if len(b) != len(out) {
		panic(fmt.Sprintf("config: built-in nonce %q is %d bytes", s, len(b)))
	}
	copy(out[:], b)
	return out
}

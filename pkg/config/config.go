// Package config loads node settings from defaults, an optional TOML file and STORAGECORE_*
// environment variables, in that order, and converts them into the per-package configs.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/bandwidth"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/cache"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/coordinator"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/network"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/reward"
)

// EnvPrefix prefixes every environment override, e.g. STORAGECORE_TRANSFER_CHUNK_SIZE
const EnvPrefix = "STORAGECORE"

// ErrInvalidConfig is returned for settings that cannot be used
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that reads and writes strings such as "30s"
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

// Std returns the duration as a time.Duration
func (dur Duration) Std() time.Duration {
	return time.Duration(dur)
}

// Config is the full node configuration
type Config struct {
	LogLevel string `toml:"log_level" split_words:"true"`

	Network     NetworkConfig     `toml:"network"`
	Transfer    TransferConfig    `toml:"transfer"`
	Bandwidth   BandwidthConfig   `toml:"bandwidth"`
	Cache       CacheConfig       `toml:"cache"`
	Compression CompressionConfig `toml:"compression"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Retry       RetryConfig       `toml:"retry"`
	Peers       PeersConfig       `toml:"peers"`
	Replication ReplicationConfig `toml:"replication"`
	Reward      RewardConfig      `toml:"reward"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

type NetworkConfig struct {
	ListenAddrs    []string `toml:"listen_addrs" split_words:"true"`
	Bootstrap      []string `toml:"bootstrap"`
	EnableDHT      bool     `toml:"enable_dht" split_words:"true"`
	DHTServer      bool     `toml:"dht_server" split_words:"true"`
	Topic          string   `toml:"topic"`
	MaxMessageSize int      `toml:"max_message_size" split_words:"true"`
}

type TransferConfig struct {
	ChunkSize              int      `toml:"chunk_size" split_words:"true"`
	MaxConcurrentTransfers int      `toml:"max_concurrent_transfers" split_words:"true"`
	ChunkTimeout           Duration `toml:"chunk_timeout" split_words:"true"`
	TransferTimeout        Duration `toml:"transfer_timeout" split_words:"true"`
}

// BandwidthConfig caps are bytes per second, 0 means unlimited
type BandwidthConfig struct {
	MaxUpload       uint64   `toml:"max_upload" split_words:"true"`
	MaxDownload     uint64   `toml:"max_download" split_words:"true"`
	RefreshInterval Duration `toml:"refresh_interval" split_words:"true"`
}

type CacheConfig struct {
	MaxChunks         int      `toml:"max_chunks" split_words:"true"`
	MaxBytes          uint64   `toml:"max_bytes" split_words:"true"`
	DefaultExpiration Duration `toml:"default_expiration" split_words:"true"`
	CleanupInterval   Duration `toml:"cleanup_interval" split_words:"true"`
	LRU               bool     `toml:"lru"`
	Dedup             bool     `toml:"dedup"`
}

type CompressionConfig struct {
	Enabled   bool              `toml:"enabled"`
	Algorithm chunk.Compression `toml:"algorithm"`
	Level     int               `toml:"level"`
	MinSize   int               `toml:"min_size" split_words:"true"`
}

type EncryptionConfig struct {
	Enabled   bool             `toml:"enabled"`
	Algorithm chunk.Encryption `toml:"algorithm"`
	// Key is the hex-encoded 32-byte object key
	Key string `toml:"key"`
}

type RetryConfig struct {
	MaxAttempts  int      `toml:"max_attempts" split_words:"true"`
	InitialDelay Duration `toml:"initial_delay" split_words:"true"`
	MaxDelay     Duration `toml:"max_delay" split_words:"true"`
	Multiplier   float64  `toml:"multiplier"`
	Jitter       float64  `toml:"jitter"`
}

type PeersConfig struct {
	UpdateInterval  Duration `toml:"update_interval" split_words:"true"`
	Timeout         Duration `toml:"timeout"`
	MaxPeers        int      `toml:"max_peers" split_words:"true"`
	StorageCapacity uint64   `toml:"storage_capacity" split_words:"true"`
}

type ReplicationConfig struct {
	RequiredCopies int      `toml:"required_copies" split_words:"true"`
	GeoSpread      bool     `toml:"geo_spread" split_words:"true"`
	HealInterval   Duration `toml:"heal_interval" split_words:"true"`
	Freshness      Duration `toml:"freshness"`
}

type RewardConfig struct {
	BaseRatePerGiBHour   uint64  `toml:"base_rate_per_gib_hour" split_words:"true"`
	RedundancyMultiplier float64 `toml:"redundancy_multiplier" split_words:"true"`
	PricePerGiB          uint64  `toml:"price_per_gib" split_words:"true"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics and /stats; empty disables it
	ListenAddr string `toml:"listen_addr" split_words:"true"`
}

// Default returns the settings a node runs with when nothing is configured
func Default() Config {
	return Config{
		LogLevel: "info",
		Network: NetworkConfig{
			ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/4001", "/ip6/::/tcp/4001"},
			EnableDHT:      true,
			DHTServer:      true,
			Topic:          network.DefaultTopic,
			MaxMessageSize: network.DefaultMaxMessageSize,
		},
		Transfer: TransferConfig{
			ChunkSize:              2 * 1024 * 1024,
			MaxConcurrentTransfers: 10,
			ChunkTimeout:           Duration(30 * time.Second),
			TransferTimeout:        Duration(time.Hour),
		},
		Bandwidth: BandwidthConfig{
			RefreshInterval: Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			MaxChunks:         1000,
			MaxBytes:          10 * reward.GiB,
			DefaultExpiration: Duration(time.Hour),
			CleanupInterval:   Duration(time.Minute),
			LRU:               true,
			Dedup:             true,
		},
		Compression: CompressionConfig{
			Enabled:   true,
			Algorithm: chunk.CompressionLZ4,
			Level:     chunk.DefaultLevel,
			MinSize:   1024,
		},
		Encryption: EncryptionConfig{
			Algorithm: chunk.EncryptionAES256GCM,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(60 * time.Second),
			Multiplier:   2.0,
			Jitter:       0.1,
		},
		Peers: PeersConfig{
			UpdateInterval: Duration(30 * time.Second),
			Timeout:        Duration(300 * time.Second),
		},
		Replication: ReplicationConfig{
			RequiredCopies: 2,
			HealInterval:   Duration(60 * time.Second),
			Freshness:      Duration(300 * time.Second),
		},
		Reward: RewardConfig{
			BaseRatePerGiBHour:   reward.DefaultPolicy().BaseRatePerGiBHour,
			RedundancyMultiplier: reward.DefaultPolicy().RedundancyMultiplier,
			PricePerGiB:          reward.DefaultPricePerGiB,
		},
	}
}

// Load reads defaults, then the TOML file at path if path is not empty, then the environment,
// and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("%w: failed to read %s: %v", ErrInvalidConfig, path, err)
		}
		if err := checkUndecoded(md); err != nil {
			return Config{}, err
		}
	}
	return finish(cfg)
}

// LoadReader is Load with the TOML document read from r
func LoadReader(r io.Reader) (Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	return finish(cfg)
}

func checkUndecoded(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}
	return nil
}

func finish(cfg Config) (Config, error) {
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write encodes cfg as TOML
func (c Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate reports every unusable setting at once
func (c Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	for _, addr := range c.Network.ListenAddrs {
		_, err := ma.NewMultiaddr(addr)
		check(err == nil, "network.listen_addrs: %q is not a multiaddr", addr)
	}
	for _, addr := range c.Network.Bootstrap {
		_, err := ma.NewMultiaddr(addr)
		check(err == nil, "network.bootstrap: %q is not a multiaddr", addr)
	}
	check(c.Network.MaxMessageSize > c.Transfer.ChunkSize, "network.max_message_size must exceed transfer.chunk_size")

	check(c.Transfer.ChunkSize > 0, "transfer.chunk_size must be positive")
	check(c.Transfer.MaxConcurrentTransfers > 0, "transfer.max_concurrent_transfers must be positive")
	check(c.Transfer.ChunkTimeout > 0, "transfer.chunk_timeout must be positive")
	check(c.Transfer.TransferTimeout >= c.Transfer.ChunkTimeout, "transfer.transfer_timeout must not be shorter than chunk_timeout")
	check(c.Bandwidth.RefreshInterval > 0, "bandwidth.refresh_interval must be positive")

	check(c.Cache.MaxChunks >= 0, "cache.max_chunks must not be negative")
	check(c.Cache.DefaultExpiration >= 0, "cache.default_expiration must not be negative")
	check(c.Cache.CleanupInterval > 0, "cache.cleanup_interval must be positive")

	if c.Compression.Enabled {
		check(c.Compression.Algorithm != chunk.CompressionNone, "compression.algorithm must be set when compression is enabled")
		check(c.Compression.Level >= 0 && c.Compression.Level <= 9, "compression.level must be within 0-9")
		check(c.Compression.MinSize >= 0, "compression.min_size must not be negative")
	}
	if c.Encryption.Enabled {
		check(c.Encryption.Algorithm != chunk.EncryptionNone, "encryption.algorithm must be set when encryption is enabled")
		_, err := c.encryptionKey()
		check(err == nil, "encryption.key: %v", err)
	}

	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.InitialDelay > 0, "retry.initial_delay must be positive")
	check(c.Retry.MaxDelay >= c.Retry.InitialDelay, "retry.max_delay must not be shorter than initial_delay")
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be within 0-1")

	check(c.Peers.UpdateInterval > 0, "peers.update_interval must be positive")
	check(c.Peers.Timeout > c.Peers.UpdateInterval, "peers.timeout must exceed update_interval")
	check(c.Peers.MaxPeers >= 0, "peers.max_peers must not be negative")

	check(c.Replication.RequiredCopies >= 0 && c.Replication.RequiredCopies <= math.MaxUint8,
		"replication.required_copies must be within 0-%d", math.MaxUint8)
	check(c.Replication.HealInterval > 0, "replication.heal_interval must be positive")
	check(c.Replication.Freshness > 0, "replication.freshness must be positive")

	m := c.Reward.RedundancyMultiplier
	check(!math.IsNaN(m) && !math.IsInf(m, 0) && m >= 0, "reward.redundancy_multiplier must be a non-negative number")

	if errs != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	return nil
}

func (c Config) encryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("not hex: %v", err)
	}
	if len(key) != chunk.KeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", chunk.KeySize, len(key))
	}
	return key, nil
}

// CoordinatorConfig converts the settings the coordinator needs
func (c Config) CoordinatorConfig() (coordinator.Config, error) {
	out := coordinator.Config{
		ChunkSize:              c.Transfer.ChunkSize,
		MaxConcurrentTransfers: c.Transfer.MaxConcurrentTransfers,
		ChunkTimeout:           c.Transfer.ChunkTimeout.Std(),
		TransferTimeout:        c.Transfer.TransferTimeout.Std(),
		Bandwidth:              c.BandwidthConfig(),
		Cache:                  c.CacheConfig(),
		Retry: coordinator.RetryConfig{
			MaxAttempts: c.Retry.MaxAttempts,
			Initial:     c.Retry.InitialDelay.Std(),
			Max:         c.Retry.MaxDelay.Std(),
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
		},
		Chunk:              chunk.Options{Compression: chunk.CompressionNone},
		Dedup:              c.Cache.Dedup,
		PeerUpdateInterval: c.Peers.UpdateInterval.Std(),
		PeerTimeout:        c.Peers.Timeout.Std(),
		BandwidthRefresh:   c.Bandwidth.RefreshInterval.Std(),
		HealInterval:       c.Replication.HealInterval.Std(),
		Freshness:          c.Replication.Freshness.Std(),
		RequiredCopies:     c.Replication.RequiredCopies,
		StorageCapacity:    c.Peers.StorageCapacity,
		MaxPeers:           c.Peers.MaxPeers,
		Reward:             c.RewardPolicy(),
	}
	if c.Compression.Enabled {
		out.Chunk = chunk.Options{
			Compression: c.Compression.Algorithm,
			Level:       c.Compression.Level,
			MinSize:     c.Compression.MinSize,
		}
	}
	if c.Encryption.Enabled {
		key, err := c.encryptionKey()
		if err != nil {
			return coordinator.Config{}, fmt.Errorf("%w: encryption.key: %v", ErrInvalidConfig, err)
		}
		out.Encryption = c.Encryption.Algorithm
		out.EncryptionKey = key
	}
	return out, nil
}

// NetworkConfig converts the libp2p node settings
func (c Config) NetworkConfig() network.Config {
	return network.Config{
		ListenAddrs:    append([]string(nil), c.Network.ListenAddrs...),
		Bootstrap:      append([]string(nil), c.Network.Bootstrap...),
		EnableDHT:      c.Network.EnableDHT,
		DHTServer:      c.Network.DHTServer,
		Topic:          c.Network.Topic,
		MaxMessageSize: c.Network.MaxMessageSize,
	}
}

func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		MaxChunks:         c.Cache.MaxChunks,
		MaxBytes:          c.Cache.MaxBytes,
		DefaultExpiration: c.Cache.DefaultExpiration.Std(),
		CleanupInterval:   c.Cache.CleanupInterval.Std(),
		LRU:               c.Cache.LRU,
	}
}

func (c Config) BandwidthConfig() bandwidth.Config {
	return bandwidth.Config{MaxUpload: c.Bandwidth.MaxUpload, MaxDownload: c.Bandwidth.MaxDownload}
}

func (c Config) RewardPolicy() reward.Policy {
	return reward.Policy{
		BaseRatePerGiBHour:   c.Reward.BaseRatePerGiBHour,
		RedundancyMultiplier: c.Reward.RedundancyMultiplier,
	}
}

// RedundancyPolicy is the replica target as a pricing policy
func (c Config) RedundancyPolicy() reward.RedundancyPolicy {
	return reward.RedundancyPolicy{
		Copies:    uint8(c.Replication.RequiredCopies),
		GeoSpread: c.Replication.GeoSpread,
	}
}

// Package config loads keylink settings from YAML with KEYLINK_* environment
// overrides applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	Home      string
	Store     StoreConfig
	Transport TransportConfig
	Log       LogConfig
}

type StoreConfig struct {
	Path          string
	RPID          string
	UnlockTimeout time.Duration
	UnlockRate    float64 // attempts per second
	UnlockBurst   int
	KDFTime       uint32
	KDFMemoryKiB  uint32
	KDFThreads    uint8
	DataShards    int
	ParityShards  int
}

type TransportConfig struct {
	MaxPacketSize int
	SlowMode      bool
	ListenAddr    string
}

type LogConfig struct {
	Level  string
	Format string
}

// FileConfig mirrors the YAML document. Unset fields keep defaults.
type FileConfig struct {
	Store struct {
		Path          string        `yaml:"path"`
		RPID          string        `yaml:"rpID"`
		UnlockTimeout time.Duration `yaml:"unlockTimeout"`
		UnlockRate    float64       `yaml:"unlockRate"`
		UnlockBurst   int           `yaml:"unlockBurst"`
		KDF           struct {
			Time      uint32 `yaml:"time"`
			MemoryKiB uint32 `yaml:"memoryKiB"`
			Threads   uint8  `yaml:"threads"`
		} `yaml:"kdf"`
		Erasure struct {
			DataShards   int `yaml:"dataShards"`
			ParityShards int `yaml:"parityShards"`
		} `yaml:"erasure"`
	} `yaml:"store"`
	Transport struct {
		MaxPacketSize int    `yaml:"maxPacketSize"`
		SlowMode      *bool  `yaml:"slowMode"`
		ListenAddr    string `yaml:"listenAddr"`
	} `yaml:"transport"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) Config {
	return Config{
		Home: home,
		Store: StoreConfig{
			Path:          filepath.Join(home, "keystore.bin"),
			RPID:          "keylink.local",
			UnlockTimeout: 60 * time.Second,
			UnlockRate:    0.2,
			UnlockBurst:   5,
			KDFTime:       3,
			KDFMemoryKiB:  64 * 1024,
			KDFThreads:    4,
			DataShards:    4,
			ParityShards:  2,
		},
		Transport: TransportConfig{
			MaxPacketSize: 244,
			ListenAddr:    "127.0.0.1:4247",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (or home/config.yaml when path is empty), merges it over
// the defaults and applies environment overrides. A missing file is not an error.
func Load(home, path string) (Config, error) {
	cfg := Default(home)
	if path == "" {
		path = filepath.Join(home, "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
		Merge(&cfg, fc)
	}
	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src FileConfig) {
	if src.Store.Path != "" {
		dst.Store.Path = src.Store.Path
	}
	if src.Store.RPID != "" {
		dst.Store.RPID = src.Store.RPID
	}
	if src.Store.UnlockTimeout != 0 {
		dst.Store.UnlockTimeout = src.Store.UnlockTimeout
	}
	if src.Store.UnlockRate != 0 {
		dst.Store.UnlockRate = src.Store.UnlockRate
	}
	if src.Store.UnlockBurst != 0 {
		dst.Store.UnlockBurst = src.Store.UnlockBurst
	}
	if src.Store.KDF.Time != 0 {
		dst.Store.KDFTime = src.Store.KDF.Time
	}
	if src.Store.KDF.MemoryKiB != 0 {
		dst.Store.KDFMemoryKiB = src.Store.KDF.MemoryKiB
	}
	if src.Store.KDF.Threads != 0 {
		dst.Store.KDFThreads = src.Store.KDF.Threads
	}
	if src.Store.Erasure.DataShards != 0 {
		dst.Store.DataShards = src.Store.Erasure.DataShards
	}
	if src.Store.Erasure.ParityShards != 0 {
		dst.Store.ParityShards = src.Store.Erasure.ParityShards
	}
	if src.Transport.MaxPacketSize != 0 {
		dst.Transport.MaxPacketSize = src.Transport.MaxPacketSize
	}
	if src.Transport.SlowMode != nil {
		dst.Transport.SlowMode = *src.Transport.SlowMode
	}
	if src.Transport.ListenAddr != "" {
		dst.Transport.ListenAddr = src.Transport.ListenAddr
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("KEYLINK_STORE_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYLINK_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYLINK_LOG_FORMAT")); v != "" {
		cfg.Log.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYLINK_LISTEN_ADDR")); v != "" {
		cfg.Transport.ListenAddr = v
	}
	if raw := strings.TrimSpace(os.Getenv("KEYLINK_MAX_PACKET_SIZE")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Transport.MaxPacketSize = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("KEYLINK_SLOW_MODE")); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			cfg.Transport.SlowMode = b
		}
	}
	if raw := strings.TrimSpace(os.Getenv("KEYLINK_UNLOCK_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Store.UnlockTimeout = d
		}
	}
}

// Validate rejects settings that would weaken or break the stack.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("config: store path is empty")
	}
	if c.Store.KDFTime < 3 || c.Store.KDFMemoryKiB < 64*1024 || c.Store.KDFThreads == 0 {
		return errors.New("config: kdf parameters below minimum (time>=3, memory>=64MiB)")
	}
	if c.Store.UnlockTimeout <= 0 {
		return errors.New("config: unlock timeout must be positive")
	}
	if c.Store.DataShards <= 0 || c.Store.ParityShards <= 0 {
		return errors.New("config: erasure shard counts must be positive")
	}
	// A packet must fit the 42-byte overhead plus at least one plaintext byte.
	if c.Transport.MaxPacketSize < 43 {
		return fmt.Errorf("config: max packet size %d too small", c.Transport.MaxPacketSize)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/blockstor/internal/infra/storage"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills in defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Node.URL == "" {
		return nil, fmt.Errorf("node.url is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Node.Timeout == 0 {
		cfg.Node.Timeout = 30 * time.Second
	}

	if cfg.Peer.BulkThreshold == 0 {
		cfg.Peer.BulkThreshold = 100
	}
	if cfg.Peer.PollInterval == 0 {
		cfg.Peer.PollInterval = 10 * time.Millisecond
	}
	if cfg.Peer.FetchTimeout == 0 {
		cfg.Peer.FetchTimeout = 5 * time.Second
	}
	if cfg.Peer.InFlight == 0 {
		cfg.Peer.InFlight = 50
	}
	if cfg.Peer.GetDataBatch == 0 {
		cfg.Peer.GetDataBatch = 50
	}

	if cfg.Storage.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.DataDir = filepath.Join(home, ".blockstor", "blocks")
		} else {
			cfg.Storage.DataDir = filepath.Join(".blockstor", "blocks")
		}
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = time.Second
	}
	if cfg.Sync.MempoolWorkers == 0 {
		cfg.Sync.MempoolWorkers = 8
	}
	if cfg.Sync.ApplyWorkers == 0 {
		cfg.Sync.ApplyWorkers = 16
	}

	if cfg.Limits.ExternalConcurrency == 0 {
		cfg.Limits.ExternalConcurrency = 5
	}
	if cfg.Limits.RangeDefault == 0 {
		cfg.Limits.RangeDefault = storage.DefaultRangeLimit
	}
	if cfg.Limits.RangeMax == 0 {
		cfg.Limits.RangeMax = storage.MaxRangeLimit
	}
	if cfg.Limits.SearchMax == 0 {
		cfg.Limits.SearchMax = storage.MaxSearchResults
	}
	cfg.Storage.RangeLimit = cfg.Limits.RangeMax
	cfg.Storage.SearchLimit = cfg.Limits.SearchMax
}

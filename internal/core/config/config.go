package config

import (
	"time"

	redisclient "github.com/vietddude/blockstor/internal/infra/redis"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Network   string             `yaml:"network"` // mainnet, testnet3, regtest, signet, simnet
	Node      NodeConfig         `yaml:"node"`
	Peer      PeerConfig         `yaml:"peer"`
	Storage   leveldb.Config     `yaml:"storage"`
	Sync      SyncConfig         `yaml:"sync"`
	Limits    LimitsConfig       `yaml:"limits"`
	Consumers []string           `yaml:"consumers"`
	Redis     redisclient.Config `yaml:"redis"`
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// NodeConfig holds the full node's JSON-RPC endpoint.
type NodeConfig struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PeerConfig holds settings for the P2P block-fetch pipeline.
type PeerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ProtocolVersion uint32        `yaml:"protocol_version"`
	Magic           uint32        `yaml:"magic"`          // 0 = network default
	BulkThreshold   uint32        `yaml:"bulk_threshold"` // blocks behind before using the peer
	PollInterval    time.Duration `yaml:"poll_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	InFlight        int           `yaml:"in_flight"`
	GetDataBatch    int           `yaml:"getdata_batch"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Mempool        bool          `yaml:"mempool"`
	MempoolWorkers int           `yaml:"mempool_workers"`
	ApplyWorkers   int           `yaml:"apply_workers"`
}

// LimitsConfig holds limits on the consumer surface.
type LimitsConfig struct {
	ExternalConcurrency int `yaml:"external_concurrency"`
	RangeDefault        int `yaml:"range_default"`
	RangeMax            int `yaml:"range_max"`
	SearchMax           int `yaml:"search_max"`
}

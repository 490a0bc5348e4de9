// Package config loads process configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HOLDERS_"

// Ingestion modes.
const (
	ModeLive     = "live"
	ModeBackfill = "backfill"
	ModeReplay   = "replay"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full process configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Chain      ChainConfig      `yaml:"chain" envPrefix:"CHAIN_"`
	Ingestion  IngestionConfig  `yaml:"ingestion" envPrefix:"INGEST_"`
	Store      StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse" envPrefix:"CLICKHOUSE_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Report     ReportConfig     `yaml:"report" envPrefix:"REPORT_"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

// ChainConfig configures the JSON-RPC node connection.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url" env:"RPC_URL"`
	WSURL          string        `yaml:"ws_url" env:"WS_URL"`
	Token          string        `yaml:"token" env:"TOKEN"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout" env:"RPC_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BlockCacheSize int           `yaml:"block_cache_size" env:"BLOCK_CACHE_SIZE"`
	MaxBlockRange  uint64        `yaml:"max_block_range" env:"MAX_BLOCK_RANGE"`
}

// IngestionConfig configures the runner.
type IngestionConfig struct {
	Mode         string        `yaml:"mode" env:"MODE"`
	StartBlock   uint64        `yaml:"start_block" env:"START_BLOCK"`
	EndBlock     uint64        `yaml:"end_block" env:"END_BLOCK"` // 0 means latest - block_lag
	BatchBlocks  uint64        `yaml:"batch_blocks" env:"BATCH_BLOCKS"`
	BlockLag     uint64        `yaml:"block_lag" env:"BLOCK_LAG"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"` // head poll in live mode
	FixturePath  string        `yaml:"fixture_path" env:"FIXTURE_PATH"`
}

// StoreConfig selects and configures the ledger store.
type StoreConfig struct {
	Backend        string `yaml:"backend" env:"BACKEND"`
	PostgresDSN    string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	RedisAddr      string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword  string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB        int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	Migrate        bool   `yaml:"migrate" env:"MIGRATE"`
}

// ClickHouseConfig configures the optional analytics sink.
type ClickHouseConfig struct {
	DSN     string `yaml:"dsn" env:"DSN"` // empty disables the sink
	Migrate bool   `yaml:"migrate" env:"MIGRATE"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"` // empty disables the server
}

// ReportConfig configures the summary printed after replay.
type ReportConfig struct {
	Decimals int32 `yaml:"decimals" env:"DECIMALS"`
	TopN     int   `yaml:"top_n" env:"TOP_N"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Encoding: "json"},
		Chain: ChainConfig{
			RPCTimeout:     30 * time.Second,
			MaxRetries:     3,
			BlockCacheSize: 4096,
			MaxBlockRange:  2000,
		},
		Ingestion: IngestionConfig{
			Mode:         ModeLive,
			BatchBlocks:  10000,
			BlockLag:     12,
			PollInterval: 12 * time.Second,
		},
		Store: StoreConfig{
			Backend:        BackendPostgres,
			RedisKeyPrefix: "holders:",
			Migrate:        true,
		},
		ClickHouse: ClickHouseConfig{Migrate: true},
		Metrics:    MetricsConfig{Addr: ":9090"},
		Report:     ReportConfig{Decimals: 18, TopN: 10},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then HOLDERS_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// TokenAddress returns the configured token contract.
func (c *Config) TokenAddress() common.Address {
	return common.HexToAddress(c.Chain.Token)
}

// Validate checks the settings required by the selected mode and backend.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ingestion.Mode {
	case ModeLive, ModeBackfill:
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required"))
		}
		if !common.IsHexAddress(c.Chain.Token) {
			errs = append(errs, fmt.Errorf("chain.token %q is not a hex address", c.Chain.Token))
		}
		if c.Ingestion.Mode == ModeLive && c.Chain.WSURL == "" {
			errs = append(errs, errors.New("chain.ws_url is required in live mode"))
		}
	case ModeReplay:
		if c.Ingestion.FixturePath == "" {
			errs = append(errs, errors.New("ingestion.fixture_path is required in replay mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ingestion.mode %q", c.Ingestion.Mode))
	}

	if c.Ingestion.EndBlock != 0 && c.Ingestion.EndBlock < c.Ingestion.StartBlock {
		errs = append(errs, fmt.Errorf("ingestion.end_block %d is before start_block %d",
			c.Ingestion.EndBlock, c.Ingestion.StartBlock))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Report.Decimals < 0 || c.Report.Decimals > 77 {
		errs = append(errs, fmt.Errorf("report.decimals %d out of range", c.Report.Decimals))
	}

	return errors.Join(errs...)
}

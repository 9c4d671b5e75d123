// Package config loads and validates configuration for the rpmctl client and
// the contentd ingestion server from YAML files with environment-variable
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPageSize is the batch size used when paging content records.
const DefaultPageSize = 1000

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RPC        RPCConfig        `yaml:"rpc"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Upload     UploadConfig     `yaml:"upload"`
	Paging     PagingConfig     `yaml:"paging"`
	Remote     RemoteConfig     `yaml:"remote"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for contentd.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	MaxChunkBytes   int64         `yaml:"maxChunkBytes"`
	RateLimit       int           `yaml:"rateLimit"`
}

// RPCConfig holds the listen address of the content RPC service.
type RPCConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	UploadEvents string `yaml:"uploadEvents"`
	UnitFeed     string `yaml:"unitFeed"`
}

// RedisConfig holds Redis connection parameters and the session key prefix.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// FilesystemConfig holds local directories used by the client and server.
type FilesystemConfig struct {
	UploadWorkingDir string `yaml:"uploadWorkingDir"`
	IngestDataDir    string `yaml:"ingestDataDir"`
}

// UploadConfig controls how files are chunked and where session state lives.
type UploadConfig struct {
	ChunkSize   int    `yaml:"chunkSize"`
	ContentKind string `yaml:"contentKind"`
	Store       string `yaml:"store"`
	Parallelism int    `yaml:"parallelism"`
}

// PagingConfig controls record batching for bulk workflows.
type PagingConfig struct {
	PageSize int `yaml:"pageSize"`
}

// RemoteConfig describes how the client reaches the server.
type RemoteConfig struct {
	IngestionURL      string        `yaml:"ingestionUrl"`
	ContentRPCAddr    string        `yaml:"contentRpcAddr"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryInitialDelay time.Duration `yaml:"retryInitialDelay"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	BreakerReset      time.Duration `yaml:"breakerReset"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the paginator and upload manager cannot work with.
func (c *Config) Validate() error {
	if c.Upload.ChunkSize <= 0 {
		return apperrors.Configf("upload.chunkSize must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Paging.PageSize <= 0 {
		return apperrors.Configf("paging.pageSize must be positive, got %d", c.Paging.PageSize)
	}
	if c.Filesystem.UploadWorkingDir == "" {
		return apperrors.Configf("filesystem.uploadWorkingDir is required")
	}
	if c.Upload.ContentKind == "" || strings.ContainsAny(c.Upload.ContentKind, `/\`) {
		return apperrors.Configf("upload.contentKind %q is not a valid directory name", c.Upload.ContentKind)
	}
	switch c.Upload.Store {
	case "file", "redis":
	default:
		return apperrors.Configf("upload.store must be file or redis, got %q", c.Upload.Store)
	}
	return nil
}

// UploadWorkingDir resolves the per-content-kind working directory, expanding
// a leading "~".
func (c *Config) UploadWorkingDir() (string, error) {
	base, err := expandHome(c.Filesystem.UploadWorkingDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, c.Upload.ContentKind), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", apperrors.Configf("resolving home directory for %s: %v", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  60 * time.Second,
			MaxChunkBytes:   64 << 20,
		},
		RPC: RPCConfig{
			Addr: ":9100",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "content",
			User:            "content",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "rpmtransfer",
			Topics: KafkaTopics{
				UploadEvents: "upload-events",
				UnitFeed:     "unit-feed",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "upload",
		},
		Filesystem: FilesystemConfig{
			UploadWorkingDir: "~/.rpmtransfer/uploads",
			IngestDataDir:    "/var/lib/contentd/uploads",
		},
		Upload: UploadConfig{
			ChunkSize:   1 << 20,
			ContentKind: "rpm",
			Store:       "file",
			Parallelism: 2,
		},
		Paging: PagingConfig{
			PageSize: DefaultPageSize,
		},
		Remote: RemoteConfig{
			IngestionURL:      "http://localhost:8081",
			ContentRPCAddr:    "localhost:9100",
			RequestTimeout:    30 * time.Second,
			RetryAttempts:     3,
			RetryInitialDelay: 500 * time.Millisecond,
			BreakerThreshold:  5,
			BreakerReset:      30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads RT_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RT_RPC_ADDR"); v != "" {
		cfg.RPC.Addr = v
	}
	if v := os.Getenv("RT_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RT_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RT_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RT_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RT_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RT_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RT_UPLOAD_WORKING_DIR"); v != "" {
		cfg.Filesystem.UploadWorkingDir = v
	}
	if v := os.Getenv("RT_INGEST_DATA_DIR"); v != "" {
		cfg.Filesystem.IngestDataDir = v
	}
	if v := os.Getenv("RT_UPLOAD_CHUNK_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Upload.ChunkSize = size
		}
	}
	if v := os.Getenv("RT_UPLOAD_STORE"); v != "" {
		cfg.Upload.Store = v
	}
	if v := os.Getenv("RT_PAGING_PAGE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Paging.PageSize = size
		}
	}
	if v := os.Getenv("RT_REMOTE_INGESTION_URL"); v != "" {
		cfg.Remote.IngestionURL = v
	}
	if v := os.Getenv("RT_REMOTE_CONTENT_RPC_ADDR"); v != "" {
		cfg.Remote.ContentRPCAddr = v
	}
	if v := os.Getenv("RT_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RT_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

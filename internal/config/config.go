package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Storage     StorageConfig   `yaml:"storage"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Task        TaskConfig      `yaml:"task"`
	Upload      UploadConfig    `yaml:"upload"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Segment     SegmentConfig   `yaml:"segment"`
	Monitor     MonitorConfig   `yaml:"monitor"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Workers     WorkersConfig   `yaml:"workers"`
	MetricsAddr string          `yaml:"metrics_addr"`
	LogLevel    string          `yaml:"log_level"`

	// ShowProgress enables the terminal progress display for CLI runs
	ShowProgress bool `yaml:"show_progress"`
}

// StorageConfig selects and configures the blob store
type StorageConfig struct {
	// Driver is "minio" or "memory"
	Driver    string `yaml:"driver"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the shared rate-limit store. An empty Addr keeps
// rate-limit windows in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TaskConfig holds admission limits
type TaskConfig struct {
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
	MaxConcurrentSystem  int           `yaml:"max_concurrent_system"`
	CreateRateMax        int           `yaml:"create_rate_max"`
	CreateRateWindow     time.Duration `yaml:"create_rate_window"`
	MaxErrorDetails      int           `yaml:"max_error_details"`
}

// UploadConfig controls chunked uploads
type UploadConfig struct {
	SessionTTL   time.Duration `yaml:"session_ttl"`
	MaxChunkSize int64         `yaml:"max_chunk_size"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	PutRetries   int           `yaml:"put_retries"`
}

// PipelineConfig controls streaming record processing
type PipelineConfig struct {
	BufferSize    int     `yaml:"buffer_size"`
	Workers       int     `yaml:"workers"`
	ProgressEvery int64   `yaml:"progress_every"`
	MaxErrorRate  float64 `yaml:"max_error_rate"`
	MinSamples    int64   `yaml:"min_samples"`
}

// SegmentConfig controls segmented commits
type SegmentConfig struct {
	Size       int           `yaml:"size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// MonitorConfig controls resource sampling and alert thresholds
type MonitorConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
	IdleEviction   time.Duration `yaml:"idle_eviction"`
	CPUWarnPercent float64       `yaml:"cpu_warn_percent"`
	HeapWarnBytes  uint64        `yaml:"heap_warn_bytes"`
	MinThroughput  float64       `yaml:"min_throughput"`
}

// RateLimitConfig controls the request-rate gate
type RateLimitConfig struct {
	// FailOpen admits requests when the window store is unreachable
	FailOpen bool `yaml:"fail_open"`
}

// PoolConfig sizes one worker pool
type PoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// WorkersConfig sizes the pool of every concern
type WorkersConfig struct {
	Upload  PoolConfig `yaml:"upload"`
	Segment PoolConfig `yaml:"segment"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "minio",
			Bucket: "bulkflow",
		},
		Database: DatabaseConfig{Path: "./bulkflow.db"},
		Task: TaskConfig{
			MaxConcurrentPerUser: 2,
			MaxConcurrentSystem:  10,
			CreateRateWindow:     time.Minute,
			MaxErrorDetails:      1000,
		},
		Upload: UploadConfig{
			SessionTTL:   24 * time.Hour,
			MaxChunkSize: 67108864, // 64MB
			ReapInterval: time.Hour,
			PutRetries:   3,
		},
		Pipeline: PipelineConfig{
			BufferSize:    1000,
			ProgressEvery: 100,
			MinSamples:    100,
		},
		Segment: SegmentConfig{
			Size:       100,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Monitor: MonitorConfig{
			SampleInterval: 30 * time.Second,
			ReportInterval: 5 * time.Minute,
			IdleEviction:   time.Hour,
			CPUWarnPercent: 80,
			HeapWarnBytes:  2147483648, // 2GB
		},
		Workers: WorkersConfig{
			Upload:  PoolConfig{Workers: 4, QueueSize: 100},
			Segment: PoolConfig{Workers: 2, QueueSize: 100},
		},
		LogLevel:     "info",
		ShowProgress: true,
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("storage-driver") {
		cfg.Storage.Driver, _ = flags.GetString("storage-driver")
	}
	if flags.Changed("endpoint") {
		cfg.Storage.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("access-key") {
		cfg.Storage.AccessKey, _ = flags.GetString("access-key")
	}
	if flags.Changed("secret-key") {
		cfg.Storage.SecretKey, _ = flags.GetString("secret-key")
	}
	if flags.Changed("secure") {
		cfg.Storage.Secure, _ = flags.GetBool("secure")
	}
	if flags.Changed("bucket") {
		cfg.Storage.Bucket, _ = flags.GetString("bucket")
	}

	if flags.Changed("db") {
		cfg.Database.Path, _ = flags.GetString("db")
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr, _ = flags.GetString("redis-addr")
	}

	if flags.Changed("max-per-user") {
		cfg.Task.MaxConcurrentPerUser, _ = flags.GetInt("max-per-user")
	}
	if flags.Changed("max-system") {
		cfg.Task.MaxConcurrentSystem, _ = flags.GetInt("max-system")
	}

	if flags.Changed("buffer-size") {
		cfg.Pipeline.BufferSize, _ = flags.GetInt("buffer-size")
	}
	if flags.Changed("workers") {
		cfg.Pipeline.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("max-error-rate") {
		cfg.Pipeline.MaxErrorRate, _ = flags.GetFloat64("max-error-rate")
	}

	if flags.Changed("segment-size") {
		cfg.Segment.Size, _ = flags.GetInt("segment-size")
	}
	if flags.Changed("segment-timeout") {
		cfg.Segment.Timeout, _ = flags.GetDuration("segment-timeout")
	}
	if flags.Changed("segment-retries") {
		cfg.Segment.MaxRetries, _ = flags.GetInt("segment-retries")
	}

	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "minio":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required")
		}
		if c.Storage.AccessKey == "" {
			return fmt.Errorf("storage access key is required")
		}
		if c.Storage.SecretKey == "" {
			return fmt.Errorf("storage secret key is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Task.MaxConcurrentPerUser <= 0 {
		return fmt.Errorf("max concurrent tasks per user must be positive")
	}
	if c.Task.MaxConcurrentSystem < c.Task.MaxConcurrentPerUser {
		return fmt.Errorf("system task limit %d is below the per-user limit %d",
			c.Task.MaxConcurrentSystem, c.Task.MaxConcurrentPerUser)
	}

	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("upload session ttl must be positive")
	}
	if c.Upload.MaxChunkSize < 1024*1024 { // 1MB minimum
		return fmt.Errorf("max chunk size must be at least 1MB")
	}

	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline workers cannot be negative")
	}
	if c.Pipeline.MaxErrorRate < 0 || c.Pipeline.MaxErrorRate > 1 {
		return fmt.Errorf("max error rate must be between 0 and 1")
	}

	if c.Segment.Size <= 0 {
		return fmt.Errorf("segment size must be positive")
	}
	if c.Segment.Timeout <= 0 {
		return fmt.Errorf("segment timeout must be positive")
	}

	if c.Workers.Upload.Workers <= 0 || c.Workers.Segment.Workers <= 0 {
		return fmt.Errorf("worker pools need at least one worker")
	}

	return nil
}

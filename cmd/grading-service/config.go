package main

import (
	"fmt"
	"os"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/db"
	"leetlabs/internal/common/mq"
	"leetlabs/internal/common/storage"
	"leetlabs/internal/grading/performance"
	"leetlabs/internal/grading/service"
	"leetlabs/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// TopicConfig names the topics this service produces and consumes.
type TopicConfig struct {
	SubmissionPersisted string `yaml:"submissionPersisted"`
	DeadLetter          string `yaml:"deadLetter"`
}

// ConsumerConfig holds subscription settings.
type ConsumerConfig struct {
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
}

func (c ConsumerConfig) toSubscribeOptions(deadLetter string) mq.SubscribeOptions {
	return mq.SubscribeOptions{
		ConsumerGroup:   c.ConsumerGroup,
		Concurrency:     c.Concurrency,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		DeadLetterTopic: deadLetter,
	}
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	AuthHeader  string        `yaml:"authHeader"`
	AuthToken   string        `yaml:"authToken"`
	RetryBase   time.Duration `yaml:"retryBase"`
	RetryMax    time.Duration `yaml:"retryMax"`
	BreakerName string        `yaml:"breakerName"`
}

// GradingConfig holds grading pipeline settings.
type GradingConfig struct {
	SourceBucket        string                  `yaml:"sourceBucket"`
	SourceKeyPrefix     string                  `yaml:"sourceKeyPrefix"`
	MaxCodeBytes        int                     `yaml:"maxCodeBytes"`
	MaxCustomCases      int                     `yaml:"maxCustomCases"`
	MaxCustomInputBytes int                     `yaml:"maxCustomInputBytes"`
	TimeoutPerCase      time.Duration           `yaml:"timeoutPerCase"`
	OverallTimeout      time.Duration           `yaml:"overallTimeout"`
	IdempotencyTTL      time.Duration           `yaml:"idempotencyTTL"`
	ProblemCacheTTL     time.Duration           `yaml:"problemCacheTTL"`
	ProblemEmptyTTL     time.Duration           `yaml:"problemEmptyTTL"`
	SubmissionCacheTTL  time.Duration           `yaml:"submissionCacheTTL"`
	SubmissionEmptyTTL  time.Duration           `yaml:"submissionEmptyTTL"`
	RateLimit           service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts            service.TimeoutConfig   `yaml:"timeouts"`
}

// PerformanceConfig holds performance aggregator settings.
type PerformanceConfig struct {
	LockTTL      time.Duration  `yaml:"lockTTL"`
	LockWait     time.Duration  `yaml:"lockWait"`
	SnapshotTTL  time.Duration  `yaml:"snapshotTTL"`
	QueryTimeout time.Duration  `yaml:"queryTimeout"`
	Consumer     ConsumerConfig `yaml:"consumer"`
}

// AppConfig holds grading-service configuration.
type AppConfig struct {
	Server      ServerConfig        `yaml:"server"`
	Logger      logger.Config       `yaml:"logger"`
	Database    db.MySQLConfig      `yaml:"database"`
	Redis       cache.RedisConfig   `yaml:"redis"`
	Kafka       mq.KafkaConfig      `yaml:"kafka"`
	Topics      TopicConfig         `yaml:"topics"`
	MinIO       storage.MinIOConfig `yaml:"minio"`
	Engine      EngineConfig        `yaml:"engine"`
	Languages   map[string]string   `yaml:"languages"`
	Grading     GradingConfig       `yaml:"grading"`
	Performance PerformanceConfig   `yaml:"performance"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Engine.BaseURL == "" {
		return nil, fmt.Errorf("engine baseURL is required")
	}
	if len(cfg.Languages) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Topics.SubmissionPersisted == "" {
		cfg.Topics.SubmissionPersisted = performance.PersistedTopic
	}
	if cfg.Topics.DeadLetter == "" {
		cfg.Topics.DeadLetter = performance.PersistedTopic + ".dlq"
	}

	if cfg.Engine.AuthHeader == "" {
		cfg.Engine.AuthHeader = "X-Auth-Token"
	}

	if cfg.Grading.SourceBucket == "" {
		cfg.Grading.SourceBucket = cfg.MinIO.Bucket
	}
	if cfg.Grading.MaxCodeBytes == 0 {
		cfg.Grading.MaxCodeBytes = 64 * 1024
	}
	if cfg.Grading.MaxCustomCases == 0 {
		cfg.Grading.MaxCustomCases = 10
	}
	if cfg.Grading.MaxCustomInputBytes == 0 {
		cfg.Grading.MaxCustomInputBytes = 64 * 1024
	}
	if cfg.Grading.TimeoutPerCase == 0 {
		cfg.Grading.TimeoutPerCase = 2 * time.Second
	}
	if cfg.Grading.OverallTimeout == 0 {
		cfg.Grading.OverallTimeout = 30 * time.Second
	}
	if cfg.Grading.IdempotencyTTL == 0 {
		cfg.Grading.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Grading.ProblemCacheTTL == 0 {
		cfg.Grading.ProblemCacheTTL = time.Hour
	}
	if cfg.Grading.ProblemEmptyTTL == 0 {
		cfg.Grading.ProblemEmptyTTL = 5 * time.Minute
	}
	if cfg.Grading.SubmissionCacheTTL == 0 {
		cfg.Grading.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.Grading.SubmissionEmptyTTL == 0 {
		cfg.Grading.SubmissionEmptyTTL = 5 * time.Minute
	}
	if cfg.Grading.RateLimit.Window == 0 {
		cfg.Grading.RateLimit.Window = time.Minute
	}
	if cfg.Grading.RateLimit.UserMax == 0 {
		cfg.Grading.RateLimit.UserMax = 30
	}
	if cfg.Grading.RateLimit.IPMax == 0 {
		cfg.Grading.RateLimit.IPMax = 60
	}
	if cfg.Grading.Timeouts.DB == 0 {
		cfg.Grading.Timeouts.DB = 3 * time.Second
	}
	if cfg.Grading.Timeouts.Cache == 0 {
		cfg.Grading.Timeouts.Cache = time.Second
	}
	if cfg.Grading.Timeouts.MQ == 0 {
		cfg.Grading.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Grading.Timeouts.Storage == 0 {
		cfg.Grading.Timeouts.Storage = 5 * time.Second
	}

	if cfg.Performance.Consumer.Concurrency == 0 {
		cfg.Performance.Consumer.Concurrency = 4
	}
	return &cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

// Scheduler engines
const (
	SchedulerDB    = "db"
	SchedulerRedis = "redis"
)

// Queue backends
const (
	QueueRedis = "redis"
	QueueSQS   = "sqs"
)

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	// Database
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// Redis config
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Scheduler
	SchedulerType         string        `yaml:"scheduler_type"`
	SchedulerPollInterval time.Duration `yaml:"scheduler_poll_interval"`
	SchedulerTickInterval time.Duration `yaml:"scheduler_tick_interval"`

	// Delivery queue
	QueueBackend       string        `yaml:"queue_backend"`
	QueueStreamKey     string        `yaml:"queue_stream_key"`
	QueueConsumerGroup string        `yaml:"queue_consumer_group"`
	QueueConsumerName  string        `yaml:"queue_consumer_name"`
	QueueReclaimIdle   time.Duration `yaml:"queue_reclaim_idle"`
	SQSRegion          string        `yaml:"sqs_region"`
	SQSQueueURL        string        `yaml:"sqs_queue_url"`

	// AWS services
	AWSRegion         string `yaml:"aws_region"`
	SESFromEmail      string `yaml:"ses_from_email"`
	SNSRegion         string `yaml:"sns_region"`
	SNSEventsTopicARN string `yaml:"sns_events_topic_arn"`

	// Chat / webhook channels
	WebhookTimeout   int     `yaml:"webhook_timeout"` // seconds
	WebhookRPS       float64 `yaml:"webhook_rps"`
	TelegramBotToken string  `yaml:"telegram_bot_token"`

	// API requests per minute per caller, 0 disables the limiter
	APIRateLimit int `yaml:"api_rate_limit"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "gns-worker"
	}

	return &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "gns",
		DBName:    "gns",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		SchedulerType:         SchedulerDB,
		SchedulerPollInterval: 5 * time.Second,
		SchedulerTickInterval: time.Second,

		QueueBackend:       QueueRedis,
		QueueStreamKey:     "gns:notification:stream",
		QueueConsumerGroup: "gns-workers",
		QueueConsumerName:  host,
		QueueReclaimIdle:   5 * time.Minute,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@gns.local",

		WebhookTimeout: 30,
		WebhookRPS:     5,
		APIRateLimit:   100,
	}
}

// Load reads configuration. Precedence, lowest first: defaults, the YAML
// file named by GNS_CONFIG_FILE, a local .env file, process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("GNS_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown engine or backend names.
func (c *Config) Validate() error {
	switch c.SchedulerType {
	case SchedulerDB, SchedulerRedis:
	default:
		return fmt.Errorf("invalid SCHEDULER_TYPE %q: want %q or %q", c.SchedulerType, SchedulerDB, SchedulerRedis)
	}

	switch c.QueueBackend {
	case QueueRedis:
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when QUEUE_BACKEND=%s", QueueSQS)
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q: want %q or %q", c.QueueBackend, QueueRedis, QueueSQS)
	}

	if c.SchedulerPollInterval <= 0 || c.SchedulerTickInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}

	return nil
}

func (c *Config) applyEnv() error {
	if err := envInt("PORT", &c.Port); err != nil {
		return err
	}
	envString("LOG_LEVEL", &c.LogLevel)
	envString("ENV", &c.Env)

	envString("DB_HOST", &c.DBHost)
	if err := envInt("DB_PORT", &c.DBPort); err != nil {
		return err
	}
	envString("DB_USER", &c.DBUser)
	envString("DB_PASSWORD", &c.DBPassword)
	envString("DB_NAME", &c.DBName)
	envString("DB_SSLMODE", &c.DBSSLMode)

	envString("REDIS_HOST", &c.RedisHost)
	if err := envInt("REDIS_PORT", &c.RedisPort); err != nil {
		return err
	}
	envString("REDIS_PASSWORD", &c.RedisPassword)
	if err := envInt("REDIS_DB", &c.RedisDB); err != nil {
		return err
	}

	envString("SCHEDULER_TYPE", &c.SchedulerType)
	if err := envDuration("SCHEDULER_POLL_INTERVAL", &c.SchedulerPollInterval); err != nil {
		return err
	}
	if err := envDuration("SCHEDULER_TICK_INTERVAL", &c.SchedulerTickInterval); err != nil {
		return err
	}

	envString("QUEUE_BACKEND", &c.QueueBackend)
	envString("QUEUE_STREAM_KEY", &c.QueueStreamKey)
	envString("QUEUE_CONSUMER_GROUP", &c.QueueConsumerGroup)
	envString("QUEUE_CONSUMER_NAME", &c.QueueConsumerName)
	if err := envDuration("QUEUE_RECLAIM_IDLE", &c.QueueReclaimIdle); err != nil {
		return err
	}
	envString("SQS_REGION", &c.SQSRegion)
	envString("SQS_QUEUE_URL", &c.SQSQueueURL)

	envString("AWS_REGION", &c.AWSRegion)
	envString("SES_FROM_EMAIL", &c.SESFromEmail)
	envString("SNS_REGION", &c.SNSRegion)
	envString("SNS_EVENTS_TOPIC_ARN", &c.SNSEventsTopicARN)

	if err := envInt("WEBHOOK_TIMEOUT", &c.WebhookTimeout); err != nil {
		return err
	}
	if v := os.Getenv("WEBHOOK_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid WEBHOOK_RPS: %w", err)
		}
		c.WebhookRPS = f
	}
	envString("TELEGRAM_BOT_TOKEN", &c.TelegramBotToken)

	if err := envInt("API_RATE_LIMIT", &c.APIRateLimit); err != nil {
		return err
	}

	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store.
	URL         string `mapstructure:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type SASLConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Enabled           bool       `mapstructure:"enabled"`
	Brokers           []string   `mapstructure:"brokers"`
	Topic             string     `mapstructure:"topic"`
	ConsumerGroup     string     `mapstructure:"consumer_group"`
	ClientID          string     `mapstructure:"client_id"`
	DeadLetterTopic   string     `mapstructure:"dead_letter_topic"`
	CreateTopic       bool       `mapstructure:"create_topic"`
	Partitions        int32      `mapstructure:"partitions"`
	ReplicationFactor int16      `mapstructure:"replication_factor"`
	SASL              SASLConfig `mapstructure:"sasl"`
	TLS               bool       `mapstructure:"tls"`
}

// Active reports whether the stream path should be used.
func (k KafkaConfig) Active() bool {
	return k.Enabled && len(k.Brokers) > 0
}

type IngestConfig struct {
	PublishAttempts   int           `mapstructure:"publish_attempts"`
	PublishBackoff    time.Duration `mapstructure:"publish_backoff"`
	UnhealthyCooldown time.Duration `mapstructure:"unhealthy_cooldown"`
}

type WorkerConfig struct {
	// Embedded runs the stream worker inside the server process.
	Embedded        bool          `mapstructure:"embedded"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

type AppConfig struct {
	ServiceName string         `mapstructure:"service_name"`
	Env         string         `mapstructure:"env"`
	LogLevel    string         `mapstructure:"log_level"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Ingest      IngestConfig   `mapstructure:"ingest"`
	Worker      WorkerConfig   `mapstructure:"worker"`
}

// legacyEnv maps config keys to the bare variable names used by existing
// deployments.
var legacyEnv = map[string]string{
	"http.port":            "PORT",
	"database.url":         "DATABASE_URL",
	"redis.url":            "REDIS_URL",
	"kafka.enabled":        "KAFKA_ENABLED",
	"kafka.brokers":        "KAFKA_BROKERS",
	"kafka.topic":          "KAFKA_TRADES_TOPIC",
	"kafka.consumer_group": "KAFKA_GROUP_ID",
	"kafka.client_id":      "KAFKA_CLIENT_ID",
	"kafka.sasl.username":  "KAFKA_USERNAME",
	"kafka.sasl.password":  "KAFKA_PASSWORD",
	"kafka.tls":            "KAFKA_SSL",
}

// Load reads configuration. An empty path falls back to $LOTWISE_CONFIG,
// then config.yaml; a missing file is not an error.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	v.SetEnvPrefix("LOTWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, env := range legacyEnv {
		// Prefixed names win over bare ones.
		prefixed := "LOTWISE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path == "" {
		path = os.Getenv("LOTWISE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "lotwise-ledger")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "trades")
	v.SetDefault("kafka.consumer_group", "lotwise-fifo-worker")
	v.SetDefault("kafka.client_id", "lotwise-ledger")
	v.SetDefault("kafka.dead_letter_topic", "")
	v.SetDefault("kafka.create_topic", false)
	v.SetDefault("kafka.partitions", 6)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.sasl.username", "")
	v.SetDefault("kafka.sasl.password", "")
	v.SetDefault("kafka.tls", false)

	v.SetDefault("ingest.publish_attempts", 3)
	v.SetDefault("ingest.publish_backoff", "100ms")
	v.SetDefault("ingest.unhealthy_cooldown", "30s")

	v.SetDefault("worker.embedded", false)
	v.SetDefault("worker.retry_backoff", "200ms")
	v.SetDefault("worker.max_retry_backoff", "10s")
}

// splitList accepts brokers given either as a list or as one
// comma-separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *AppConfig) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.HTTP.Port)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic required when kafka is enabled")
	}
	if c.Ingest.PublishAttempts <= 0 {
		return fmt.Errorf("config: ingest.publish_attempts must be positive")
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 8080 || cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("http defaults: %+v", cfg.HTTP)
	}
	if cfg.Kafka.Active() {
		t.Error("kafka should be off by default")
	}
	if cfg.Kafka.Topic != "trades" || cfg.Ingest.PublishAttempts != 3 {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Kafka, cfg.Ingest)
	}
	if cfg.Ingest.UnhealthyCooldown != 30*time.Second {
		t.Errorf("cooldown = %v", cfg.Ingest.UnhealthyCooldown)
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("KAFKA_TRADES_TOPIC", "trades.v2")
	t.Setenv("KAFKA_SSL", "true")

	cfg, err := Load(missingFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("port = %d", cfg.HTTP.Port)
	}
	if cfg.Database.URL != "postgres://localhost/ledger" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if !cfg.Kafka.Active() || !cfg.Kafka.TLS || cfg.Kafka.Topic != "trades.v2" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b2:9092" {
		t.Errorf("brokers = %q", cfg.Kafka.Brokers)
	}
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOTWISE_HTTP_PORT", "7070")
	t.Setenv("LOTWISE_INGEST_PUBLISH_ATTEMPTS", "5")

	cfg, err := Load(missingFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.HTTP.Port)
	}
	if cfg.Ingest.PublishAttempts != 5 {
		t.Errorf("publish attempts = %d", cfg.Ingest.PublishAttempts)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
service_name: ledger-test
kafka:
  enabled: true
  brokers: ["k1:9092"]
  dead_letter_topic: trades.dlq
worker:
  embedded: true
  retry_backoff: 1s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "ledger-test" || !cfg.Worker.Embedded || cfg.Worker.RetryBackoff != time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Kafka.DeadLetterTopic != "trades.dlq" || !cfg.Kafka.Active() {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("LOTWISE_INGEST_PUBLISH_ATTEMPTS", "0")
	if _, err := Load(missingFile(t)); err == nil {
		t.Error("zero publish attempts should be rejected")
	}

	t.Setenv("LOTWISE_INGEST_PUBLISH_ATTEMPTS", "3")
	t.Setenv("PORT", "70000")
	if _, err := Load(missingFile(t)); err == nil {
		t.Error("out of range port should be rejected")
	}
}

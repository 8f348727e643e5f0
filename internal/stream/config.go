package stream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Config describes the Kafka cluster and topics used for trade delivery.
type Config struct {
	Brokers           []string
	Topic             string
	GroupID           string
	ClientID          string
	DeadLetterTopic   string
	Username          string
	Password          string
	TLS               bool
	Partitions        int32
	ReplicationFactor int16
}

// saramaConfig builds the client config shared by producer, consumer and
// admin connections.
func (c Config) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	cfg.Net.DialTimeout = 10 * time.Second

	if c.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = c.Username
		cfg.Net.SASL.Password = c.Password
	}
	if c.TLS {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic required")
	}
	return nil
}

// EnsureTopic creates the trades topic if it does not exist yet.
func EnsureTopic(c Config) error {
	if err := c.validate(); err != nil {
		return err
	}
	admin, err := sarama.NewClusterAdmin(c.Brokers, c.saramaConfig())
	if err != nil {
		return fmt.Errorf("create kafka admin: %w", err)
	}
	defer admin.Close()

	partitions := c.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := c.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	err = admin.CreateTopic(c.Topic, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	}, false)
	if err == nil || topicExists(err) {
		return nil
	}
	return fmt.Errorf("create topic %s: %w", c.Topic, err)
}

func topicExists(err error) bool {
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

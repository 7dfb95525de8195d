package kafka

import (
	"context"

	"github.com/syntor/fleetcore/pkg/models"
)

// MessageHandler handles one inbound envelope
type MessageHandler func(ctx context.Context, msg models.Message) error

// MessageBus abstracts the fleet message transport
type MessageBus interface {
	Publish(ctx context.Context, topic string, msg models.Message) error
	PublishWithKey(ctx context.Context, topic string, key string, msg models.Message) error

	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	SubscribeToMultiple(ctx context.Context, topics []string, handler MessageHandler) error

	Connect(ctx context.Context) error
	Close() error
	Health() models.HealthStatus
}

// TopicConfig holds configuration for topic creation
type TopicConfig struct {
	NumPartitions     int `yaml:"num_partitions" json:"num_partitions"`
	ReplicationFactor int `yaml:"replication_factor" json:"replication_factor"`
}

// ProducerConfig holds configuration for the writer
type ProducerConfig struct {
	Acks            string `yaml:"acks" json:"acks"` // "0", "1", "all"
	BatchSize       int    `yaml:"batch_size" json:"batch_size"`
	LingerMs        int    `yaml:"linger_ms" json:"linger_ms"`
	CompressionType string `yaml:"compression_type" json:"compression_type"` // none, gzip, snappy, lz4, zstd
}

// ConsumerConfig holds configuration for readers
type ConsumerConfig struct {
	GroupID         string `yaml:"group_id" json:"group_id"`
	AutoOffsetReset string `yaml:"auto_offset_reset" json:"auto_offset_reset"` // earliest, latest
}

// BusConfig holds complete Kafka configuration
type BusConfig struct {
	Brokers  []string       `yaml:"brokers" json:"brokers"`
	Producer ProducerConfig `yaml:"producer" json:"producer"`
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer"`
	Topics   TopicConfig    `yaml:"topics" json:"topics"`
}

// Fleet topic names
const (
	TopicTelemetry  = "fleet.telemetry"
	TopicMissions   = "fleet.missions"
	TopicProfiles   = "fleet.profiles"
	TopicSwarms     = "fleet.swarms"
	TopicCommands   = "fleet.commands"
	TopicDeadLetter = "fleet.dlq"
)

// InboundTopics are consumed by the fleet service
func InboundTopics() []string {
	return []string{TopicTelemetry, TopicMissions, TopicProfiles, TopicSwarms}
}

// FleetTopics is every topic the fleet service touches
func FleetTopics() []string {
	return append(InboundTopics(), TopicCommands, TopicDeadLetter)
}

// DefaultTopicConfig returns default topic configuration
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		NumPartitions:     6,
		ReplicationFactor: 1,
	}
}

// DefaultProducerConfig returns default producer configuration. Avoidance
// commands are latency sensitive, so batching is kept minimal.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Acks:            "all",
		BatchSize:       1,
		LingerMs:        0,
		CompressionType: "lz4",
	}
}

// DefaultConsumerConfig returns default consumer configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		GroupID:         "fleetd",
		AutoOffsetReset: "latest",
	}
}

// DefaultBusConfig returns a local single-broker configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Brokers:  []string{"localhost:9092"},
		Producer: DefaultProducerConfig(),
		Consumer: DefaultConsumerConfig(),
		Topics:   DefaultTopicConfig(),
	}
}

// ConnectionError represents a Kafka connection error
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return "kafka connection error: " + e.Message
}

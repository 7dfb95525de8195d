package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/models"
)

const (
	headerMessageType   = "message_type"
	headerSource        = "source"
	headerCorrelationID = "correlation_id"
	headerTimestamp     = "timestamp"
	headerError         = "error"
	headerOriginTopic   = "origin_topic"
)

// Client implements MessageBus on segmentio/kafka-go
type Client struct {
	config    BusConfig
	logger    logging.Logger
	writer    *kafka.Writer
	readers   map[string]*kafka.Reader
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool
	health    models.HealthStatus
}

// NewClient creates a new Kafka client
func NewClient(config BusConfig, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Client{
		config:  config,
		logger:  logger,
		readers: make(map[string]*kafka.Reader),
		health:  models.HealthUnknown,
	}
}

// Connect prepares the writer. Readers are created per subscription.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if len(c.config.Brokers) == 0 {
		return &ConnectionError{Message: "no brokers configured"}
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(c.config.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    c.config.Producer.BatchSize,
		BatchTimeout: time.Duration(c.config.Producer.LingerMs) * time.Millisecond,
		Compression:  compressionCodec(c.config.Producer.CompressionType),
		RequiredAcks: requiredAcks(c.config.Producer.Acks),
	}

	c.connected = true
	c.health = models.HealthHealthy
	c.logger.Info("kafka client connected", logging.Any("brokers", c.config.Brokers))
	return nil
}

// Publish sends a message keyed by its target, so messages for one agent
// stay ordered on one partition.
func (c *Client) Publish(ctx context.Context, topic string, msg models.Message) error {
	key := msg.Target
	if key == "" {
		key = msg.ID
	}
	return c.PublishWithKey(ctx, topic, key, msg)
}

// PublishWithKey sends a message to a topic with a specific key
func (c *Client) PublishWithKey(ctx context.Context, topic string, key string, msg models.Message) error {
	c.mu.RLock()
	writer, connected := c.writer, c.connected
	c.mu.RUnlock()
	if !connected {
		return &ConnectionError{Message: "client not connected"}
	}

	km, err := encodeMessage(topic, key, msg)
	if err != nil {
		return err
	}
	if err := writer.WriteMessages(ctx, km); err != nil {
		c.setHealth(models.HealthDegraded)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	c.setHealth(models.HealthHealthy)
	return nil
}

// Subscribe starts a consumer for topic
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return &ConnectionError{Message: "client not connected"}
	}
	if _, exists := c.readers[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        c.config.Consumer.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        250 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    startOffset(c.config.Consumer.AutoOffsetReset),
	})
	c.readers[topic] = reader

	c.wg.Add(1)
	go c.consumeMessages(topic, reader, handler)

	c.logger.Info("subscribed", logging.String("topic", topic), logging.String("group_id", c.config.Consumer.GroupID))
	return nil
}

// SubscribeToMultiple subscribes to multiple topics with the same handler
func (c *Client) SubscribeToMultiple(ctx context.Context, topics []string, handler MessageHandler) error {
	for _, topic := range topics {
		if err := c.Subscribe(ctx, topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTopics creates any of topics that does not exist yet
func (c *Client) EnsureTopics(ctx context.Context, topics []string) error {
	if len(c.config.Brokers) == 0 {
		return &ConnectionError{Message: "no brokers configured"}
	}

	conn, err := kafka.DialContext(ctx, "tcp", c.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("connect to kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	existing := make(map[string]bool)
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, topic := range topics {
		if existing[topic] {
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     c.config.Topics.NumPartitions,
			ReplicationFactor: c.config.Topics.ReplicationFactor,
		})
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("connect to controller: %w", err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	c.logger.Info("topics created", logging.Int("count", len(missing)))
	return nil
}

// Close stops consumers and flushes the writer
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	readers := c.readers
	c.readers = make(map[string]*kafka.Reader)
	writer := c.writer
	c.connected = false
	c.health = models.HealthUnknown
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	for topic, reader := range readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader for topic %s: %w", topic, err))
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health returns the current health status
func (c *Client) Health() models.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *Client) setHealth(h models.HealthStatus) {
	c.mu.Lock()
	if c.connected {
		c.health = h
	}
	c.mu.Unlock()
}

// consumeMessages reads a topic until the client closes. Messages that fail
// to decode or to handle are copied to the dead-letter topic and committed.
func (c *Client) consumeMessages(topic string, reader *kafka.Reader, handler MessageHandler) {
	defer c.wg.Done()

	for {
		km, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("fetch failed", logging.String("topic", topic), logging.Err(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg, err := decodeMessage(km)
		if err == nil {
			ctx := logging.WithCorrelationID(c.ctx, msg.CorrelationID)
			err = handler(ctx, msg)
		}
		if err != nil {
			c.logger.Warn("message rejected",
				logging.String("topic", topic),
				logging.Int("partition", km.Partition),
				logging.Err(err),
			)
			c.deadLetter(km, err)
		}

		if err := reader.CommitMessages(c.ctx, km); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("commit failed", logging.String("topic", topic), logging.Err(err))
		}
	}
}

func (c *Client) deadLetter(km kafka.Message, cause error) {
	c.mu.RLock()
	writer := c.writer
	c.mu.RUnlock()
	if writer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	err := writer.WriteMessages(ctx, deadLetterMessage(km, cause))
	if err != nil && c.ctx.Err() == nil {
		c.logger.Error("dead-letter publish failed", logging.String("topic", km.Topic), logging.Err(err))
	}
}

func encodeMessage(topic, key string, msg models.Message) (kafka.Message, error) {
	if err := msg.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("invalid message: %w", err)
	}
	value, err := msg.ToJSON()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize message: %w", err)
	}

	km := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerMessageType, Value: []byte(msg.Type)},
			{Key: headerSource, Value: []byte(msg.Source)},
			{Key: headerTimestamp, Value: []byte(msg.Timestamp.Format(time.RFC3339Nano))},
		},
	}
	if msg.CorrelationID != "" {
		km.Headers = append(km.Headers, kafka.Header{Key: headerCorrelationID, Value: []byte(msg.CorrelationID)})
	}
	return km, nil
}

func decodeMessage(km kafka.Message) (models.Message, error) {
	msg, err := models.MessageFromJSON(km.Value)
	if err != nil {
		return models.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if msg.Type == "" {
		for _, h := range km.Headers {
			if h.Key == headerMessageType {
				msg.Type = models.MessageType(h.Value)
			}
		}
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func deadLetterMessage(km kafka.Message, cause error) kafka.Message {
	headers := make([]kafka.Header, 0, len(km.Headers)+2)
	headers = append(headers, km.Headers...)
	headers = append(headers,
		kafka.Header{Key: headerOriginTopic, Value: []byte(km.Topic)},
		kafka.Header{Key: headerError, Value: []byte(cause.Error())},
	)
	return kafka.Message{
		Topic:   TopicDeadLetter,
		Key:     km.Key,
		Value:   km.Value,
		Headers: headers,
	}
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

func startOffset(offset string) int64 {
	if offset == "earliest" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

package kafka

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/fleetcore/pkg/models"
)

func header(km kafka.Message, key string) string {
	for _, h := range km.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	msg, err := models.NewMessage(models.MsgAvoidanceCommand, "fleetd", "drone-7", map[string]string{"kind": "hover"})
	require.NoError(t, err)
	msg = msg.WithCorrelationID("corr-1")

	km, err := encodeMessage(TopicCommands, "drone-7", msg)
	require.NoError(t, err)
	assert.Equal(t, TopicCommands, km.Topic)
	assert.Equal(t, "drone-7", string(km.Key))
	assert.Equal(t, string(models.MsgAvoidanceCommand), header(km, headerMessageType))
	assert.Equal(t, "corr-1", header(km, headerCorrelationID))

	got, err := decodeMessage(km)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Target, got.Target)
	assert.JSONEq(t, `{"kind":"hover"}`, string(got.Payload))
}

func TestEncodeRejectsInvalidMessage(t *testing.T) {
	_, err := encodeMessage(TopicCommands, "k", models.Message{})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDecodeFailures(t *testing.T) {
	_, err := decodeMessage(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)

	_, err = decodeMessage(kafka.Message{Value: []byte(`{"id":"x","type":"agent.telemetry"}`)})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDecodeFallsBackToTypeHeader(t *testing.T) {
	km := kafka.Message{
		Value: []byte(`{"id":"x","source":"bridge","timestamp":"2025-01-01T00:00:00Z","payload":{}}`),
		Headers: []kafka.Header{
			{Key: headerMessageType, Value: []byte(models.MsgTelemetry)},
		},
	}
	msg, err := decodeMessage(km)
	require.NoError(t, err)
	assert.Equal(t, models.MsgTelemetry, msg.Type)
}

func TestDeadLetterMessage(t *testing.T) {
	km := kafka.Message{
		Topic:   TopicTelemetry,
		Key:     []byte("drone-1"),
		Value:   []byte("garbage"),
		Headers: []kafka.Header{{Key: headerSource, Value: []byte("bridge")}},
	}
	dl := deadLetterMessage(km, errors.New("decode envelope: boom"))

	assert.Equal(t, TopicDeadLetter, dl.Topic)
	assert.Equal(t, km.Value, dl.Value)
	assert.Equal(t, TopicTelemetry, header(dl, headerOriginTopic))
	assert.Equal(t, "decode envelope: boom", header(dl, headerError))
	assert.Equal(t, "bridge", header(dl, headerSource))
}

func TestConfigMapping(t *testing.T) {
	assert.Equal(t, kafka.Lz4, compressionCodec("lz4"))
	assert.Equal(t, kafka.Compression(0), compressionCodec("none"))
	assert.Equal(t, kafka.RequireOne, requiredAcks("1"))
	assert.Equal(t, kafka.RequireAll, requiredAcks("bogus"))
	assert.Equal(t, kafka.FirstOffset, startOffset("earliest"))
	assert.Equal(t, kafka.LastOffset, startOffset("latest"))
}

func TestClientRequiresConnect(t *testing.T) {
	c := NewClient(DefaultBusConfig(), nil)
	assert.Equal(t, models.HealthUnknown, c.Health())

	msg := models.Message{ID: "1", Type: models.MsgTelemetry, Source: "t", Timestamp: time.Now()}
	var cerr *ConnectionError
	assert.ErrorAs(t, c.Publish(context.Background(), TopicCommands, msg), &cerr)
	assert.ErrorAs(t, c.Subscribe(context.Background(), TopicTelemetry, nil), &cerr)
	assert.NoError(t, c.Close())
}

func TestConnectWithoutBrokers(t *testing.T) {
	c := NewClient(BusConfig{}, nil)
	var cerr *ConnectionError
	assert.ErrorAs(t, c.Connect(context.Background()), &cerr)
}

func TestFleetTopics(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{TopicTelemetry, TopicMissions, TopicProfiles, TopicSwarms, TopicCommands, TopicDeadLetter},
		FleetTopics())
}

var _ MessageBus = (*Client)(nil)

// Readers only stop with Close, so the bus exposes no per-topic teardown.
func TestMessageBusMethods(t *testing.T) {
	bus := reflect.TypeOf((*MessageBus)(nil)).Elem()
	var names []string
	for i := 0; i < bus.NumMethod(); i++ {
		names = append(names, bus.Method(i).Name)
	}
	assert.ElementsMatch(t,
		[]string{"Publish", "PublishWithKey", "Subscribe", "SubscribeToMultiple", "Connect", "Close", "Health"},
		names)
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	kafkaWriteTimeout = 10 * time.Second
	// kafka-go waits a full BatchTimeout (1s by default) before sending a
	// partial batch. Each Notify is its own batch.
	kafkaBatchTimeout = 10 * time.Millisecond
)

// Event is the JSON payload published for each message.
type Event struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id,omitempty"`
	Message     string    `json:"message"`
	Time        time.Time `json:"time"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes messages to a topic. Write failures are logged and dropped.
type Kafka struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafka returns a Kafka sink for a comma separated broker list.
func NewKafka(brokers, topic string) (*Kafka, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic cannot be empty")
	}
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: kafkaWriteTimeout,
		BatchTimeout: kafkaBatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	logrus.WithFields(logrus.Fields{
		"brokers": brokerList,
		"topic":   topic,
	}).Info("Kafka audit sink configured")
	return &Kafka{writer: writer, topic: topic, now: time.Now}, nil
}

func (k *Kafka) Notify(ctx context.Context, msg string) {
	k.NotifyBatch(ctx, []string{msg})
}

// NotifyBatch publishes msgs with one WriteMessages call, so an operation
// pays the broker round trip once.
func (k *Kafka) NotifyBatch(ctx context.Context, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	opID := OperationID(ctx)
	now := k.now().UTC()
	batch := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		ev := Event{
			ID:          uuid.NewString(),
			OperationID: opID,
			Message:     msg,
			Time:        now,
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			logrus.WithError(err).Warn("Failed to encode audit event")
			continue
		}
		key := ev.OperationID
		if key == "" {
			key = ev.ID
		}
		batch = append(batch, kafka.Message{
			Key:   []byte(key),
			Value: payload,
			Time:  ev.Time,
		})
	}
	if len(batch) == 0 {
		return
	}
	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		logrus.WithFields(logrus.Fields{
			"topic":    k.topic,
			"messages": len(batch),
		}).WithError(err).Warn("Failed to publish audit events")
	}
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Package events publishes committed transaction state changes. Events are
// sent after the store transaction commits and are best effort: a failed
// publish is logged by the caller and never undoes the change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
)

type Event struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	User           string      `json:"user"`
	TransactionIDs []uuid.UUID `json:"transaction_ids"`
	At             time.Time   `json:"at"`
}

// New builds the event for action applied by user to txs.
func New(action models.LogAction, user string, txs []models.Transaction) Event {
	ids := make([]uuid.UUID, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	return Event{
		ID:             ulid.Make().String(),
		Type:           "transaction." + string(action),
		User:           user,
		TransactionIDs: ids,
		At:             time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	log    logger.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log logger.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error("Kafka writer error", logger.StringField("detail", fmt.Sprintf(msg, args...)))
		}),
	}

	log.Info("Kafka publisher initialized",
		logger.StringsField("brokers", brokers),
		logger.StringField("topic", topic))

	return &KafkaPublisher{writer: writer, log: log}
}

// Publish keys messages by user so one clerk's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.User),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.log.Info("Closing Kafka publisher")
	return p.writer.Close()
}

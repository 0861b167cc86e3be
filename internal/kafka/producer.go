package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes ticket events and audit records to two topics. Messages are keyed
// by ticket id so one ticket's history stays ordered within a partition.
type Producer struct {
	events messageWriter
	audit  messageWriter
	log    *zap.Logger
}

var (
	_ events.Notifier  = (*Producer)(nil)
	_ events.AuditSink = (*Producer)(nil)
)

// NewProducer returns a producer. With no brokers every method is a no-op; an empty
// topic disables that stream only.
func NewProducer(brokers []string, eventsTopic, auditTopic string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Producer{log: log.Named("kafka")}
	if len(brokers) == 0 {
		return p
	}
	if eventsTopic != "" {
		p.events = newWriter(brokers, eventsTopic)
	}
	if auditTopic != "" {
		p.audit = newWriter(brokers, auditTopic)
	}
	return p
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (p *Producer) Notify(ctx context.Context, e events.Event) {
	p.publish(ctx, p.events, e.TicketID, string(e.Kind), e)
}

func (p *Producer) Record(ctx context.Context, r events.AuditRecord) {
	p.publish(ctx, p.audit, r.TicketID, string(r.Kind), r)
}

func (p *Producer) publish(ctx context.Context, w messageWriter, key, kind string, v any) {
	if w == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("marshal message", zap.String("kind", kind), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   body,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("write message", zap.String("kind", kind), zap.String("ticket_id", key), zap.Error(err))
	}
}

// Close flushes and closes both writers.
func (p *Producer) Close() error {
	var first error
	for _, w := range []messageWriter{p.events, p.audit} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

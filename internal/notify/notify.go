// Package notify forwards trading events to a kafka topic.
//
// # Consume
//
//   - order updates, fills, control and error events from the bus
//
// # Produce
//
//   - one JSON message per event, keyed by order id or symbol
package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/kpLEE-HYU/krader/internal/bus"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the message body.
type Envelope struct {
	Type    string    `json:"type"`
	Seq     uint64    `json:"seq"`
	TraceID uint64    `json:"trace_id"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Notifier writes bus events to kafka.
type Notifier struct {
	writer Writer
	clock  func() time.Time
}

// NewKafkaWriter builds an async writer; delivery failures are logged.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logs.Errorf("notify: deliver %d messages, err: %+v", len(msgs), err)
			}
		},
	}
}

func New(writer Writer, clock func() time.Time) *Notifier {
	if clock == nil {
		clock = time.Now
	}
	return &Notifier{writer: writer, clock: clock}
}

// Attach subscribes the notifier to the events it forwards.
func (n *Notifier) Attach(b *bus.Bus) {
	for _, t := range []schema.EventType{schema.EventOrderUpdate, schema.EventFill, schema.EventControl, schema.EventError} {
		b.Subscribe(t, "notify", n.Handle)
	}
}

// Handle writes one event.
func (n *Notifier) Handle(ctx context.Context, e bus.Event) error {
	msg, err := n.message(e)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s", e.Header.Type)
	}
	return nil
}

func (n *Notifier) message(e bus.Event) (kafka.Message, error) {
	key, ok := Key(e.Payload)
	if !ok {
		return kafka.Message{}, errors.Errorf("notify: unsupported payload %T", e.Payload)
	}

	at := n.clock()
	if e.Header.TsEvent != 0 {
		at = time.Unix(0, e.Header.TsEvent)
	}
	value, err := sonic.Marshal(Envelope{
		Type:    e.Header.Type.String(),
		Seq:     e.Header.Seq,
		TraceID: e.Header.TraceID,
		Time:    at,
		Payload: e.Payload,
	})
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal envelope")
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Header.Type.String())},
			{Key: "seq", Value: []byte(strconv.FormatUint(e.Header.Seq, 10))},
		},
	}, nil
}

// Key picks the partition key of a payload so the messages of one order
// stay in order.
func Key(payload any) (string, bool) {
	switch p := payload.(type) {
	case schema.OrderUpdate:
		return p.Order.ID, true
	case schema.Fill:
		return p.OrderID, true
	case schema.ControlEvent:
		return "control", true
	case schema.ErrorEvent:
		if p.Ref != "" {
			return p.Ref, true
		}
		return p.Source, true
	default:
		return "", false
	}
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// Package broker defines the at-least-once queue contract shared by every
// transport driver: manual ack, negative-ack without requeue into exactly one
// dead-letter queue per source queue, and acknowledged drops for permanent
// envelope errors.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/metrics"
)

// ErrNotConnected is returned when a connection is used before Open or after Close.
var ErrNotConnected = errors.New("broker: connection not open")

// DeadLetterSuffix is appended to a source queue name to address its DLQ.
const DeadLetterSuffix = ".dlq"

// Message is the transport-neutral unit handed to Publish.
type Message struct {
	ID         string
	Key        string
	Body       []byte
	Attributes map[string]string
}

// Delivery is a received message plus its source queue.
type Delivery struct {
	Message
	Queue       string
	Redelivered bool
}

// Handler processes one delivery. A nil return acks; an error routes the
// message to the dead-letter queue; an error wrapped with Drop acks it.
type Handler func(ctx context.Context, d Delivery) error

type Publisher interface {
	Publish(ctx context.Context, destination string, msg Message) error
}

type Consumer interface {
	// Consume blocks until ctx is canceled or the underlying channel closes.
	Consume(ctx context.Context, queue string, h Handler) error
}

// Conn is an explicitly owned broker connection injected into producers and consumers.
type Conn interface {
	Publisher
	Consumer
	Open(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DeadLetterName returns the dead-letter queue bound to queue.
func DeadLetterName(queue string) string {
	return queue + DeadLetterSuffix
}

type dropError struct {
	err error
}

func (e *dropError) Error() string {
	if e.err == nil {
		return "message dropped"
	}
	return "message dropped: " + e.err.Error()
}

func (e *dropError) Unwrap() error { return e.err }

// Drop marks err as permanent for an otherwise valid transport delivery: the
// message is acknowledged and logged, never retried or dead-lettered.
func Drop(err error) error {
	return &dropError{err: err}
}

// IsDrop reports whether err was produced by Drop.
func IsDrop(err error) bool {
	var d *dropError
	return errors.As(err, &d)
}

// Outcome is the settlement decision for a delivery.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeDeadLetter
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Dispatcher runs handlers and maps their result to an Outcome. Drivers share
// it so settlement semantics do not depend on the transport.
type Dispatcher struct {
	logg    *logger.Logger
	metrics *metrics.BrokerMetrics
	now     func() time.Time
}

func NewDispatcher(logg *logger.Logger, m *metrics.BrokerMetrics) *Dispatcher {
	return &Dispatcher{logg: logg, metrics: m, now: time.Now}
}

// Dispatch invokes h and returns how the delivery must be settled, plus the
// handler's error for dead-letter and drop outcomes. A panicking handler
// dead-letters the message.
func (d *Dispatcher) Dispatch(ctx context.Context, h Handler, delivery Delivery) (outcome Outcome, cause error) {
	start := d.now()
	if d.logg != nil {
		ctx = d.logg.WithMessage(ctx, delivery.Queue, delivery.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("panic: %v", r)
			d.logError(ctx, "handler panicked, dead-lettering message", cause)
			outcome = OutcomeDeadLetter
		}
		d.metrics.Observe(delivery.Queue, outcome.String(), d.now().Sub(start))
	}()

	err := h(ctx, delivery)
	switch {
	case err == nil:
		return OutcomeAck, nil
	case IsDrop(err):
		if d.logg != nil {
			d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "dropping message")
		}
		return OutcomeDrop, err
	default:
		d.logError(ctx, "handler failed, dead-lettering message", err)
		return OutcomeDeadLetter, err
	}
}

// AttrDeadLetterReason carries the handler error on messages that the Pub/Sub
// and Kafka drivers republish to a dead-letter destination. RabbitMQ records
// its own x-first-death-reason header instead.
const AttrDeadLetterReason = "dead_letter_reason"

const maxReasonLen = 512

// deadLetterMessage copies msg and stamps cause into its attributes.
func deadLetterMessage(msg Message, cause error) Message {
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if cause != nil {
		reason := cause.Error()
		if len(reason) > maxReasonLen {
			reason = reason[:maxReasonLen]
		}
		attrs[AttrDeadLetterReason] = reason
	}
	msg.Attributes = attrs
	return msg
}

func (d *Dispatcher) logError(ctx context.Context, msg string, err error) {
	if d.logg == nil {
		return
	}
	d.logg.Error(ctx, msg, err)
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

// KafkaReader is the subset of *kafka.Reader used for consumption.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter is the subset of *kafka.Writer used for publishing.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaOptions struct {
	Brokers  []string
	GroupID  string
	Prefetch int
	MaxWait  time.Duration

	NewReader func(topic string) KafkaReader
	Writer    KafkaWriter
}

// Kafka implements Conn on segmentio/kafka-go. Offsets are committed only after
// every message in a fetched batch is settled; failures are first written to
// the topic's dead-letter topic, so a committed offset never loses a message.
type Kafka struct {
	opts       KafkaOptions
	logg       *logger.Logger
	dispatcher *Dispatcher

	mu      sync.Mutex
	open    bool
	writer  KafkaWriter
	readers []KafkaReader
}

func NewKafka(opts KafkaOptions, logg *logger.Logger, dispatcher *Dispatcher) (*Kafka, error) {
	if len(opts.Brokers) == 0 && (opts.NewReader == nil || opts.Writer == nil) {
		return nil, errors.New("kafka brokers are required")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 50 * time.Millisecond
	}
	if opts.NewReader == nil {
		opts.NewReader = func(topic string) KafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  opts.Brokers,
				GroupID:  opts.GroupID,
				Topic:    topic,
				MinBytes: 1 << 10,
				MaxBytes: 10 << 20,
				MaxWait:  opts.MaxWait,
			})
		}
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(logg, nil)
	}
	return &Kafka{opts: opts, logg: logg, dispatcher: dispatcher}, nil
}

func (k *Kafka) Open(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.open {
		return nil
	}
	k.writer = k.opts.Writer
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:                   kafka.TCP(k.opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	k.open = true
	return nil
}

func (k *Kafka) Publish(ctx context.Context, destination string, msg Message) error {
	k.mu.Lock()
	w, open := k.writer, k.open
	k.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	if err := w.WriteMessages(ctx, toKafkaMessage(destination, msg)); err != nil {
		return fmt.Errorf("write to %s: %w", destination, err)
	}
	return nil
}

func toKafkaMessage(topic string, msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Attributes)+1)
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: "message_id", Value: []byte(msg.ID)})
	}
	for k, v := range msg.Attributes {
		if k == "message_id" && msg.ID != "" {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	key := msg.Key
	if key == "" {
		key = msg.ID
	}
	return kafka.Message{Topic: topic, Key: []byte(key), Value: msg.Body, Headers: headers}
}

func fromKafkaMessage(queue string, m kafka.Message) Delivery {
	attrs := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		attrs[h.Key] = string(h.Value)
	}
	id := attrs["message_id"]
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	}
	return Delivery{
		Message: Message{ID: id, Key: string(m.Key), Body: m.Value, Attributes: attrs},
		Queue:   queue,
	}
}

func (k *Kafka) Consume(ctx context.Context, queue string, h Handler) error {
	k.mu.Lock()
	if !k.open {
		k.mu.Unlock()
		return ErrNotConnected
	}
	r := k.opts.NewReader(queue)
	k.readers = append(k.readers, r)
	k.mu.Unlock()

	for {
		batch, err := k.fetchBatch(ctx, r)
		if len(batch) > 0 {
			if perr := k.processBatch(ctx, queue, h, batch); perr != nil {
				return perr
			}
			if cerr := r.CommitMessages(ctx, batch...); cerr != nil {
				return fmt.Errorf("commit %s: %w", queue, cerr)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s: %w", queue, err)
		}
	}
}

// fetchBatch blocks for the first message, then collects up to Prefetch
// messages that arrive within MaxWait.
func (k *Kafka) fetchBatch(ctx context.Context, r KafkaReader) ([]kafka.Message, error) {
	first, err := r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}

	waitCtx, cancel := context.WithTimeout(ctx, k.opts.MaxWait)
	defer cancel()
	for len(batch) < k.opts.Prefetch {
		m, err := r.FetchMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		batch = append(batch, m)
	}
	return batch, nil
}

func (k *Kafka) processBatch(ctx context.Context, queue string, h Handler, batch []kafka.Message) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		dlqErrs error
	)
	for _, m := range batch {
		wg.Add(1)
		go func(m kafka.Message) {
			defer wg.Done()
			delivery := fromKafkaMessage(queue, m)
			outcome, cause := k.dispatcher.Dispatch(ctx, h, delivery)
			if outcome != OutcomeDeadLetter {
				return
			}
			if err := k.Publish(ctx, DeadLetterName(queue), deadLetterMessage(delivery.Message, cause)); err != nil {
				mu.Lock()
				dlqErrs = multierr.Append(dlqErrs, err)
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	if dlqErrs != nil {
		return fmt.Errorf("dead-letter %s: %w", queue, dlqErrs)
	}
	return nil
}

func (k *Kafka) Ping(ctx context.Context) error {
	k.mu.Lock()
	open := k.open
	k.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	if len(k.opts.Brokers) == 0 {
		return nil
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.opts.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	return conn.Close()
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var err error
	for _, r := range k.readers {
		err = multierr.Append(err, r.Close())
	}
	k.readers = nil
	if k.writer != nil {
		err = multierr.Append(err, k.writer.Close())
		k.writer = nil
	}
	k.open = false
	return err
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

const (
	exchangeKindTopic  = "topic"
	exchangeKindDirect = "direct"
	defaultPrefetch    = 10

	// DefaultConfirmTimeout bounds the wait for a publisher confirm.
	DefaultConfirmTimeout = 5 * time.Second
)

var (
	ErrPublishNacked     = errors.New("rabbitmq: publish nacked by broker")
	ErrPublishUnroutable = errors.New("rabbitmq: publish returned unroutable")
)

// Confirmation is a pending publisher confirm.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// AMQPChannel is the subset of *amqp.Channel the driver relies on.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishConfirmed(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error)
	Close() error
}

// AMQPConnection is the subset of *amqp.Connection the driver relies on.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type DialFunc func(url string) (AMQPConnection, error)

// RabbitMQOptions configures the RabbitMQ driver.
type RabbitMQOptions struct {
	URL      string
	Exchange string
	DLX      string
	Prefetch int
	Queues   []string
	Dial     DialFunc
	// ConfirmTimeout defaults to DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
}

// RabbitMQ implements Conn on amqp091-go. Each source queue is declared with
// x-dead-letter-exchange and a fixed x-dead-letter-routing-key so a negative
// ack without requeue lands in exactly one DLQ. Publishes are mandatory and
// wait for a publisher confirm; a dropped connection is redialed on the next
// Publish.
type RabbitMQ struct {
	opts       RabbitMQOptions
	logg       *logger.Logger
	dispatcher *Dispatcher

	// publishMu keeps one publish in flight so returns match their confirm.
	publishMu sync.Mutex

	mu      sync.Mutex
	conn    AMQPConnection
	pubCh   AMQPChannel
	returns chan amqp.Return
	closed  bool
}

func NewRabbitMQ(opts RabbitMQOptions, logg *logger.Logger, dispatcher *Dispatcher) (*RabbitMQ, error) {
	if opts.URL == "" && opts.Dial == nil {
		return nil, errors.New("rabbitmq url is required")
	}
	if opts.Exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}
	if opts.DLX == "" {
		return nil, errors.New("rabbitmq dead-letter exchange is required")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.Dial == nil {
		opts.Dial = dialAMQP
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(logg, nil)
	}
	return &RabbitMQ{opts: opts, logg: logg, dispatcher: dispatcher}, nil
}

func dialAMQP(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConn{Connection: conn}, nil
}

type amqpConn struct {
	*amqp.Connection
}

func (c *amqpConn) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("rabbitmq channel is not in confirm mode")
	}
	return dc, nil
}

// Open dials the broker, declares the topology and opens the publishing
// channel in confirm mode.
func (r *RabbitMQ) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
	return r.openLocked(ctx)
}

func (r *RabbitMQ) openLocked(ctx context.Context) error {
	if r.conn != nil && !r.conn.IsClosed() && r.pubCh != nil {
		return nil
	}
	r.dropLocked()

	conn, err := r.opts.Dial(r.opts.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := DeclareTopology(ch, r.opts.Exchange, r.opts.DLX, r.opts.Queues...); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	r.conn = conn
	r.pubCh = ch
	r.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	go r.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))

	if r.logg != nil {
		r.logg.Info(ctx, "rabbitmq connection established")
	}
	return nil
}

// watch forgets conn once the broker closes it so the next Publish redials.
func (r *RabbitMQ) watch(conn AMQPConnection, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	r.dropLocked()
	if r.logg != nil && ok && amqpErr != nil {
		r.logg.Warn(r.logg.WithField(context.Background(), "error", amqpErr.Error()), "rabbitmq connection lost")
	}
}

// dropLocked discards the current connection without marking the driver
// closed.
func (r *RabbitMQ) dropLocked() {
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
	if r.conn != nil {
		if !r.conn.IsClosed() {
			_ = r.conn.Close()
		}
		r.conn = nil
	}
	r.returns = nil
}

// DeclareTopology declares the event exchange, the dead-letter exchange and,
// for every queue, the source queue plus its bound DLQ.
func DeclareTopology(ch AMQPChannel, exchange, dlx string, queues ...string) error {
	if ch == nil {
		return ErrNotConnected
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, exchangeKindDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", dlx, err)
	}

	for _, queue := range queues {
		dlq := DeadLetterName(queue)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, dlq, dlx, false, nil); err != nil {
			return fmt.Errorf("bind dlq %s: %w", dlq, err)
		}

		if _, err := ch.QueueDeclare(queue, true, false, false, false, DeadLetterArgs(dlx, queue)); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	return nil
}

// DeadLetterArgs returns the queue arguments routing rejected messages of
// queue to its DLQ through dlx.
func DeadLetterArgs(dlx, queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": DeadLetterName(queue),
	}
}

// Publish sends msg and waits for the broker to confirm it. A lost
// connection yields ErrNotConnected; a nack, a confirm timeout or an
// unroutable return yields a retryable error.
func (r *RabbitMQ) Publish(ctx context.Context, destination string, msg Message) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if err := r.openLocked(ctx); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	ch, returns := r.pubCh, r.returns
	r.mu.Unlock()

	headers := amqp.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	confirm, err := ch.PublishConfirmed(ctx, r.opts.Exchange, destination, true, amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			r.forget(ch)
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return fmt.Errorf("publish %s: %w", destination, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.opts.ConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		// A confirm still in flight would be matched to the next publish.
		r.forget(ch)
		return fmt.Errorf("await confirm for %s: %w", destination, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrPublishNacked, destination)
	}

	// The broker sends basic.return before the ack of the same message.
	select {
	case ret, ok := <-returns:
		if ok {
			return fmt.Errorf("%w: %s (%d %s)", ErrPublishUnroutable, destination, ret.ReplyCode, ret.ReplyText)
		}
	default:
	}
	return nil
}

// forget drops ch if it is still the publishing channel.
func (r *RabbitMQ) forget(ch AMQPChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubCh == ch {
		r.dropLocked()
	}
}

// Consume runs up to Prefetch handlers concurrently on a dedicated channel.
func (r *RabbitMQ) Consume(ctx context.Context, queue string, h Handler) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	for i := 0; i < r.opts.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						select {
						case errCh <- fmt.Errorf("consume %s: %w", queue, ErrNotConnected):
						default:
						}
						return
					}
					if err := r.settle(ctx, queue, h, d); err != nil {
						select {
						case errCh <- err:
						default:
						}
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (r *RabbitMQ) settle(ctx context.Context, queue string, h Handler, d amqp.Delivery) error {
	attrs := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	delivery := Delivery{
		Message: Message{
			ID:         d.MessageId,
			Key:        d.RoutingKey,
			Body:       d.Body,
			Attributes: attrs,
		},
		Queue:       queue,
		Redelivered: d.Redelivered,
	}

	switch outcome, _ := r.dispatcher.Dispatch(ctx, h, delivery); outcome {
	case OutcomeDeadLetter:
		if err := d.Nack(false, false); err != nil {
			return fmt.Errorf("nack %s: %w", d.MessageId, err)
		}
	default:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack %s: %w", d.MessageId, err)
		}
	}
	return nil
}

func (r *RabbitMQ) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.pubCh != nil {
		err = multierr.Append(err, r.pubCh.Close())
		r.pubCh = nil
	}
	if r.conn != nil {
		err = multierr.Append(err, r.conn.Close())
		r.conn = nil
	}
	r.returns = nil
	return err
}

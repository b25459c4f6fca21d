package broker

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

// New builds the driver selected by cfg.Broker.Driver. The returned Conn is not
// open yet; callers own its Open/Close lifecycle. ps is only required for the
// pubsub driver.
func New(cfg *config.Config, logg *logger.Logger, dispatcher *Dispatcher, ps PubSubClient) (Conn, error) {
	queues := []string{cfg.Broker.DeviceEventsQueue, cfg.Broker.DeliveryQueue}

	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Driver)) {
	case config.BrokerDriverRabbitMQ:
		return NewRabbitMQ(RabbitMQOptions{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			DLX:      cfg.RabbitMQ.DLX,
			Prefetch: cfg.Broker.Prefetch,
			Queues:   queues,
		}, logg, dispatcher)
	case config.BrokerDriverPubSub:
		if ps == nil {
			return nil, fmt.Errorf("pubsub driver requires a pubsub client")
		}
		return NewPubSub(ps, PubSubOptions{
			Subscriptions: map[string]string{
				cfg.Broker.DeviceEventsQueue:                 cfg.PubSub.DeviceEventsSubscription,
				cfg.Broker.DeliveryQueue:                     cfg.PubSub.DeliverySubscription,
				DeadLetterName(cfg.Broker.DeviceEventsQueue): cfg.PubSub.DeadLetterSubscription,
				DeadLetterName(cfg.Broker.DeliveryQueue):     cfg.PubSub.DeliveryDeadLetterSubscription,
			},
			Prefetch: cfg.Broker.Prefetch,
		}, logg, dispatcher)
	case config.BrokerDriverKafka:
		return NewKafka(KafkaOptions{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.GroupID,
			Prefetch: cfg.Broker.Prefetch,
		}, logg, dispatcher)
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Broker.Driver)
	}
}

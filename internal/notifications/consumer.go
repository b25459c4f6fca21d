package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/barnlink/pkg/broker"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
)

type payloadDecoder interface {
	Decode(env outbox.Envelope) (any, error)
}

type deliverer interface {
	Deliver(ctx context.Context, job payloads.DeliveryJob) (Outcome, error)
}

// Consumer feeds delivery jobs from the notification-delivery queue to the worker.
type Consumer struct {
	decoder payloadDecoder
	worker  deliverer
	logg    *logger.Logger
}

func NewConsumer(decoder payloadDecoder, worker deliverer, logg *logger.Logger) (*Consumer, error) {
	if decoder == nil {
		return nil, fmt.Errorf("payload decoder required")
	}
	if worker == nil {
		return nil, fmt.Errorf("delivery worker required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{decoder: decoder, worker: worker, logg: logg}, nil
}

// Handle implements broker.Handler.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) error {
	env, err := outbox.DecodeEnvelope(d.Body)
	if err != nil {
		if errors.Is(err, outbox.ErrUnsupportedSchemaVersion) {
			return broker.Drop(err)
		}
		return err
	}
	ctx = c.logg.WithTraceID(ctx, env.TraceID)

	payload, err := c.decoder.Decode(env)
	if err != nil {
		return err
	}
	job, ok := payload.(*payloads.DeliveryJob)
	if !ok {
		return broker.Drop(fmt.Errorf("event type %s is not a delivery job", env.EventType))
	}
	if job.SchemaVersion != payloads.DeliverySchemaVersion {
		return broker.Drop(fmt.Errorf("unsupported delivery job schema_version %d", job.SchemaVersion))
	}
	if job.TenantID != env.TenantID {
		return fmt.Errorf("delivery job tenant %s does not match envelope tenant %s", job.TenantID, env.TenantID)
	}

	_, err = c.worker.Deliver(ctx, *job)
	return err
}

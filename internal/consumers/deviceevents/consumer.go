// Package deviceevents consumes edge envelopes from the device-events queue
// and applies them through the consumption service and the sensor transform.
package deviceevents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/internal/consumption"
	"github.com/angelmondragon/barnlink/internal/sensor"
	"github.com/angelmondragon/barnlink/pkg/broker"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
)

const consumerName = "device-events"

type payloadDecoder interface {
	Decode(env outbox.Envelope) (any, error)
}

type consumptionRecorder interface {
	Record(ctx context.Context, in consumption.Input, hooks ...consumption.TxHook) (dedupe.Result[models.ConsumptionEvent], error)
}

type readingApplier interface {
	Apply(ctx context.Context, r sensor.Reading) (sensor.Result, error)
}

type processedMarker interface {
	Seen(ctx context.Context, consumer string, tenantID uuid.UUID, eventID string) (bool, error)
	Mark(ctx context.Context, consumer string, tenantID uuid.UUID, eventID string) error
}

// Consumer is the broker handler for device events.
type Consumer struct {
	decoder     payloadDecoder
	consumption consumptionRecorder
	sensor      readingApplier
	marker      processedMarker
	logg        *logger.Logger
}

// NewConsumer builds the consumer. marker may be nil, in which case every
// delivery goes straight to the guard.
func NewConsumer(decoder payloadDecoder, recorder consumptionRecorder, applier readingApplier, marker processedMarker, logg *logger.Logger) (*Consumer, error) {
	if decoder == nil {
		return nil, fmt.Errorf("payload decoder required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("consumption service required")
	}
	if applier == nil {
		return nil, fmt.Errorf("sensor transformer required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		decoder:     decoder,
		consumption: recorder,
		sensor:      applier,
		marker:      marker,
		logg:        logg,
	}, nil
}

// Handle implements broker.Handler. Unknown schema versions are dropped;
// malformed envelopes and payloads are dead-lettered.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) error {
	env, err := outbox.DecodeEnvelope(d.Body)
	if err != nil {
		if errors.Is(err, outbox.ErrUnsupportedSchemaVersion) {
			return broker.Drop(err)
		}
		return err
	}

	ctx = c.logg.WithTraceID(c.logg.WithTenantID(ctx, env.TenantID.String()), env.TraceID)
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_id":   env.EventID,
		"event_type": env.EventType,
	})

	payload, err := c.decoder.Decode(env)
	if err != nil {
		return err
	}

	if c.marker != nil {
		seen, err := c.marker.Seen(ctx, consumerName, env.TenantID, env.EventID)
		if err != nil {
			// The ledger still dedupes; Redis is only a shortcut.
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "processed marker unavailable")
		} else if seen {
			c.logg.Debug(logCtx, "event already processed")
			return nil
		}
	}

	if err := c.apply(ctx, env, payload); err != nil {
		return err
	}

	if c.marker != nil {
		if err := c.marker.Mark(ctx, consumerName, env.TenantID, env.EventID); err != nil {
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "failed to set processed marker")
		}
	}
	return nil
}

func (c *Consumer) apply(ctx context.Context, env outbox.Envelope, payload any) error {
	switch p := payload.(type) {
	case *payloads.FeedConsumed:
		_, err := c.consumption.Record(ctx, consumption.Input{
			TenantID:    env.TenantID,
			EventID:     env.EventID,
			ExternalRef: p.ExternalRef,
			DeviceID:    p.DeviceID,
			Quantity:    p.Quantity,
			Unit:        p.Unit,
			Source:      p.Source,
			OccurredAt:  env.OccurredAt,
			TraceID:     env.TraceID,
		})
		return err
	case *payloads.ScaleReading:
		recordedAt := p.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = env.OccurredAt
		}
		_, err := c.sensor.Apply(ctx, sensor.Reading{
			TenantID:   env.TenantID,
			DeviceID:   p.DeviceID,
			Weight:     p.WeightKg,
			RecordedAt: recordedAt,
			TraceID:    env.TraceID,
		})
		return err
	default:
		return broker.Drop(fmt.Errorf("event type %s is not handled on %s", env.EventType, consumerName))
	}
}

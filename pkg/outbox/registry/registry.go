// Package registry is the tagged union of outbox payloads: every event type
// maps to one payload struct, one destination and one set of validation rules.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
)

// EventDescriptor links an event type to its destination and payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	Destination    string
	PayloadFactory func() any
}

// ResolvedEvent is an outbox row ready to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.Envelope
	Payload    any
}

type EventRegistry struct {
	entries  map[enums.OutboxEventType]EventDescriptor
	validate *validator.Validate
}

// permanent marks a failure that no retry can fix. The forwarder dead-letters
// such rows and consumers drop such messages.
func permanent(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodePermanent, err, err.Error())
}

// NewEventRegistry builds the registry with the configured queue names.
func NewEventRegistry(cfg config.BrokerConfig) (*EventRegistry, error) {
	if cfg.DeviceEventsQueue == "" {
		return nil, fmt.Errorf("device events queue is required")
	}
	if cfg.DeliveryQueue == "" {
		return nil, fmt.Errorf("delivery queue is required")
	}
	if cfg.DomainEventsTopic == "" {
		return nil, fmt.Errorf("domain events topic is required")
	}

	reg := &EventRegistry{
		entries:  make(map[enums.OutboxEventType]EventDescriptor),
		validate: newValidator(),
	}
	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventScaleReading,
			Destination:    cfg.DeviceEventsQueue,
			PayloadFactory: func() any { return &payloads.ScaleReading{} },
		},
		{
			EventType:      enums.EventFeedConsumed,
			Destination:    cfg.DeviceEventsQueue,
			PayloadFactory: func() any { return &payloads.FeedConsumed{} },
		},
		{
			EventType:      enums.EventNotificationDeliveryRequested,
			Destination:    cfg.DeliveryQueue,
			PayloadFactory: func() any { return &payloads.DeliveryJob{} },
		},
		{
			EventType:      enums.EventConsumptionRecorded,
			Destination:    cfg.DomainEventsTopic,
			PayloadFactory: func() any { return &payloads.ConsumptionRecorded{} },
		},
		{
			EventType:      enums.EventNotificationStatusChanged,
			Destination:    cfg.DomainEventsTopic,
			PayloadFactory: func() any { return &payloads.NotificationStatusChanged{} },
		},
	} {
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Compare decimals numerically so gt/gte rules apply to quantities.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Destination returns the queue or topic an event type is published to.
func (r *EventRegistry) Destination(eventType enums.OutboxEventType) (string, bool) {
	desc, ok := r.entries[eventType]
	return desc.Destination, ok
}

// Validate decodes payload into the variant for eventType and checks it.
// Writers call it before inserting a row.
func (r *EventRegistry) Validate(eventType enums.OutboxEventType, payload json.RawMessage) error {
	_, err := r.decode(eventType, payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}
	return nil
}

// Resolve rebuilds the envelope for a stored row and decodes its payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, permanent(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	payload, err := r.decode(event.EventType, event.Payload)
	if err != nil {
		return nil, permanent(err)
	}
	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   outbox.EnvelopeFromRow(event),
		Payload:    payload,
	}, nil
}

// Decode returns the typed payload carried by a received envelope. Every
// failure is permanent for that message.
func (r *EventRegistry) Decode(env outbox.Envelope) (any, error) {
	payload, err := r.decode(env.EventType, env.Payload)
	if err != nil {
		return nil, permanent(err)
	}
	return payload, nil
}

func (r *EventRegistry) decode(eventType enums.OutboxEventType, raw json.RawMessage) (any, error) {
	desc, ok := r.entries[eventType]
	if !ok {
		return nil, fmt.Errorf("unsupported event type %q", eventType)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("payload missing for %s", eventType)
	}
	payload := desc.PayloadFactory()
	if err := json.Unmarshal(trimmed, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := r.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return payload, nil
}

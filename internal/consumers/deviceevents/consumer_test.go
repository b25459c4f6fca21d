package deviceevents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/barnlink/internal/consumption"
	"github.com/angelmondragon/barnlink/internal/sensor"
	"github.com/angelmondragon/barnlink/pkg/broker"
	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/enums"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

func TestHandleFeedConsumedRecordsOnce(t *testing.T) {
	recorder := &fakeRecorder{}
	marker := newFakeMarker()
	c := mustConsumer(t, recorder, &fakeApplier{}, marker)
	tenant := uuid.New()
	body := envelopeBody(t, 1, tenant, enums.EventFeedConsumed, `{"device_id":"feeder-3","quantity":"12.5","unit":"kg","external_ref":"erp-1"}`)

	for i := 0; i < 2; i++ {
		if err := c.Handle(context.Background(), delivery(body)); err != nil {
			t.Fatalf("Handle() error: %v", err)
		}
	}

	if len(recorder.inputs) != 1 {
		t.Fatalf("expected 1 record call, got %d", len(recorder.inputs))
	}
	in := recorder.inputs[0]
	if in.TenantID != tenant || in.EventID != "evt-1" {
		t.Fatalf("identity not propagated: %+v", in)
	}
	if in.ExternalRef != "erp-1" || in.DeviceID != "feeder-3" {
		t.Fatalf("payload not propagated: %+v", in)
	}
	if !in.Quantity.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected quantity %s", in.Quantity)
	}
}

func TestHandleScaleReadingAppliesTransform(t *testing.T) {
	applier := &fakeApplier{}
	c := mustConsumer(t, &fakeRecorder{}, applier, nil)
	body := envelopeBody(t, 1, uuid.New(), enums.EventScaleReading, `{"device_id":"scale-1","weight_kg":"904.92","recorded_at":"2026-04-01T06:00:00Z"}`)

	if err := c.Handle(context.Background(), delivery(body)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if len(applier.readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(applier.readings))
	}
	if !applier.readings[0].Weight.Equal(decimal.RequireFromString("904.92")) {
		t.Fatalf("unexpected weight %s", applier.readings[0].Weight)
	}
}

func TestHandleUnknownSchemaVersionIsDropped(t *testing.T) {
	recorder := &fakeRecorder{}
	c := mustConsumer(t, recorder, &fakeApplier{}, nil)
	body := envelopeBody(t, 99, uuid.New(), enums.EventFeedConsumed, `{"whatever":true}`)

	err := c.Handle(context.Background(), delivery(body))
	if !broker.IsDrop(err) {
		t.Fatalf("expected drop, got %v", err)
	}
	if !errors.Is(err, outbox.ErrUnsupportedSchemaVersion) {
		t.Fatalf("drop should wrap the version error, got %v", err)
	}
	if len(recorder.inputs) != 0 {
		t.Fatalf("dropped message must not be applied")
	}
}

func TestHandleMalformedMessagesAreDeadLettered(t *testing.T) {
	c := mustConsumer(t, &fakeRecorder{}, &fakeApplier{}, nil)
	tenant := uuid.New()
	cases := map[string][]byte{
		"not json":        []byte("{"),
		"missing payload": envelopeBody(t, 1, tenant, enums.EventFeedConsumed, `null`),
		"missing tenant":  envelopeBody(t, 1, uuid.Nil, enums.EventFeedConsumed, `{"device_id":"d","quantity":"1","unit":"kg"}`),
		"invalid payload": envelopeBody(t, 1, tenant, enums.EventFeedConsumed, `{"device_id":"d","quantity":"-1","unit":"kg"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.Handle(context.Background(), delivery(body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if broker.IsDrop(err) {
				t.Fatalf("malformed input must be dead-lettered, not dropped: %v", err)
			}
		})
	}
}

func TestHandleUnroutedEventTypeIsDropped(t *testing.T) {
	c := mustConsumer(t, &fakeRecorder{}, &fakeApplier{}, nil)
	body := envelopeBody(t, 1, uuid.New(), enums.EventNotificationDeliveryRequested,
		`{"schema_version":1,"tenant_id":"`+uuid.NewString()+`","notification_id":"`+uuid.NewString()+`","channel":"webhook","attempt":1}`)

	if err := c.Handle(context.Background(), delivery(body)); !broker.IsDrop(err) {
		t.Fatalf("expected drop, got %v", err)
	}
}

func TestHandleFailureLeavesNoMarker(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("db down")}
	marker := newFakeMarker()
	c := mustConsumer(t, recorder, &fakeApplier{}, marker)
	body := envelopeBody(t, 1, uuid.New(), enums.EventFeedConsumed, `{"device_id":"d","quantity":"1","unit":"kg"}`)

	if err := c.Handle(context.Background(), delivery(body)); err == nil {
		t.Fatalf("expected error")
	}
	if len(marker.seen) != 0 {
		t.Fatalf("failed handling must not mark the event")
	}
}

func TestHandleRedeliveryAfterInterruptedHandlingIsApplied(t *testing.T) {
	marker := newFakeMarker()
	tenant := uuid.New()
	body := envelopeBody(t, 1, tenant, enums.EventFeedConsumed, `{"device_id":"feeder-1","quantity":"3","unit":"kg"}`)

	// First delivery panics inside the recorder, the way a crash mid-transaction
	// would leave things: nothing committed, message unacked.
	crashing := mustConsumer(t, &panickingRecorder{}, &fakeApplier{}, marker)
	outcome, _ := broker.NewDispatcher(nil, nil).Dispatch(context.Background(), crashing.Handle, delivery(body))
	if outcome != broker.OutcomeDeadLetter {
		t.Fatalf("panicking handler outcome = %v", outcome)
	}

	recorder := &fakeRecorder{}
	c := mustConsumer(t, recorder, &fakeApplier{}, marker)
	if err := c.Handle(context.Background(), delivery(body)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(recorder.inputs) != 1 {
		t.Fatalf("redelivered event must be applied, got %d records", len(recorder.inputs))
	}
	if len(marker.seen) != 1 {
		t.Fatalf("successful handling must mark the event")
	}
}

func TestHandleMarkerOutageFallsBackToGuard(t *testing.T) {
	recorder := &fakeRecorder{}
	marker := newFakeMarker()
	marker.err = errors.New("redis unavailable")
	c := mustConsumer(t, recorder, &fakeApplier{}, marker)
	body := envelopeBody(t, 1, uuid.New(), enums.EventFeedConsumed, `{"device_id":"d","quantity":"1","unit":"kg"}`)

	if err := c.Handle(context.Background(), delivery(body)); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if len(recorder.inputs) != 1 {
		t.Fatalf("expected record despite marker outage")
	}
}

func mustConsumer(t *testing.T, recorder consumptionRecorder, applier readingApplier, marker processedMarker) *Consumer {
	t.Helper()
	reg, err := registry.NewEventRegistry(config.BrokerConfig{
		DeviceEventsQueue: "device-events",
		DeliveryQueue:     "notification-delivery",
		DomainEventsTopic: "domain-events",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logg := logger.New(logger.Options{ServiceName: "device-events-test", Output: io.Discard})
	c, err := NewConsumer(reg, recorder, applier, marker, logg)
	if err != nil {
		t.Fatalf("NewConsumer() error: %v", err)
	}
	return c
}

func envelopeBody(t *testing.T, version int, tenant uuid.UUID, eventType enums.OutboxEventType, payload string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"schema_version": version,
		"event_id":       "evt-1",
		"tenant_id":      tenant,
		"event_type":     eventType,
		"occurred_at":    time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC),
		"trace_id":       "trace-1",
		"payload":        json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func delivery(body []byte) broker.Delivery {
	return broker.Delivery{
		Message: broker.Message{ID: "m-1", Body: body},
		Queue:   "device-events",
	}
}

type fakeRecorder struct {
	inputs []consumption.Input
	err    error
}

func (f *fakeRecorder) Record(_ context.Context, in consumption.Input, _ ...consumption.TxHook) (dedupe.Result[models.ConsumptionEvent], error) {
	if f.err != nil {
		return dedupe.Result[models.ConsumptionEvent]{}, f.err
	}
	f.inputs = append(f.inputs, in)
	return dedupe.Result[models.ConsumptionEvent]{Record: &models.ConsumptionEvent{ID: uuid.New()}, Created: true}, nil
}

type fakeApplier struct {
	readings []sensor.Reading
}

func (f *fakeApplier) Apply(_ context.Context, r sensor.Reading) (sensor.Result, error) {
	f.readings = append(f.readings, r)
	return sensor.Result{}, nil
}

type panickingRecorder struct{}

func (panickingRecorder) Record(context.Context, consumption.Input, ...consumption.TxHook) (dedupe.Result[models.ConsumptionEvent], error) {
	panic("connection lost mid-transaction")
}

type fakeMarker struct {
	seen map[string]struct{}
	err  error
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{seen: map[string]struct{}{}}
}

func (f *fakeMarker) Seen(_ context.Context, consumer string, tenantID uuid.UUID, eventID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.seen[consumer+tenantID.String()+eventID]
	return ok, nil
}

func (f *fakeMarker) Mark(_ context.Context, consumer string, tenantID uuid.UUID, eventID string) error {
	if f.err != nil {
		return f.err
	}
	f.seen[consumer+tenantID.String()+eventID] = struct{}{}
	return nil
}

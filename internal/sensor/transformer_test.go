package sensor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/internal/consumption"
	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/db/dbtest"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/enums"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

type harness struct {
	conn        *gorm.DB
	transformer *Transformer
	snapshots   *SnapshotRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, conn := dbtest.Client(t,
		&models.DedupeLedgerEntry{},
		&models.ConsumptionEvent{},
		&models.OutboxEvent{},
		&models.SensorSnapshot{},
	)
	logg := logger.New(logger.Options{ServiceName: "sensor-test", Output: io.Discard})
	guard, err := dedupe.NewGuard(client, dedupe.NewLedgerRepository(conn), 0, logg)
	require.NoError(t, err)
	reg, err := registry.NewEventRegistry(config.BrokerConfig{
		DeviceEventsQueue: "device-events",
		DeliveryQueue:     "notification-delivery",
		DomainEventsTopic: "domain-events",
	})
	require.NoError(t, err)
	svc, err := consumption.NewService(guard, consumption.NewRepository(conn), outbox.NewWriter(outbox.NewRepository(conn), reg, logg), logg)
	require.NoError(t, err)

	snapshots := NewSnapshotRepository(conn)
	tr, err := NewTransformer(client, snapshots, svc, "", logg)
	require.NoError(t, err)
	return &harness{conn: conn, transformer: tr, snapshots: snapshots}
}

func reading(tenant uuid.UUID, weight string, at time.Time) Reading {
	return Reading{
		TenantID:   tenant,
		DeviceID:   "scale-1",
		Weight:     decimal.RequireFromString(weight),
		RecordedAt: at,
	}
}

func TestApplyEmitsOnlyDropsAboveThreshold(t *testing.T) {
	h := newHarness(t)
	tenant := uuid.New()
	start := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)

	res, err := h.transformer.Apply(context.Background(), reading(tenant, "1000", start))
	require.NoError(t, err)
	assert.True(t, res.Baseline)
	assert.Nil(t, res.Consumption)

	res, err = h.transformer.Apply(context.Background(), reading(tenant, "900", start.Add(time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, res.Consumption)
	assert.True(t, res.Consumption.Quantity.Equal(decimal.NewFromInt(100)), "got %s", res.Consumption.Quantity)
	assert.Equal(t, enums.ConsumptionSourceSensorDelta, res.Consumption.Source)

	res, err = h.transformer.Apply(context.Background(), reading(tenant, "905", start.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Nil(t, res.Consumption, "refill is not consumption")
	assert.True(t, res.Delta.Equal(decimal.NewFromInt(-5)))

	res, err = h.transformer.Apply(context.Background(), reading(tenant, "904.92", start.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Nil(t, res.Consumption)
	assert.True(t, res.Delta.Equal(decimal.RequireFromString("0.08")), "got %s", res.Delta)

	var rows []models.ConsumptionEvent
	require.NoError(t, h.conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quantity.Equal(decimal.NewFromInt(100)))

	snap, err := h.snapshots.Find(context.Background(), tenant, "scale-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Weight.Equal(decimal.RequireFromString("904.92")), "snapshot always advances, got %s", snap.Weight)
}

func TestApplyThresholdBoundaryEmits(t *testing.T) {
	h := newHarness(t)
	tenant := uuid.New()
	now := time.Now().UTC()

	_, err := h.transformer.Apply(context.Background(), reading(tenant, "50", now))
	require.NoError(t, err)
	res, err := h.transformer.Apply(context.Background(), reading(tenant, "49.9", now.Add(time.Second)))
	require.NoError(t, err)
	require.NotNil(t, res.Consumption, "a drop equal to the threshold is consumption")
	assert.True(t, res.Consumption.Quantity.Equal(decimal.RequireFromString("0.1")))
}

func TestApplyDevicesAreIndependent(t *testing.T) {
	h := newHarness(t)
	tenant := uuid.New()
	now := time.Now().UTC()

	_, err := h.transformer.Apply(context.Background(), reading(tenant, "100", now))
	require.NoError(t, err)
	other := reading(tenant, "10", now)
	other.DeviceID = "scale-2"
	res, err := h.transformer.Apply(context.Background(), other)
	require.NoError(t, err)
	assert.True(t, res.Baseline, "first reading of a new device is a baseline")
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, consumption.Input, ...consumption.TxHook) (dedupe.Result[models.ConsumptionEvent], error) {
	return dedupe.Result[models.ConsumptionEvent]{}, errors.New("db down")
}

func TestApplyKeepsSnapshotWhenEmissionFails(t *testing.T) {
	client, conn := dbtest.Client(t, &models.SensorSnapshot{})
	logg := logger.New(logger.Options{ServiceName: "sensor-test", Output: io.Discard})
	snapshots := NewSnapshotRepository(conn)
	tr, err := NewTransformer(client, snapshots, failingRecorder{}, "0.1", logg)
	require.NoError(t, err)
	tenant := uuid.New()
	now := time.Now().UTC()

	_, err = tr.Apply(context.Background(), reading(tenant, "200", now))
	require.NoError(t, err)
	_, err = tr.Apply(context.Background(), reading(tenant, "150", now.Add(time.Second)))
	require.Error(t, err)

	snap, err := snapshots.Find(context.Background(), tenant, "scale-1")
	require.NoError(t, err)
	assert.True(t, snap.Weight.Equal(decimal.NewFromInt(200)), "redelivery must see the same baseline")
}

func TestNewTransformerRejectsBadThreshold(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "sensor-test", Output: io.Discard})
	client, conn := dbtest.Client(t)
	for _, v := range []string{"abc", "0", "-1"} {
		_, err := NewTransformer(client, NewSnapshotRepository(conn), failingRecorder{}, v, logg)
		assert.Error(t, err, v)
	}
}

func TestApplyValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.transformer.Apply(context.Background(), Reading{DeviceID: "d", Weight: decimal.NewFromInt(1)})
	assert.Error(t, err)
	_, err = h.transformer.Apply(context.Background(), Reading{TenantID: uuid.New(), Weight: decimal.NewFromInt(1)})
	assert.Error(t, err)
	_, err = h.transformer.Apply(context.Background(), Reading{TenantID: uuid.New(), DeviceID: "d", Weight: decimal.NewFromInt(-1)})
	assert.Error(t, err)
}

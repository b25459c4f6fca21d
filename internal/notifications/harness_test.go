package notifications

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/db/dbtest"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/enums"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

var testNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	conn     *gorm.DB
	service  *Service
	worker   *Worker
	repo     Repository
	attempts *AttemptRepository
	registry *registry.EventRegistry
	logg     *logger.Logger
}

func newHarness(t *testing.T, channels map[enums.NotificationChannel]Channel) *harness {
	t.Helper()
	client, conn := dbtest.Client(t,
		&models.DedupeLedgerEntry{},
		&models.Notification{},
		&models.DeliveryAttempt{},
		&models.OutboxEvent{},
	)
	logg := logger.New(logger.Options{ServiceName: "notifications-test", Output: io.Discard})
	guard, err := dedupe.NewGuard(client, dedupe.NewLedgerRepository(conn), 0, logg)
	require.NoError(t, err)
	reg, err := registry.NewEventRegistry(config.BrokerConfig{
		DeviceEventsQueue: "device-events",
		DeliveryQueue:     "notification-delivery",
		DomainEventsTopic: "domain-events",
	})
	require.NoError(t, err)
	writer := outbox.NewWriter(outbox.NewRepository(conn), reg, logg)
	repo := NewRepository(conn)
	attempts := NewAttemptRepository(conn)

	svc, err := NewService(ServiceParams{
		DB:       client,
		Guard:    guard,
		Repo:     repo,
		Attempts: attempts,
		Outbox:   writer,
		Logger:   logg,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }

	worker, err := NewWorker(WorkerParams{
		DB:       client,
		Repo:     repo,
		Attempts: attempts,
		Outbox:   writer,
		Channels: channels,
		Logger:   logg,
	})
	require.NoError(t, err)
	worker.now = func() time.Time { return testNow }

	return &harness{
		conn:     conn,
		service:  svc,
		worker:   worker,
		repo:     repo,
		attempts: attempts,
		registry: reg,
		logg:     logg,
	}
}

func (h *harness) create(t *testing.T, channel enums.NotificationChannel, payload string) *models.Notification {
	t.Helper()
	in := CreateInput{
		TenantID: uuid.New(),
		Channel:  channel,
		Title:    "Silo 4 low",
		Body:     "Feed below 10%",
	}
	if payload != "" {
		in.Payload = json.RawMessage(payload)
	}
	res, err := h.service.Create(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Record
}

func (h *harness) reload(t *testing.T, n *models.Notification) *models.Notification {
	t.Helper()
	got, err := h.repo.FindByID(context.Background(), n.TenantID, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func (h *harness) attemptRows(t *testing.T, n *models.Notification) []models.DeliveryAttempt {
	t.Helper()
	rows, err := h.attempts.ListByNotification(context.Background(), n.ID)
	require.NoError(t, err)
	return rows
}

func (h *harness) outboxRows(t *testing.T, eventType enums.OutboxEventType) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, h.conn.Where("event_type = ?", eventType).Order("created_at, id").Find(&rows).Error)
	return rows
}

func (h *harness) deliveryJobs(t *testing.T) []payloads.DeliveryJob {
	t.Helper()
	var jobs []payloads.DeliveryJob
	for _, row := range h.outboxRows(t, enums.EventNotificationDeliveryRequested) {
		var job payloads.DeliveryJob
		require.NoError(t, json.Unmarshal(row.Payload, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func jobFor(n *models.Notification, attempt int) payloads.DeliveryJob {
	return payloads.DeliveryJob{
		SchemaVersion:  payloads.DeliverySchemaVersion,
		TenantID:       n.TenantID,
		NotificationID: n.ID,
		Channel:        n.Channel,
		Attempt:        attempt,
	}
}

// scriptedChannel returns queued results in order and repeats the last one.
type scriptedChannel struct {
	results []SendResult
	calls   int
	onSend  func()
}

func (c *scriptedChannel) Send(context.Context, *models.Notification, int) SendResult {
	c.calls++
	if c.onSend != nil {
		c.onSend()
	}
	if len(c.results) == 0 {
		return SendResult{Provider: "fake"}
	}
	idx := c.calls - 1
	if idx >= len(c.results) {
		idx = len(c.results) - 1
	}
	return c.results[idx]
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/dbtest"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
)

func seedRow(t *testing.T, conn *gorm.DB, priority int, createdAt, due time.Time) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		EventType:     enums.EventFeedConsumed,
		OccurredAt:    createdAt,
		TraceID:       "trace",
		Payload:       json.RawMessage(`{}`),
		Status:        enums.OutboxStatusPending,
		NextAttemptAt: due,
		Priority:      priority,
		CreatedAt:     createdAt,
	}
	require.NoError(t, conn.Create(&row).Error)
	return row
}

func TestFetchDueForPublishOrdering(t *testing.T) {
	conn := dbtest.Open(t, &models.OutboxEvent{})
	repo := NewRepository(conn)
	now := time.Now().UTC()

	older := seedRow(t, conn, 0, now.Add(-3*time.Minute), now.Add(-time.Minute))
	newer := seedRow(t, conn, 0, now.Add(-2*time.Minute), now.Add(-time.Minute))
	urgent := seedRow(t, conn, 5, now.Add(-time.Minute), now.Add(-time.Minute))
	seedRow(t, conn, 9, now.Add(-time.Minute), now.Add(time.Hour))

	rows, err := repo.FetchDueForPublishTx(conn, now, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []uuid.UUID{urgent.ID, older.ID, newer.ID}, []uuid.UUID{rows[0].ID, rows[1].ID, rows[2].ID})

	rows, err = repo.FetchDueForPublishTx(conn, now, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	conn := dbtest.Open(t, &models.OutboxEvent{})
	repo := NewRepository(conn)
	now := time.Now().UTC()
	row := seedRow(t, conn, 0, now, now)

	require.NoError(t, repo.MarkRetryTx(conn, row.ID, 1, now.Add(time.Minute), errors.New("broker down")))
	got, err := repo.FindByID(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "broker down", *got.LastError)

	require.NoError(t, repo.MarkSentTx(conn, row.ID, now))
	require.NoError(t, repo.MarkFailedTx(conn, row.ID, 9, errors.New("late failure")))
	got, err = repo.FindByID(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusSent, got.Status)
	assert.Nil(t, got.LastError)
}

func TestDeleteSentBeforeKeepsUnsentRows(t *testing.T) {
	conn := dbtest.Open(t, &models.OutboxEvent{})
	repo := NewRepository(conn)
	now := time.Now().UTC()

	sentOld := seedRow(t, conn, 0, now.Add(-48*time.Hour), now)
	require.NoError(t, repo.MarkSentTx(conn, sentOld.ID, now.Add(-48*time.Hour)))
	sentRecent := seedRow(t, conn, 0, now, now)
	require.NoError(t, repo.MarkSentTx(conn, sentRecent.ID, now))
	pendingOld := seedRow(t, conn, 0, now.Add(-72*time.Hour), now)

	deleted, err := repo.DeleteSentBefore(context.Background(), now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	for _, id := range []uuid.UUID{sentRecent.ID, pendingOld.ID} {
		got, err := repo.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}
}

func TestDLQRepository(t *testing.T) {
	conn := dbtest.Open(t, &models.OutboxDLQ{})
	repo := NewDLQRepository(conn)
	now := time.Now().UTC()
	long := string(make([]byte, 2*maxDLQErrorLen))
	eventID := uuid.New()

	require.NoError(t, repo.InsertTx(conn, models.OutboxDLQ{
		OutboxEventID: eventID,
		TenantID:      uuid.New(),
		EventType:     enums.EventFeedConsumed,
		Payload:       json.RawMessage(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &long,
		FailedAt:      now.Add(-40 * 24 * time.Hour),
	}))

	got, err := repo.FindByOutboxEventID(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, *got.ErrorMessage, maxDLQErrorLen)

	deleted, err := repo.DeleteBefore(context.Background(), now.Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	missing, err := repo.FindByOutboxEventID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDLQRepositoryRejectsUnknownReason(t *testing.T) {
	conn := dbtest.Open(t, &models.OutboxDLQ{})
	repo := NewDLQRepository(conn)
	err := repo.InsertTx(conn, models.OutboxDLQ{
		OutboxEventID: uuid.New(),
		TenantID:      uuid.New(),
		EventType:     enums.EventFeedConsumed,
		Payload:       json.RawMessage(`{}`),
		ErrorReason:   "gave_up",
	})
	assert.Error(t, err)
}

func TestClipUTF8KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", clipUTF8("abc", 10))
	// "é" is two bytes; cutting at 2 would split it.
	assert.Equal(t, "a", clipUTF8("aé", 2))
	assert.Equal(t, "aé", clipUTF8("aéz", 3))
}

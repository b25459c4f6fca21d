// Package deadletters drains broker dead-letter queues into the
// broker_dead_letters table so poison messages can be inspected and replayed.
package deadletters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/barnlink/pkg/broker"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

const (
	retryBase = 500 * time.Millisecond
	retryCap  = 30 * time.Second
)

// reasonAttributes are checked in order for a dead-letter reason.
var reasonAttributes = []string{"x-first-death-reason", "dead_letter_reason", "event_type"}

type archiveStore interface {
	Archive(ctx context.Context, entry *models.BrokerDeadLetter) (bool, error)
}

type Archiver struct {
	store archiveStore
	logg  *logger.Logger
	now   func() time.Time
	// backoff builds the retry policy for one archive call.
	backoff func() retry.Backoff
}

func NewArchiver(store archiveStore, logg *logger.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("dead letter repository required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Archiver{
		store: store,
		logg:  logg,
		now:   time.Now,
		backoff: func() retry.Backoff {
			return retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase))
		},
	}, nil
}

// Handle implements broker.Handler. Storage errors are retried until ctx
// ends; nacking a dead letter would discard it on drivers without a
// second-level DLQ.
func (a *Archiver) Handle(ctx context.Context, d broker.Delivery) error {
	entry := &models.BrokerDeadLetter{
		Queue:      d.Queue,
		MessageID:  messageID(d),
		TenantID:   tenantOf(d.Body),
		Reason:     reasonOf(d.Attributes),
		Body:       d.Body,
		ReceivedAt: a.now().UTC(),
	}

	var stored bool
	err := retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		ok, err := a.store.Archive(ctx, entry)
		if err != nil {
			a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "archiving dead letter failed, retrying")
			return retry.RetryableError(err)
		}
		stored = ok
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive dead letter %s/%s: %w", entry.Queue, entry.MessageID, err)
	}

	logCtx := a.logg.WithFields(ctx, map[string]any{
		"dlq":        entry.Queue,
		"message_id": entry.MessageID,
	})
	if entry.TenantID != nil {
		logCtx = a.logg.WithTenantID(logCtx, entry.TenantID.String())
	}
	if !stored {
		a.logg.Debug(logCtx, "dead letter already archived")
		return nil
	}
	a.logg.Warn(logCtx, "dead letter archived")
	return nil
}

// messageID prefers the transport id and falls back to a body digest so
// redeliveries of id-less messages still collapse onto one row.
func messageID(d broker.Delivery) string {
	if d.ID != "" {
		return d.ID
	}
	sum := sha256.Sum256(d.Body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func tenantOf(body []byte) *uuid.UUID {
	var probe struct {
		TenantID uuid.UUID `json:"tenant_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.TenantID == uuid.Nil {
		return nil
	}
	return &probe.TenantID
}

func reasonOf(attrs map[string]string) *string {
	for _, key := range reasonAttributes {
		if v := attrs[key]; v != "" {
			reason := key + "=" + v
			return &reason
		}
	}
	return nil
}

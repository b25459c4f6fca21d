package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/pkg/redis"
)

// Marker is a Redis fast path in front of the guard. Keys follow
// `bl:idempotency:evt:processed:<consumer>:<tenant>:<event_id>`. A key is only
// written once the event's effects have committed, so a marker never hides an
// event whose handling was interrupted. It never replaces the ledger.
type Marker struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewMarker(store redis.IdempotencyStore, ttl time.Duration) (*Marker, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Marker{store: store, ttl: ttl}, nil
}

// Seen reports whether the event was marked processed. A nil Marker has seen
// nothing.
func (m *Marker) Seen(ctx context.Context, consumer string, tenantID uuid.UUID, eventID string) (bool, error) {
	if m == nil {
		return false, nil
	}
	key, err := m.key(consumer, tenantID, eventID)
	if err != nil {
		return false, err
	}
	val, err := m.store.Get(ctx, key)
	if redis.IsNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read processed marker: %w", err)
	}
	return val != "", nil
}

// Mark records the event as processed. Call it after the handling
// transaction has committed.
func (m *Marker) Mark(ctx context.Context, consumer string, tenantID uuid.UUID, eventID string) error {
	if m == nil {
		return nil
	}
	key, err := m.key(consumer, tenantID, eventID)
	if err != nil {
		return err
	}
	if _, err := m.store.SetNX(ctx, key, "1", m.ttl); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (m *Marker) key(consumer string, tenantID uuid.UUID, eventID string) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if tenantID == uuid.Nil || eventID == "" {
		return "", errors.New("tenant id and event id are required")
	}
	return m.store.IdempotencyKey("evt:processed:"+consumer+":"+tenantID.String(), eventID), nil
}

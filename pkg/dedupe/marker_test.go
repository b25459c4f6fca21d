package dedupe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/redis"
)

type fakeStore struct {
	values     map[string]string
	getError   error
	setNXError error
	lastKey    string
	lastTTL    time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if f.getError != nil {
		return "", f.getError
	}
	v, ok := f.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	if f.setNXError != nil {
		return false, f.setNXError
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = fmt.Sprint(value)
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "bl:idempotency:" + scope + ":" + id
}

var markerTenant = uuid.MustParse("0b6f9a52-52b4-4a43-9bb4-8f1f9a1f2a10")

func TestMarkerSeenOnlyAfterMark(t *testing.T) {
	store := newFakeStore()
	marker, err := NewMarker(store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewMarker: %v", err)
	}
	ctx := context.Background()

	seen, err := marker.Seen(ctx, "ingest", markerTenant, "evt-1")
	if err != nil || seen {
		t.Fatalf("Seen before Mark = %v, %v", seen, err)
	}
	if len(store.values) != 0 {
		t.Fatal("Seen must not write a marker")
	}

	if err := marker.Mark(ctx, "ingest", markerTenant, "evt-1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	want := "bl:idempotency:evt:processed:ingest:" + markerTenant.String() + ":evt-1"
	if store.lastKey != want {
		t.Fatalf("unexpected key %q", store.lastKey)
	}
	if store.lastTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl %v", store.lastTTL)
	}
	if seen, _ := marker.Seen(ctx, "ingest", markerTenant, "evt-1"); !seen {
		t.Fatal("marked event not reported as seen")
	}
	if err := marker.Mark(ctx, "ingest", markerTenant, "evt-1"); err != nil {
		t.Fatalf("second Mark must be a no-op, got %v", err)
	}
}

func TestMarkerErrors(t *testing.T) {
	store := newFakeStore()
	store.getError = errors.New("boom")
	store.setNXError = errors.New("boom")
	marker, _ := NewMarker(store, time.Hour)
	ctx := context.Background()

	if _, err := marker.Seen(ctx, "ingest", markerTenant, "evt-1"); err == nil {
		t.Fatal("expected store error from Seen")
	}
	if err := marker.Mark(ctx, "ingest", markerTenant, "evt-1"); err == nil {
		t.Fatal("expected store error from Mark")
	}
	if _, err := marker.Seen(ctx, "", markerTenant, "evt-1"); err == nil {
		t.Fatal("expected consumer validation error")
	}
	if err := marker.Mark(ctx, "ingest", uuid.Nil, "evt-1"); err == nil {
		t.Fatal("expected tenant validation error")
	}

	var nilMarker *Marker
	if seen, err := nilMarker.Seen(ctx, "ingest", markerTenant, "evt-1"); seen || err != nil {
		t.Fatalf("nil marker = %v, %v", seen, err)
	}
	if err := nilMarker.Mark(ctx, "ingest", markerTenant, "evt-1"); err != nil {
		t.Fatalf("nil marker Mark = %v", err)
	}
}

func TestMarkerAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), config.RedisConfig{Address: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer client.Close()

	marker, _ := NewMarker(client, time.Hour)
	ctx := context.Background()
	if seen, err := marker.Seen(ctx, "delivery", markerTenant, "evt-9"); err != nil || seen {
		t.Fatalf("fresh event = %v, %v", seen, err)
	}
	if err := marker.Mark(ctx, "delivery", markerTenant, "evt-9"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if seen, err := marker.Seen(ctx, "delivery", markerTenant, "evt-9"); err != nil || !seen {
		t.Fatalf("marked event = %v, %v", seen, err)
	}

	mr.FastForward(2 * time.Hour)
	if seen, _ := marker.Seen(ctx, "delivery", markerTenant, "evt-9"); seen {
		t.Fatal("expired marker still reported as seen")
	}
}

func ExampleMarker_Seen() {
	mr, _ := miniredis.Run()
	defer mr.Close()
	client, _ := redis.New(context.Background(), config.RedisConfig{Address: mr.Addr()}, nil)
	defer client.Close()

	marker, _ := NewMarker(client, 7*24*time.Hour)
	tenant := uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	for i := 0; i < 2; i++ {
		if seen, _ := marker.Seen(context.Background(), "ingest", tenant, "evt-1"); seen {
			fmt.Println("already processed")
			continue
		}
		fmt.Println("processing event")
		_ = marker.Mark(context.Background(), "ingest", tenant, "evt-1")
	}
	// Output:
	// processing event
	// already processed
}

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafkaReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
	commitSig chan struct{}
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	r.mu.Unlock()
	r.commitSig <- struct{}{}
	return nil
}

func (r *fakeKafkaReader) Close() error { return nil }

type fakeKafkaWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaConsumeDeadLettersFailuresBeforeCommit(t *testing.T) {
	reader := &fakeKafkaReader{msgs: make(chan kafka.Message, 3), commitSig: make(chan struct{}, 1)}
	writer := &fakeKafkaWriter{}
	k, err := NewKafka(KafkaOptions{
		Prefetch:  3,
		MaxWait:   20 * time.Millisecond,
		NewReader: func(string) KafkaReader { return reader },
		Writer:    writer,
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, k.Open(context.Background()))

	for i, id := range []string{"a", "b", "c"} {
		reader.msgs <- kafka.Message{
			Topic:   "device-events",
			Offset:  int64(i),
			Value:   []byte(id),
			Headers: []kafka.Header{{Key: "message_id", Value: []byte(id)}},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- k.Consume(ctx, "device-events", func(_ context.Context, d Delivery) error {
			if d.ID == "b" {
				return errors.New("handler failed")
			}
			return nil
		})
	}()

	select {
	case <-reader.commitSig:
	case <-time.After(2 * time.Second):
		t.Fatal("batch not committed")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Len(t, reader.committed, 3)
	require.Len(t, writer.written, 1)
	assert.Equal(t, "device-events.dlq", writer.written[0].Topic)
	assert.Equal(t, []byte("b"), writer.written[0].Value)
	dl := fromKafkaMessage("device-events.dlq", writer.written[0])
	assert.Equal(t, "handler failed", dl.Attributes[AttrDeadLetterReason])
}

func TestKafkaConsumeStopsWithoutCommitWhenDeadLetterFails(t *testing.T) {
	reader := &fakeKafkaReader{msgs: make(chan kafka.Message, 1), commitSig: make(chan struct{}, 1)}
	writer := &fakeKafkaWriter{err: errors.New("broker unavailable")}
	k, err := NewKafka(KafkaOptions{
		Prefetch:  1,
		NewReader: func(string) KafkaReader { return reader },
		Writer:    writer,
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, k.Open(context.Background()))

	reader.msgs <- kafka.Message{Topic: "notification-delivery", Value: []byte("x")}
	err = k.Consume(context.Background(), "notification-delivery", func(context.Context, Delivery) error {
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Empty(t, reader.committed)
}

func TestKafkaMessageRoundTripKeepsIdentity(t *testing.T) {
	m := toKafkaMessage("device-events", Message{ID: "evt-1", Body: []byte("{}"), Attributes: map[string]string{"event_type": "feed.consumed"}})
	assert.Equal(t, []byte("evt-1"), m.Key)

	d := fromKafkaMessage("device-events", m)
	assert.Equal(t, "evt-1", d.ID)
	assert.Equal(t, "feed.consumed", d.Attributes["event_type"])
}

func TestToKafkaMessageWritesMessageIDOnce(t *testing.T) {
	msg := toKafkaMessage("device-events.dlq", Message{
		ID:         "evt-1",
		Body:       []byte(`{}`),
		Attributes: map[string]string{"message_id": "evt-1", AttrDeadLetterReason: "boom"},
	})
	seen := 0
	for _, h := range msg.Headers {
		if h.Key == "message_id" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("expected one message_id header, got %d", seen)
	}
	if string(msg.Key) != "evt-1" {
		t.Fatalf("expected key to fall back to the message id, got %q", msg.Key)
	}
}

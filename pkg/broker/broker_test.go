package broker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/barnlink/pkg/metrics"
)

func TestDispatchOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewBrokerMetrics(reg)
	d := NewDispatcher(nil, m)
	delivery := Delivery{Message: Message{ID: "m-1"}, Queue: "device-events"}

	tests := []struct {
		name string
		h    Handler
		want Outcome
	}{
		{"ack", func(context.Context, Delivery) error { return nil }, OutcomeAck},
		{"dead letter", func(context.Context, Delivery) error { return errors.New("boom") }, OutcomeDeadLetter},
		{"drop", func(context.Context, Delivery) error { return Drop(errors.New("unsupported schema_version 9")) }, OutcomeDrop},
		{"panic", func(context.Context, Delivery) error { panic("nil map") }, OutcomeDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, cause := d.Dispatch(context.Background(), tt.h, delivery)
			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.want == OutcomeAck, cause == nil)
		})
	}

	series, err := testutil.GatherAndCount(reg, "broker_messages_handled_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestDeadLetterMessageStampsReason(t *testing.T) {
	orig := Message{ID: "m-1", Attributes: map[string]string{"event_type": "scale.reading"}}
	long := strings.Repeat("x", maxReasonLen+10)

	dl := deadLetterMessage(orig, errors.New(long))
	assert.Len(t, dl.Attributes[AttrDeadLetterReason], maxReasonLen)
	assert.Equal(t, "scale.reading", dl.Attributes["event_type"])
	_, leaked := orig.Attributes[AttrDeadLetterReason]
	assert.False(t, leaked, "original attributes must not be mutated")

	assert.NotContains(t, deadLetterMessage(orig, nil).Attributes, AttrDeadLetterReason)
}

func TestDropWrapsCause(t *testing.T) {
	cause := errors.New("bad envelope")
	err := Drop(cause)
	assert.True(t, IsDrop(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsDrop(cause))
	assert.Equal(t, "device-events.dlq", DeadLetterName("device-events"))
}

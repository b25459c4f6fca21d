package enums

import "testing"

func TestNotificationStatusTransitions(t *testing.T) {
	tests := []struct {
		from NotificationStatus
		to   NotificationStatus
		want bool
	}{
		{NotificationStatusCreated, NotificationStatusQueued, true},
		{NotificationStatusCreated, NotificationStatusSent, true},
		{NotificationStatusQueued, NotificationStatusQueued, true},
		{NotificationStatusQueued, NotificationStatusFailed, true},
		{NotificationStatusQueued, NotificationStatusCanceled, true},
		{NotificationStatusCreated, NotificationStatusFailed, false},
		{NotificationStatusSent, NotificationStatusQueued, false},
		{NotificationStatusFailed, NotificationStatusSent, false},
		{NotificationStatusCanceled, NotificationStatusQueued, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Fatalf("%s -> %s: got %v want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNotificationStatusIsFinal(t *testing.T) {
	for _, s := range []NotificationStatus{NotificationStatusSent, NotificationStatusFailed, NotificationStatusCanceled} {
		if !s.IsFinal() {
			t.Fatalf("expected %s to be final", s)
		}
	}
	for _, s := range []NotificationStatus{NotificationStatusCreated, NotificationStatusQueued} {
		if s.IsFinal() {
			t.Fatalf("expected %s to be non-final", s)
		}
	}
}

func TestOutboxStatusMovesForwardOnly(t *testing.T) {
	if !OutboxStatusPending.CanTransitionTo(OutboxStatusSent) {
		t.Fatal("pending -> sent should be allowed")
	}
	if OutboxStatusSent.CanTransitionTo(OutboxStatusPending) {
		t.Fatal("sent -> pending should be rejected")
	}
	if OutboxStatusFailed.CanTransitionTo(OutboxStatusSent) {
		t.Fatal("failed -> sent should be rejected")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseOutboxEventType("feed.consumed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseOutboxEventType("order_created"); err == nil {
		t.Fatal("expected unknown event type to fail")
	}
	if ch, err := ParseNotificationChannel("webhook"); err != nil || ch != NotificationChannelWebhook {
		t.Fatalf("unexpected channel parse result %q %v", ch, err)
	}
	if _, err := ParseNotificationChannel("pager"); err == nil {
		t.Fatal("expected unknown channel to fail")
	}
	if r, err := ParseOutboxDLQErrorReason("unroutable"); err != nil || r != OutboxDLQReasonUnroutable {
		t.Fatalf("unexpected dlq reason parse result %q %v", r, err)
	}
	if _, err := ParseOutboxDLQErrorReason("gave_up"); err == nil {
		t.Fatal("expected unknown dlq reason to fail")
	}
}

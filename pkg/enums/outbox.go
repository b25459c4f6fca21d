package enums

import "fmt"

// OutboxStatus maps to the outbox_status enum in Postgres. Rows only move forward.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusSent,
	OutboxStatusFailed,
}

func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether the status may move to next.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case OutboxStatusPending:
		return next == OutboxStatusSent || next == OutboxStatusFailed || next == OutboxStatusPending
	default:
		return false
	}
}

// OutboxEventType is the tagged-union discriminator carried by outbox rows and envelopes.
type OutboxEventType string

const (
	EventScaleReading                  OutboxEventType = "scale.reading"
	EventFeedConsumed                  OutboxEventType = "feed.consumed"
	EventConsumptionRecorded           OutboxEventType = "consumption.recorded"
	EventNotificationDeliveryRequested OutboxEventType = "notification.delivery_requested"
	EventNotificationStatusChanged     OutboxEventType = "notification.status_changed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventScaleReading,
	EventFeedConsumed,
	EventConsumptionRecorded,
	EventNotificationDeliveryRequested,
	EventNotificationStatusChanged,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

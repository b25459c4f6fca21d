package enums

import "fmt"

// NotificationChannel maps to the notification_channel enum in Postgres.
type NotificationChannel string

const (
	NotificationChannelInApp   NotificationChannel = "in_app"
	NotificationChannelWebhook NotificationChannel = "webhook"
	NotificationChannelEmail   NotificationChannel = "email"
	NotificationChannelSMS     NotificationChannel = "sms"
	NotificationChannelPush    NotificationChannel = "push"
)

var validNotificationChannels = []NotificationChannel{
	NotificationChannelInApp,
	NotificationChannelWebhook,
	NotificationChannelEmail,
	NotificationChannelSMS,
	NotificationChannelPush,
}

func (c NotificationChannel) IsValid() bool {
	for _, candidate := range validNotificationChannels {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseNotificationChannel converts raw strings into NotificationChannel.
func ParseNotificationChannel(value string) (NotificationChannel, error) {
	for _, candidate := range validNotificationChannels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification channel %q", value)
}

type NotificationSeverity string

const (
	NotificationSeverityInfo     NotificationSeverity = "info"
	NotificationSeverityWarning  NotificationSeverity = "warning"
	NotificationSeverityCritical NotificationSeverity = "critical"
)

func (s NotificationSeverity) IsValid() bool {
	switch s {
	case NotificationSeverityInfo, NotificationSeverityWarning, NotificationSeverityCritical:
		return true
	}
	return false
}

// NotificationStatus tracks the delivery lifecycle: created -> queued -> sent|failed,
// with canceled reachable from created and queued.
type NotificationStatus string

const (
	NotificationStatusCreated  NotificationStatus = "created"
	NotificationStatusQueued   NotificationStatus = "queued"
	NotificationStatusSent     NotificationStatus = "sent"
	NotificationStatusFailed   NotificationStatus = "failed"
	NotificationStatusCanceled NotificationStatus = "canceled"
)

// IsFinal reports whether no further delivery work applies.
func (s NotificationStatus) IsFinal() bool {
	return s == NotificationStatusSent || s == NotificationStatusFailed || s == NotificationStatusCanceled
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s NotificationStatus) CanTransitionTo(next NotificationStatus) bool {
	switch s {
	case NotificationStatusCreated:
		return next == NotificationStatusQueued || next == NotificationStatusSent || next == NotificationStatusCanceled
	case NotificationStatusQueued:
		return next == NotificationStatusQueued || next == NotificationStatusSent ||
			next == NotificationStatusFailed || next == NotificationStatusCanceled
	default:
		return false
	}
}

// DeliveryAttemptStatus maps to the delivery_attempt_status enum.
type DeliveryAttemptStatus string

const (
	DeliveryAttemptSuccess  DeliveryAttemptStatus = "success"
	DeliveryAttemptFail     DeliveryAttemptStatus = "fail"
	DeliveryAttemptRetrying DeliveryAttemptStatus = "retrying"
)

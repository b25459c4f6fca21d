package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
)

// SchemaVersion is the only envelope version consumers accept.
const SchemaVersion = 1

var (
	ErrUnsupportedSchemaVersion = errors.New("unsupported envelope schema_version")
	ErrMalformedEnvelope        = errors.New("malformed envelope")
)

// Envelope is the wire contract for every message on the broker.
type Envelope struct {
	SchemaVersion int                   `json:"schema_version"`
	EventID       string                `json:"event_id"`
	TenantID      uuid.UUID             `json:"tenant_id"`
	EventType     enums.OutboxEventType `json:"event_type"`
	OccurredAt    time.Time             `json:"occurred_at"`
	TraceID       string                `json:"trace_id,omitempty"`
	DeviceID      *string               `json:"device_id,omitempty"`
	Payload       json.RawMessage       `json:"payload"`
}

// Encode serializes the envelope after checking mandatory fields.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func (e Envelope) validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: event_id is required", ErrMalformedEnvelope)
	case e.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant_id is required", ErrMalformedEnvelope)
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: payload is required", ErrMalformedEnvelope)
	}
	return nil
}

// DecodeEnvelope parses a broker message body. schema_version is read on its
// own first: a version other than SchemaVersion returns
// ErrUnsupportedSchemaVersion whatever shape the remaining fields have.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var head struct {
		SchemaVersion json.RawMessage `json:"schema_version"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var version int
	if err := json.Unmarshal(head.SchemaVersion, &version); err != nil || version != SchemaVersion {
		return Envelope{SchemaVersion: version}, fmt.Errorf("%w: %s", ErrUnsupportedSchemaVersion, versionText(head.SchemaVersion))
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.validate(); err != nil {
		return env, err
	}
	return env, nil
}

func versionText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "missing"
	}
	return string(raw)
}

// EnvelopeFromRow rebuilds the envelope the forwarder publishes for row. The
// row id doubles as the event id.
func EnvelopeFromRow(row models.OutboxEvent) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		EventID:       row.ID.String(),
		TenantID:      row.TenantID,
		EventType:     row.EventType,
		OccurredAt:    row.OccurredAt.UTC(),
		TraceID:       row.TraceID,
		DeviceID:      row.DeviceID,
		Payload:       row.Payload,
	}
}

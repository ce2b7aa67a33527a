package signals

import (
	"time"

	"github.com/google/uuid"

	"handoff/internal/domain"
)

// NewID returns a UUIDv7 string. Version 7 ids sort by creation time, which
// makes lexicographic inbox order match send order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEnvelope builds an envelope stamped now with the default TTL.
func NewEnvelope(sender, recipient, msgType string, payload map[string]any) domain.Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.Envelope{
		ID:         NewID(),
		Sender:     sender,
		Recipient:  recipient,
		Payload:    payload,
		Timestamp:  domain.FormatTime(time.Now()),
		Type:       msgType,
		TTLSeconds: domain.DefaultTTLSeconds,
	}
}

// NewRequest asks recipient to perform action.
func NewRequest(sender, recipient, action string, data map[string]any) domain.Envelope {
	return NewEnvelope(sender, recipient, domain.MessageRequest, map[string]any{"action": action, "data": orEmpty(data)})
}

// NewResponse answers the request identified by correlationID.
func NewResponse(sender, recipient, correlationID, status string, data map[string]any) domain.Envelope {
	env := NewEnvelope(sender, recipient, domain.MessageResponse, map[string]any{"status": status, "data": orEmpty(data)})
	env.CorrelationID = &correlationID
	return env
}

// NewNotification reports event without expecting an answer.
func NewNotification(sender, recipient, event string, data map[string]any) domain.Envelope {
	return NewEnvelope(sender, recipient, domain.MessageNotification, map[string]any{"event": event, "data": orEmpty(data)})
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

package plugin

import (
	"time"

	"github.com/google/uuid"

	"github.com/leeforge/plugind/json"
)

// MessageType discriminates message envelopes.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageEvent        MessageType = "event"
	MessageHealthCheck  MessageType = "health_check"
	MessageConfigUpdate MessageType = "config_update"
	MessageShutdown     MessageType = "shutdown"
)

// Priority orders message delivery urgency.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Message is the envelope exchanged with plugin instances.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Priority      Priority        `json:"priority"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewMessage builds an envelope with a fresh id. The id doubles as the
// correlation id so the response can be matched.
func NewMessage(typ MessageType, source, target string, payload any) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	id := uuid.NewString()
	return Message{
		ID:            id,
		Type:          typ,
		Source:        source,
		Target:        target,
		Payload:       raw,
		CorrelationID: id,
		Priority:      PriorityNormal,
		Timestamp:     time.Now(),
	}, nil
}

// NewResponse answers req. The response echoes CorrelationID and Priority.
func NewResponse(req Message, payload any) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = req.ID
	}
	return Message{
		ID:            uuid.NewString(),
		Type:          MessageResponse,
		Source:        req.Target,
		Target:        req.Source,
		Payload:       raw,
		CorrelationID: corr,
		Priority:      req.Priority,
		Timestamp:     time.Now(),
	}, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

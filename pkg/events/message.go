package events

import "time"

// Message is the tagged variant pushed to WebSocket observers. It is
// ephemeral: never persisted, never replayed to late subscribers.
type Message struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMessage wraps an engine event for delivery on a broadcast topic.
func NewMessage(eventType EventType, workflowID, executionID string, payload any) Message {
	return Message{
		Type:        eventType,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

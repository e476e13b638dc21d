// Package events defines the engine's event taxonomy and the wire message
// pushed to WebSocket observers.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/weftlab/weft/pkg/models"
)

type EventType string

// Bus topic for all execution lifecycle events.
const Topic = "weft.executions"

const (
	EventKeyMetadataKey  = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	ExecutionStartedEvent   EventType = "execution_started"
	ExecutionProgressEvent  EventType = "execution_progress"
	NodeUpdateEvent         EventType = "node_update"
	ExecutionCompletedEvent EventType = "execution_completed"
	ExecutionFailedEvent    EventType = "execution_failed"
	ExecutionCancelledEvent EventType = "execution_cancelled"
	SystemNotificationEvent EventType = "system_notification"
)

// WorkflowTopic is the broadcast routing key observers subscribe to for one
// workflow's executions.
func WorkflowTopic(workflowID string) string {
	return "workflow:" + workflowID
}

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
}

// GetWorkflowID lets bus publishers key messages by workflow.
func (b BaseEvent) GetWorkflowID() string { return b.WorkflowID }

func NewBaseEvent(eventType EventType, workflowID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	WorkflowName string         `json:"workflow_name"`
	TriggerData  map[string]any `json:"trigger_data,omitempty"`
	Initiator    string         `json:"initiator,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionProgress struct {
	BaseEvent

	NodesTotal    int `json:"nodes_total"`
	NodesFinished int `json:"nodes_finished"`
}

func (e ExecutionProgress) GetType() EventType { return ExecutionProgressEvent }

type NodeUpdate struct {
	BaseEvent

	NodeID     string                  `json:"node_id"`
	Status     models.NodeResultStatus `json:"status"`
	Output     map[string]any          `json:"output,omitempty"`
	Error      string                  `json:"error,omitempty"`
	DurationMs int64                   `json:"duration_ms"`
}

func (e NodeUpdate) GetType() EventType { return NodeUpdateEvent }

type ExecutionCompleted struct {
	BaseEvent

	DurationMs    int64          `json:"duration_ms"`
	NodesExecuted int            `json:"nodes_executed"`
	FinalOutputs  map[string]any `json:"final_outputs,omitempty"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	FailedNodeID  string `json:"failed_node_id,omitempty"`
	Error         string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent

	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	CancelledBy   string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type SystemNotification struct {
	BaseEvent

	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e SystemNotification) GetType() EventType { return SystemNotificationEvent }

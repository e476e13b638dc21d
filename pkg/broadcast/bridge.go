package broadcast

import (
	"context"
	"log/slog"

	"github.com/weftlab/weft/pkg/eventbus"
	"github.com/weftlab/weft/pkg/events"
)

// Bridge consumes engine events off the bus and republishes them as wire
// messages on per-workflow broadcast topics.
type Bridge struct {
	logger  *slog.Logger
	manager *Manager
}

func NewBridge(logger *slog.Logger, manager *Manager) *Bridge {
	return &Bridge{
		logger:  logger.With("module", "broadcast_bridge"),
		manager: manager,
	}
}

// Attach registers the bridge on every engine event type. Call before the
// bus starts consuming.
func (b *Bridge) Attach(bus eventbus.EventSubscriber) {
	forward := func(ctx context.Context, event any) error {
		return b.forward(event)
	}

	for _, eventType := range []events.EventType{
		events.ExecutionStartedEvent,
		events.ExecutionProgressEvent,
		events.NodeUpdateEvent,
		events.ExecutionCompletedEvent,
		events.ExecutionFailedEvent,
		events.ExecutionCancelledEvent,
	} {
		bus.Handle(eventType, forward)
	}
}

func (b *Bridge) forward(event any) error {
	base, ok := baseOf(event)
	if !ok {
		b.logger.Warn("dropping event without base fields")

		return nil
	}

	topic := events.WorkflowTopic(base.WorkflowID)
	msg := events.NewMessage(base.Type, base.WorkflowID, base.ExecutionID, event)

	b.manager.Publish(topic, msg)

	return nil
}

func baseOf(event any) (events.BaseEvent, bool) {
	switch e := event.(type) {
	case *events.ExecutionStarted:
		return e.BaseEvent, true
	case *events.ExecutionProgress:
		return e.BaseEvent, true
	case *events.NodeUpdate:
		return e.BaseEvent, true
	case *events.ExecutionCompleted:
		return e.BaseEvent, true
	case *events.ExecutionFailed:
		return e.BaseEvent, true
	case *events.ExecutionCancelled:
		return e.BaseEvent, true
	default:
		return events.BaseEvent{}, false
	}
}

// Package eventbus provides event-driven communication between the
// execution engine and its observers.
package eventbus

import (
	"context"

	"github.com/weftlab/weft/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventHandler func(ctx context.Context, event any) error

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

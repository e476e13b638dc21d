package broadcast

import (
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/pkg/channels/gochannel"
	"github.com/weftlab/weft/pkg/eventbus"
	"github.com/weftlab/weft/pkg/events"
)

func TestBridge_ForwardsBusEventsToObservers(t *testing.T) {
	manager := NewManager(slog.Default())
	defer manager.Close()

	server := httptest.NewServer(manager)
	defer server.Close()

	pub, sub := gochannel.CreateTestChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub)

	defer func() { _ = bus.Close() }()

	bridge := NewBridge(slog.Default(), manager)
	bridge.Attach(bus)

	require.NoError(t, bus.Subscribe(t.Context()))

	conn := dial(t, server)

	topic := events.WorkflowTopic("wf-1")
	require.NoError(t, conn.WriteJSON(SubscribeRequest{Action: ActionSubscribe, Topic: topic}))
	waitForSubscribers(t, manager, topic, 1)

	require.NoError(t, bus.Publish(t.Context(), "wf-1", events.NodeUpdate{
		BaseEvent: events.NewBaseEvent(events.NodeUpdateEvent, "wf-1", "exec-1"),
		NodeID:    "a",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var received events.Message

	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, events.NodeUpdateEvent, received.Type)
	assert.Equal(t, "wf-1", received.WorkflowID)
	assert.Equal(t, "exec-1", received.ExecutionID)
}

func TestBridge_HandlerIgnoresUnknownShape(t *testing.T) {
	manager := NewManager(slog.Default())
	defer manager.Close()

	bridge := NewBridge(slog.Default(), manager)

	// Unknown payload shapes are dropped, not errors: the bus must not
	// redeliver them forever.
	assert.NoError(t, bridge.forward(struct{}{}))
}

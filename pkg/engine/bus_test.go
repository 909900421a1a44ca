package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/engine"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := engine.NewBus()

	var got []engine.SessionState
	sub := bus.Subscribe(engine.TopicSessionState, func(ev engine.Event) {
		got = append(got, ev.(engine.SessionStateEvent).State)
	})
	defer sub.Close()

	bus.Publish(engine.SessionStateEvent{CallID: "c1", State: engine.SessionEstablishing})
	bus.Publish(engine.SessionStateEvent{CallID: "c1", State: engine.SessionEstablished})
	// Чужой топик не задевает подписку
	bus.Publish(engine.ProgressEvent{CallID: "c1", StatusCode: 180})

	require.Equal(t, []engine.SessionState{engine.SessionEstablishing, engine.SessionEstablished}, got)
}

func TestBusSubscriptionClose(t *testing.T) {
	bus := engine.NewBus()

	count := 0
	sub := bus.Subscribe(engine.TopicDisconnected, func(engine.Event) { count++ })

	bus.Publish(engine.DisconnectedEvent{Reason: "probe failed"})
	sub.Close()
	sub.Close() // повторное закрытие безопасно
	bus.Publish(engine.DisconnectedEvent{Reason: "probe failed"})

	assert.Equal(t, 1, count, "closed subscription must not receive events")
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := engine.NewBus()

	a, b := 0, 0
	s1 := bus.Subscribe(engine.TopicCallFailed, func(engine.Event) { a++ })
	s2 := bus.Subscribe(engine.TopicCallFailed, func(engine.Event) { b++ })
	defer s1.Close()
	defer s2.Close()

	bus.Publish(engine.CallFailedEvent{CallID: "c1", StatusCode: 486, ReasonPhrase: "Busy Here"})

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

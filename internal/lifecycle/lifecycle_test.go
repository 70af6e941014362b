package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartFiresStartingThenStarted(t *testing.T) {
	s := New()
	var seen []RunState
	s.AddListener(func(e Event) {
		if !e.IsConnectionEvent {
			seen = append(seen, e.Run)
		}
	})

	s.Start()
	require.Equal(t, []RunState{Starting, Started}, seen)
	require.Equal(t, Started, s.RunState())
}

func TestStartIsIdempotent(t *testing.T) {
	s := New()
	count := 0
	s.AddListener(func(Event) { count++ })

	s.Start()
	s.Start()
	s.Start()
	require.Equal(t, 2, count)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New()
	s.Start()

	var seen []RunState
	s.AddListener(func(e Event) {
		if !e.IsConnectionEvent {
			seen = append(seen, e.Run)
		}
	})

	s.Shutdown()
	s.Shutdown()
	require.Equal(t, []RunState{ShuttingDown, Shutdown}, seen)
	require.Equal(t, Shutdown, s.RunState())
}

func TestConnectionStateOnlyFiresOnEdge(t *testing.T) {
	s := New()
	var events []ConnectionState
	s.AddListener(func(e Event) {
		if e.IsConnectionEvent {
			events = append(events, e.Connection)
		}
	})

	s.SetConnected()
	s.SetConnected()
	s.SetDisconnected()
	s.SetDisconnected()

	require.Equal(t, []ConnectionState{Connected, Disconnected}, events)
	require.Equal(t, Disconnected, s.ConnectionState())
}

func TestListenerOrderAndRemoval(t *testing.T) {
	s := New()
	var order []int
	id1 := s.AddListener(func(Event) { order = append(order, 1) })
	s.AddListener(func(Event) { order = append(order, 2) })
	s.RemoveListener(id1)

	s.Start()
	require.Equal(t, []int{2, 2}, order)
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	s := New()
	called := false
	s.AddListener(func(Event) { panic("boom") })
	s.AddListener(func(Event) { called = true })

	s.Start()
	require.True(t, called)
}

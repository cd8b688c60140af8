package serialconn

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-cncserial/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEventBus_Order(t *testing.T) {
	require := require.New(t)

	bus := newEventBus(logger.GetLogger())

	var (
		mu    sync.Mutex
		lines []string
	)
	bus.subscribe(func(ev Event) {
		mu.Lock()
		lines = append(lines, ev.Line)
		mu.Unlock()
	})

	want := make([]string, 0, 500)
	for i := range 500 {
		line := strconv.Itoa(i)
		want = append(want, line)
		bus.publish(Event{Kind: RawData, Line: line})
	}

	// close delivers everything queued
	bus.close()

	require.Equal(want, lines)

	// dropped after close
	bus.publish(Event{Kind: RawData, Line: "late"})
	require.Len(lines, 500)
}

func TestEventBus_PanicAndUnsubscribe(t *testing.T) {
	require := require.New(t)

	l := logger.NewMockLogger()
	panicked := make(chan struct{}, 1)
	l.On("Error", "panic in event handler", mock.Anything).
		Run(func(mock.Arguments) { panicked <- struct{}{} }).
		Return()
	l.AllowAll()

	bus := newEventBus(l)
	defer bus.close()

	got := make(chan Event, 4)
	bus.subscribe(func(Event) { panic("boom") })
	remove := bus.subscribe(func(ev Event) { got <- ev })

	bus.publish(Event{Kind: StatusChanged, State: Connected})

	select {
	case ev := <-got:
		require.Equal(StatusChanged, ev.Kind)
		require.Equal(Connected, ev.State)
		require.False(ev.Time.IsZero())
	case <-time.After(time.Second):
		require.FailNow("event not delivered")
	}

	select {
	case <-panicked:
	case <-time.After(time.Second):
		require.FailNow("handler panic not logged")
	}

	remove()
	bus.publish(Event{Kind: StatusChanged, State: Disconnected})
	require.Never(func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestEventKind_String(t *testing.T) {
	require := require.New(t)

	require.Equal("status-changed", StatusChanged.String())
	require.Equal("error", ErrorOccurred.String())
	require.Equal("position-updated", PositionUpdated.String())
	require.Equal("unknown", EventKind(0).String())
}

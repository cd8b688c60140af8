package serialconn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-cncserial/cmdqueue"
	"github.com/arloliu/go-cncserial/firmware"
	"github.com/arloliu/go-cncserial/internal/queue"
	"github.com/arloliu/go-cncserial/logger"
	"github.com/arloliu/go-cncserial/response"
	"github.com/puzpuzpuz/xsync/v3"
)

// EventKind identifies the notification carried by an Event.
type EventKind uint8

const (
	// StatusChanged carries State and PrevState.
	StatusChanged EventKind = iota + 1
	// InfoUpdated carries a ConnectionInfo snapshot in Info.
	InfoUpdated
	// RawData carries a received line in Line.
	RawData
	// StructuredData carries the classified line in Response.
	StructuredData
	// FirmwareDetected carries the detected firmware in Firmware.
	FirmwareDetected
	// CommandSent carries the written command in Command.
	CommandSent
	// CommandQueued carries the enqueued command in Command.
	CommandQueued
	// ResponseTimeout carries the expired command in Command and CommandID.
	ResponseTimeout
	// ErrorOccurred carries the error in Err.
	ErrorOccurred
	// PositionUpdated carries a line with axis positions in Response.
	PositionUpdated
)

func (k EventKind) String() string {
	switch k {
	case StatusChanged:
		return "status-changed"
	case InfoUpdated:
		return "info-updated"
	case RawData:
		return "raw-data"
	case StructuredData:
		return "structured-data"
	case FirmwareDetected:
		return "firmware-detected"
	case CommandSent:
		return "command-sent"
	case CommandQueued:
		return "command-queued"
	case ResponseTimeout:
		return "response-timeout"
	case ErrorOccurred:
		return "error"
	case PositionUpdated:
		return "position-updated"
	default:
		return "unknown"
	}
}

// Event is a notification emitted by a Connection. Only the fields named
// by the Kind are set.
type Event struct {
	Kind      EventKind
	Time      time.Time
	State     ConnState
	PrevState ConnState
	Info      ConnectionInfo
	Line      string
	Response  *response.Response
	Firmware  firmware.Info
	Command   cmdqueue.Command
	CommandID uint64
	Err       error
}

// EventHandler receives events. Handlers run one at a time on the
// dispatcher goroutine, in publish order, and must not block.
type EventHandler func(Event)

// eventBus delivers events to handlers in publish order through an
// unbounded FIFO, so publishers never block and events are never dropped.
type eventBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  queue.Queue[Event]
	closed bool
	done   chan struct{}

	handlers *xsync.MapOf[uint64, EventHandler]
	lastID   atomic.Uint64
	logger   logger.Logger
}

func newEventBus(l logger.Logger) *eventBus {
	b := &eventBus{
		queue:    queue.NewSliceQueue[Event](64),
		done:     make(chan struct{}),
		handlers: xsync.NewMapOf[uint64, EventHandler](),
		logger:   l,
	}
	b.cond = sync.NewCond(&b.mu)

	go b.run()

	return b
}

// subscribe adds h and returns a function that removes it.
func (b *eventBus) subscribe(h EventHandler) func() {
	id := b.lastID.Add(1)
	b.handlers.Store(id, h)

	return func() { b.handlers.Delete(id) }
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue.Enqueue(ev)
	b.cond.Signal()
	b.mu.Unlock()
}

// close stops accepting events, delivers the queued ones and waits for the
// dispatcher to exit.
func (b *eventBus) close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()

	<-b.done
}

func (b *eventBus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for b.queue.IsEmpty() && !b.closed {
			b.cond.Wait()
		}
		ev, ok := b.queue.Dequeue()
		b.mu.Unlock()

		if !ok {
			return // closed and drained
		}

		b.dispatch(ev)
	}
}

func (b *eventBus) dispatch(ev Event) {
	b.handlers.Range(func(_ uint64, h EventHandler) bool {
		b.invoke(h, ev)
		return true
	})
}

func (b *eventBus) invoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event handler", "event", ev.Kind.String(), "panic", r)
		}
	}()

	h(ev)
}

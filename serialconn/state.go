package serialconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-cncserial/logger"
)

// ConnState is the lifecycle state of a Connection.
type ConnState uint32

const (
	// Disconnected is the initial state.
	Disconnected ConnState = iota
	// Connecting means the port is being opened.
	Connecting
	// Connected means the port is open and the I/O loops are running.
	Connected
	// Reconnecting means the port failed and is being reopened.
	Reconnecting
	// Error means the port could not be opened or reconnecting gave up.
	// Only Connect or Disconnect leave it.
	Error
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// IsActive returns true if the connection owns, or is acquiring, a port.
func (s ConnState) IsActive() bool {
	return s == Connecting || s == Connected || s == Reconnecting
}

// transitions lists the allowed target states per state.
var transitions = map[ConnState][]ConnState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Error, Disconnected},
	Error:        {Connecting, Disconnected},
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to ConnState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// StateChangeHandler is called synchronously, under the state lock, on
// every transition. It must not block or change the state.
type StateChangeHandler func(prev ConnState, cur ConnState)

// stateMgr guards the connection state and lets callers wait for a state.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

func newStateMgr(l logger.Logger, handlers ...StateChangeHandler) *stateMgr {
	sm := &stateMgr{logger: l, handlers: handlers}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(Disconnected))

	return sm
}

// State returns the current state.
func (sm *stateMgr) State() ConnState {
	return ConnState(sm.state.Load())
}

// To moves to state s. Moving to the current state is a no-op.
func (sm *stateMgr) To(s ConnState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur == s {
		return nil
	}

	if !CanTransition(cur, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, s)
	}

	sm.state.Store(uint32(s))
	sm.cond.Broadcast()

	sm.logger.Debug("connection state changed", "prev", cur.String(), "state", s.String())

	for _, h := range sm.handlers {
		h(cur, s)
	}

	return nil
}

// ToFrom moves to state s only if the current state is from.
func (sm *stateMgr) ToFrom(from, s ConnState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur != from || !CanTransition(cur, s) {
		return fmt.Errorf("%w: %s -> %s, expected %s", ErrInvalidTransition, cur, s, from)
	}

	sm.state.Store(uint32(s))
	sm.cond.Broadcast()

	sm.logger.Debug("connection state changed", "prev", cur.String(), "state", s.String())

	for _, h := range sm.handlers {
		h(cur, s)
	}

	return nil
}

// WaitState blocks until the state is s or ctx is done.
func (sm *stateMgr) WaitState(ctx context.Context, s ConnState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == s {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		sm.cond.Broadcast()
		sm.mu.Unlock()
	})
	defer stop()

	for sm.State() != s {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

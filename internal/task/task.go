// Package task runs the long-lived goroutines of a serial connection
// (reader, writer, supervisor tick) under one cancellable lifecycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-cncserial/logger"
)

// startTimeout bounds how long Start waits for a goroutine to report in.
const startTimeout = 5 * time.Second

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager stopped")

// Func is one iteration of a task loop. It returns false to end the task.
// ctx is cancelled when the Manager is stopped.
type Func func(ctx context.Context) bool

// Manager manages the lifecycle of a group of goroutines.
//
// Stop cancels every running task, Wait blocks until they have all
// returned and re-arms the Manager so it can be started again, which
// is how the connection reuses one Manager across reconnects.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("reader", func(ctx context.Context) bool {
//	    // ... read one chunk ...
//	    return true
//	})
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager whose tasks are cancelled with ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the current generation of tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start runs fn repeatedly in a new goroutine until it returns false or
// the Manager is stopped.
func (mgr *Manager) Start(name string, fn Func) error {
	mgr.logger.Debug("start task", "name", name)

	return mgr.spawn(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !mgr.callWithRecover(name, ctx, fn) {
				return
			}
		}
	})
}

// StartInterval runs fn every interval until it returns false or the
// Manager is stopped. If runNow is true, fn is also executed once
// immediately inside the new goroutine.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v for %s", interval, name)
	}

	return mgr.spawn(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if runNow && !mgr.callWithRecover(name, ctx, fn) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, ctx, fn) {
					return
				}
			}
		}
	})
}

// Stop signals all running tasks to terminate. It does not wait.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every task has returned, then prepares a fresh context
// so new tasks can be started.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// WaitTimeout is Wait bounded by d. It reports whether all tasks returned in time.
func (mgr *Manager) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		mgr.logger.Warn("tasks did not terminate in time", "timeout", d, "task_count", mgr.TaskCount())
		return false
	}
}

// TaskCount returns the number of running tasks.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func(ctx context.Context)) error {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: cannot start %s", ErrStopped, name)
	}

	started := make(chan struct{})
	mgr.wg.Add(1)

	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		close(started)

		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body(ctx)
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", name)
	}
}

// callWithRecover runs one iteration, turning a panic into task termination.
func (mgr *Manager) callWithRecover(name string, ctx context.Context, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = false
		}
	}()

	return fn(ctx)
}

// Package cmdqueue implements the outbound command queue of a serial
// connection.
//
// Commands are ordered by priority and, within a priority, by enqueue
// order. Only one command is in flight at a time: the next queued command
// is handed out after the in-flight one completes, fails or times out.
// Bypass commands are handed out first and never occupy the in-flight slot.
package cmdqueue

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-cncserial/logger"
	"github.com/arloliu/go-cncserial/response"
)

// Stats are cumulative queue counters.
type Stats struct {
	Enqueued   uint64
	Dispatched uint64
	Completed  uint64
	Failed     uint64
	TimedOut   uint64
	Canceled   uint64
	Requeued   uint64
}

// Queue is a priority command queue with a single consumer.
//
// It is safe for concurrent use, but Next must be called from one goroutine.
type Queue struct {
	cfg queueConfig

	mu       sync.Mutex
	heap     cmdHeap
	bypass   []*Command
	inFlight *Command
	pending  map[uint64]*Command
	// written bypass commands whose final reply has not arrived yet
	awaiting []Command
	lastID   uint64
	seq      uint64
	stats    Stats

	notify chan struct{}
}

type completion struct {
	cmd    *Command
	result Result
}

// New creates a queue.
func New(opts ...Option) (*Queue, error) {
	cfg := queueConfig{
		defaultTimeout: DefaultTimeout,
		maxRetries:     DefaultMaxRetries,
		logger:         logger.GetLogger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt.apply(&cfg); err != nil {
			return nil, err
		}
	}

	return &Queue{
		cfg:     cfg,
		heap:    make(cmdHeap, 0, 16),
		pending: make(map[uint64]*Command),
		notify:  make(chan struct{}, 1),
	}, nil
}

// Enqueue adds a command and returns a snapshot of it.
func (q *Queue) Enqueue(text string, opts ...CmdOption) (Command, error) {
	if strings.TrimSpace(text) == "" {
		return Command{}, ErrEmptyCommand
	}

	cc := cmdConfig{priority: DefaultPriority}
	for _, opt := range opts {
		opt(&cc)
	}
	if cc.priority < MinPriority || cc.priority > MaxPriority {
		return Command{}, fmt.Errorf("%w: %d, range [%d, %d]", ErrInvalidPriority, cc.priority, MinPriority, MaxPriority)
	}
	if !cc.timeoutSet {
		cc.timeout = q.cfg.defaultTimeout
	}

	q.mu.Lock()
	q.lastID++
	q.seq++
	cmd := &Command{
		ID:        q.lastID,
		Text:      text,
		Priority:  cc.priority,
		CreatedAt: q.cfg.now(),
		Timeout:   cc.timeout,
		Callback:  cc.callback,
		Bypass:    cc.bypass,
		seq:       q.seq,
		index:     -1,
	}
	if cmd.Bypass {
		q.bypass = append(q.bypass, cmd)
	} else {
		heap.Push(&q.heap, cmd)
	}
	q.pending[cmd.ID] = cmd
	q.stats.Enqueued++
	snap := cmd.snapshot()
	q.mu.Unlock()

	q.signal()

	return snap, nil
}

// Next blocks until a command can be dispatched or ctx is done.
//
// Bypass commands are returned first, regardless of the in-flight slot.
// Otherwise the head of the priority queue is returned once nothing is in
// flight, and it occupies the slot until resolved.
func (q *Queue) Next(ctx context.Context) (*Command, error) {
	for {
		if cmd := q.tryNext(); cmd != nil {
			return cmd, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryNext is the non-blocking form of Next.
func (q *Queue) TryNext() (*Command, bool) {
	cmd := q.tryNext()
	return cmd, cmd != nil
}

func (q *Queue) tryNext() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var cmd *Command
	switch {
	case len(q.bypass) > 0:
		cmd = q.bypass[0]
		q.bypass[0] = nil
		q.bypass = q.bypass[1:]
	case q.inFlight == nil && q.heap.Len() > 0:
		c, _ := heap.Pop(&q.heap).(*Command)
		cmd = c
		q.inFlight = cmd
	default:
		return nil
	}

	cmd.DispatchedAt = q.cfg.now()
	q.stats.Dispatched++

	return cmd
}

// Written records a successful write of cmd and returns a snapshot of it.
// Bypass commands complete here. A bypass command that gets a reply claims
// the next final line, so Resolve does not hand that line to the in-flight
// command.
func (q *Queue) Written(cmd *Command) Command {
	q.mu.Lock()
	cmd.SentAt = q.cfg.now()
	snap := cmd.snapshot()

	var done *completion
	if cmd.Bypass {
		if _, ok := q.pending[cmd.ID]; ok {
			if q.cfg.noReply == nil || !q.cfg.noReply(cmd.Text) {
				q.awaiting = append(q.awaiting, snap)
			}
			delete(q.pending, cmd.ID)
			q.stats.Completed++
			done = &completion{cmd: cmd, result: Result{Command: snap}}
		}
	}
	q.mu.Unlock()

	if done != nil {
		q.invoke(done)
	}

	return snap
}

// InFlight returns a snapshot of the command awaiting a reply.
func (q *Queue) InFlight() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == nil {
		return Command{}, false
	}

	return q.inFlight.snapshot(), true
}

// Attach records an intermediate line for the in-flight command.
func (q *Queue) Attach(resp *response.Response) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == nil {
		return false
	}
	q.inFlight.lines = append(q.inFlight.lines, resp)

	return true
}

// Complete resolves the in-flight command with id. An error response fails
// the command with a *ProtocolError. It returns false if id is not in flight.
func (q *Queue) Complete(id uint64, resp *response.Response) bool {
	q.mu.Lock()
	if q.inFlight == nil || q.inFlight.ID != id {
		q.mu.Unlock()
		return false
	}
	done := q.resolveLocked(resp)
	q.mu.Unlock()

	q.signal()
	q.invoke(done)

	return true
}

// Resolve completes whatever command is in flight with resp. A reply owed
// to a written bypass command is consumed first; the returned snapshot is
// then that bypass command and the in-flight command is left alone.
func (q *Queue) Resolve(resp *response.Response) (Command, bool) {
	q.mu.Lock()
	if len(q.awaiting) > 0 {
		cmd := q.awaiting[0]
		q.awaiting = q.awaiting[1:]
		q.mu.Unlock()

		return cmd, true
	}
	if q.inFlight == nil {
		q.mu.Unlock()
		return Command{}, false
	}
	done := q.resolveLocked(resp)
	q.mu.Unlock()

	q.signal()
	q.invoke(done)

	return done.result.Command, true
}

// ResolveIf completes the in-flight command with resp if match accepts its text.
func (q *Queue) ResolveIf(resp *response.Response, match func(text string) bool) (Command, bool) {
	q.mu.Lock()
	if q.inFlight == nil || !match(q.inFlight.Text) {
		q.mu.Unlock()
		return Command{}, false
	}
	done := q.resolveLocked(resp)
	q.mu.Unlock()

	q.signal()
	q.invoke(done)

	return done.result.Command, true
}

func (q *Queue) resolveLocked(resp *response.Response) *completion {
	cmd := q.inFlight
	q.inFlight = nil
	delete(q.pending, cmd.ID)

	result := Result{Command: cmd.snapshot(), Response: resp, Lines: cmd.lines}
	if resp != nil && resp.IsError() {
		result.Err = &ProtocolError{Response: resp}
		q.stats.Failed++
	} else {
		q.stats.Completed++
	}

	return &completion{cmd: cmd, result: result}
}

// Fail removes a pending or in-flight command and reports err to its callback.
func (q *Queue) Fail(id uint64, err error) bool {
	q.mu.Lock()
	cmd, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	q.removeLocked(cmd)
	q.stats.Failed++
	done := &completion{cmd: cmd, result: Result{Command: cmd.snapshot(), Lines: cmd.lines, Err: err}}
	q.mu.Unlock()

	q.signal()
	q.invoke(done)

	return true
}

// removeLocked detaches cmd from whichever structure holds it.
func (q *Queue) removeLocked(cmd *Command) {
	delete(q.pending, cmd.ID)

	switch {
	case q.inFlight == cmd:
		q.inFlight = nil
	case cmd.index >= 0 && cmd.index < q.heap.Len() && q.heap[cmd.index] == cmd:
		heap.Remove(&q.heap, cmd.index)
	default:
		for i, c := range q.bypass {
			if c == cmd {
				q.bypass = append(q.bypass[:i], q.bypass[i+1:]...)
				break
			}
		}
	}
}

// Requeue puts cmd back after a failed write. It keeps its place in the
// priority order. Once cmd has used up its retries it fails with
// ErrRetriesExhausted and Requeue returns false.
func (q *Queue) Requeue(cmd *Command) bool {
	q.mu.Lock()
	if _, ok := q.pending[cmd.ID]; !ok {
		q.mu.Unlock()
		return false
	}

	if q.inFlight == cmd {
		q.inFlight = nil
	}

	done, requeued := q.requeueLocked(cmd)
	q.mu.Unlock()

	q.signal()
	if done != nil {
		q.invoke(done)
	}

	return requeued
}

// RequeueInFlight puts the in-flight command back, e.g. after the
// connection was lost before its reply arrived. Replies still owed to
// bypass commands are forgotten.
func (q *Queue) RequeueInFlight() bool {
	q.mu.Lock()
	q.awaiting = nil
	cmd := q.inFlight
	if cmd == nil {
		q.mu.Unlock()
		return false
	}
	q.inFlight = nil

	done, requeued := q.requeueLocked(cmd)
	q.mu.Unlock()

	q.signal()
	if done != nil {
		q.invoke(done)
	}

	return requeued
}

func (q *Queue) requeueLocked(cmd *Command) (*completion, bool) {
	if cmd.Retries >= q.cfg.maxRetries {
		delete(q.pending, cmd.ID)
		q.stats.Failed++
		err := fmt.Errorf("%w: command %d %q after %d attempts", ErrRetriesExhausted, cmd.ID, cmd.Text, cmd.Retries+1)

		return &completion{cmd: cmd, result: Result{Command: cmd.snapshot(), Err: err}}, false
	}

	cmd.Retries++
	cmd.DispatchedAt = time.Time{}
	cmd.SentAt = time.Time{}
	cmd.lines = nil
	q.stats.Requeued++

	if cmd.Bypass {
		q.bypass = append([]*Command{cmd}, q.bypass...)
	} else if cmd.index < 0 {
		heap.Push(&q.heap, cmd)
	}

	return nil, true
}

// ExpireOverdue fails every in-flight command whose timeout has elapsed at
// now with ErrTimeout, freeing the in-flight slot.
func (q *Queue) ExpireOverdue(now time.Time) []Command {
	q.mu.Lock()
	cmd := q.inFlight
	if cmd == nil || !cmd.Overdue(now) {
		q.mu.Unlock()
		return nil
	}

	q.inFlight = nil
	delete(q.pending, cmd.ID)
	q.stats.TimedOut++

	snap := cmd.snapshot()
	err := fmt.Errorf("%w: command %d %q after %s", ErrTimeout, cmd.ID, cmd.Text, cmd.Timeout)
	done := &completion{cmd: cmd, result: Result{Command: snap, Lines: cmd.lines, Err: err}}
	q.mu.Unlock()

	q.signal()
	q.invoke(done)

	return []Command{snap}
}

// CancelAll fails every pending and in-flight command with ErrCanceled,
// wrapping reason when given, and empties the queue. It returns the number
// of canceled commands.
func (q *Queue) CancelAll(reason error) int {
	err := ErrCanceled
	if reason != nil {
		err = fmt.Errorf("%w: %w", ErrCanceled, reason)
	}

	q.mu.Lock()
	cmds := make([]*Command, 0, len(q.pending))
	if q.inFlight != nil {
		cmds = append(cmds, q.inFlight)
	}
	cmds = append(cmds, q.bypass...)
	for q.heap.Len() > 0 {
		c, _ := heap.Pop(&q.heap).(*Command)
		cmds = append(cmds, c)
	}
	// bypass commands handed out but not yet written
	if len(cmds) < len(q.pending) {
		seen := make(map[uint64]struct{}, len(cmds))
		for _, c := range cmds {
			seen[c.ID] = struct{}{}
		}
		for id, c := range q.pending {
			if _, ok := seen[id]; !ok {
				cmds = append(cmds, c)
			}
		}
	}

	q.inFlight = nil
	q.bypass = nil
	q.awaiting = nil
	q.pending = make(map[uint64]*Command)
	q.stats.Canceled += uint64(len(cmds))

	done := make([]*completion, 0, len(cmds))
	for _, c := range cmds {
		done = append(done, &completion{cmd: c, result: Result{Command: c.snapshot(), Lines: c.lines, Err: err}})
	}
	q.mu.Unlock()

	q.signal()
	for _, d := range done {
		q.invoke(d)
	}

	return len(cmds)
}

// Len returns the number of commands waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.heap.Len() + len(q.bypass)
}

// Pending returns the number of unresolved commands, including the one in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.stats
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) invoke(done *completion) {
	if done.cmd.Callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.cfg.logger.Error("panic in command callback", "id", done.cmd.ID, "command", done.cmd.Text, "panic", r)
		}
	}()

	done.cmd.Callback(done.result)
}

package cmdqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-cncserial/logger"
	"github.com/arloliu/go-cncserial/response"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()

	q, err := New(opts...)
	require.NoError(t, err)

	return q
}

func mustNext(t *testing.T, q *Queue) *Command {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cmd, err := q.Next(ctx)
	require.NoError(t, err)

	return cmd
}

type resultRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultRecorder) callback(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *resultRecorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Result(nil), r.results...)
}

func TestEnqueue_Validation(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	_, err := q.Enqueue("")
	require.ErrorIs(err, ErrEmptyCommand)
	_, err = q.Enqueue("  \t")
	require.ErrorIs(err, ErrEmptyCommand)

	_, err = q.Enqueue("G0", WithPriority(0))
	require.ErrorIs(err, ErrInvalidPriority)
	_, err = q.Enqueue("G0", WithPriority(11))
	require.ErrorIs(err, ErrInvalidPriority)

	cmd, err := q.Enqueue("G0")
	require.NoError(err)
	require.Equal(DefaultPriority, cmd.Priority)
	require.Equal(DefaultTimeout, cmd.Timeout)
	require.Equal(uint64(1), cmd.ID)

	cmd, err = q.Enqueue("G1", WithPriority(10), WithTimeout(0))
	require.NoError(err)
	require.Equal(uint64(2), cmd.ID, "ids are monotonic")
	require.Zero(cmd.Timeout)
	require.Equal(2, q.Len())
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithMaxRetries(-1))
	require.ErrorIs(t, err, ErrInvalidOption)

	_, err = New(WithDefaultTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidOption)
}

func TestNext_PriorityOrderIsStable(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	var ids []uint64
	for _, p := range []int{5, 1, 3, 1} {
		cmd, err := q.Enqueue("G4 P0", WithPriority(p))
		require.NoError(err)
		ids = append(ids, cmd.ID)
	}

	var priorities []int
	var order []uint64
	for i := 0; i < 4; i++ {
		cmd := mustNext(t, q)
		priorities = append(priorities, cmd.Priority)
		order = append(order, cmd.ID)
		require.True(q.Complete(cmd.ID, response.Parse("ok")))
	}

	require.Equal([]int{1, 1, 3, 5}, priorities)
	require.Equal([]uint64{ids[1], ids[3], ids[2], ids[0]}, order)
}

func TestNext_BypassFirst(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue("G1 X1")
		require.NoError(err)
	}
	stop, err := q.Enqueue("!", WithBypass())
	require.NoError(err)

	cmd := mustNext(t, q)
	require.Equal(stop.ID, cmd.ID)
	require.True(cmd.Bypass)
	_, busy := q.InFlight()
	require.False(busy, "bypass commands do not occupy the in-flight slot")

	q.Written(cmd)
	require.Equal(3, q.Len())
}

func TestNext_BypassMidDrain(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	_, err := q.Enqueue("G1 X1")
	require.NoError(err)
	_, err = q.Enqueue("G1 X2")
	require.NoError(err)

	first := mustNext(t, q)
	require.Equal("G1 X1", first.Text)

	// in-flight slot is busy, but a bypass command still goes out
	_, err = q.Enqueue("\x18", WithBypass())
	require.NoError(err)
	cmd := mustNext(t, q)
	require.Equal("\x18", cmd.Text)

	inFlight, ok := q.InFlight()
	require.True(ok)
	require.Equal(first.ID, inFlight.ID)
}

func TestNext_SingleInFlight(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	_, err := q.Enqueue("G0")
	require.NoError(err)
	_, err = q.Enqueue("G1")
	require.NoError(err)

	cmd := mustNext(t, q)

	_, ok := q.TryNext()
	require.False(ok, "nothing is handed out while a command is in flight")

	got := make(chan *Command, 1)
	go func() {
		next, err := q.Next(context.Background())
		if err == nil {
			got <- next
		}
	}()

	select {
	case <-got:
		require.Fail("Next returned while a command was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(q.Complete(cmd.ID, response.Parse("ok")))
	select {
	case next := <-got:
		require.Equal("G1", next.Text)
	case <-time.After(time.Second):
		require.Fail("Next did not wake up after completion")
	}
}

func TestNext_ContextCanceled(t *testing.T) {
	q := newQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComplete(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	_, err := q.Enqueue("$I", WithCallback(rec.callback))
	require.NoError(err)
	cmd := mustNext(t, q)

	require.True(q.Attach(response.Parse("[VER:1.1f.20170801:]")))
	require.True(q.Attach(response.Parse("[OPT:VL,15,128]")))
	require.False(q.Complete(cmd.ID+100, response.Parse("ok")))
	require.True(q.Complete(cmd.ID, response.Parse("ok")))
	require.False(q.Complete(cmd.ID, response.Parse("ok")), "already resolved")

	results := rec.all()
	require.Len(results, 1)
	require.NoError(results[0].Err)
	require.Equal(response.KindOK, results[0].Response.Kind)
	require.Len(results[0].Lines, 2)
	require.Equal(cmd.ID, results[0].Command.ID)
	require.Zero(q.Pending())
	require.False(q.Attach(response.Parse("late")))
}

func TestComplete_ProtocolError(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	_, err := q.Enqueue("G999", WithCallback(rec.callback))
	require.NoError(err)
	mustNext(t, q)

	snap, ok := q.Resolve(response.Parse("error:20"))
	require.True(ok)
	require.Equal("G999", snap.Text)

	results := rec.all()
	require.Len(results, 1)
	require.ErrorIs(results[0].Err, ErrProtocol)

	var perr *ProtocolError
	require.True(errors.As(results[0].Err, &perr))
	require.Equal("20", perr.Response.ErrorMessage)
	require.Equal(uint64(1), q.Stats().Failed)
}

func TestExpireOverdue_ZeroTimeout(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	_, err := q.Enqueue("G4 P10", WithTimeout(0), WithCallback(rec.callback))
	require.NoError(err)
	_, err = q.Enqueue("G0 X1")
	require.NoError(err)

	cmd := mustNext(t, q)
	q.Written(cmd)

	expired := q.ExpireOverdue(time.Now())
	require.Len(expired, 1)
	require.Equal(cmd.ID, expired[0].ID)

	results := rec.all()
	require.Len(results, 1)
	require.ErrorIs(results[0].Err, ErrTimeout)

	// the writer is free again
	next := mustNext(t, q)
	require.Equal("G0 X1", next.Text)
	require.Equal(uint64(1), q.Stats().TimedOut)

	// a late reply no longer matches the expired command
	require.False(q.Complete(cmd.ID, response.Parse("ok")))
}

func TestExpireOverdue_NotYetDue(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	_, err := q.Enqueue("G0", WithTimeout(time.Minute))
	require.NoError(err)
	_, err = q.Enqueue("G1", WithTimeout(-1))
	require.NoError(err)

	require.Empty(q.ExpireOverdue(time.Now()), "nothing dispatched yet")

	cmd := mustNext(t, q)
	require.Empty(q.ExpireOverdue(time.Now()))
	require.Len(q.ExpireOverdue(time.Now().Add(2*time.Minute)), 1)
	require.False(q.Complete(cmd.ID, response.Parse("ok")))

	mustNext(t, q)
	require.Empty(q.ExpireOverdue(time.Now().Add(24*time.Hour)), "negative timeout never expires")
}

func TestCancelAll(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	for i, p := range []int{5, 1, 3} {
		_, err := q.Enqueue("G0", WithPriority(p), WithCallback(rec.callback))
		require.NoError(err, i)
	}
	_, err := q.Enqueue("!", WithBypass(), WithCallback(rec.callback))
	require.NoError(err)

	reason := errors.New("connection closed")
	require.Equal(4, q.CancelAll(reason))

	require.Zero(q.Len())
	require.Zero(q.Pending())
	_, busy := q.InFlight()
	require.False(busy)

	results := rec.all()
	require.Len(results, 4)
	for _, res := range results {
		require.ErrorIs(res.Err, ErrCanceled)
		require.ErrorIs(res.Err, reason)
	}

	_, ok := q.TryNext()
	require.False(ok)
	require.Equal(uint64(4), q.Stats().Canceled)
}

func TestCancelAll_InFlightAndHandedOutBypass(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	_, err := q.Enqueue("G0", WithCallback(rec.callback))
	require.NoError(err)
	mustNext(t, q)

	_, err = q.Enqueue("!", WithBypass(), WithCallback(rec.callback))
	require.NoError(err)
	bypass := mustNext(t, q)

	require.Equal(2, q.CancelAll(nil))
	require.Len(rec.all(), 2)

	// writing a canceled bypass command does not resolve it twice
	q.Written(bypass)
	require.Len(rec.all(), 2)
	for _, res := range rec.all() {
		require.ErrorIs(res.Err, ErrCanceled)
	}
}

func TestWritten_BypassCompletes(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	_, err := q.Enqueue("\x18", WithBypass(), WithCallback(rec.callback))
	require.NoError(err)

	cmd := mustNext(t, q)
	snap := q.Written(cmd)
	require.False(snap.SentAt.IsZero())

	results := rec.all()
	require.Len(results, 1)
	require.NoError(results[0].Err)
	require.Nil(results[0].Response)
	require.Zero(q.Pending())
}

func TestRequeue(t *testing.T) {
	require := require.New(t)

	q := newQueue(t, WithMaxRetries(2))
	rec := &resultRecorder{}

	_, err := q.Enqueue("G0 X1", WithPriority(2), WithCallback(rec.callback))
	require.NoError(err)
	_, err = q.Enqueue("G0 X2", WithPriority(2))
	require.NoError(err)

	cmd := mustNext(t, q)
	require.Equal("G0 X1", cmd.Text)

	// a failed write keeps the command ahead of later ones
	require.True(q.Requeue(cmd))
	cmd = mustNext(t, q)
	require.Equal("G0 X1", cmd.Text)
	require.Equal(1, cmd.Retries)

	require.True(q.Requeue(cmd))
	cmd = mustNext(t, q)
	require.Equal(2, cmd.Retries)

	require.False(q.Requeue(cmd), "retry budget used up")
	results := rec.all()
	require.Len(results, 1)
	require.ErrorIs(results[0].Err, ErrRetriesExhausted)

	next := mustNext(t, q)
	require.Equal("G0 X2", next.Text)
}

func TestRequeueInFlight(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	require.False(q.RequeueInFlight())

	_, err := q.Enqueue("G0")
	require.NoError(err)
	cmd := mustNext(t, q)
	require.True(q.Attach(response.Parse("partial")))

	require.True(q.RequeueInFlight())
	_, busy := q.InFlight()
	require.False(busy)
	require.Equal(1, q.Len())

	again := mustNext(t, q)
	require.Equal(cmd.ID, again.ID)
	require.Empty(again.lines)
}

func TestFail(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)
	rec := &resultRecorder{}

	a, err := q.Enqueue("G0 X1", WithCallback(rec.callback))
	require.NoError(err)
	b, err := q.Enqueue("G0 X2", WithCallback(rec.callback))
	require.NoError(err)
	c, err := q.Enqueue("!", WithBypass(), WithCallback(rec.callback))
	require.NoError(err)

	failure := errors.New("boom")
	require.True(q.Fail(b.ID, failure))
	require.True(q.Fail(c.ID, failure))
	require.False(q.Fail(b.ID, failure))

	cmd := mustNext(t, q)
	require.Equal(a.ID, cmd.ID)
	require.True(q.Fail(a.ID, failure))
	_, busy := q.InFlight()
	require.False(busy)

	require.Len(rec.all(), 3)
	require.Zero(q.Pending())
}

func TestCallbackPanicRecovered(t *testing.T) {
	require := require.New(t)

	l := logger.NewMockLogger()
	l.On("Error", "panic in command callback", mock.Anything).Return()

	q := newQueue(t, WithLogger(l))

	_, err := q.Enqueue("G0", WithCallback(func(Result) { panic("boom") }))
	require.NoError(err)
	cmd := mustNext(t, q)

	require.NotPanics(func() { q.Complete(cmd.ID, response.Parse("ok")) })
	l.AssertCalled(t, "Error", "panic in command callback", mock.Anything)
}

func TestConcurrentProducers(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				_, _ = q.Enqueue("G0", WithPriority(1+j%10))
			}
		}()
	}

	done := make(chan int)
	go func() {
		n := 0
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for n < producers*perProducer {
			cmd, err := q.Next(ctx)
			if err != nil {
				break
			}
			q.Complete(cmd.ID, response.Parse("ok"))
			n++
		}
		done <- n
	}()

	wg.Wait()
	require.Equal(producers*perProducer, <-done)
	require.Zero(q.Pending())
}

func TestResolveIf(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	_, err := q.Enqueue("G0")
	require.NoError(err)
	mustNext(t, q)

	isStatus := func(text string) bool { return text == "?" }
	_, ok := q.ResolveIf(response.Parse("<Idle>"), isStatus)
	require.False(ok)
	_, busy := q.InFlight()
	require.True(busy)

	_, ok = q.Resolve(response.Parse("ok"))
	require.True(ok)

	_, err = q.Enqueue("?")
	require.NoError(err)
	mustNext(t, q)

	cmd, ok := q.ResolveIf(response.Parse("<Idle>"), isStatus)
	require.True(ok)
	require.Equal("?", cmd.Text)
}

func TestResolve_BypassReplyClaimed(t *testing.T) {
	require := require.New(t)

	isRealtime := func(text string) bool { return text == "\x18" }
	q := newQueue(t, WithNoReply(isRealtime))
	rec := &resultRecorder{}

	home, err := q.Enqueue("G28", WithTimeout(-1), WithCallback(rec.callback))
	require.NoError(err)
	mustNext(t, q)

	// answered with ok, the reply belongs to M999
	_, err = q.Enqueue("M999", WithBypass())
	require.NoError(err)
	q.Written(mustNext(t, q))

	// never answered with a final line
	_, err = q.Enqueue("\x18", WithBypass())
	require.NoError(err)
	q.Written(mustNext(t, q))

	cmd, ok := q.Resolve(response.Parse("ok"))
	require.True(ok)
	require.Equal("M999", cmd.Text)
	require.Empty(rec.all())
	inFlight, busy := q.InFlight()
	require.True(busy)
	require.Equal(home.ID, inFlight.ID)

	cmd, ok = q.Resolve(response.Parse("ok"))
	require.True(ok)
	require.Equal(home.ID, cmd.ID)
	require.Len(rec.all(), 1)
	require.NoError(rec.all()[0].Err)
}

func TestCancelAll_ForgetsBypassReplies(t *testing.T) {
	require := require.New(t)

	q := newQueue(t)

	_, err := q.Enqueue("M999", WithBypass())
	require.NoError(err)
	q.Written(mustNext(t, q))
	q.CancelAll(nil)

	_, err = q.Enqueue("G0")
	require.NoError(err)
	mustNext(t, q)

	cmd, ok := q.Resolve(response.Parse("ok"))
	require.True(ok)
	require.Equal("G0", cmd.Text)
}

package cmdqueue

import (
	"time"

	"github.com/arloliu/go-cncserial/response"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Result is passed to a command's callback exactly once.
type Result struct {
	Command Command
	// Response is the line that terminated the command, nil on failure and
	// for bypass commands.
	Response *response.Response
	// Lines are the intermediate lines received while the command was in
	// flight, e.g. "[VER:...]" before the final "ok".
	Lines []*response.Response
	Err   error
}

// Callback receives the result of a command. It runs on the goroutine that
// resolved the command and must not block.
type Callback func(Result)

// Command is a unit of outbound work.
type Command struct {
	ID        uint64
	Text      string
	Priority  int
	CreatedAt time.Time
	// Timeout is measured from dispatch. Zero expires on the first sweep
	// after dispatch; a negative timeout never expires.
	Timeout  time.Duration
	Callback Callback
	// Retries counts failed write attempts.
	Retries int
	// Bypass commands skip the priority order and the in-flight slot.
	Bypass       bool
	DispatchedAt time.Time
	SentAt       time.Time

	seq   uint64
	index int
	lines []*response.Response
}

// Overdue reports whether a dispatched command has exceeded its timeout.
func (c *Command) Overdue(now time.Time) bool {
	if c.Timeout < 0 || c.DispatchedAt.IsZero() {
		return false
	}

	return now.Sub(c.DispatchedAt) >= c.Timeout
}

func (c *Command) snapshot() Command {
	s := *c
	s.lines = nil
	s.index = -1

	return s
}

// cmdHeap orders commands by (priority, seq).
type cmdHeap []*Command

func (h cmdHeap) Len() int { return len(h) }

func (h cmdHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}

	return h[i].seq < h[j].seq
}

func (h cmdHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *cmdHeap) Push(x any) {
	cmd, _ := x.(*Command)
	cmd.index = len(*h)
	*h = append(*h, cmd)
}

func (h *cmdHeap) Pop() any {
	old := *h
	n := len(old)
	cmd := old[n-1]
	old[n-1] = nil
	cmd.index = -1
	*h = old[:n-1]

	return cmd
}

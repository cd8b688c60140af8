package cmdqueue

import (
	"fmt"
	"time"

	"github.com/arloliu/go-cncserial/logger"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
)

type queueConfig struct {
	defaultTimeout time.Duration
	maxRetries     int
	logger         logger.Logger
	now            func() time.Time
	noReply        func(text string) bool
}

// Option configures a Queue.
type Option interface {
	apply(*queueConfig) error
}

type optFunc func(*queueConfig) error

func (f optFunc) apply(cfg *queueConfig) error { return f(cfg) }

// WithDefaultTimeout sets the timeout of commands enqueued without WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return optFunc(func(cfg *queueConfig) error {
		if d < 0 {
			return fmt.Errorf("%w: default timeout %s", ErrInvalidOption, d)
		}
		cfg.defaultTimeout = d

		return nil
	})
}

// WithMaxRetries sets how many times a command is requeued after a failed
// write before it fails with ErrRetriesExhausted.
func WithMaxRetries(n int) Option {
	return optFunc(func(cfg *queueConfig) error {
		if n < 0 || n > 100 {
			return fmt.Errorf("%w: max retries %d, range [0, 100]", ErrInvalidOption, n)
		}
		cfg.maxRetries = n

		return nil
	})
}

// WithLogger sets the logger used to report callback panics.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *queueConfig) error {
		if l != nil {
			cfg.logger = l
		}

		return nil
	})
}

// WithNoReply sets the test for bypass commands the device never answers
// with a final line, such as single-byte realtime commands. Any other
// written bypass command claims the next final reply. By default every
// bypass command expects one.
func WithNoReply(fn func(text string) bool) Option {
	return optFunc(func(cfg *queueConfig) error {
		cfg.noReply = fn
		return nil
	})
}

type cmdConfig struct {
	priority   int
	timeout    time.Duration
	timeoutSet bool
	callback   Callback
	bypass     bool
}

// CmdOption configures one enqueued command.
type CmdOption func(*cmdConfig)

// WithPriority sets the priority, 1 (highest) to 10 (lowest).
func WithPriority(p int) CmdOption {
	return func(c *cmdConfig) { c.priority = p }
}

// WithTimeout sets the reply timeout measured from dispatch. A negative
// timeout never expires, and nothing else is dispatched while such a
// command waits for its reply.
func WithTimeout(d time.Duration) CmdOption {
	return func(c *cmdConfig) {
		c.timeout = d
		c.timeoutSet = true
	}
}

// WithCallback sets the completion callback.
func WithCallback(cb Callback) CmdOption {
	return func(c *cmdConfig) { c.callback = cb }
}

// WithBypass marks an urgent command, dispatched before anything queued.
func WithBypass() CmdOption {
	return func(c *cmdConfig) { c.bypass = true }
}

package serialconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-cncserial/logger"
	"go.bug.st/serial"
)

// Default values, matching the common CNC firmware setups.
const (
	DefaultBaudRate   = 115200
	DefaultLineEnding = "\n"

	DefaultCommandTimeout = 5 * time.Second
	DefaultMaxRetries     = 3

	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second

	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHeartbeatMissLimit = 2
	DefaultTickInterval       = time.Second

	DefaultDetectTimeout = 2 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
	DefaultCloseTimeout  = 3 * time.Second
)

// Range limits of the configurable values.
const (
	MinTickInterval = time.Millisecond
	MaxTickInterval = time.Minute

	MaxReconnectAttempts = 100
	MaxHeartbeatMiss     = 100
	MaxLineLength        = 64 * 1024
)

// ConnectionConfig holds the configuration of a serial Connection.
//
// A ConnectionConfig is immutable once passed to NewConnection; options
// given to Connection.Connect apply to a copy.
type ConnectionConfig struct {
	baudRate   int
	dataBits   int
	parity     serial.Parity
	stopBits   serial.StopBits
	lineEnding string

	commandTimeout time.Duration
	maxRetries     int

	autoReconnect        bool
	maxReconnectAttempts int
	reconnectBaseDelay   time.Duration
	maxReconnectDelay    time.Duration

	heartbeatInterval  time.Duration
	heartbeatMissLimit int
	tickInterval       time.Duration

	autoDetect    bool
	detectTimeout time.Duration
	probeTimeout  time.Duration
	initSequence  bool

	closeTimeout  time.Duration
	maxLineLength int

	opener     Opener
	portLister PortLister

	logger logger.Logger
}

// NewConnectionConfig creates a configuration with defaults, then applies opts in order.
func NewConnectionConfig(opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		baudRate:             DefaultBaudRate,
		dataBits:             8,
		parity:               serial.NoParity,
		stopBits:             serial.OneStopBit,
		lineEnding:           DefaultLineEnding,
		commandTimeout:       DefaultCommandTimeout,
		maxRetries:           DefaultMaxRetries,
		autoReconnect:        true,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		reconnectBaseDelay:   DefaultReconnectBaseDelay,
		maxReconnectDelay:    DefaultMaxReconnectDelay,
		heartbeatInterval:    DefaultHeartbeatInterval,
		heartbeatMissLimit:   DefaultHeartbeatMissLimit,
		tickInterval:         DefaultTickInterval,
		autoDetect:           true,
		detectTimeout:        DefaultDetectTimeout,
		probeTimeout:         DefaultProbeTimeout,
		closeTimeout:         DefaultCloseTimeout,
		maxLineLength:        4096,
		opener:               OpenSerial,
		portLister:           EnumeratePorts,
		logger:               logger.GetLogger(),
	}

	if err := cfg.apply(opts...); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *ConnectionConfig) apply(opts ...ConnOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *ConnectionConfig) clone() *ConnectionConfig {
	c := *cfg
	return &c
}

// mode returns the serial line settings.
func (cfg *ConnectionConfig) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: cfg.dataBits,
		Parity:   cfg.parity,
		StopBits: cfg.stopBits,
	}
}

// reconnectDelay returns the backoff before the given attempt, starting at 1.
func (cfg *ConnectionConfig) reconnectDelay(attempt int) time.Duration {
	delay := cfg.reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.maxReconnectDelay {
			return cfg.maxReconnectDelay
		}
	}

	if delay > cfg.maxReconnectDelay {
		return cfg.maxReconnectDelay
	}

	return delay
}

// --- Getters ---

// BaudRate returns the configured baud rate.
func (cfg *ConnectionConfig) BaudRate() int { return cfg.baudRate }

// LineEnding returns the terminator appended to each command.
func (cfg *ConnectionConfig) LineEnding() string { return cfg.lineEnding }

// CommandTimeout returns the default reply timeout of a command.
func (cfg *ConnectionConfig) CommandTimeout() time.Duration { return cfg.commandTimeout }

// MaxRetries returns how many times a command is rewritten after a failed write.
func (cfg *ConnectionConfig) MaxRetries() int { return cfg.maxRetries }

// AutoReconnect reports whether a failed port is reopened automatically.
func (cfg *ConnectionConfig) AutoReconnect() bool { return cfg.autoReconnect }

// MaxReconnectAttempts returns the reconnect retry budget.
func (cfg *ConnectionConfig) MaxReconnectAttempts() int { return cfg.maxReconnectAttempts }

// ReconnectBaseDelay returns the delay before the first reconnect attempt.
func (cfg *ConnectionConfig) ReconnectBaseDelay() time.Duration { return cfg.reconnectBaseDelay }

// MaxReconnectDelay returns the upper bound of the reconnect backoff.
func (cfg *ConnectionConfig) MaxReconnectDelay() time.Duration { return cfg.maxReconnectDelay }

// HeartbeatInterval returns the idle time after which a heartbeat is sent.
// Zero disables heartbeats.
func (cfg *ConnectionConfig) HeartbeatInterval() time.Duration { return cfg.heartbeatInterval }

// HeartbeatMissLimit returns how many unanswered heartbeats trigger a reconnect.
func (cfg *ConnectionConfig) HeartbeatMissLimit() int { return cfg.heartbeatMissLimit }

// TickInterval returns the period of the supervisor loop.
func (cfg *ConnectionConfig) TickInterval() time.Duration { return cfg.tickInterval }

// AutoDetect reports whether the firmware is detected after connecting.
func (cfg *ConnectionConfig) AutoDetect() bool { return cfg.autoDetect }

// DetectTimeout returns how long to wait for an unsolicited banner.
func (cfg *ConnectionConfig) DetectTimeout() time.Duration { return cfg.detectTimeout }

// InitSequence reports whether the firmware init commands are sent after detection.
func (cfg *ConnectionConfig) InitSequence() bool { return cfg.initSequence }

// GetLogger returns the configured logger.
func (cfg *ConnectionConfig) GetLogger() logger.Logger { return cfg.logger }

// --- ConnOption ---

// ConnOption is a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error { return f(cfg) }

// WithBaudRate sets the baud rate.
func WithBaudRate(baud int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if baud <= 0 {
			return fmt.Errorf("serialconn: invalid baud rate %d", baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithDataBits sets the number of data bits, 5 to 8.
func WithDataBits(bits int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if bits < 5 || bits > 8 {
			return fmt.Errorf("serialconn: data bits %d out of range [5, 8]", bits)
		}
		cfg.dataBits = bits

		return nil
	})
}

// WithParity sets the parity mode.
func WithParity(p serial.Parity) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.parity = p
		return nil
	})
}

// WithStopBits sets the number of stop bits.
func WithStopBits(s serial.StopBits) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.stopBits = s
		return nil
	})
}

// WithLineEnding sets the terminator appended to each command.
func WithLineEnding(eol string) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if eol == "" {
			return errors.New("serialconn: empty line ending")
		}
		cfg.lineEnding = eol

		return nil
	})
}

// WithCommandTimeout sets the default reply timeout of a command.
func WithCommandTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < 0 {
			return fmt.Errorf("serialconn: negative command timeout %s", d)
		}
		cfg.commandTimeout = d

		return nil
	})
}

// WithMaxRetries sets how many times a command is rewritten after a failed write.
func WithMaxRetries(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < 0 || n > 100 {
			return fmt.Errorf("serialconn: max retries %d out of range [0, 100]", n)
		}
		cfg.maxRetries = n

		return nil
	})
}

// WithAutoReconnect enables or disables reopening a failed port.
func WithAutoReconnect(enable bool) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.autoReconnect = enable
		return nil
	})
}

// WithReconnect sets the reconnect budget and backoff. The delay before
// attempt n is base * 2^(n-1), capped at maxDelay.
func WithReconnect(attempts int, base time.Duration, maxDelay time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if attempts < 0 || attempts > MaxReconnectAttempts {
			return fmt.Errorf("serialconn: reconnect attempts %d out of range [0, %d]", attempts, MaxReconnectAttempts)
		}
		if base < 0 || maxDelay < base {
			return fmt.Errorf("serialconn: invalid reconnect delay base=%s max=%s", base, maxDelay)
		}
		cfg.maxReconnectAttempts = attempts
		cfg.reconnectBaseDelay = base
		cfg.maxReconnectDelay = maxDelay

		return nil
	})
}

// WithHeartbeat sets the heartbeat idle interval and how many unanswered
// heartbeats trigger a reconnect. An interval of zero disables heartbeats.
func WithHeartbeat(interval time.Duration, missLimit int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if interval < 0 {
			return fmt.Errorf("serialconn: negative heartbeat interval %s", interval)
		}
		if missLimit < 1 || missLimit > MaxHeartbeatMiss {
			return fmt.Errorf("serialconn: heartbeat miss limit %d out of range [1, %d]", missLimit, MaxHeartbeatMiss)
		}
		cfg.heartbeatInterval = interval
		cfg.heartbeatMissLimit = missLimit

		return nil
	})
}

// WithTickInterval sets the period of the supervisor loop, which sweeps
// command timeouts and sends heartbeats.
func WithTickInterval(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinTickInterval || d > MaxTickInterval {
			return fmt.Errorf("serialconn: tick interval %s out of range [%s, %s]", d, MinTickInterval, MaxTickInterval)
		}
		cfg.tickInterval = d

		return nil
	})
}

// WithAutoDetect enables or disables firmware detection after connecting.
func WithAutoDetect(enable bool) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.autoDetect = enable
		return nil
	})
}

// WithDetectTimeouts sets how long to wait for an unsolicited banner and
// for the reply to each version probe.
func WithDetectTimeouts(banner time.Duration, probe time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if banner < 0 || probe < 0 {
			return errors.New("serialconn: negative detect timeout")
		}
		cfg.detectTimeout = banner
		cfg.probeTimeout = probe

		return nil
	})
}

// WithInitSequence enables sending the detected firmware's init commands.
func WithInitSequence(enable bool) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.initSequence = enable
		return nil
	})
}

// WithCloseTimeout bounds how long Disconnect waits for the I/O loops.
func WithCloseTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid close timeout %s", d)
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithMaxLineLength sets the longest line kept before it is split.
func WithMaxLineLength(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < 16 || n > MaxLineLength {
			return fmt.Errorf("serialconn: max line length %d out of range [16, %d]", n, MaxLineLength)
		}
		cfg.maxLineLength = n

		return nil
	})
}

// WithOpener replaces the function used to open ports.
func WithOpener(opener Opener) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if opener == nil {
			return errors.New("serialconn: nil opener")
		}
		cfg.opener = opener

		return nil
	})
}

// WithPortLister replaces the function used to enumerate ports.
func WithPortLister(lister PortLister) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if lister == nil {
			return errors.New("serialconn: nil port lister")
		}
		cfg.portLister = lister

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l != nil {
			cfg.logger = l
		}

		return nil
	})
}

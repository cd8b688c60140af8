package serialconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-cncserial/cmdqueue"
	"github.com/arloliu/go-cncserial/firmware"
	"github.com/arloliu/go-cncserial/internal/pool"
	"github.com/arloliu/go-cncserial/internal/task"
	"github.com/arloliu/go-cncserial/logger"
)

// ConnectionInfo is a snapshot of a Connection.
type ConnectionInfo struct {
	Port              string
	BaudRate          int
	Firmware          firmware.Type
	State             ConnState
	ConnectedAt       time.Time
	BytesSent         uint64
	BytesReceived     uint64
	CommandsSent      uint64
	ResponsesReceived uint64
}

// Connection supervises one serial port connected to a CNC controller.
//
// Connect opens the port in the background; progress is reported through
// the state machine and events. Once connected, a reader, a writer and a
// supervisor task run until Disconnect or an I/O failure. An I/O failure
// moves the connection to Reconnecting and reopens the port with backoff.
type Connection struct {
	pctx   context.Context
	cfg    *ConnectionConfig
	logger logger.Logger

	// lifeMu serializes Connect, Disconnect and attaching or detaching a port.
	lifeMu sync.Mutex

	mu          sync.RWMutex
	active      *ConnectionConfig
	port        Port
	portName    string
	connectedAt time.Time
	runCancel   context.CancelFunc
	fwSeen      chan struct{}
	bannerLines []string
	bannerType  firmware.Type

	gen       atomic.Uint64
	loopEpoch atomic.Uint64
	closed    atomic.Bool

	lastActivity atomic.Int64
	hbPending    atomic.Bool
	hbMissed     atomic.Int32
	hbID         atomic.Uint64
	hbQueuedAt   atomic.Int64

	stateMgr *stateMgr
	taskMgr  *task.Manager
	queue    *cmdqueue.Queue
	session  *firmware.Session
	events   *eventBus
	metrics  ConnectionMetrics
	bg       sync.WaitGroup
}

// ioSession identifies the port and loops of one attach.
type ioSession struct {
	ctx   context.Context
	gen   uint64
	epoch uint64
	cfg   *ConnectionConfig
	name  string
	port  Port
}

// NewConnection creates a disconnected Connection. The command timeout and
// retry budget of cfg apply to every later Connect.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	q, err := cmdqueue.New(
		cmdqueue.WithDefaultTimeout(cfg.commandTimeout),
		cmdqueue.WithMaxRetries(cfg.maxRetries),
		cmdqueue.WithLogger(cfg.logger),
		cmdqueue.WithNoReply(isRealtime),
	)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		pctx:    ctx,
		cfg:     cfg,
		logger:  cfg.logger,
		active:  cfg,
		taskMgr: task.NewManager(ctx, cfg.logger),
		queue:   q,
		session: firmware.NewSession(),
		events:  newEventBus(cfg.logger),
	}
	c.stateMgr = newStateMgr(cfg.logger, c.onStateChange)

	return c, nil
}

// Connect opens port at baud and returns without waiting for the port to
// open. A baud of 0 keeps the configured rate. opts apply on top of the
// configuration given to NewConnection, for this connection only.
//
// Progress is reported through state changes: Connected once the port is
// open, or Error with a single ErrorOccurred event if it can't be opened.
func (c *Connection) Connect(port string, baud int, opts ...ConnOption) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if port == "" {
		return fmt.Errorf("%w: empty port name", ErrPortUnavailable)
	}

	cfg := c.cfg.clone()
	if baud != 0 {
		opts = append([]ConnOption{WithBaudRate(baud)}, opts...)
	}
	if err := cfg.apply(opts...); err != nil {
		return err
	}

	if state := c.stateMgr.State(); state.IsActive() {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, state)
	}

	// leftovers from a Send that raced the previous Disconnect
	c.queue.CancelAll(ErrConnClosed)

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if state := c.stateMgr.State(); state.IsActive() {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, state)
	}

	gen := c.gen.Add(1)
	runCtx, cancel := context.WithCancel(c.pctx)

	c.metrics.reset()
	c.session.Reset()
	c.hbPending.Store(false)
	c.hbMissed.Store(0)

	c.mu.Lock()
	c.active = cfg
	c.portName = port
	c.connectedAt = time.Time{}
	c.runCancel = cancel
	c.fwSeen = make(chan struct{}, 1)
	c.bannerLines = nil
	c.bannerType = firmware.Unknown
	c.mu.Unlock()

	if err := c.stateMgr.To(Connecting); err != nil {
		cancel()
		return err
	}

	c.logger.Info("connecting", "port", port, "baud", cfg.baudRate)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.open(runCtx, gen, cfg, port)
	}()

	return nil
}

// open opens the port of the initial connect, then runs firmware detection.
func (c *Connection) open(ctx context.Context, gen uint64, cfg *ConnectionConfig, name string) {
	p, err := cfg.opener(name, cfg.mode())
	if err != nil {
		err = openError(name, err)

		c.lifeMu.Lock()
		if c.gen.Load() != gen {
			c.lifeMu.Unlock()
			return
		}
		terr := c.stateMgr.ToFrom(Connecting, Error)
		c.lifeMu.Unlock()

		if terr == nil {
			c.reportError(err)
		}

		return
	}

	c.lifeMu.Lock()
	if c.gen.Load() != gen || ctx.Err() != nil {
		c.lifeMu.Unlock()
		_ = p.Close()

		return
	}
	s, err := c.attach(ctx, gen, cfg, name, p, Connecting)
	c.lifeMu.Unlock()

	if err != nil {
		c.ioFailure(s, err)
		return
	}

	c.logger.Info("connected", "port", name, "baud", cfg.baudRate)

	c.detectFirmware(s)
}

// attach installs p as the connection port and starts the I/O loops.
// It must be called with lifeMu held. A returned error means the loops
// could not start and the caller must treat p as failed.
func (c *Connection) attach(ctx context.Context, gen uint64, cfg *ConnectionConfig, name string, p Port, from ConnState) (*ioSession, error) {
	s := &ioSession{
		ctx:   ctx,
		gen:   gen,
		epoch: c.loopEpoch.Add(1),
		cfg:   cfg,
		name:  name,
		port:  p,
	}

	c.mu.Lock()
	c.port = p
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.touch()
	c.hbMissed.Store(0)

	if err := c.stateMgr.ToFrom(from, Connected); err != nil {
		c.closePort()
		return s, err
	}

	if err := c.startLoops(s); err != nil {
		c.logger.Error("failed to start i/o loops", "port", name, "error", err)
		return s, err
	}

	return s, nil
}

// stopLoops stops the I/O loops and closes the port. It must be called
// with lifeMu held.
func (c *Connection) stopLoops(timeout time.Duration) {
	c.loopEpoch.Add(1)
	c.taskMgr.Stop()
	c.closePort()

	if !c.taskMgr.WaitTimeout(timeout) {
		c.logger.Warn("i/o loops did not stop in time", "timeout", timeout)
	}
}

func (c *Connection) closePort() {
	c.mu.Lock()
	p := c.port
	c.port = nil
	c.mu.Unlock()

	if p == nil {
		return
	}

	if err := p.Close(); err != nil {
		c.logger.Debug("close port", "error", err)
	}
}

// Disconnect stops the I/O loops, closes the port and fails every queued
// command with ErrConnClosed. Disconnecting a disconnected connection is a no-op.
func (c *Connection) Disconnect() error {
	c.lifeMu.Lock()

	if c.stateMgr.State() == Disconnected {
		c.lifeMu.Unlock()
		return nil
	}

	c.gen.Add(1)

	c.mu.Lock()
	cancel := c.runCancel
	cfg := c.active
	name := c.portName
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.stopLoops(cfg.closeTimeout)
	err := c.stateMgr.To(Disconnected)
	c.lifeMu.Unlock()

	if n := c.queue.CancelAll(ErrConnClosed); n > 0 {
		c.logger.Info("canceled queued commands", "count", n)
	}

	c.logger.Info("disconnected", "port", name)

	return err
}

// Close disconnects and releases the connection. A closed connection can't
// be reconnected.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.Disconnect()

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()

	timeout := c.activeConfig().closeTimeout
	t := pool.GetTimer(timeout)
	select {
	case <-done:
	case <-t.C:
		c.logger.Warn("background goroutines did not stop in time", "timeout", timeout)
	}
	pool.PutTimer(t)

	c.events.close()

	return err
}

// Send queues text for transmission and returns a snapshot of the queued
// command. Commands are accepted while connected or reconnecting.
func (c *Connection) Send(text string, opts ...cmdqueue.CmdOption) (cmdqueue.Command, error) {
	state := c.stateMgr.State()
	if state != Connected && state != Reconnecting {
		err := fmt.Errorf("%w: %s", ErrNotConnected, state)
		c.reportError(err)

		return cmdqueue.Command{}, err
	}

	cmd, err := c.queue.Enqueue(text, opts...)
	if err != nil {
		c.reportError(err)
		return cmdqueue.Command{}, err
	}

	c.publish(Event{Kind: CommandQueued, Command: cmd, CommandID: cmd.ID})

	return cmd, nil
}

// SendAndWait sends text and blocks until the command completes or ctx is
// done. It replaces any callback given in opts. On ctx expiry the command
// stays queued.
func (c *Connection) SendAndWait(ctx context.Context, text string, opts ...cmdqueue.CmdOption) (cmdqueue.Result, error) {
	ch := make(chan cmdqueue.Result, 1)
	opts = append(opts, cmdqueue.WithCallback(func(r cmdqueue.Result) { ch <- r }))

	if _, err := c.Send(text, opts...); err != nil {
		return cmdqueue.Result{}, err
	}

	select {
	case <-ctx.Done():
		return cmdqueue.Result{}, ctx.Err()
	case r := <-ch:
		return r, r.Err
	}
}

// Profile returns the command profile of the detected firmware, or the
// generic profile when none is detected.
func (c *Connection) Profile() firmware.CommandProfile {
	return firmware.ProfileOrDefault(c.session.Type())
}

// Home sends the homing command of the detected firmware.
func (c *Connection) Home(opts ...cmdqueue.CmdOption) (cmdqueue.Command, error) {
	return c.Send(c.Profile().HomeCommand, opts...)
}

// Unlock sends the alarm unlock command. It fails with ErrUnsupported on
// firmware without one.
func (c *Connection) Unlock(opts ...cmdqueue.CmdOption) (cmdqueue.Command, error) {
	p := c.Profile()
	if !p.HasUnlock() {
		return cmdqueue.Command{}, fmt.Errorf("%w: unlock on %s", ErrUnsupported, c.session.Type())
	}

	return c.Send(p.UnlockCommand, opts...)
}

// QueryStatus sends the status query at the highest priority.
func (c *Connection) QueryStatus(opts ...cmdqueue.CmdOption) (cmdqueue.Command, error) {
	opts = append([]cmdqueue.CmdOption{cmdqueue.WithPriority(cmdqueue.MinPriority)}, opts...)
	return c.Send(c.Profile().StatusQuery, opts...)
}

// SoftReset writes the reset command ahead of everything queued.
func (c *Connection) SoftReset() (cmdqueue.Command, error) {
	return c.Send(c.Profile().ResetCommand, cmdqueue.WithBypass())
}

// ClearBuffers cancels every queued command and discards the port buffers.
func (c *Connection) ClearBuffers() error {
	n := c.queue.CancelAll(ErrBuffersCleared)

	c.mu.RLock()
	p := c.port
	c.mu.RUnlock()

	var err error
	if r, ok := p.(bufferResetter); ok {
		err = errors.Join(r.ResetInputBuffer(), r.ResetOutputBuffer())
	}

	c.logger.Debug("buffers cleared", "canceled", n, "error", err)

	return err
}

// State returns the connection state.
func (c *Connection) State() ConnState {
	return c.stateMgr.State()
}

// WaitState blocks until the connection reaches s or ctx is done.
func (c *Connection) WaitState(ctx context.Context, s ConnState) error {
	return c.stateMgr.WaitState(ctx, s)
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	info := ConnectionInfo{
		Port:        c.portName,
		BaudRate:    c.active.baudRate,
		ConnectedAt: c.connectedAt,
	}
	c.mu.RUnlock()

	info.Firmware = c.session.Type()
	info.State = c.stateMgr.State()
	info.BytesSent = c.metrics.BytesSent.Load()
	info.BytesReceived = c.metrics.BytesReceived.Load()
	info.CommandsSent = c.metrics.CommandsSent.Load()
	info.ResponsesReceived = c.metrics.ResponsesReceived.Load()

	return info
}

// Firmware returns the detected firmware.
func (c *Connection) Firmware() (firmware.Info, bool) {
	return c.session.Current()
}

// DetectionConfidence returns the confidence of the current detection.
func (c *Connection) DetectionConfidence() float64 {
	return c.session.Confidence()
}

// DetectionHistory returns the recorded detections, oldest first.
func (c *Connection) DetectionHistory() []firmware.DetectionEntry {
	return c.session.History()
}

// ClearDetectionHistory drops the recorded detections but keeps the current one.
func (c *Connection) ClearDetectionHistory() {
	c.session.ClearHistory()
}

// ExportFirmwareInfo returns a report of the detection state.
func (c *Connection) ExportFirmwareInfo() firmware.Report {
	return c.session.Export()
}

// Stats returns a snapshot of the connection metrics.
func (c *Connection) Stats() Stats {
	return c.metrics.Snapshot()
}

// GetMetrics returns the live connection metrics.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// QueueStats returns the command queue counters.
func (c *Connection) QueueStats() cmdqueue.Stats {
	return c.queue.Stats()
}

// AddEventHandler registers h and returns a function that removes it.
func (c *Connection) AddEventHandler(h EventHandler) func() {
	return c.events.subscribe(h)
}

// EnumeratePorts lists the serial ports of the system.
func (c *Connection) EnumeratePorts() ([]PortInfo, error) {
	return c.cfg.portLister()
}

// GetLogger returns the connection logger.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

func (c *Connection) activeConfig() *ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.active
}

func (c *Connection) onStateChange(prev ConnState, cur ConnState) {
	c.publish(Event{Kind: StatusChanged, PrevState: prev, State: cur})
	c.publish(Event{Kind: InfoUpdated, Info: c.Info()})
}

func (c *Connection) publish(ev Event) {
	c.events.publish(ev)
}

// reportError counts, logs and publishes err.
func (c *Connection) reportError(err error) {
	c.metrics.incErrorCount()

	c.mu.RLock()
	name := c.portName
	c.mu.RUnlock()

	c.logger.Error("serial connection error", "port", name, "error", err)
	c.publish(Event{Kind: ErrorOccurred, Err: err})
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

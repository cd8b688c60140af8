package serialconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-cncserial/cmdqueue"
	"github.com/arloliu/go-cncserial/firmware"
	"github.com/arloliu/go-cncserial/internal/task"
	"github.com/arloliu/go-cncserial/response"
)

// maxBannerLines bounds the banner lines kept for detection.
const maxBannerLines = 8

// realtime commands are single bytes acted on immediately by the
// controller and written without a line ending.
var realtimeCommands = map[string]struct{}{
	"?":    {},
	"!":    {},
	"~":    {},
	"\x18": {},
}

func (c *Connection) startLoops(s *ioSession) error {
	if err := c.taskMgr.Start("reader", c.readLoop(s)); err != nil {
		return err
	}

	if err := c.taskMgr.Start("writer", c.writeLoop(s)); err != nil {
		return err
	}

	return c.taskMgr.StartInterval("supervisor", c.superviseLoop(s), s.cfg.tickInterval, false)
}

// readLoop reads newline-terminated lines. A line longer than the
// configured limit is split.
func (c *Connection) readLoop(s *ioSession) task.Func {
	r := bufio.NewReaderSize(s.port, s.cfg.maxLineLength)

	return func(ctx context.Context) bool {
		data, err := r.ReadSlice('\n')
		if len(data) > 0 {
			c.metrics.addBytesReceived(len(data))
			if err == nil || errors.Is(err, bufio.ErrBufferFull) {
				c.handleLine(string(data))
			}
		}

		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			return true
		}

		if ctx.Err() == nil {
			c.ioFailure(s, ioError("read", err))
		}

		return false
	}
}

func (c *Connection) handleLine(raw string) {
	line := strings.ToValidUTF8(strings.TrimRight(raw, "\r\n"), "")
	if strings.TrimSpace(line) == "" {
		return
	}

	c.metrics.incResponsesReceived()
	c.touch()
	c.hbMissed.Store(0)

	c.publish(Event{Kind: RawData, Line: line})

	resp := response.Parse(line)
	c.publish(Event{Kind: StructuredData, Response: resp})
	if resp.HasPosition() {
		c.publish(Event{Kind: PositionUpdated, Response: resp})
	}

	switch resp.Kind {
	case response.KindFirmwareBanner:
		c.onBanner(resp)
		c.queue.Attach(resp)

	case response.KindOK:
		if _, ok := c.queue.Resolve(resp); !ok {
			c.logger.Debug("unsolicited ok", "line", line)
		}

	case response.KindError:
		var err error = &cmdqueue.ProtocolError{Response: resp}
		if cmd, ok := c.queue.Resolve(resp); ok {
			err = fmt.Errorf("command %q: %w", cmd.Text, err)
		}
		c.reportError(err)

	case response.KindStatus:
		if _, ok := c.queue.ResolveIf(resp, isStatusQuery); !ok {
			c.queue.Attach(resp)
		}

	default:
		c.queue.Attach(resp)
	}
}

func isStatusQuery(text string) bool {
	return text == "?"
}

// onBanner feeds the recent banner lines of one firmware to the detection
// session, so that multi-line banners combine into one detection.
func (c *Connection) onBanner(resp *response.Response) {
	c.mu.Lock()
	if resp.Firmware != c.bannerType {
		c.bannerLines = c.bannerLines[:0]
		c.bannerType = resp.Firmware
	}
	c.bannerLines = append(c.bannerLines, resp.Raw)
	if len(c.bannerLines) > maxBannerLines {
		c.bannerLines = c.bannerLines[len(c.bannerLines)-maxBannerLines:]
	}
	text := strings.Join(c.bannerLines, "\n")
	seen := c.fwSeen
	c.mu.Unlock()

	c.recordFirmware(text)

	select {
	case seen <- struct{}{}:
	default:
	}
}

// recordFirmware runs detection on text and publishes the result.
func (c *Connection) recordFirmware(text string) firmware.Info {
	info := c.session.Extract(text)
	if info.Type.IsKnown() {
		c.logger.Info("firmware detected",
			"firmware", info.Name,
			"version", info.Version,
			"confidence", c.session.Confidence(),
		)
		c.publish(Event{Kind: FirmwareDetected, Firmware: info})
	}

	return info
}

func (c *Connection) writeLoop(s *ioSession) task.Func {
	eol := s.cfg.lineEnding

	return func(ctx context.Context) bool {
		cmd, err := c.queue.Next(ctx)
		if err != nil {
			return false
		}

		n, err := s.port.Write(frameCommand(cmd.Text, eol))
		if n > 0 {
			c.metrics.addBytesSent(n)
		}
		if err != nil {
			c.queue.Requeue(cmd)
			if ctx.Err() == nil {
				c.ioFailure(s, ioError("write", err))
			}

			return false
		}

		snap := c.queue.Written(cmd)
		c.metrics.incCommandsSent()
		c.logger.Debug("command sent", "id", snap.ID, "command", snap.Text)
		c.publish(Event{Kind: CommandSent, Command: snap, CommandID: snap.ID})

		return true
	}
}

func frameCommand(text string, eol string) []byte {
	if isRealtime(text) {
		return []byte(text)
	}

	return []byte(text + eol)
}

// isRealtime reports whether text is a realtime command. The controller
// never answers one with ok or error.
func isRealtime(text string) bool {
	_, ok := realtimeCommands[text]
	return ok
}

// superviseLoop expires overdue commands, sends heartbeats and publishes
// the connection info on every tick.
func (c *Connection) superviseLoop(s *ioSession) task.Func {
	return func(_ context.Context) bool {
		now := time.Now()

		for _, cmd := range c.queue.ExpireOverdue(now) {
			c.metrics.incTimeoutCount()
			c.logger.Warn("command timed out", "id", cmd.ID, "command", cmd.Text, "timeout", cmd.Timeout)
			c.publish(Event{Kind: ResponseTimeout, Command: cmd, CommandID: cmd.ID})
		}

		c.expireStuckHeartbeat(now, s.cfg)

		if missed := int(c.hbMissed.Load()); missed >= s.cfg.heartbeatMissLimit {
			c.ioFailure(s, fmt.Errorf("%w: %d missed on %s", ErrHeartbeatTimeout, missed, s.name))
			return false
		}

		c.heartbeat(now, s.cfg)

		c.publish(Event{Kind: InfoUpdated, Info: c.Info()})

		return true
	}
}

// heartbeat queues a status query once the line has been idle for the
// heartbeat interval. At most one heartbeat is outstanding.
func (c *Connection) heartbeat(now time.Time, cfg *ConnectionConfig) {
	if cfg.heartbeatInterval <= 0 || c.stateMgr.State() != Connected {
		return
	}
	if now.Sub(c.idleSince()) < cfg.heartbeatInterval {
		return
	}
	if !c.hbPending.CompareAndSwap(false, true) {
		return
	}
	c.touch()

	cmd, err := c.queue.Enqueue(c.Profile().StatusQuery,
		cmdqueue.WithPriority(cmdqueue.MinPriority),
		cmdqueue.WithCallback(c.onHeartbeat),
	)
	if err != nil {
		c.hbPending.Store(false)
		c.logger.Warn("failed to queue heartbeat", "error", err)

		return
	}

	c.hbID.Store(cmd.ID)
	c.hbQueuedAt.Store(now.UnixNano())

	c.logger.Debug("heartbeat", "id", cmd.ID, "command", cmd.Text)
	c.publish(Event{Kind: CommandQueued, Command: cmd, CommandID: cmd.ID})
}

// expireStuckHeartbeat fails a heartbeat that is still queued behind
// another command after the command timeout, so a dead link is noticed
// while a command that never expires holds the in-flight slot.
func (c *Connection) expireStuckHeartbeat(now time.Time, cfg *ConnectionConfig) {
	if !c.hbPending.Load() {
		return
	}

	wait := cfg.commandTimeout
	if wait <= 0 {
		wait = cfg.heartbeatInterval
	}
	if now.Sub(time.Unix(0, c.hbQueuedAt.Load())) < wait {
		return
	}

	id := c.hbID.Load()
	if cmd, ok := c.queue.InFlight(); ok && cmd.ID == id {
		return
	}

	c.queue.Fail(id, fmt.Errorf("%w: heartbeat not dispatched within %s", cmdqueue.ErrTimeout, wait))
}

func (c *Connection) onHeartbeat(r cmdqueue.Result) {
	c.hbPending.Store(false)

	switch {
	case r.Err == nil:
		c.hbMissed.Store(0)
	case errors.Is(r.Err, cmdqueue.ErrTimeout):
		missed := c.hbMissed.Add(1)
		c.logger.Warn("heartbeat unanswered", "missed", missed)
	}
}

// ioFailure reports err and starts reconnecting. Only the first failure of
// an attach is acted on; failures of stopped loops are ignored.
func (c *Connection) ioFailure(s *ioSession, err error) {
	if !c.loopEpoch.CompareAndSwap(s.epoch, s.epoch+1) {
		return
	}
	if c.closed.Load() || c.gen.Load() != s.gen {
		return
	}

	c.reportError(err)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.reconnect(s, err)
	}()
}

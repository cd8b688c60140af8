package serialconn

import (
	"fmt"
	"strings"

	"github.com/arloliu/go-cncserial/cmdqueue"
	"github.com/arloliu/go-cncserial/firmware"
	"github.com/arloliu/go-cncserial/internal/pool"
)

// detectFirmware waits for the unsolicited startup banner, then falls back
// to sending the version probes of the known firmwares one at a time.
// Once a firmware is known its initialization sequence is queued, if enabled.
func (c *Connection) detectFirmware(s *ioSession) {
	cfg := s.cfg
	if !cfg.autoDetect {
		return
	}

	c.mu.RLock()
	seen := c.fwSeen
	c.mu.RUnlock()

	if !c.session.Type().IsKnown() && cfg.detectTimeout > 0 {
		t := pool.GetTimer(cfg.detectTimeout)
		select {
		case <-s.ctx.Done():
		case <-seen:
		case <-t.C:
		}
		pool.PutTimer(t)
	}

	for _, probe := range firmware.VersionProbes() {
		if c.session.Type().IsKnown() || s.ctx.Err() != nil || c.gen.Load() != s.gen {
			break
		}

		c.logger.Debug("probing firmware", "port", s.name, "probe", probe)

		res, err := c.SendAndWait(s.ctx, probe,
			cmdqueue.WithPriority(cmdqueue.MinPriority),
			cmdqueue.WithTimeout(cfg.probeTimeout),
		)
		if err != nil {
			c.logger.Debug("firmware probe failed", "probe", probe, "error", err)
		}

		// the full reply carries the lines that don't classify as a banner
		// on their own, e.g. Marlin capability lines
		if text := replyText(res); firmware.IsSupported(text) {
			c.recordFirmware(text)
		}
	}

	if s.ctx.Err() != nil || c.gen.Load() != s.gen {
		return
	}

	t := c.session.Type()
	if !t.IsKnown() {
		c.reportError(fmt.Errorf("%w: %s", firmware.ErrDetectionFailure, s.name))
		return
	}

	if !cfg.initSequence {
		return
	}

	for _, cmd := range firmware.InitializationSequence(t) {
		if _, err := c.Send(cmd); err != nil {
			return
		}
	}

	c.logger.Info("initialization sequence queued", "firmware", t.String())
}

// replyText joins the lines received for a command, final reply included.
func replyText(res cmdqueue.Result) string {
	lines := make([]string, 0, len(res.Lines)+1)
	for _, l := range res.Lines {
		lines = append(lines, l.Raw)
	}
	if res.Response != nil {
		lines = append(lines, res.Response.Raw)
	}

	return strings.Join(lines, "\n")
}

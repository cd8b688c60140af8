package serialconn

import (
	"fmt"

	"github.com/arloliu/go-cncserial/internal/pool"
)

// reconnect tears down the failed attach s and reopens its port with
// exponential backoff. When every attempt fails, or auto-reconnect is off,
// the connection moves to Error and the queued commands are canceled.
func (c *Connection) reconnect(s *ioSession, cause error) {
	c.lifeMu.Lock()
	if c.gen.Load() != s.gen {
		c.lifeMu.Unlock()
		return
	}
	if err := c.stateMgr.ToFrom(Connected, Reconnecting); err != nil {
		c.lifeMu.Unlock()
		c.logger.Debug("skip reconnect", "error", err)

		return
	}
	c.stopLoops(s.cfg.closeTimeout)
	c.lifeMu.Unlock()

	// the reply to the in-flight command was lost with the port
	c.queue.RequeueInFlight()
	c.metrics.incReconnectCount()

	attempts := 0
	if s.cfg.autoReconnect {
		attempts = s.cfg.maxReconnectAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.metrics.setReconnectAttempt(attempt)

		delay := s.cfg.reconnectDelay(attempt)
		c.logger.Info("reconnecting", "port", s.name, "attempt", attempt, "max_attempts", attempts, "delay", delay)

		if err := pool.Sleep(s.ctx, delay); err != nil {
			return
		}

		p, err := s.cfg.opener(s.name, s.cfg.mode())
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "port", s.name, "attempt", attempt, "error", err)
			continue
		}

		c.lifeMu.Lock()
		if c.gen.Load() != s.gen || s.ctx.Err() != nil {
			c.lifeMu.Unlock()
			_ = p.Close()

			return
		}
		ns, err := c.attach(s.ctx, s.gen, s.cfg, s.name, p, Reconnecting)
		c.lifeMu.Unlock()

		c.metrics.setReconnectAttempt(0)
		if err != nil {
			c.ioFailure(ns, err)
			return
		}

		c.logger.Info("reconnected", "port", s.name, "attempt", attempt)

		return
	}

	c.lifeMu.Lock()
	if c.gen.Load() != s.gen {
		c.lifeMu.Unlock()
		return
	}
	err := c.stateMgr.ToFrom(Reconnecting, Error)
	c.lifeMu.Unlock()

	c.metrics.setReconnectAttempt(0)
	if err != nil {
		return
	}

	c.reportError(fmt.Errorf("%w: %d attempts on %s: %w", ErrReconnectExhausted, attempts, s.name, cause))

	if n := c.queue.CancelAll(ErrReconnectExhausted); n > 0 {
		c.logger.Info("canceled queued commands", "count", n)
	}
}

package serialconn

import (
	"sync/atomic"
	"time"
)

// ConnectionMetrics contains atomic counters of a serial connection.
// They survive reconnects and are reset by an explicit Connect.
type ConnectionMetrics struct {
	// BytesSent indicates the number of bytes written to the port.
	BytesSent atomic.Uint64
	// BytesReceived indicates the number of bytes read from the port.
	BytesReceived atomic.Uint64
	// CommandsSent indicates the number of commands written.
	CommandsSent atomic.Uint64
	// ResponsesReceived indicates the number of non-empty lines received.
	ResponsesReceived atomic.Uint64
	// ErrorCount indicates the number of reported errors.
	ErrorCount atomic.Uint64
	// TimeoutCount indicates the number of commands that timed out.
	TimeoutCount atomic.Uint64
	// ReconnectCount indicates the number of reconnect cycles started.
	ReconnectCount atomic.Uint64
	// ReconnectAttemptGauge indicates the attempt of the running reconnect cycle.
	ReconnectAttemptGauge atomic.Uint32

	lastSent     atomic.Int64
	lastReceived atomic.Int64
}

// Stats is a plain copy of ConnectionMetrics.
type Stats struct {
	BytesSent         uint64
	BytesReceived     uint64
	CommandsSent      uint64
	ResponsesReceived uint64
	Errors            uint64
	Timeouts          uint64
	Reconnects        uint64
	LastSent          time.Time
	LastReceived      time.Time
}

// Snapshot returns the current values.
func (m *ConnectionMetrics) Snapshot() Stats {
	return Stats{
		BytesSent:         m.BytesSent.Load(),
		BytesReceived:     m.BytesReceived.Load(),
		CommandsSent:      m.CommandsSent.Load(),
		ResponsesReceived: m.ResponsesReceived.Load(),
		Errors:            m.ErrorCount.Load(),
		Timeouts:          m.TimeoutCount.Load(),
		Reconnects:        m.ReconnectCount.Load(),
		LastSent:          unixNano(m.lastSent.Load()),
		LastReceived:      unixNano(m.lastReceived.Load()),
	}
}

func (m *ConnectionMetrics) addBytesSent(n int) {
	m.BytesSent.Add(uint64(n))
	m.lastSent.Store(time.Now().UnixNano())
}

func (m *ConnectionMetrics) addBytesReceived(n int) {
	m.BytesReceived.Add(uint64(n))
	m.lastReceived.Store(time.Now().UnixNano())
}

func (m *ConnectionMetrics) incCommandsSent() {
	m.CommandsSent.Add(1)
}

func (m *ConnectionMetrics) incResponsesReceived() {
	m.ResponsesReceived.Add(1)
}

func (m *ConnectionMetrics) incErrorCount() {
	m.ErrorCount.Add(1)
}

func (m *ConnectionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incReconnectCount() {
	m.ReconnectCount.Add(1)
}

func (m *ConnectionMetrics) setReconnectAttempt(n int) {
	m.ReconnectAttemptGauge.Store(uint32(n)) //nolint:gosec
}

func (m *ConnectionMetrics) reset() {
	m.BytesSent.Store(0)
	m.BytesReceived.Store(0)
	m.CommandsSent.Store(0)
	m.ResponsesReceived.Store(0)
	m.ErrorCount.Store(0)
	m.TimeoutCount.Store(0)
	m.ReconnectCount.Store(0)
	m.ReconnectAttemptGauge.Store(0)
	m.lastSent.Store(0)
	m.lastReceived.Store(0)
}

func unixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

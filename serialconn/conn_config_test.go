package serialconn

import (
	"testing"
	"time"

	"github.com/arloliu/go-cncserial/logger"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestNewConnectionConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig()
	require.NoError(err)

	require.Equal(DefaultBaudRate, cfg.BaudRate())
	require.Equal(DefaultLineEnding, cfg.LineEnding())
	require.Equal(DefaultCommandTimeout, cfg.CommandTimeout())
	require.Equal(DefaultMaxRetries, cfg.MaxRetries())
	require.True(cfg.AutoReconnect())
	require.Equal(DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts())
	require.Equal(DefaultReconnectBaseDelay, cfg.ReconnectBaseDelay())
	require.Equal(DefaultMaxReconnectDelay, cfg.MaxReconnectDelay())
	require.Equal(DefaultHeartbeatInterval, cfg.HeartbeatInterval())
	require.Equal(DefaultHeartbeatMissLimit, cfg.HeartbeatMissLimit())
	require.Equal(DefaultTickInterval, cfg.TickInterval())
	require.True(cfg.AutoDetect())
	require.Equal(DefaultDetectTimeout, cfg.DetectTimeout())
	require.False(cfg.InitSequence())
	require.NotNil(cfg.GetLogger())

	mode := cfg.mode()
	require.Equal(DefaultBaudRate, mode.BaudRate)
	require.Equal(8, mode.DataBits)
	require.Equal(serial.NoParity, mode.Parity)
	require.Equal(serial.OneStopBit, mode.StopBits)
}

func TestNewConnectionConfig_Options(t *testing.T) {
	require := require.New(t)

	l := logger.GetLogger().With("port", "test")
	cfg, err := NewConnectionConfig(
		WithBaudRate(250000),
		WithLineEnding("\r\n"),
		WithParity(serial.EvenParity),
		WithStopBits(serial.TwoStopBits),
		WithCommandTimeout(0),
		WithMaxRetries(0),
		WithAutoReconnect(false),
		WithReconnect(2, time.Second, 4*time.Second),
		WithHeartbeat(0, 3),
		WithInitSequence(true),
		WithLogger(l),
		nil,
	)
	require.NoError(err)

	require.Equal(250000, cfg.BaudRate())
	require.Equal("\r\n", cfg.LineEnding())
	require.Equal(time.Duration(0), cfg.CommandTimeout())
	require.Equal(0, cfg.MaxRetries())
	require.False(cfg.AutoReconnect())
	require.Equal(2, cfg.MaxReconnectAttempts())
	require.Equal(time.Duration(0), cfg.HeartbeatInterval())
	require.Equal(3, cfg.HeartbeatMissLimit())
	require.True(cfg.InitSequence())
	require.Equal(l, cfg.GetLogger())
	require.Equal(serial.EvenParity, cfg.mode().Parity)
}

func TestNewConnectionConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  ConnOption
	}{
		{"zero baud", WithBaudRate(0)},
		{"data bits", WithDataBits(4)},
		{"empty line ending", WithLineEnding("")},
		{"negative timeout", WithCommandTimeout(-time.Second)},
		{"retries", WithMaxRetries(101)},
		{"reconnect attempts", WithReconnect(-1, time.Second, time.Second)},
		{"reconnect delays", WithReconnect(3, 2*time.Second, time.Second)},
		{"heartbeat interval", WithHeartbeat(-time.Second, 1)},
		{"heartbeat miss limit", WithHeartbeat(time.Second, 0)},
		{"tick interval", WithTickInterval(0)},
		{"detect timeout", WithDetectTimeouts(-time.Second, time.Second)},
		{"close timeout", WithCloseTimeout(0)},
		{"line length", WithMaxLineLength(8)},
		{"nil opener", WithOpener(nil)},
		{"nil lister", WithPortLister(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConnectionConfig(tt.opt)
			require.Error(t, err)
			require.Nil(t, cfg)
		})
	}
}

func TestReconnectDelay(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig(WithReconnect(8, 2*time.Second, 30*time.Second))
	require.NoError(err)

	var delays []time.Duration
	for attempt := 1; attempt <= 7; attempt++ {
		delays = append(delays, cfg.reconnectDelay(attempt))
	}

	require.Equal([]time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, delays)
}

func TestConnectionConfig_CloneIsolated(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig()
	require.NoError(err)

	c := cfg.clone()
	require.NoError(c.apply(WithBaudRate(9600)))
	require.Equal(9600, c.BaudRate())
	require.Equal(DefaultBaudRate, cfg.BaudRate())
}

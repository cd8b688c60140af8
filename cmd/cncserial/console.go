package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/arloliu/go-cncserial/logger"
	"github.com/arloliu/go-cncserial/serialconn"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const connectTimeout = 10 * time.Second

type consoleOptions struct {
	port       string
	baud       int
	autoDetect bool
	init       bool
	heartbeat  time.Duration
}

func newConsoleCmd() *cobra.Command {
	opts := consoleOptions{}

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open an interactive session with a controller",
		Long: `Open an interactive session with a controller. Each input line is sent as a
command; controller output and connection events are printed as they arrive.

Console commands:
  !status   query the machine status
  !home     run the homing cycle
  !unlock   clear an alarm lock
  !reset    soft reset the controller
  !info     print the connection info
  !quit     disconnect and exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Serial port device")
	cmd.Flags().IntVarP(&opts.baud, "baud", "b", serialconn.DefaultBaudRate, "Baud rate")
	cmd.Flags().BoolVar(&opts.autoDetect, "detect", true, "Detect the firmware after connecting")
	cmd.Flags().BoolVar(&opts.init, "init", false, "Send the firmware initialization sequence")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", serialconn.DefaultHeartbeatInterval, "Idle time before a status heartbeat, 0 to disable")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func runConsole(cmd *cobra.Command, opts consoleOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg, err := serialconn.NewConnectionConfig(
		serialconn.WithAutoDetect(opts.autoDetect),
		serialconn.WithInitSequence(opts.init),
		serialconn.WithHeartbeat(opts.heartbeat, serialconn.DefaultHeartbeatMissLimit),
		serialconn.WithLogger(logger.With("port", opts.port)),
	)
	if err != nil {
		return err
	}

	conn, err := serialconn.NewConnection(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	watch := newConnectWatch()
	conn.AddEventHandler(func(ev serialconn.Event) {
		watch.observe(ev)
		printEvent(out, ev)
	})

	if err := conn.Connect(opts.port, opts.baud); err != nil {
		return err
	}

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("connect %s: timed out after %s", opts.port, connectTimeout)
	case err := <-watch.done:
		if err != nil {
			return fmt.Errorf("connect %s: %w", opts.port, err)
		}
	}

	return consoleLoop(ctx, conn, cmd.InOrStdin(), out)
}

// connectWatch settles once the first connect attempt has succeeded or
// failed. A failure settles with the error event that follows the move to
// Error, which names the cause. Events arrive on one goroutine.
type connectWatch struct {
	failed bool
	done   chan error
}

func newConnectWatch() *connectWatch {
	return &connectWatch{done: make(chan error, 1)}
}

func (w *connectWatch) observe(ev serialconn.Event) {
	switch {
	case ev.Kind == serialconn.StatusChanged && ev.State == serialconn.Connected:
		w.settle(nil)
	case ev.Kind == serialconn.StatusChanged && ev.State == serialconn.Error:
		w.failed = true
	case ev.Kind == serialconn.ErrorOccurred && w.failed:
		w.settle(ev.Err)
	}
}

func (w *connectWatch) settle(err error) {
	select {
	case w.done <- err:
	default:
	}
}

func consoleLoop(ctx context.Context, conn *serialconn.Connection, in io.Reader, out io.Writer) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return conn.Disconnect()
			}

			quit, err := runConsoleLine(conn, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return conn.Disconnect()
			}
		}
	}
}

// runConsoleLine executes one input line. It returns true on !quit.
func runConsoleLine(conn *serialconn.Connection, line string, out io.Writer) (bool, error) {
	var err error

	switch line {
	case "":
	case "!quit", "!exit":
		return true, nil
	case "!status":
		_, err = conn.QueryStatus()
	case "!home":
		_, err = conn.Home()
	case "!unlock":
		_, err = conn.Unlock()
	case "!reset":
		_, err = conn.SoftReset()
	case "!info":
		printInfo(out, conn)
	default:
		if strings.HasPrefix(line, "!") {
			return false, fmt.Errorf("unknown console command %q", line)
		}
		_, err = conn.Send(line)
	}

	return false, err
}

func printInfo(w io.Writer, conn *serialconn.Connection) {
	info := conn.Info()
	fmt.Fprintf(w, "* %s @ %d baud, %s, firmware %s (confidence %.2f)\n",
		info.Port, info.BaudRate, info.State, info.Firmware, conn.DetectionConfidence())
	fmt.Fprintf(w, "* sent %d commands / %d bytes, received %d lines / %d bytes\n",
		info.CommandsSent, info.BytesSent, info.ResponsesReceived, info.BytesReceived)
}

func printEvent(w io.Writer, ev serialconn.Event) {
	switch ev.Kind {
	case serialconn.RawData:
		fmt.Fprintf(w, "< %s\n", ev.Line)
	case serialconn.CommandSent:
		fmt.Fprintf(w, "> %q\n", ev.Command.Text)
	case serialconn.StatusChanged:
		fmt.Fprintf(w, "* %s -> %s\n", ev.PrevState, ev.State)
	case serialconn.FirmwareDetected:
		fmt.Fprintf(w, "* firmware %s %s\n", ev.Firmware.Name, ev.Firmware.Version)
	case serialconn.ResponseTimeout:
		fmt.Fprintf(w, "! timeout: %q\n", ev.Command.Text)
	case serialconn.ErrorOccurred:
		fmt.Fprintf(w, "! error: %v\n", ev.Err)
	}
}

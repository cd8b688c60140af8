package main

import (
	"os"

	"github.com/arloliu/go-cncserial/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "cncserial",
		Short: "CNC serial communication tool",
		Long: `cncserial talks to CNC controllers (GRBL, Marlin, Smoothieware, Repetier,
Invariance) over a serial port.

Commands:
  ports     list the serial ports of the system
  detect    identify the firmware from a banner
  parse     classify controller output lines
  console   open an interactive session with a controller`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger.SetLogger(logger.NewSlogWithWriter(os.Stderr, logger.ParseLevel(logLevel), false, true))
		},
	}

	root.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newPortsCmd(),
		newDetectCmd(),
		newParseCmd(),
		newConsoleCmd(),
	)

	return root
}

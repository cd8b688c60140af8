// Command cncserial talks to CNC controllers over a serial port.
//
// It lists serial ports, detects firmware from banner text, classifies
// controller output and runs an interactive console.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/arloliu/go-cncserial/serialconn"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := serialconn.EnumeratePorts()
			if err != nil {
				return fmt.Errorf("list ports: %w", err)
			}

			printPorts(cmd.OutOrStdout(), ports)

			return nil
		},
	}
}

func printPorts(w io.Writer, ports []serialconn.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		usb, ids := "no", "-"
		if p.IsUSB {
			usb, ids = "yes", p.VID+":"+p.PID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, usb, ids, orDash(p.SerialNumber), orDash(p.Product))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/arloliu/go-cncserial/response"
	"github.com/spf13/cobra"
)

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [line...]",
		Short: "Classify controller output lines",
		Long:  `Classify controller output lines given as arguments, or read from stdin when no argument is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				for _, line := range args {
					printResponse(out, response.Parse(line))
				}

				return nil
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				if strings.TrimSpace(scanner.Text()) == "" {
					continue
				}
				printResponse(out, response.Parse(scanner.Text()))
			}

			return scanner.Err()
		},
	}
}

func printResponse(w io.Writer, resp *response.Response) {
	var b strings.Builder

	fmt.Fprintf(&b, "%-15s %s", resp.Kind, resp.Raw)

	switch resp.Kind {
	case response.KindError:
		fmt.Fprintf(&b, "  [%s]", resp.Error())
	case response.KindStatus:
		fmt.Fprintf(&b, "  [state=%s]", resp.State)
	case response.KindFirmwareBanner:
		fmt.Fprintf(&b, "  [firmware=%s]", resp.Firmware)
	}

	if resp.HasPosition() {
		axes := slices.Sorted(maps.Keys(resp.Axes))
		parts := make([]string, 0, len(axes))
		for _, a := range axes {
			parts = append(parts, fmt.Sprintf("%s=%.3f", a, resp.Axes[a]))
		}
		fmt.Fprintf(&b, "  [%s]", strings.Join(parts, " "))
	}

	fmt.Fprintln(w, b.String())
}

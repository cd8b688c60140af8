package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/arloliu/go-cncserial/firmware"
	"github.com/spf13/cobra"
)

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect [text...]",
		Short: "Identify the firmware from banner text",
		Long: `Identify the firmware from banner text given as arguments, one line per
argument, or read from stdin when no argument is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, "\n")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}

			return printDetection(cmd.OutOrStdout(), text)
		},
	}
}

func printDetection(w io.Writer, text string) error {
	info := firmware.ExtractInfo(text)
	if !info.Type.IsKnown() {
		return firmware.ErrDetectionFailure
	}

	settings := firmware.SuggestConnectionSettings(info.Type)

	fmt.Fprintf(w, "Type: %s\n", info.Type)
	fmt.Fprintf(w, "Confidence: %.2f\n", firmware.Confidence(text))
	fmt.Fprintln(w, info.Format())
	fmt.Fprintf(w, "Suggested settings: %d baud, read timeout %s, line ending %q",
		settings.BaudRate, settings.ReadTimeout, settings.LineEnding)
	if settings.Echo {
		fmt.Fprint(w, ", echo")
	}
	if settings.FlowControl {
		fmt.Fprint(w, ", flow control")
	}
	fmt.Fprintln(w)

	if url := firmware.DocumentationURL(info.Type); url != "" {
		fmt.Fprintf(w, "Documentation: %s\n", url)
	}

	return nil
}

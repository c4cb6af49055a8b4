package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/viefmoon/chirpstack-agricos/frame"
	"github.com/viefmoon/chirpstack-agricos/sensormodel"
)

func newModelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the registered sensor models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			models := sensormodel.Models()
			if asJSON {
				return writeJSON(out, models)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENUM\tNAME\tVALUES\tCHANNELS")
			for _, m := range models {
				channels := make([]string, len(m.Channels))
				for i, c := range m.Channels {
					suffix := c.Suffix
					if suffix == "" {
						suffix = "-"
					}
					channels[i] = fmt.Sprintf("%s[%d]%s", c.SensorType, c.Offset, suffix)
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", m.Enum, m.Name, m.MinValues(), strings.Join(channels, " "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	var text bool

	cmd := &cobra.Command{
		Use:   "decode [payload|-]",
		Short: "Decode one uplink and print the frame as JSON",
		Long: `Decode one uplink envelope ({"data": "<base64>"}) read from the argument or,
with "-" or no argument, from stdin. With --text the input is the frame text
itself (station|device|voltage|seconds|channel...).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			var f *frame.Frame
			if text {
				f, err = frame.NewDecoder().DecodeText(strings.TrimSpace(input))
			} else {
				f, err = frame.Decode([]byte(input))
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				*frame.Frame
				Time string `json:"time"`
			}{f, f.TimestampISO()})
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "Input is frame text instead of a JSON envelope")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (built %s, %s)\n", appName, Version, BuildTime, runtime.Version())
		},
	}
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/INLOpen/offsetwal/wal"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <log-file>",
		Short: "Print the header and records of a log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bufSize, _ := cmd.Flags().GetInt("buffer-size")
			pendingOnly, _ := cmd.Flags().GetBool("pending")
			return inspectLog(cmd.OutOrStdout(), args[0], bufSize, pendingOnly)
		},
	}
	cmd.Flags().Int("buffer-size", core.DefaultReaderBufferSize, "Reader buffer size in bytes")
	cmd.Flags().Bool("pending", false, "Only print records that would be replayed")
	return cmd
}

func inspectLog(out io.Writer, path string, bufSize int, pendingOnly bool) error {
	r, err := wal.NewLogReader(path, wal.WithBufferSize(bufSize))
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	if h == nil {
		fmt.Fprintln(out, "empty log")
		return nil
	}
	fmt.Fprintf(out, "format=%s version=%d\n", h.FormatName, h.FileVersion)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tSTATE\tKEY\tVALUE")
	total, pending := 0, 0
	for {
		e, err := r.ReadEntry()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			tw.Flush()
			return fmt.Errorf("record %d: %w", total, err)
		}
		total++
		if e.State.NeedsReplay() {
			pending++
		} else if pendingOnly {
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", e.Start(), e.Info.Position(), e.State, render(e.KeyMetadata, e.Key), render(e.ValueMetadata, e.Value))
	}
	tw.Flush()
	fmt.Fprintf(out, "records=%d pending=%d\n", total, pending)
	return nil
}

// render decodes a logged field, falling back to hex for unknown tags.
func render(tag int32, data []byte) string {
	if v, err := resume.Decode(tag, data); err == nil {
		return resume.Text(v)
	}
	return fmt.Sprintf("tag%d:%x", tag, data)
}

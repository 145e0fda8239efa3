package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/wtguard/internal/oplog"
)

var (
	oplogLines  int
	oplogFollow bool
)

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Read the repository operation log",
}

var oplogTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent operation log entries",
	Args:  cobra.NoArgs,
	RunE:  runOplogTail,
}

func init() {
	oplogTailCmd.Flags().IntVarP(&oplogLines, "lines", "n", 20, "number of entries to print (0 for all)")
	oplogTailCmd.Flags().BoolVarP(&oplogFollow, "follow", "f", false, "keep printing entries as they are appended")
	oplogCmd.AddCommand(oplogTailCmd)
}

// entryWriter prints log entries as styled text or JSON lines.
func entryWriter(w io.Writer, asJSON bool) func(oplog.Entry) {
	if asJSON {
		enc := json.NewEncoder(w)
		return func(e oplog.Entry) { _ = enc.Encode(e) }
	}
	return func(e oplog.Entry) {
		ts := styles.Subtle.Render("[" + e.Time.Format(oplog.TimeLayout) + "]")
		msg := e.Message
		switch e.Event {
		case oplog.EventFailed:
			msg = styles.Error.Render(msg)
		case oplog.EventAcquired:
			msg = styles.Success.Render(msg)
		case oplog.EventReleased:
			if e.ExitStatus != nil && *e.ExitStatus != 0 {
				msg = styles.Warning.Render(msg)
			}
		}
		fmt.Fprintf(w, "%s %s\n", ts, msg)
	}
}

func runOplogTail(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}

	offset := svc.opLog.Size()
	entries, err := svc.opLog.Tail(oplogLines)
	if err != nil {
		return err
	}

	write := entryWriter(cmd.OutOrStdout(), outputJSON)
	for _, e := range entries {
		write(e)
	}

	if !oplogFollow {
		return nil
	}
	logger.Debug("following operation log", "path", svc.opLog.Path())
	return svc.opLog.Follow(cmd.Context(), offset, write)
}

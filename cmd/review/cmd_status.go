package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
)

var exportOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worksheet states of a cycle",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List every cycle in the journal",
	Args:  cobra.NoArgs,
	RunE:  runCycles,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the journal of a cycle",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Rewrite the rollup spreadsheet from the journal",
	Long: `Writes rollup.xlsx into the cycle directory, or to --output. The rollup
reflects the journal as it stands, so an open cycle exports its current
state with outstanding rows as NoResponse.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Finish interrupted partitions and list outstanding cycles",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write the rollup here instead of the cycle directory")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	st, err := app.Service.Status(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cycle %s is %s, opened %s, due %s, %d rows, journal seq %d\n",
		st.CycleID, st.State, day(st.OpenedAt), day(st.DueAt), st.Rows, st.LastSeq)
	if st.SupersedesID != 0 {
		fmt.Fprintf(out, "Supplementary to cycle %s\n", st.SupersedesID)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKSHEET\tRECIPIENT\tROWS\tSTATE\tSENT\tRECEIVED\tNOTE")
	for _, w := range st.Worksheets {
		note := ""
		switch {
		case w.FailureReason != "":
			note = string(w.FailureKind) + ": " + w.FailureReason
		case w.DelegateID != "":
			note = "delegated by " + w.ReviewerID
		}
		if w.Late {
			note = "late " + note
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			w.ID, w.Recipient, w.Rows, w.State, stamp(w.SentAt), stamp(w.ReceivedAt), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range st.NoAction {
		fmt.Fprintf(out, "No action needed from %s\n", r)
	}
	return nil
}

func runCycles(cmd *cobra.Command, args []string) error {
	list, err := app.Service.Cycles(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), list)
	}
	return printCycles(cmd.OutOrStdout(), list)
}

func printCycles(w io.Writer, list []*cycle.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CYCLE\tSTATE\tSUPERSEDES\tOPENED\tDUE\tROWS\tAWAITING\tDRAFTS")
	for _, st := range list {
		sup := "-"
		if st.SupersedesID != 0 {
			sup = st.SupersedesID.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			st.CycleID, st.State, sup, day(st.OpenedAt), day(st.DueAt), st.Rows, len(st.Awaiting), len(st.Drafts))
	}
	return tw.Flush()
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	events, err := app.Service.Events(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), events)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tTYPE\tACTOR\tSUMMARY")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.At.Format(time.RFC3339), ev.Type, ev.Actor, ev.Summary())
	}
	return tw.Flush()
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}

	path := exportOutput
	if path == "" {
		if path, _, err = app.Service.ExportRollup(ctx, id); err != nil {
			return err
		}
	} else if err := layout.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return app.Service.WriteRollup(ctx, id, w)
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rollup of cycle %s written to %s\n", id, path)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	list, err := app.Service.Resume(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No open cycles")
		return nil
	}
	return printCycles(cmd.OutOrStdout(), list)
}

func day(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

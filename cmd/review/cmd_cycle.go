package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/review"
)

var (
	supplements int64
	abortReason string
)

// =============================================================================
// OPEN / DIFF
// =============================================================================

var openCmd = &cobra.Command{
	Use:   "open <export.csv>",
	Short: "Open a review cycle from an entitlement export",
	Long: `Snapshots the export, validates it against the roster and journals the
new cycle with its reviewer partition. With --supplements the cycle only
covers rows added or changed since the named cycle.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

var diffCmd = &cobra.Command{
	Use:   "diff <export.csv>",
	Short: "Show the drift a supplementary cycle would cover",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func runOpen(cmd *cobra.Command, args []string) error {
	c, err := app.Service.Open(cmd.Context(), cycle.OpenRequest{
		MasterPath: args[0],
		Supersedes: review.CycleID(supplements),
		Actor:      actor,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), cycle.StatusOf(c))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Opened cycle %s", c.ID)
	if c.SupersedesID != 0 {
		fmt.Fprintf(out, " (supplementary to cycle %s)", c.SupersedesID)
	}
	fmt.Fprintf(out, ": %d rows, %d worksheets, due %s\n", len(c.Rows), len(c.Order), c.DueAt.Format("2006-01-02"))
	if len(c.NoAction) > 0 {
		fmt.Fprintf(out, "No action needed from: %s\n", strings.Join(c.NoAction, ", "))
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	if supplements <= 0 {
		return fmt.Errorf("--supplements is required")
	}
	drift, err := app.Service.Diff(cmd.Context(), review.CycleID(supplements), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), drift)
	}

	out := cmd.OutOrStdout()
	for _, r := range drift.Added {
		fmt.Fprintf(out, "+ %s\n", r.Key())
	}
	for _, r := range drift.Changed {
		fmt.Fprintf(out, "~ %s\n", r.Key())
	}
	for _, r := range drift.Removed {
		fmt.Fprintf(out, "- %s\n", r.Key())
	}
	fmt.Fprintf(out, "%d added, %d changed, %d removed\n", len(drift.Added), len(drift.Changed), len(drift.Removed))
	return nil
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Send every draft worksheet of the cycle",
	Long: `Materializes and mails each Draft worksheet. Interrupting the command
leaves unsent worksheets in Draft; running it again picks up where it
stopped and never sends a worksheet twice.`,
	Args: cobra.NoArgs,
	RunE: runDistribute,
}

var resendCmd = &cobra.Command{
	Use:   "resend <worksheet-id|reviewer-id>",
	Short: "Retry a worksheet whose send failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runResend,
}

func runDistribute(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	res, err := app.Service.Distribute(ctx, id, actor, progress(cmd))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKSHEET\tRECIPIENT\tRESULT")
	for _, o := range res.Sent {
		fmt.Fprintf(tw, "%s\t%s\tsent %s\n", o.WorksheetID, o.Recipient, o.MessageID)
	}
	for _, o := range res.Failed {
		fmt.Fprintf(tw, "%s\t%s\t%s %s\n", o.WorksheetID, o.Recipient, o.Code, o.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cycle %s is %s: %d sent, %d failed, %d still draft\n",
		res.CycleID, res.State, len(res.Sent), len(res.Failed), res.Remaining)
	return nil
}

func runResend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	wid := review.WorksheetID(args[0])
	if !strings.HasPrefix(args[0], id.String()+"-") {
		wid = review.NewWorksheetID(id, args[0])
	}

	o, err := app.Service.Resend(ctx, id, wid, actor)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), o); err != nil {
			return err
		}
	} else if !o.Failed() {
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s (%s)\n", o.WorksheetID, o.Recipient, o.MessageID)
	}
	if o.Failed() {
		return review.NewError(review.ErrSendFailed, string(o.WorksheetID), "%s: %s", o.Code, o.Message).WithSeq(o.Seq)
	}
	return nil
}

// =============================================================================
// INGESTION
// =============================================================================

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.xlsx...]",
	Short: "Ingest returned worksheets",
	Long: `Verifies returned worksheets and journals their decisions. Without
arguments every file in the cycle's inbox is read; files already ingested
are skipped.`,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	var res *cycle.IngestResult
	if len(args) == 0 {
		res, err = app.Service.IngestInbox(ctx, id, progress(cmd))
	} else {
		res, err = app.Service.IngestFiles(ctx, id, args, progress(cmd))
	}
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	return printIngest(cmd.OutOrStdout(), res)
}

var outcomes = []cycle.Outcome{
	cycle.OutcomeAccepted,
	cycle.OutcomeSuperseded,
	cycle.OutcomeDuplicate,
	cycle.OutcomeTampered,
	cycle.OutcomeRejected,
	cycle.OutcomeTimeout,
	cycle.OutcomeUnreadable,
}

func printIngest(w io.Writer, res *cycle.IngestResult) error {
	if len(res.Files) == 0 {
		fmt.Fprintf(w, "Nothing to ingest for cycle %s\n", res.CycleID)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tOUTCOME\tWORKSHEET\tDETAIL")
	for _, f := range res.Files {
		detail := f.Message
		if f.Code != "" {
			detail = string(f.Code) + ": " + detail
		}
		if f.Late {
			detail = strings.TrimSpace(detail + " late")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Path, f.Outcome, f.WorksheetID, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var parts []string
	for _, o := range outcomes {
		if n := res.Count(o); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, o))
		}
	}
	fmt.Fprintf(w, "Cycle %s: %s\n", res.CycleID, strings.Join(parts, ", "))
	return nil
}

// =============================================================================
// RECONCILE / CLOSE / ABORT
// =============================================================================

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle received worksheets and show the rollup summary",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the cycle and write rollup.xlsx",
	Args:  cobra.NoArgs,
	RunE:  runClose,
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "End the cycle without a rollup",
	Args:  cobra.NoArgs,
	RunE:  runAbort,
}

func init() {
	openCmd.Flags().Int64Var(&supplements, "supplements", 0, "Closed cycle this supplementary cycle extends")
	diffCmd.Flags().Int64Var(&supplements, "supplements", 0, "Cycle to compare the export against")
	abortCmd.Flags().StringVar(&abortReason, "reason", "", "Why the cycle is aborted (required)")
	_ = abortCmd.MarkFlagRequired("reason")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	r, err := app.Service.Reconcile(ctx, id, actor)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), r)
	}
	printSummary(cmd.OutOrStdout(), r)
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	res, err := app.Service.Close(ctx, id, actor)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), struct {
			Rollup *review.Rollup `json:"rollup"`
			Path   string         `json:"rollup_path"`
		}{res.Rollup, res.Path})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Closed cycle %s, rollup written to %s\n", id, res.Path)
	printSummary(out, res.Rollup)
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := targetCycle(ctx)
	if err != nil {
		return err
	}
	if err := app.Service.Abort(ctx, id, actor, abortReason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Aborted cycle %s\n", id)
	return nil
}

func printSummary(w io.Writer, r *review.Rollup) {
	s := r.Summary
	fmt.Fprintf(w, "Cycle %s (%s) as of journal seq %d\n", r.CycleID, r.State, r.AsOfSeq)
	fmt.Fprintf(w, "  rows %d, worksheets %d, response rate %s%%, revoke rate %s%%\n",
		s.Rows, s.Worksheets, s.ResponseRate.StringFixed(2), s.RevokeRate.StringFixed(2))

	verdicts := []review.Verdict{review.VerdictKeep, review.VerdictRevoke, review.VerdictModify, review.VerdictNoResponse, review.VerdictTampered}
	var parts []string
	for _, v := range verdicts {
		if n := s.Verdicts[v]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", v, n))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(w, "  verdicts: %s\n", strings.Join(parts, ", "))
	}
	if s.Late > 0 || s.Tampered > 0 {
		fmt.Fprintf(w, "  late %d, tampered %d\n", s.Late, s.Tampered)
	}
	for _, wid := range s.Awaiting {
		fmt.Fprintf(w, "  awaiting %s\n", wid)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s (%s): %s\n", f.WorksheetID, f.Kind, f.Reason)
	}
	for _, d := range s.Delegations {
		fmt.Fprintf(w, "  %s delegated to %s\n", d.ReviewerID, d.DelegateID)
	}
}

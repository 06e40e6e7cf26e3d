/*
main.go - review command line

PURPOSE:
  Operator CLI for access review cycles. Every command runs against the
  root named in the config (or --root) and advances cycles only through
  the journal, so commands may be interleaved with a running server.

COMMANDS:
  open, diff              start a full or supplementary cycle
  distribute, resend      send worksheets
  ingest                  read returned worksheets (inbox or files)
  reconcile, close, abort settle and end a cycle
  status, cycles, events  inspect cycles
  export, resume          rollup export, crash recovery
  serve                   operator API with the inbox scheduler
  scenario                sample data for trying things out

EXIT CODES:
  1 unexpected failure, 2 bad export or roster, 3 integrity error,
  4 transport error, 5 command not valid in the cycle's state
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/access-review/bootstrap"
	"github.com/warp/access-review/config"
	"github.com/warp/access-review/review"
)

var (
	// Global flags
	configPath string
	rootPath   string
	actor      string
	cycleFlag  int64
	jsonOutput bool
	verbose    bool

	// Set up by PersistentPreRunE, torn down by PersistentPostRun
	app    *bootstrap.App
	logger *zap.Logger

	// appOptions are passed to bootstrap.New; tests swap the transport here.
	appOptions []bootstrap.Option
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "review",
	Short: "Run SOX user-access review cycles",
	Long: `review drives user-access review cycles: it snapshots an entitlement
export, splits it into one worksheet per reviewer, mails the worksheets,
verifies what comes back and writes an auditable rollup.

All state lives in the cycle journal under the root directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if rootPath != "" {
			cfg.RootPath = rootPath
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		// Console logs on stderr; stdout is for command output.
		cfg.Log.JSON = false
		if err := cfg.Validate(); err != nil {
			return err
		}

		app, err = bootstrap.New(cfg, appOptions...)
		if err != nil {
			return err
		}
		logger = app.Logger
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeApp(cmd.ErrOrStderr())
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "review.yaml", "YAML config path (missing means defaults)")
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", "", "Root directory (overrides root_path)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "Operator recorded in the journal")
	rootCmd.PersistentFlags().Int64VarP(&cycleFlag, "cycle", "c", 0, "Cycle id (default: the open cycle)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(openCmd, diffCmd)
	rootCmd.AddCommand(distributeCmd, resendCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(reconcileCmd, closeCmd, abortCmd)
	rootCmd.AddCommand(statusCmd, cyclesCmd, eventsCmd)
	rootCmd.AddCommand(exportCmd, resumeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scenarioCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	// PersistentPostRun is skipped when a command fails.
	closeApp(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	switch {
	case review.IsInputError(err):
		return 2
	case review.IsIntegrityError(err):
		return 3
	case review.IsTransportError(err):
		return 4
	case review.IsOperatorError(err):
		return 5
	default:
		return 1
	}
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

// =============================================================================
// HELPERS
// =============================================================================

func closeApp(stderr io.Writer) {
	if app != nil {
		if err := app.Close(); err != nil {
			fmt.Fprintln(stderr, "close:", err)
		}
		app = nil
	}
	if logger != nil {
		_ = logger.Sync()
		logger = nil
	}
}

// targetCycle resolves --cycle, falling back to the open cycle.
func targetCycle(ctx context.Context) (review.CycleID, error) {
	if cycleFlag > 0 {
		return review.CycleID(cycleFlag), nil
	}
	if cycleFlag < 0 {
		return 0, fmt.Errorf("invalid cycle id %d", cycleFlag)
	}
	c, err := app.Service.Current(ctx)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// progress prints distribution and ingestion progress on stderr.
func progress(cmd *cobra.Command) func(done, total int, message string) {
	w := cmd.ErrOrStderr()
	return func(done, total int, message string) {
		fmt.Fprintf(w, "[%d/%d] %s\n", done, total, message)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

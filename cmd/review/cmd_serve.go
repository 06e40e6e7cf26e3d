package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/access-review/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and watch the inbox",
	Long: `Serves the operator API over the same root and ingests replies as they
land in the open cycle's inbox. Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			app.Config.Server.Addr = serveAddr
		}
		return api.Serve(cmd.Context(), app, func(addr string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", addr)
		})
	},
}

// scenarioCmd groups sample data commands
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Sample rosters and exports",
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sample scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), api.Scenarios())
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
		for _, sc := range api.Scenarios() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", sc.ID, sc.Name, sc.Description)
		}
		return tw.Flush()
	},
}

var scenarioLoadCmd = &cobra.Command{
	Use:   "load <scenario-id>",
	Short: "Write a sample roster and exports under the root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := api.LoadScenario(cmd.Context(), app.Service, args[0])
		if errors.Is(err, api.ErrUnknownScenario) {
			return fmt.Errorf("%w %q; see 'review scenario list'", err, args[0])
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), out)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Roster written to %s\n", out.Roster)
		for _, e := range out.Exports {
			fmt.Fprintf(w, "Export written to %s\n", e)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	scenarioCmd.AddCommand(scenarioListCmd, scenarioLoadCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/priority"
	"github.com/sells-group/proposal-review/internal/store"
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Inspect proposals in the local store",
}

// -- proposals list --

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored proposals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		event, _ := cmd.Flags().GetString("event")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := st.ListProposals(ctx, store.ProposalFilter{
			EventID: event,
			Status:  model.ProposalStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "proposals list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No proposals found.")
			return nil
		}

		formatProposalsList(os.Stdout, list)
		return nil
	},
}

// -- proposals show --

var proposalsShowCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show a stored proposal with its reviewer state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.Fetch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "proposals show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

func init() {
	proposalsListCmd.Flags().String("event", "", "filter by event id")
	proposalsListCmd.Flags().String("status", "", "filter by status (pending, partially_approved, ...)")
	proposalsListCmd.Flags().Int("limit", 100, "maximum number of proposals")

	proposalsCmd.AddCommand(proposalsListCmd, proposalsShowCmd)
	rootCmd.AddCommand(proposalsCmd)
}

// formatProposalsList writes a tabular list of proposals to w.
func formatProposalsList(out io.Writer, list []store.ProposalSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEVENT\tAGENT\tPRIORITY\tCONF\tSTATUS\tMODIFIED\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t--------\t----\t------\t--------\t-------")

	for _, p := range list {
		agent := p.AgentName
		if len(agent) > 24 {
			agent = agent[:21] + "..."
		}
		modified := ""
		if p.Modified {
			modified = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\t%s\n",
			truncateID(p.ID),
			p.EventID,
			agent,
			priority.Score(p.AgentName),
			p.Confidence,
			p.Status,
			modified,
			p.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of an id for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

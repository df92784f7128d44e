package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/model"
)

var compareCmd = &cobra.Command{
	Use:   "compare <proposal-id>...",
	Short: "Compare the working draft with an alternate source",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetInt("source")
		copyFields, _ := cmd.Flags().GetStringArray("copy-field")
		copyAll, _ := cmd.Flags().GetBool("copy-all")

		s, closeFn, err := openSession(ctx, args)
		if err != nil {
			return err
		}
		defer closeFn()

		if source >= 0 {
			if err := s.SetActiveSource(source); err != nil {
				return eris.Wrap(err, "compare")
			}
		}

		for _, f := range copyFields {
			if _, err := s.CopyField(f); err != nil {
				return err
			}
		}
		if copyAll {
			res, err := s.CopyAll()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stderr)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
		}
		if s.IsDirty() {
			if _, err := s.Save(ctx); err != nil {
				return err
			}
			zap.L().Info("copied values saved", zap.String("proposal_id", s.PrimaryID()))
		}

		fields, races := s.Differences()
		if len(fields) == 0 && len(races) == 0 {
			fmt.Fprintln(os.Stderr, "No differences.")
			return nil
		}
		formatDifferences(os.Stdout, fields, races)
		return nil
	},
}

func init() {
	compareCmd.Flags().Int("source", -1, "index of the source to compare against (default: second-highest priority)")
	compareCmd.Flags().StringArray("copy-field", nil, "copy a field from the source into the draft")
	compareCmd.Flags().Bool("copy-all", false, "copy every differing field and race from the source")
	rootCmd.AddCommand(compareCmd)
}

// formatDifferences writes field and race differences to w.
func formatDifferences(out io.Writer, fields []model.FieldDiff, races []model.RaceDiff) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tWORKING\tSOURCE")
	_, _ = fmt.Fprintln(w, "-----\t-------\t------")
	for _, f := range fields {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.Field, cell(f.WorkingValue, f.InWorking), cell(f.SourceValue, f.InSource))
	}
	for _, r := range races {
		label := "race " + r.Name
		switch {
		case !r.InWorking:
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", label, "-", "present ("+r.SourceRaceID+")")
			continue
		case !r.InSource:
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", label, "present ("+r.TargetRaceID+")", "-")
			continue
		}
		for _, f := range r.Fields {
			_, _ = fmt.Fprintf(w, "%s.%s\t%s\t%s\n", label, f.Field, cell(f.WorkingValue, f.InWorking), cell(f.SourceValue, f.InSource))
		}
	}
	_ = w.Flush()
}

func cell(v any, present bool) string {
	if !present {
		return "-"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(b)
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/review"
)

var draftCmd = &cobra.Command{
	Use:   "draft <proposal-id>...",
	Short: "Build the working draft of a group of proposals",
	Long:  "Loads the proposals, consolidates them by agent priority and prints the working draft. Field edits and block validations are applied to the highest-priority proposal.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sets, _ := cmd.Flags().GetStringArray("set")
		resets, _ := cmd.Flags().GetStringArray("reset")
		validate, _ := cmd.Flags().GetStringArray("validate")
		unvalidate, _ := cmd.Flags().GetStringArray("unvalidate")

		s, closeFn, err := openSession(ctx, args)
		if err != nil {
			return err
		}
		defer closeFn()

		for _, a := range sets {
			field, value, err := parseAssignment(a)
			if err != nil {
				return err
			}
			if err := s.SetField(field, value); err != nil {
				return err
			}
		}
		for _, field := range resets {
			if err := s.ResetField(field); err != nil {
				return err
			}
		}
		if s.IsDirty() {
			if _, err := s.Save(ctx); err != nil {
				return err
			}
		}
		for _, block := range validate {
			if err := s.ValidateBlock(ctx, block); err != nil {
				return err
			}
		}
		for _, block := range unvalidate {
			if err := s.UnvalidateBlock(ctx, block); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s.State())
	},
}

// openSession loads a review session from the configured backend. The
// returned function saves pending edits, closes the session and then the
// backend.
func openSession(ctx context.Context, ids []string) (*review.Session, func(), error) {
	if err := cfg.Validate("review"); err != nil {
		return nil, nil, err
	}
	opts, err := sessionOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	backend, closeBackend, err := initBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := review.Load(ctx, backend, ids, opts)
	if err != nil {
		closeBackend()
		return nil, nil, eris.Wrap(err, "load draft")
	}
	zap.L().Debug("session opened", zap.Strings("proposal_ids", ids))
	return s, func() {
		closeSession("cli", s)
		closeBackend()
	}, nil
}

// parseAssignment splits field=value. The value is decoded as JSON when it
// parses, else taken as a plain string.
func parseAssignment(s string) (string, any, error) {
	field, raw, ok := strings.Cut(s, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return "", nil, eris.Errorf("invalid assignment %q, want field=value", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return field, raw, nil
	}
	return field, v, nil
}

func init() {
	draftCmd.Flags().StringArray("set", nil, "override a field, field=value (value may be JSON)")
	draftCmd.Flags().StringArray("reset", nil, "drop a field override")
	draftCmd.Flags().StringArray("validate", nil, "validate a block after saving")
	draftCmd.Flags().StringArray("unvalidate", nil, "withdraw a block validation")
	rootCmd.AddCommand(draftCmd)
}

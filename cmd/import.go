package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import agent proposals from a JSON file into the local store",
	Long:  "Reads a JSON array of proposals, a single proposal, or one proposal per line, and upserts them into the configured store.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "import: read %s", args[0])
		}
		proposals, err := decodeProposals(data)
		if err != nil {
			return eris.Wrapf(err, "import: decode %s", args[0])
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportProposals(ctx, proposals)
		if err != nil {
			return eris.Wrap(err, "import proposals")
		}

		zap.L().Info("import complete",
			zap.Int("imported", n),
			zap.String("file", args[0]),
		)
		return nil
	},
}

// decodeProposals accepts a JSON array or a stream of JSON objects.
func decodeProposals(data []byte) ([]model.SourceProposal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("empty input")
	}
	if data[0] == '[' {
		var out []model.SourceProposal
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var out []model.SourceProposal
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var p model.SourceProposal
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "proposal %d", len(out)+1)
		}
		out = append(out, p)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(importCmd)
}

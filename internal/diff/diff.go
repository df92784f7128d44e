// Package diff builds the payloads persisted from a working draft: the
// reviewer-only autosave delta and the per-block approval payload.
package diff

import (
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/proposal-review/internal/blocks"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/draft"
	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/normalize"
)

// ErrUnknownBlock is returned for an empty block key or one the classifier
// does not know.
var ErrUnknownBlock = eris.New("diff: unknown block")

// knower is implemented by classifiers that can list their blocks.
type knower interface {
	Known(block string) bool
}

// Autosave returns the reviewer-only delta of a snapshot. Agent-proposed
// values never appear in it.
func Autosave(s draft.Snapshot) model.AutosaveDiff {
	edits, deletions := raceEdits(s)
	return model.AutosaveDiff{
		UserModifiedFields: userFields(s),
		RaceEdits:          edits,
		RacesToDelete:      deletions,
	}
}

// userFields returns field overrides that differ from their proposed value.
func userFields(s draft.Snapshot) map[string]any {
	out := make(map[string]any, len(s.UserModifiedFields))
	for field, v := range s.UserModifiedFields {
		if proposed, ok := s.Proposed(field); ok && normalize.Equal(proposed, v) {
			continue
		}
		out[field] = v
	}
	return out
}

// raceEdits translates race override records into the persistence layer's
// keys. Races updated by the primary proposal are addressed by their
// positional key; other persisted races by id; temporary races by their
// temporary id. Deleted temporary races are dropped entirely.
func raceEdits(s draft.Snapshot) (map[string]map[string]any, []int64) {
	edits := make(map[string]map[string]any, len(s.UserModifiedRaces))
	deletions := []int64{}

	for id, rec := range s.UserModifiedRaces {
		if len(rec) == 0 {
			continue
		}
		deleted, _ := rec[model.DeletedMarker].(bool)

		if consolidate.IsTemporaryID(id) {
			if deleted {
				continue
			}
			edits[id] = maps.Clone(rec)
			continue
		}

		key := id
		if s.Races != nil {
			if k, ok := s.Races.PositionalKey(id); ok {
				key = k
			}
		}
		edits[key] = maps.Clone(rec)

		if deleted {
			if n, ok := consolidate.NumericID(id); ok {
				deletions = append(deletions, n)
			}
		}
	}
	slices.Sort(deletions)
	return edits, deletions
}

// Block returns the approval payload of one block: the effective value of
// every field the classifier puts in it, or the full race-edit map for the
// races block.
func Block(s draft.Snapshot, block string, c blocks.Classifier) (model.BlockPayload, error) {
	block = strings.TrimSpace(block)
	if block == "" {
		return model.BlockPayload{}, ErrUnknownBlock
	}
	if k, ok := c.(knower); ok && !k.Known(block) {
		return model.BlockPayload{}, eris.Wrapf(ErrUnknownBlock, "block %q", block)
	}

	if block == blocks.Races {
		edits, _ := raceEdits(s)
		return model.BlockPayload{Block: block, RaceEdits: edits}, nil
	}

	fields := make(map[string]any)
	for _, f := range s.Fields {
		if c.BlockFor(f.Field) != block {
			continue
		}
		if v, ok := s.Effective(f.Field); ok {
			fields[f.Field] = v
		}
	}
	for field, v := range s.UserModifiedFields {
		if c.BlockFor(field) == block {
			fields[field] = v
		}
	}
	return model.BlockPayload{Block: block, Fields: fields}, nil
}

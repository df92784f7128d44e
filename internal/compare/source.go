package compare

import (
	"sort"

	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/draft"
	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/normalize"
)

// Source is a read-only view of one source proposal, resolved against the
// reviewer state persisted on it.
type Source struct {
	proposal model.SourceProposal
	flat     map[string]consolidate.FlatValue
	races    *consolidate.RaceSet
}

func newSource(p model.SourceProposal) *Source {
	return &Source{
		proposal: p,
		flat:     consolidate.Flatten(p),
		races:    consolidate.Reconcile([]model.SourceProposal{p}, consolidate.ModeSingle),
	}
}

// ID returns the proposal id.
func (s *Source) ID() string { return s.proposal.ID }

// Proposal returns the underlying proposal.
func (s *Source) Proposal() model.SourceProposal { return s.proposal }

// Value resolves a field: the source's own override, else its proposed
// value, else the field found inside a nested object change.
func (s *Source) Value(field string) (any, bool) {
	if v, ok := s.proposal.UserModifiedFields[field]; ok {
		return v, true
	}
	if fv, ok := s.flat[field]; ok {
		return fv.New, true
	}
	return s.nested(field)
}

func (s *Source) nested(field string) (any, bool) {
	for _, key := range sortedKeys(s.proposal.Changes) {
		obj, ok := normalize.ExtractNew(s.proposal.Changes[key]).(map[string]any)
		if !ok {
			continue
		}
		if v, ok := obj[field]; ok {
			return normalize.ExtractNew(v), true
		}
	}
	return nil, false
}

// FieldNames returns every field the source has a value for, sorted.
func (s *Source) FieldNames() []string {
	set := make(map[string]bool, len(s.flat)+len(s.proposal.UserModifiedFields))
	for k := range s.flat {
		set[k] = true
	}
	for k := range s.proposal.UserModifiedFields {
		set[k] = true
	}
	return sortedKeys(set)
}

// Races returns the source's races resolved against its own race overrides.
// Races the source itself soft-deleted are left out.
func (s *Source) Races() []model.RaceView {
	overrides := s.raceOverrides()
	var out []model.RaceView
	for _, e := range s.races.All() {
		v := draft.ResolveRace(e, overrides[e.ID])
		if v.Deleted {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Race returns one of the source's races.
func (s *Source) Race(id string) (model.RaceView, bool) {
	e, ok := s.races.Get(id)
	if !ok {
		return model.RaceView{}, false
	}
	v := draft.ResolveRace(e, s.raceOverrides()[id])
	if v.Deleted {
		return model.RaceView{}, false
	}
	return v, true
}

func (s *Source) raceOverrides() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.proposal.UserModifiedRaces))
	for key, rec := range s.proposal.UserModifiedRaces {
		if id, ok := s.races.IDForKey(key); ok {
			out[id] = rec
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package consolidate

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/normalize"
)

// ExistingKeyPrefix prefixes the positional key the persistence layer uses
// to address race updates.
const ExistingKeyPrefix = "existing-"

// RaceSet is an arena of consolidated races keyed by id. It keeps insertion
// order and the positional index of races updated by the primary proposal.
// A RaceSet is never mutated after construction; With and Without return
// modified copies.
type RaceSet struct {
	order      []string
	byID       map[string]model.RaceEntity
	positional map[string]string
	byKey      map[string]string
}

// NewRaceSet returns an empty race set.
func NewRaceSet() *RaceSet {
	return &RaceSet{
		byID:       make(map[string]model.RaceEntity),
		positional: make(map[string]string),
		byKey:      make(map[string]string),
	}
}

// Len returns the number of races.
func (s *RaceSet) Len() int {
	return len(s.order)
}

// Has reports whether a race with the given id exists.
func (s *RaceSet) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns the race with the given id.
func (s *RaceSet) Get(id string) (model.RaceEntity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// IDs returns race ids in insertion order.
func (s *RaceSet) IDs() []string {
	return slices.Clone(s.order)
}

// All returns races in insertion order.
func (s *RaceSet) All() []model.RaceEntity {
	out := make([]model.RaceEntity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// PositionalKey returns the "existing-<i>" key of a race updated by the
// primary proposal.
func (s *RaceSet) PositionalKey(id string) (string, bool) {
	k, ok := s.positional[id]
	return k, ok
}

// IDForKey resolves a persisted race-edit key (positional or raw id) back to
// a race id in the set.
func (s *RaceSet) IDForKey(key string) (string, bool) {
	if id, ok := s.byKey[key]; ok {
		return id, true
	}
	if s.Has(key) {
		return key, true
	}
	return "", false
}

// With returns a copy of the set with e added or replaced.
func (s *RaceSet) With(e model.RaceEntity) *RaceSet {
	out := s.clone()
	if _, ok := out.byID[e.ID]; !ok {
		out.order = append(out.order, e.ID)
	}
	out.byID[e.ID] = e
	return out
}

// Without returns a copy of the set without the given race.
func (s *RaceSet) Without(id string) *RaceSet {
	if !s.Has(id) {
		return s
	}
	out := s.clone()
	delete(out.byID, id)
	out.order = slices.DeleteFunc(out.order, func(v string) bool { return v == id })
	if k, ok := out.positional[id]; ok {
		delete(out.positional, id)
		delete(out.byKey, k)
	}
	return out
}

func (s *RaceSet) clone() *RaceSet {
	return &RaceSet{
		order:      slices.Clone(s.order),
		byID:       maps.Clone(s.byID),
		positional: maps.Clone(s.positional),
		byKey:      maps.Clone(s.byKey),
	}
}

// Reconcile builds the consolidated race set. In single and primary-only
// modes only the first (primary) proposal contributes; in merge-all mode
// every proposal contributes in order and the first proposal to set a field
// on a race wins. Proposals must already be sorted by priority.
func Reconcile(proposals []model.SourceProposal, mode Mode) *RaceSet {
	set := NewRaceSet()
	if len(proposals) == 0 {
		return set
	}

	contributing := proposals
	if mode != ModeMergeAll {
		contributing = proposals[:1]
	}

	for i, upd := range proposals[0].Races.ToUpdate {
		id := strings.TrimSpace(upd.RaceID)
		if id == "" {
			continue
		}
		if _, dup := set.positional[id]; dup {
			continue
		}
		key := fmt.Sprintf("%s%d", ExistingKeyPrefix, i)
		set.positional[id] = key
		set.byKey[key] = id
	}

	additions := 0
	for _, p := range contributing {
		for _, upd := range p.Races.ToUpdate {
			set.applyUpdate(p.ID, upd)
		}
		for _, snap := range p.Races.Unchanged {
			set.applyUnchanged(p.ID, snap)
		}
		for _, add := range p.Races.ToAdd {
			id := fmt.Sprintf("%s%d", TempIDPrefix, additions)
			additions++
			set.applyAddition(p.ID, id, add)
		}
	}
	return set
}

func (s *RaceSet) entity(id string, origin model.RaceOrigin) model.RaceEntity {
	if e, ok := s.byID[id]; ok {
		return e
	}
	s.order = append(s.order, id)
	return model.RaceEntity{
		ID:             id,
		Fields:         make(map[string]any),
		OriginalFields: make(map[string]any),
		Origin:         origin,
	}
}

func (s *RaceSet) applyUpdate(proposalID string, upd model.RaceUpdate) {
	id := strings.TrimSpace(upd.RaceID)
	if id == "" {
		return
	}
	e := s.entity(id, model.RaceOriginUpdate)
	if e.Origin == model.RaceOriginUnchanged {
		e.Origin = model.RaceOriginUpdate
	}

	for _, field := range sortedKeys(upd.Updates) {
		rec := upd.Updates[field]
		if _, set := e.Fields[field]; !set {
			e.Fields[field] = normalize.ExtractNew(rec)
		}
		if _, set := e.OriginalFields[field]; !set {
			if cur, ok := upd.CurrentData[field]; ok {
				e.OriginalFields[field] = cur
			} else {
				e.OriginalFields[field] = normalize.ExtractOld(rec)
			}
		}
	}
	for field, cur := range upd.CurrentData {
		if _, set := e.OriginalFields[field]; !set {
			e.OriginalFields[field] = cur
		}
	}

	if e.Name == "" {
		e.Name = raceName(upd.RaceName, e.Fields, e.OriginalFields)
	}
	e.ProposalIDs = appendUnique(e.ProposalIDs, proposalID)
	s.byID[id] = e
}

func (s *RaceSet) applyUnchanged(proposalID string, snap model.RaceSnapshot) {
	id := strings.TrimSpace(snap.RaceID)
	if id == "" {
		return
	}
	e := s.entity(id, model.RaceOriginUnchanged)
	for field, v := range snap.Fields {
		if _, set := e.OriginalFields[field]; !set {
			e.OriginalFields[field] = v
		}
	}
	if e.Name == "" {
		e.Name = raceName(snap.RaceName, e.Fields, e.OriginalFields)
	}
	e.ProposalIDs = appendUnique(e.ProposalIDs, proposalID)
	s.byID[id] = e
}

func (s *RaceSet) applyAddition(proposalID, id string, add model.RaceAddition) {
	e := s.entity(id, model.RaceOriginAddition)
	for field, v := range add.Fields {
		e.Fields[field] = normalize.ExtractNew(v)
	}
	e.Name = raceName("", e.Fields, nil)
	e.ProposalIDs = appendUnique(e.ProposalIDs, proposalID)
	s.byID[id] = e
}

func raceName(explicit string, fields, original map[string]any) string {
	if n := strings.TrimSpace(explicit); n != "" {
		return n
	}
	for _, m := range []map[string]any{fields, original} {
		if n, ok := m["name"].(string); ok && strings.TrimSpace(n) != "" {
			return strings.TrimSpace(n)
		}
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

// Package compare implements the two-pane compare and copy workflow: a
// read-only view of one alternate source next to the working draft, plus
// operations that copy values from that source into the draft.
package compare

import (
	"maps"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/draft"
	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/normalize"
	"github.com/sells-group/proposal-review/internal/priority"
)

var (
	// ErrUnknownSource is returned for an out-of-range source index.
	ErrUnknownSource = eris.New("compare: unknown source")
	// ErrUnknownSourceRace is returned when the active source has no such race.
	ErrUnknownSourceRace = eris.New("compare: unknown source race")
)

// Workspace pairs the working draft with the list of source proposals.
// Like the draft, it is not safe for concurrent use.
type Workspace struct {
	draft   *draft.Draft
	sources []*Source
	active  int
	ledger  *ledger
}

// ledger remembers what the last CopyAll wrote so a later CopyAll from
// another source can withdraw it.
type ledger struct {
	sourceID   string
	fields     map[string]any
	raceFields map[string]map[string]any
	added      map[string]bool
}

func newLedger(sourceID string) *ledger {
	return &ledger{
		sourceID:   sourceID,
		fields:     map[string]any{},
		raceFields: map[string]map[string]any{},
		added:      map[string]bool{},
	}
}

func (l *ledger) recordRace(id, field string, v any) {
	if l.raceFields[id] == nil {
		l.raceFields[id] = map[string]any{}
	}
	l.raceFields[id][field] = v
}

// CopyAllResult reports what a CopyAll changed.
type CopyAllResult struct {
	SourceID        string   `json:"sourceId"`
	FieldsWritten   []string `json:"fieldsWritten"`
	FieldsWithdrawn []string `json:"fieldsWithdrawn"`
	RacesUpdated    []string `json:"racesUpdated"`
	RacesAdded      []string `json:"racesAdded"`
	RacesRemoved    []string `json:"racesRemoved"`
}

// New builds a workspace over every source proposal, sorted by agent
// priority. The second source is active when there are at least two.
func New(proposals []model.SourceProposal, d *draft.Draft) *Workspace {
	sorted := priority.Sort(proposals)
	w := &Workspace{draft: d, sources: make([]*Source, 0, len(sorted))}
	for _, p := range sorted {
		w.sources = append(w.sources, newSource(p))
	}
	if len(w.sources) >= 2 {
		w.active = 1
	}
	return w
}

// Sources returns the sources in priority order.
func (w *Workspace) Sources() []*Source { return w.sources }

// ActiveIndex returns the index of the active source.
func (w *Workspace) ActiveIndex() int { return w.active }

// Active returns the active source, or nil when there are no sources.
func (w *Workspace) Active() *Source {
	if len(w.sources) == 0 {
		return nil
	}
	return w.sources[w.active]
}

// SetActive switches the active source.
func (w *Workspace) SetActive(i int) error {
	if i < 0 || i >= len(w.sources) {
		return eris.Wrapf(ErrUnknownSource, "index %d of %d", i, len(w.sources))
	}
	w.active = i
	return nil
}

// CopyField writes the active source's value of field as a draft override.
// Returns false when the source has no value for it.
func (w *Workspace) CopyField(field string) bool {
	src := w.Active()
	if src == nil {
		return false
	}
	v, ok := src.Value(field)
	if !ok {
		return false
	}
	w.draft.SetField(field, v)
	return true
}

// CopyEntity copies a race of the active source into the draft. With a
// target, only the fields that differ are written into the target's override
// record. Without one, the race is added. Returns the draft race id.
func (w *Workspace) CopyEntity(sourceRaceID, targetID string) (string, error) {
	src := w.Active()
	if src == nil {
		return "", ErrUnknownSource
	}
	sr, ok := src.Race(sourceRaceID)
	if !ok {
		return "", eris.Wrapf(ErrUnknownSourceRace, "race %s in %s", sourceRaceID, src.ID())
	}
	if targetID == "" {
		return w.draft.AddRace(raceFields(sr)), nil
	}
	target, ok := w.draft.Race(targetID)
	if !ok {
		return "", eris.Wrapf(draft.ErrUnknownRace, "copy into %s", targetID)
	}
	changed := differing(raceFields(sr), raceFields(target))
	if len(changed) == 0 {
		return targetID, nil
	}
	if err := w.draft.UpdateRaceFields(targetID, changed); err != nil {
		return "", eris.Wrapf(err, "compare: copy race %s into %s", sourceRaceID, targetID)
	}
	return targetID, nil
}

// CopyAll copies every field and race of the active source that differs from
// the draft. Whatever a previous CopyAll wrote that the active source lacks is
// withdrawn, unless the reviewer changed it since.
func (w *Workspace) CopyAll() CopyAllResult {
	src := w.Active()
	if src == nil {
		return CopyAllResult{}
	}
	prev := w.ledger
	if prev == nil {
		prev = newLedger("")
	}
	next := newLedger(src.ID())
	res := CopyAllResult{SourceID: src.ID()}

	w.copyFields(src, prev, next, &res)
	w.copyRaces(src, prev, next, &res)

	w.ledger = next
	zap.L().Debug("compare: copied all",
		zap.String("source_id", src.ID()),
		zap.String("previous_source_id", prev.sourceID),
		zap.Int("fields_written", len(res.FieldsWritten)),
		zap.Int("fields_withdrawn", len(res.FieldsWithdrawn)),
		zap.Int("races_added", len(res.RacesAdded)),
		zap.Int("races_removed", len(res.RacesRemoved)),
	)
	return res
}

func (w *Workspace) copyFields(src *Source, prev, next *ledger, res *CopyAllResult) {
	overrides := w.draft.UserModifiedFields()
	for _, field := range src.FieldNames() {
		sv, _ := src.Value(field)
		ov, overridden := overrides[field]
		owned := overridden && prev.owns(field, ov)

		if owned {
			if proposed, ok := w.draft.Proposed(field); ok && normalize.Equal(proposed, sv) {
				w.draft.ResetField(field)
				res.FieldsWithdrawn = append(res.FieldsWithdrawn, field)
				continue
			}
		}
		if cur, ok := w.draft.Effective(field); ok && normalize.Equal(cur, sv) {
			if owned {
				next.fields[field] = ov
			}
			continue
		}
		w.draft.SetField(field, sv)
		next.fields[field] = sv
		res.FieldsWritten = append(res.FieldsWritten, field)
	}

	for _, field := range sortedKeys(prev.fields) {
		if _, ok := src.Value(field); ok {
			continue
		}
		if ov, ok := w.draft.UserModifiedFields()[field]; ok && prev.owns(field, ov) {
			w.draft.ResetField(field)
			res.FieldsWithdrawn = append(res.FieldsWithdrawn, field)
		}
	}
}

func (l *ledger) owns(field string, current any) bool {
	v, ok := l.fields[field]
	return ok && normalize.Equal(v, current)
}

func (w *Workspace) copyRaces(src *Source, prev, next *ledger, res *CopyAllResult) {
	matches := w.matchRaces(src.Races())
	touched := map[string]bool{}

	for _, m := range matches {
		fields := raceFields(m.source)
		if m.target == "" {
			id := w.draft.AddRace(fields)
			next.added[id] = true
			for k, v := range fields {
				next.recordRace(id, k, v)
			}
			touched[id] = true
			res.RacesAdded = append(res.RacesAdded, id)
			continue
		}

		target, _ := w.draft.Race(m.target)
		touched[m.target] = true
		if prev.added[m.target] {
			next.added[m.target] = true
		}

		current := raceFields(target)
		baseline := raceFields(draft.ResolveRace(target.RaceEntity, nil))
		changed := differing(fields, current)
		var revert []string
		for _, k := range sortedKeys(prev.raceFields[m.target]) {
			v := prev.raceFields[m.target][k]
			sv, inSource := fields[k]
			ov, overridden := target.Override[k]
			if !inSource || !overridden || !normalize.Equal(ov, v) {
				continue
			}
			switch {
			case normalize.Equal(current[k], sv):
				next.recordRace(m.target, k, v)
			case normalize.Equal(baseline[k], sv):
				revert = append(revert, k)
				delete(changed, k)
			}
		}

		if len(revert) > 0 {
			if err := w.draft.ClearRaceFields(m.target, revert...); err == nil && len(changed) == 0 {
				res.RacesUpdated = append(res.RacesUpdated, m.target)
			}
		}
		if len(changed) == 0 {
			continue
		}
		if err := w.draft.UpdateRaceFields(m.target, changed); err != nil {
			zap.L().Warn("compare: copy race failed",
				zap.String("source_id", src.ID()),
				zap.String("race_id", m.target),
				zap.Error(err),
			)
			continue
		}
		for k, v := range changed {
			next.recordRace(m.target, k, v)
		}
		res.RacesUpdated = append(res.RacesUpdated, m.target)
	}

	w.withdrawRaces(prev, next, touched, res)
	sort.Strings(res.RacesUpdated)
}

// withdrawRaces undoes race edits of the previous CopyAll that the current
// one did not carry over. Added races are dropped if untouched since.
func (w *Workspace) withdrawRaces(prev, next *ledger, touched map[string]bool, res *CopyAllResult) {
	for _, id := range sortedKeys(prev.raceFields) {
		view, ok := w.draft.Race(id)
		if !ok {
			continue
		}
		written := prev.raceFields[id]

		if prev.added[id] && !touched[id] {
			if sameRecord(view.Override, written) {
				if err := w.draft.RemoveRace(id); err == nil {
					res.RacesRemoved = append(res.RacesRemoved, id)
				}
			}
			continue
		}

		var stale []string
		for _, k := range sortedKeys(written) {
			if _, kept := next.raceFields[id][k]; kept {
				continue
			}
			if ov, ok := view.Override[k]; ok && normalize.Equal(ov, written[k]) {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			if err := w.draft.ClearRaceFields(id, stale...); err == nil && !touched[id] {
				res.RacesUpdated = append(res.RacesUpdated, id)
			}
		}
	}
}

func sameRecord(override, written map[string]any) bool {
	if len(override) != len(written) {
		return false
	}
	for k, v := range written {
		ov, ok := override[k]
		if !ok || !normalize.Equal(ov, v) {
			return false
		}
	}
	return true
}

type raceMatch struct {
	source model.RaceView
	target string
}

// matchRaces pairs each source race with a draft race, first by id and then
// by case-insensitive trimmed name. Unmatched source races get no target.
func (w *Workspace) matchRaces(sourceRaces []model.RaceView) []raceMatch {
	working := w.draft.Races()
	claimed := make(map[string]bool, len(working))
	out := make([]raceMatch, len(sourceRaces))

	for i, sr := range sourceRaces {
		out[i].source = sr
		if consolidate.IsTemporaryID(sr.ID) {
			continue
		}
		if _, ok := w.draft.Race(sr.ID); ok && !claimed[sr.ID] {
			out[i].target = sr.ID
			claimed[sr.ID] = true
		}
	}
	for i, m := range out {
		if m.target != "" {
			continue
		}
		name := raceNameKey(m.source.Name)
		if name == "" {
			continue
		}
		for _, wr := range working {
			if claimed[wr.ID] || wr.Deleted {
				continue
			}
			if raceNameKey(wr.Name) == name {
				out[i].target = wr.ID
				claimed[wr.ID] = true
				break
			}
		}
	}
	return out
}

// FieldDifferences compares every field of the draft with the active source.
// Fields with equal values on both sides are left out.
func (w *Workspace) FieldDifferences() []model.FieldDiff {
	src := w.Active()
	if src == nil {
		return nil
	}
	names := map[string]bool{}
	for _, f := range w.draft.Fields() {
		names[f.Field] = true
	}
	for _, f := range src.FieldNames() {
		names[f] = true
	}

	var out []model.FieldDiff
	for _, field := range sortedKeys(names) {
		wv, inWorking := w.draft.Effective(field)
		sv, inSource := src.Value(field)
		if inWorking && inSource && normalize.Equal(wv, sv) {
			continue
		}
		out = append(out, model.FieldDiff{
			Field:        field,
			WorkingValue: wv,
			SourceValue:  sv,
			InWorking:    inWorking,
			InSource:     inSource,
		})
	}
	return out
}

// RaceDifferences compares the draft's races with the active source's races
// using the same matching as CopyAll.
func (w *Workspace) RaceDifferences() []model.RaceDiff {
	src := w.Active()
	if src == nil {
		return nil
	}
	var out []model.RaceDiff
	matched := map[string]bool{}

	for _, m := range w.matchRaces(src.Races()) {
		sf := raceFields(m.source)
		if m.target == "" {
			out = append(out, model.RaceDiff{
				SourceRaceID: m.source.ID,
				Name:         m.source.Name,
				InSource:     true,
				Fields:       fieldDiffs(nil, sf),
			})
			continue
		}
		matched[m.target] = true
		target, _ := w.draft.Race(m.target)
		diffs := fieldDiffs(raceFields(target), sf)
		if len(diffs) == 0 {
			continue
		}
		out = append(out, model.RaceDiff{
			SourceRaceID: m.source.ID,
			TargetRaceID: m.target,
			Name:         target.Name,
			InWorking:    true,
			InSource:     true,
			Fields:       diffs,
		})
	}

	for _, wr := range w.draft.Races() {
		if matched[wr.ID] || wr.Deleted {
			continue
		}
		out = append(out, model.RaceDiff{
			TargetRaceID: wr.ID,
			Name:         wr.Name,
			InWorking:    true,
			Fields:       fieldDiffs(raceFields(wr), nil),
		})
	}
	return out
}

func fieldDiffs(working, source map[string]any) []model.FieldDiff {
	keys := maps.Clone(working)
	if keys == nil {
		keys = map[string]any{}
	}
	maps.Copy(keys, source)

	var out []model.FieldDiff
	for _, k := range sortedKeys(keys) {
		wv, inWorking := working[k]
		sv, inSource := source[k]
		if inWorking && inSource && normalize.Equal(wv, sv) {
			continue
		}
		out = append(out, model.FieldDiff{Field: k, WorkingValue: wv, SourceValue: sv, InWorking: inWorking, InSource: inSource})
	}
	return out
}

// raceFields returns a race's effective fields with its name filled in.
func raceFields(v model.RaceView) map[string]any {
	out := maps.Clone(v.Effective)
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["name"]; !ok && v.Name != "" {
		out["name"] = v.Name
	}
	return out
}

// differing returns the source fields whose value is absent from or different
// in target. Names that only differ in case or surrounding space are equal.
func differing(source, target map[string]any) map[string]any {
	out := map[string]any{}
	for k, sv := range source {
		tv, ok := target[k]
		if ok && normalize.Equal(tv, sv) {
			continue
		}
		if k == "name" && raceNameKey(sv) != "" && raceNameKey(sv) == raceNameKey(tv) {
			continue
		}
		out[k] = sv
	}
	return out
}

// raceNameKey is the form race names are matched by.
func raceNameKey(v any) string {
	name, _ := v.(string)
	return cases.Fold().String(strings.TrimSpace(name))
}

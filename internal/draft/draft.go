// Package draft holds the reviewer-facing working draft: consolidated
// proposals plus reviewer overrides.
//
// A Draft is owned by a single caller and is not safe for concurrent use.
// Override maps are replaced rather than mutated, so a Snapshot taken at any
// point stays valid after later edits.
package draft

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/blocks"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/normalize"
)

var (
	// ErrUnknownRace is returned when an edit targets a race absent from the draft.
	ErrUnknownRace = eris.New("draft: unknown race")
	// ErrReservedField is returned when an edit targets the deletion marker directly.
	ErrReservedField = eris.New("draft: reserved race field")
)

// Option configures a Draft.
type Option func(*Draft)

// WithIDGenerator sets the generator for reviewer-added race ids.
func WithIDGenerator(g consolidate.IDGenerator) Option {
	return func(d *Draft) {
		d.ids = g
	}
}

// WithClock sets the time source used for LastSaved.
func WithClock(now func() time.Time) Option {
	return func(d *Draft) {
		d.now = now
	}
}

// Draft is the working draft.
type Draft struct {
	primaryID string

	fields   []model.ConsolidatedField
	fieldIdx map[string]int
	races    *consolidate.RaceSet

	fieldOverrides map[string]any
	raceOverrides  map[string]map[string]any
	approved       map[string]bool

	version      uint64
	savedVersion uint64
	lastSaved    time.Time

	ids consolidate.IDGenerator
	now func() time.Time
}

// New builds a draft from a consolidation result. Reviewer state persisted on
// the primary proposal is restored.
func New(res *consolidate.Result, opts ...Option) *Draft {
	d := &Draft{
		primaryID:      res.Primary.ID,
		fields:         slices.Clone(res.Fields),
		fieldIdx:       make(map[string]int, len(res.Fields)),
		races:          res.Races,
		fieldOverrides: map[string]any{},
		raceOverrides:  map[string]map[string]any{},
		approved:       maps.Clone(res.Primary.ApprovedBlocks),
		ids:            consolidate.UUIDGenerator{},
		now:            time.Now,
	}
	if d.races == nil {
		d.races = consolidate.NewRaceSet()
	}
	if d.approved == nil {
		d.approved = map[string]bool{}
	}
	for i, f := range d.fields {
		d.fieldIdx[f.Field] = i
	}
	for _, opt := range opts {
		opt(d)
	}
	d.restore(res.Primary.UserModifiedFields, res.Primary.UserModifiedRaces)
	return d
}

// restore loads persisted reviewer state. Race-edit keys may be positional
// ("existing-<i>") or raw ids. Records for unknown temporary ids bring back
// reviewer-added races; records for any other unknown id are dropped.
func (d *Draft) restore(fields map[string]any, races map[string]map[string]any) {
	for k, v := range fields {
		d.fieldOverrides[k] = v
	}
	for key, rec := range races {
		if len(rec) == 0 {
			continue
		}
		id, ok := d.races.IDForKey(key)
		if !ok {
			if !consolidate.IsTemporaryID(key) {
				zap.L().Debug("draft: dropping orphan race override",
					zap.String("proposal_id", d.primaryID),
					zap.String("key", key),
				)
				continue
			}
			id = key
			d.races = d.races.With(reviewerRace(id))
		}
		d.raceOverrides[id] = maps.Clone(rec)
	}
}

func reviewerRace(id string) model.RaceEntity {
	return model.RaceEntity{
		ID:             id,
		Fields:         map[string]any{},
		OriginalFields: map[string]any{},
		Origin:         model.RaceOriginReviewer,
	}
}

// PrimaryProposalID returns the id of the proposal the draft is written to.
func (d *Draft) PrimaryProposalID() string { return d.primaryID }

// Version increments on every edit.
func (d *Draft) Version() uint64 { return d.version }

// IsDirty reports whether edits happened since the last successful save.
func (d *Draft) IsDirty() bool { return d.version != d.savedVersion }

// LastSaved returns the time of the last successful save, or zero.
func (d *Draft) LastSaved() time.Time { return d.lastSaved }

// MarkSaved records a successful save of the snapshot taken at version. The
// draft stays dirty if it was edited after that snapshot.
func (d *Draft) MarkSaved(version uint64) {
	if version > d.savedVersion {
		d.savedVersion = version
	}
	d.lastSaved = d.now()
}

func (d *Draft) touch() {
	d.version++
}

// --- Fields ---

// Proposed returns the consolidated proposed value of a field.
func (d *Draft) Proposed(field string) (any, bool) {
	i, ok := d.fieldIdx[field]
	if !ok {
		return nil, false
	}
	return d.fields[i].ProposedValue()
}

// Effective returns the reviewer override of a field if any, else its
// proposed value.
func (d *Draft) Effective(field string) (any, bool) {
	if v, ok := d.fieldOverrides[field]; ok {
		return v, true
	}
	return d.Proposed(field)
}

// Field returns a consolidated field resolved against overrides.
func (d *Draft) Field(field string) (model.FieldView, bool) {
	i, known := d.fieldIdx[field]
	ov, overridden := d.fieldOverrides[field]
	if !known && !overridden {
		return model.FieldView{}, false
	}
	var view model.FieldView
	if known {
		view.ConsolidatedField = d.fields[i]
	} else {
		view.ConsolidatedField = model.ConsolidatedField{Field: field}
	}
	if overridden {
		view.SelectedValue = ov
		view.Overridden = true
	} else {
		view.SelectedValue, _ = view.ProposedValue()
	}
	return view, true
}

// Fields returns every consolidated field, plus fields that only exist as
// overrides, sorted by name.
func (d *Draft) Fields() []model.FieldView {
	names := make([]string, 0, len(d.fields)+len(d.fieldOverrides))
	for _, f := range d.fields {
		names = append(names, f.Field)
	}
	for k := range d.fieldOverrides {
		if _, ok := d.fieldIdx[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := make([]model.FieldView, 0, len(names))
	for _, n := range names {
		v, _ := d.Field(n)
		out = append(out, v)
	}
	return out
}

// SetField records a reviewer override and returns whether the draft
// changed. An override equal to the proposed value is kept; the autosave
// diff leaves it out.
func (d *Draft) SetField(field string, value any) bool {
	if cur, ok := d.fieldOverrides[field]; ok && normalize.Equal(cur, value) {
		return false
	}
	next := maps.Clone(d.fieldOverrides)
	next[field] = value
	d.fieldOverrides = next
	d.touch()
	return true
}

// ResetField removes a reviewer override. Returns whether one existed.
func (d *Draft) ResetField(field string) bool {
	if _, ok := d.fieldOverrides[field]; !ok {
		return false
	}
	next := maps.Clone(d.fieldOverrides)
	delete(next, field)
	d.fieldOverrides = next
	d.touch()
	return true
}

// SelectOption applies a JSON-serialised option value chosen by the
// reviewer. Malformed input is logged and ignored.
func (d *Draft) SelectOption(field, serialized string) bool {
	var v any
	if err := json.Unmarshal([]byte(serialized), &v); err != nil {
		zap.L().Warn("draft: ignoring malformed option value",
			zap.String("proposal_id", d.primaryID),
			zap.String("field", field),
			zap.Error(err),
		)
		return false
	}
	return d.SetField(field, v)
}

// UserModifiedFields returns the field overrides. The map must not be modified.
func (d *Draft) UserModifiedFields() map[string]any {
	return d.fieldOverrides
}

// --- Races ---

// RaceSet returns the consolidated race set, including reviewer-added races.
func (d *Draft) RaceSet() *consolidate.RaceSet { return d.races }

// UserModifiedRaces returns race override records for races present in the
// draft. Records keyed by unknown ids are left out.
func (d *Draft) UserModifiedRaces() map[string]map[string]any {
	out := make(map[string]map[string]any, len(d.raceOverrides))
	for id, rec := range d.raceOverrides {
		if d.races.Has(id) {
			out[id] = rec
		}
	}
	return out
}

// Race returns a race resolved against its override record.
func (d *Draft) Race(id string) (model.RaceView, bool) {
	e, ok := d.races.Get(id)
	if !ok {
		return model.RaceView{}, false
	}
	return ResolveRace(e, d.raceOverrides[id]), true
}

// Races returns every race of the draft in consolidation order.
func (d *Draft) Races() []model.RaceView {
	all := d.races.All()
	out := make([]model.RaceView, 0, len(all))
	for _, e := range all {
		out = append(out, ResolveRace(e, d.raceOverrides[e.ID]))
	}
	return out
}

// ResolveRace applies an override record to a race.
func ResolveRace(e model.RaceEntity, override map[string]any) model.RaceView {
	eff := make(map[string]any, len(e.OriginalFields)+len(e.Fields)+len(override))
	maps.Copy(eff, e.OriginalFields)
	maps.Copy(eff, e.Fields)
	deleted := false
	for k, v := range override {
		if k == model.DeletedMarker {
			deleted, _ = v.(bool)
			continue
		}
		eff[k] = v
	}
	if n, ok := eff["name"].(string); ok && n != "" {
		e.Name = n
	}
	return model.RaceView{
		RaceEntity: e,
		Effective:  eff,
		Override:   override,
		Deleted:    deleted,
	}
}

// AddRace adds a reviewer race and returns its temporary id.
func (d *Draft) AddRace(fields map[string]any) string {
	id := d.ids.NewID()
	for d.races.Has(id) {
		id = d.ids.NewID()
	}
	d.races = d.races.With(reviewerRace(id))
	if len(fields) > 0 {
		d.putRaceOverride(id, maps.Clone(fields))
	}
	d.touch()
	return id
}

// RemoveRace drops a reviewer-added race altogether. Races that come from
// proposals can only be soft-deleted.
func (d *Draft) RemoveRace(id string) error {
	e, ok := d.races.Get(id)
	if !ok {
		return eris.Wrapf(ErrUnknownRace, "remove %s", id)
	}
	if e.Origin != model.RaceOriginReviewer {
		return eris.Errorf("draft: race %s is not reviewer-added", id)
	}
	d.races = d.races.Without(id)
	d.putRaceOverride(id, nil)
	d.touch()
	return nil
}

// UpdateRaceField sets one field of a race's override record.
func (d *Draft) UpdateRaceField(id, field string, value any) error {
	return d.UpdateRaceFields(id, map[string]any{field: value})
}

// UpdateRaceFields merges values into a race's override record, keeping
// any other overridden field.
func (d *Draft) UpdateRaceFields(id string, values map[string]any) error {
	if !d.races.Has(id) {
		return eris.Wrapf(ErrUnknownRace, "update %s", id)
	}
	if _, ok := values[model.DeletedMarker]; ok {
		return ErrReservedField
	}

	rec := maps.Clone(d.raceOverrides[id])
	if rec == nil {
		rec = map[string]any{}
	}
	changed := false
	for field, v := range values {
		if cur, ok := rec[field]; ok && normalize.Equal(cur, v) {
			continue
		}
		rec[field] = v
		changed = true
	}
	if !changed {
		return nil
	}
	d.putRaceOverride(id, rec)
	d.touch()
	return nil
}

// ClearRaceFields removes the given keys from a race's override record.
func (d *Draft) ClearRaceFields(id string, fields ...string) error {
	if !d.races.Has(id) {
		return eris.Wrapf(ErrUnknownRace, "clear %s", id)
	}
	rec := maps.Clone(d.raceOverrides[id])
	changed := false
	for _, f := range fields {
		if f == model.DeletedMarker {
			continue
		}
		if _, ok := rec[f]; ok {
			delete(rec, f)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	d.putRaceOverride(id, rec)
	d.touch()
	return nil
}

// ResetRace drops every reviewer edit on a race.
func (d *Draft) ResetRace(id string) error {
	if !d.races.Has(id) {
		return eris.Wrapf(ErrUnknownRace, "reset %s", id)
	}
	if _, ok := d.raceOverrides[id]; !ok {
		return nil
	}
	d.putRaceOverride(id, nil)
	d.touch()
	return nil
}

// ToggleRaceDelete flips the soft-delete marker of a race and returns the
// new deleted state. Undeleting restores the override record exactly as it
// was before deletion.
func (d *Draft) ToggleRaceDelete(id string) (bool, error) {
	if !d.races.Has(id) {
		return false, eris.Wrapf(ErrUnknownRace, "toggle delete %s", id)
	}
	rec := maps.Clone(d.raceOverrides[id])
	if rec == nil {
		rec = map[string]any{}
	}
	deleted, _ := rec[model.DeletedMarker].(bool)
	if deleted {
		delete(rec, model.DeletedMarker)
	} else {
		rec[model.DeletedMarker] = true
	}
	d.putRaceOverride(id, rec)
	d.touch()
	return !deleted, nil
}

// putRaceOverride replaces a race's override record. Empty records are removed.
func (d *Draft) putRaceOverride(id string, rec map[string]any) {
	next := maps.Clone(d.raceOverrides)
	if len(rec) == 0 {
		delete(next, id)
	} else {
		next[id] = rec
	}
	d.raceOverrides = next
}

// --- Blocks ---

// ApproveBlock marks a block approved.
func (d *Draft) ApproveBlock(block string) {
	next := maps.Clone(d.approved)
	next[block] = true
	d.approved = next
}

// UnapproveBlock clears a block's approval.
func (d *Draft) UnapproveBlock(block string) {
	next := maps.Clone(d.approved)
	delete(next, block)
	d.approved = next
}

// IsBlockApproved reports whether a block is approved.
func (d *Draft) IsBlockApproved(block string) bool {
	return d.approved[block]
}

// ApprovedBlocks returns the approved blocks. The map must not be modified.
func (d *Draft) ApprovedBlocks() map[string]bool {
	return d.approved
}

// DirtyBlocks returns the sorted blocks that carry reviewer overrides.
func (d *Draft) DirtyBlocks(c blocks.Classifier) []string {
	set := make(map[string]bool)
	for f := range d.fieldOverrides {
		set[c.BlockFor(f)] = true
	}
	if len(d.UserModifiedRaces()) > 0 {
		set[blocks.Races] = true
	}
	return sortedKeys(set)
}

// --- Snapshots ---

// Snapshot is an immutable view of the draft at one version.
type Snapshot struct {
	Version            uint64
	PrimaryProposalID  string
	Fields             []model.ConsolidatedField
	UserModifiedFields map[string]any
	UserModifiedRaces  map[string]map[string]any
	Races              *consolidate.RaceSet
}

// Snapshot captures the current state.
func (d *Draft) Snapshot() Snapshot {
	return Snapshot{
		Version:            d.version,
		PrimaryProposalID:  d.primaryID,
		Fields:             d.fields,
		UserModifiedFields: d.fieldOverrides,
		UserModifiedRaces:  d.UserModifiedRaces(),
		Races:              d.races,
	}
}

// Proposed returns the proposed value of a field in the snapshot.
func (s Snapshot) Proposed(field string) (any, bool) {
	for _, f := range s.Fields {
		if f.Field == field {
			return f.ProposedValue()
		}
	}
	return nil, false
}

// Effective returns the override of a field, else its proposed value.
func (s Snapshot) Effective(field string) (any, bool) {
	if v, ok := s.UserModifiedFields[field]; ok {
		return v, true
	}
	return s.Proposed(field)
}

// State returns the serialisable view of the draft.
func (d *Draft) State() model.DraftState {
	st := model.DraftState{
		PrimaryProposalID:  d.primaryID,
		Fields:             d.Fields(),
		Races:              d.Races(),
		UserModifiedFields: maps.Clone(d.fieldOverrides),
		UserModifiedRaces:  d.UserModifiedRaces(),
		ApprovedBlocks:     maps.Clone(d.approved),
		IsDirty:            d.IsDirty(),
	}
	if !d.lastSaved.IsZero() {
		t := d.lastSaved
		st.LastSaved = &t
	}
	return st
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

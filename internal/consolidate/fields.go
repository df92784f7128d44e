// Package consolidate builds the working draft's field list and race set
// from one or more source proposals.
package consolidate

import (
	"reflect"
	"slices"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/normalize"
	"github.com/sells-group/proposal-review/internal/priority"
)

// EditionWrapper is the change key whose object value is flattened into
// top-level fields.
const EditionWrapper = "edition"

// contradictionThreshold is the minimum confidence on both sides to flag a
// disagreement between the primary and an alternate source.
const contradictionThreshold = 0.5

// listKeys are list-type change keys owned by the race reconciler.
var listKeys = map[string]bool{
	"races":          true,
	"racesToAdd":     true,
	"racesToUpdate":  true,
	"racesUnchanged": true,
	"existingRaces":  true,
}

// ErrNoProposals is returned when consolidation is asked to run on nothing.
var ErrNoProposals = eris.New("consolidate: no source proposals")

// Mode is the consolidation strategy actually applied.
type Mode int

const (
	// ModeSingle flattens a lone proposal.
	ModeSingle Mode = iota
	// ModePrimaryOnly seeds the draft from the highest-priority proposal only.
	ModePrimaryOnly
	// ModeMergeAll fuses every proposal's fields. Legacy behaviour.
	ModeMergeAll
)

func (m Mode) String() string {
	switch m {
	case ModePrimaryOnly:
		return "primary_only"
	case ModeMergeAll:
		return "merge_all"
	default:
		return "single"
	}
}

// Strategy selects how multiple proposals are consolidated.
type Strategy string

const (
	StrategyPrimary  Strategy = "primary"
	StrategyMergeAll Strategy = "merge_all"
)

// ParseStrategy validates a configured strategy name. Empty means primary.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyPrimary:
		return StrategyPrimary, nil
	case StrategyMergeAll:
		return StrategyMergeAll, nil
	default:
		return "", eris.Errorf("consolidate: unknown strategy %q", s)
	}
}

// Contradiction records an alternate source disagreeing with the primary.
type Contradiction struct {
	Field            string  `json:"field"`
	PrimaryValue     any     `json:"primaryValue"`
	PrimaryConf      float64 `json:"primaryConfidence"`
	AlternateID      string  `json:"alternateId"`
	AlternateValue   any     `json:"alternateValue"`
	AlternateConf    float64 `json:"alternateConfidence"`
	AlternateAgent   string  `json:"alternateAgent,omitempty"`
	PrimaryAgentName string  `json:"primaryAgent,omitempty"`
}

// Result is a consolidated view over a set of source proposals.
type Result struct {
	Mode           Mode
	Primary        model.SourceProposal
	Fields         []model.ConsolidatedField
	Races          *RaceSet
	Alternates     []model.SourceProposal
	Contradictions []Contradiction
}

// Consolidate sorts proposals by agent priority and consolidates them. A
// single proposal is flattened directly; several use the given strategy.
func Consolidate(proposals []model.SourceProposal, strategy Strategy) (*Result, error) {
	if len(proposals) == 0 {
		return nil, ErrNoProposals
	}
	sorted := priority.Sort(proposals)

	if len(sorted) == 1 {
		return &Result{
			Mode:    ModeSingle,
			Primary: sorted[0],
			Fields:  Single(sorted[0]),
			Races:   Reconcile(sorted, ModeSingle),
		}, nil
	}

	if strategy == StrategyMergeAll {
		return &Result{
			Mode:       ModeMergeAll,
			Primary:    sorted[0],
			Fields:     MergeAll(sorted),
			Races:      Reconcile(sorted, ModeMergeAll),
			Alternates: slices.Clone(sorted[1:]),
		}, nil
	}

	return PrimaryOnly(sorted), nil
}

// PrimaryOnly seeds the draft exclusively from the highest-priority
// proposal. The rest are returned as read-only alternates.
func PrimaryOnly(proposals []model.SourceProposal) *Result {
	sorted := priority.Sort(proposals)
	primary := sorted[0]
	alternates := slices.Clone(sorted[1:])

	fields := Single(primary)
	contradictions := findContradictions(primary, fields, alternates)
	for _, c := range contradictions {
		zap.L().Warn("consolidate: alternate contradicts primary",
			zap.String("field", c.Field),
			zap.String("primary_id", primary.ID),
			zap.Any("primary_value", c.PrimaryValue),
			zap.Float64("primary_conf", c.PrimaryConf),
			zap.String("alternate_id", c.AlternateID),
			zap.Any("alternate_value", c.AlternateValue),
			zap.Float64("alternate_conf", c.AlternateConf),
		)
	}

	return &Result{
		Mode:           ModePrimaryOnly,
		Primary:        primary,
		Fields:         fields,
		Races:          Reconcile(sorted, ModePrimaryOnly),
		Alternates:     alternates,
		Contradictions: contradictions,
	}
}

// Single flattens one proposal's changes into consolidated fields sorted by
// field name. The edition wrapper is unwrapped and list-type changes are
// left to the race reconciler.
func Single(p model.SourceProposal) []model.ConsolidatedField {
	flat := Flatten(p)
	out := make([]model.ConsolidatedField, 0, len(flat))
	for _, name := range sortedKeys(flat) {
		fv := flat[name]
		out = append(out, model.ConsolidatedField{
			Field:        name,
			Options:      []model.FieldOption{option(p, fv)},
			CurrentValue: fv.Old,
		})
	}
	return out
}

// MergeAll fuses every proposal's fields. Options are appended in priority
// order so the first contributing source provides the proposed value.
func MergeAll(proposals []model.SourceProposal) []model.ConsolidatedField {
	sorted := priority.Sort(proposals)
	byField := make(map[string]*model.ConsolidatedField)
	var order []string

	for _, p := range sorted {
		flat := Flatten(p)
		for _, name := range sortedKeys(flat) {
			fv := flat[name]
			cf, ok := byField[name]
			if !ok {
				cf = &model.ConsolidatedField{Field: name}
				byField[name] = cf
				order = append(order, name)
			}
			cf.Options = append(cf.Options, option(p, fv))
			if cf.CurrentValue == nil && fv.Old != nil {
				cf.CurrentValue = fv.Old
			}
		}
	}

	sort.Strings(order)
	out := make([]model.ConsolidatedField, 0, len(order))
	for _, name := range order {
		out = append(out, *byField[name])
	}
	return out
}

// FlatValue is one flattened field of a proposal.
type FlatValue struct {
	New        any
	Old        any
	Confidence *float64
}

// Flatten returns a proposal's scalar field changes keyed by field name.
// Fields under the edition wrapper become top-level; a top-level change wins
// over an unwrapped one of the same name.
func Flatten(p model.SourceProposal) map[string]FlatValue {
	out := make(map[string]FlatValue, len(p.Changes))

	if wrapped, ok := p.Changes[EditionWrapper]; ok {
		for k, v := range unwrap(wrapped) {
			out[k] = v
		}
	}

	for k, v := range p.Changes {
		if k == EditionWrapper || listKeys[k] {
			continue
		}
		c := normalize.Parse(v)
		if isList(c.New) {
			continue
		}
		out[k] = FlatValue{New: c.New, Old: c.Old, Confidence: c.Confidence}
	}
	return out
}

// unwrap flattens an edition wrapper, which is either a change record whose
// sides are objects or an object whose entries are change records.
func unwrap(v any) map[string]FlatValue {
	out := make(map[string]FlatValue)
	c := normalize.Parse(v)

	if c.Kind != normalize.KindPlain {
		newSide, _ := c.New.(map[string]any)
		oldSide, _ := c.Old.(map[string]any)
		for k, nv := range newSide {
			if listKeys[k] {
				continue
			}
			inner := normalize.Parse(nv)
			if isList(inner.New) {
				continue
			}
			old := inner.Old
			if ov, ok := oldSide[k]; ok {
				old = normalize.ExtractOld(ov)
			} else if inner.Kind == normalize.KindPlain {
				old = nil
			}
			conf := inner.Confidence
			if conf == nil {
				conf = c.Confidence
			}
			out[k] = FlatValue{New: inner.New, Old: old, Confidence: conf}
		}
		return out
	}

	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, rec := range m {
		if listKeys[k] {
			continue
		}
		inner := normalize.Parse(rec)
		if isList(inner.New) {
			continue
		}
		out[k] = FlatValue{New: inner.New, Old: inner.Old, Confidence: inner.Confidence}
	}
	return out
}

func option(p model.SourceProposal, fv FlatValue) model.FieldOption {
	conf := p.Provenance.Confidence
	if fv.Confidence != nil {
		conf = *fv.Confidence
	}
	return model.FieldOption{
		SourceID:   p.ID,
		AgentName:  p.AgentName(),
		Value:      fv.New,
		Confidence: conf,
		CreatedAt:  p.Provenance.CreatedAt,
	}
}

func findContradictions(primary model.SourceProposal, fields []model.ConsolidatedField, alternates []model.SourceProposal) []Contradiction {
	var out []Contradiction
	for _, alt := range alternates {
		flat := Flatten(alt)
		for _, f := range fields {
			pv, ok := f.ProposedValue()
			if !ok {
				continue
			}
			av, ok := flat[f.Field]
			if !ok {
				continue
			}
			primaryConf := f.Options[0].Confidence
			altOpt := option(alt, av)
			if primaryConf < contradictionThreshold || altOpt.Confidence < contradictionThreshold {
				continue
			}
			if normalize.Equal(pv, av.New) {
				continue
			}
			out = append(out, Contradiction{
				Field:            f.Field,
				PrimaryValue:     pv,
				PrimaryConf:      primaryConf,
				PrimaryAgentName: primary.AgentName(),
				AlternateID:      alt.ID,
				AlternateValue:   av.New,
				AlternateConf:    altOpt.Confidence,
				AlternateAgent:   alt.AgentName(),
			})
		}
	}
	return out
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Kind() == reflect.Slice
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

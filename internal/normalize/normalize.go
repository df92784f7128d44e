// Package normalize extracts proposed and baseline values from the several
// change-record shapes agents emit.
package normalize

// Kind identifies the shape of a change record.
type Kind int

const (
	// KindPlain is a bare value or an unrecognised object.
	KindPlain Kind = iota
	// KindOldNew is {old, new} with an optional confidence.
	KindOldNew
	// KindNewConfidence is exactly {new, confidence}.
	KindNewConfidence
	// KindProposed is {proposed} with optional current and confidence.
	KindProposed
	// KindCurrent is {current} with an optional confidence.
	KindCurrent
)

func (k Kind) String() string {
	switch k {
	case KindOldNew:
		return "old_new"
	case KindNewConfidence:
		return "new_confidence"
	case KindProposed:
		return "proposed"
	case KindCurrent:
		return "current"
	default:
		return "plain"
	}
}

// Change is a parsed change record.
type Change struct {
	Kind       Kind
	New        any
	Old        any
	Confidence *float64
}

// Parse classifies v into one of the recognised change shapes. Values that
// match no shape come back as KindPlain with New and Old both set to v.
func Parse(v any) Change {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return Change{Kind: KindPlain, New: v, Old: v}
	}

	conf := confidence(m)

	_, hasNew := m["new"]
	_, hasOld := m["old"]
	if hasNew && !hasOld && len(m) == 2 && conf != nil {
		return Change{Kind: KindNewConfidence, New: m["new"], Confidence: conf}
	}
	if (hasNew || hasOld) && onlyKeys(m, "old", "new", "confidence") {
		return Change{Kind: KindOldNew, New: m["new"], Old: m["old"], Confidence: conf}
	}

	if _, ok := m["proposed"]; ok && onlyKeys(m, "proposed", "current", "confidence") {
		return Change{Kind: KindProposed, New: m["proposed"], Old: m["current"], Confidence: conf}
	}

	if _, ok := m["current"]; ok && onlyKeys(m, "current", "confidence") {
		return Change{Kind: KindCurrent, New: m["current"], Old: m["current"], Confidence: conf}
	}

	return Change{Kind: KindPlain, New: v, Old: v}
}

// ExtractNew returns the proposed side of a change record, or v unchanged
// when it is not a recognised record.
func ExtractNew(v any) any {
	return Parse(v).New
}

// ExtractOld returns the baseline side of a change record, or v unchanged
// when it is not a recognised record.
func ExtractOld(v any) any {
	return Parse(v).Old
}

// IsRecord reports whether v is one of the recognised change shapes.
func IsRecord(v any) bool {
	return Parse(v).Kind != KindPlain
}

func onlyKeys(m map[string]any, allowed ...string) bool {
	for k := range m {
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func confidence(m map[string]any) *float64 {
	raw, ok := m["confidence"]
	if !ok {
		return nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return nil
	}
	return &f
}

package model

// AutosaveDiff is the reviewer-only delta persisted on autosave.
type AutosaveDiff struct {
	UserModifiedFields map[string]any            `json:"userModifiedFields"`
	RaceEdits          map[string]map[string]any `json:"raceEdits"`
	RacesToDelete      []int64                   `json:"racesToDelete"`
}

// BlockPayload is the effective content of one block sent for approval.
type BlockPayload struct {
	Block     string                    `json:"block"`
	Fields    map[string]any            `json:"fields,omitempty"`
	RaceEdits map[string]map[string]any `json:"raceEdits,omitempty"`
}

// FieldDiff compares a field of the working draft against an alternate source.
type FieldDiff struct {
	Field        string `json:"field"`
	WorkingValue any    `json:"workingValue"`
	SourceValue  any    `json:"sourceValue"`
	InWorking    bool   `json:"inWorking"`
	InSource     bool   `json:"inSource"`
}

// RaceDiff compares a race of the working draft against a race of an
// alternate source.
type RaceDiff struct {
	SourceRaceID string      `json:"sourceRaceId,omitempty"`
	TargetRaceID string      `json:"targetRaceId,omitempty"`
	Name         string      `json:"name"`
	InWorking    bool        `json:"inWorking"`
	InSource     bool        `json:"inSource"`
	Fields       []FieldDiff `json:"fields,omitempty"`
}

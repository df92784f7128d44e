package model

import "time"

// DeletedMarker is the key flagging a soft-deleted race in an override record.
const DeletedMarker = "_deleted"

// FieldOption is one source's proposed value for a field.
type FieldOption struct {
	SourceID   string    `json:"sourceId"`
	AgentName  string    `json:"agentName,omitempty"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConsolidatedField is a field of the working draft with every proposed
// option, highest priority first.
type ConsolidatedField struct {
	Field        string        `json:"field"`
	Options      []FieldOption `json:"options"`
	CurrentValue any           `json:"currentValue"`
}

// ProposedValue returns the value of the first (highest-priority) option.
func (f ConsolidatedField) ProposedValue() (any, bool) {
	if len(f.Options) == 0 {
		return nil, false
	}
	return f.Options[0].Value, true
}

// FieldView is a consolidated field resolved against reviewer overrides.
type FieldView struct {
	ConsolidatedField
	SelectedValue any  `json:"selectedValue"`
	Overridden    bool `json:"overridden"`
}

// RaceOrigin records why a race is part of the consolidated set.
type RaceOrigin string

const (
	RaceOriginUpdate    RaceOrigin = "update"
	RaceOriginAddition  RaceOrigin = "addition"
	RaceOriginUnchanged RaceOrigin = "unchanged"
	RaceOriginReviewer  RaceOrigin = "reviewer"
)

// RaceEntity is a consolidated race.
type RaceEntity struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Fields         map[string]any `json:"fields"`
	OriginalFields map[string]any `json:"originalFields"`
	ProposalIDs    []string       `json:"proposalIds"`
	Origin         RaceOrigin     `json:"origin"`
}

// RaceView is a consolidated race resolved against the reviewer's override record.
type RaceView struct {
	RaceEntity
	Effective map[string]any `json:"effective"`
	Override  map[string]any `json:"override,omitempty"`
	Deleted   bool           `json:"deleted"`
}

// DraftState is the serialisable view of a working draft.
type DraftState struct {
	PrimaryProposalID  string                    `json:"primaryProposalId"`
	Fields             []FieldView               `json:"fields"`
	Races              []RaceView                `json:"races"`
	UserModifiedFields map[string]any            `json:"userModifiedFields"`
	UserModifiedRaces  map[string]map[string]any `json:"userModifiedRaces"`
	ApprovedBlocks     map[string]bool           `json:"approvedBlocks"`
	IsDirty            bool                      `json:"isDirty"`
	LastSaved          *time.Time                `json:"lastSaved,omitempty"`
}

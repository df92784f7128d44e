package model

import "time"

// ProposalStatus is the backend review state of a source proposal.
type ProposalStatus string

const (
	ProposalStatusPending           ProposalStatus = "pending"
	ProposalStatusPartiallyApproved ProposalStatus = "partially_approved"
	ProposalStatusApproved          ProposalStatus = "approved"
	ProposalStatusRejected          ProposalStatus = "rejected"
	ProposalStatusArchived          ProposalStatus = "archived"
)

// Provenance identifies the agent that produced a proposal.
type Provenance struct {
	AgentID    string    `json:"agentId,omitempty"`
	AgentName  string    `json:"agentName,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SourceProposal is one agent's full set of proposed changes against an
// event/edition. It is a read-only snapshot of backend state once fetched.
type SourceProposal struct {
	ID         string         `json:"id"`
	EventID    string         `json:"eventId,omitempty"`
	EditionID  string         `json:"editionId,omitempty"`
	Provenance Provenance     `json:"provenance"`
	Status     ProposalStatus `json:"status"`

	// Changes maps a field to a heterogeneous change record; see package normalize.
	Changes map[string]any `json:"changes"`
	Races   RaceChanges    `json:"races"`

	ApprovedBlocks map[string]bool `json:"approvedBlocks,omitempty"`

	// Reviewer state previously persisted against this proposal.
	UserModifiedFields map[string]any            `json:"userModifiedFields,omitempty"`
	UserModifiedRaces  map[string]map[string]any `json:"userModifiedRaces,omitempty"`
}

// AgentName returns the proposing agent's display name, or "" if unknown.
func (p *SourceProposal) AgentName() string {
	return p.Provenance.AgentName
}

// RaceChanges groups the race-level proposals of a SourceProposal.
type RaceChanges struct {
	ToAdd     []RaceAddition `json:"toAdd,omitempty"`
	ToUpdate  []RaceUpdate   `json:"toUpdate,omitempty"`
	Unchanged []RaceSnapshot `json:"unchanged,omitempty"`
}

// RaceAddition is a proposed new race. Additions carry no id and are
// addressed by position.
type RaceAddition struct {
	Fields map[string]any `json:"fields"`
}

// RaceUpdate is a proposed change to an existing race.
type RaceUpdate struct {
	RaceID      string         `json:"raceId"`
	RaceName    string         `json:"raceName,omitempty"`
	Updates     map[string]any `json:"updates"`
	CurrentData map[string]any `json:"currentData,omitempty"`
}

// RaceSnapshot is an existing race the proposal leaves untouched.
type RaceSnapshot struct {
	RaceID   string         `json:"raceId"`
	RaceName string         `json:"raceName,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Package store persists source proposals and the reviewer state written
// back to them.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/proposal-review/internal/model"
)

// ErrNotFound is returned when a proposal does not exist.
var ErrNotFound = eris.New("store: proposal not found")

// ProposalFilter narrows ListProposals.
type ProposalFilter struct {
	EventID string               `json:"event_id,omitempty"`
	Status  model.ProposalStatus `json:"status,omitempty"`
	Limit   int                  `json:"limit,omitempty"`
}

// ProposalSummary is one row of ListProposals.
type ProposalSummary struct {
	ID         string               `json:"id"`
	EventID    string               `json:"eventId,omitempty"`
	EditionID  string               `json:"editionId,omitempty"`
	AgentName  string               `json:"agentName,omitempty"`
	Confidence float64              `json:"confidence"`
	Status     model.ProposalStatus `json:"status"`
	Modified   bool                 `json:"modified"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// Store is the persistence backend for proposal review.
type Store interface {
	Fetch(ctx context.Context, id string) (model.SourceProposal, error)
	PersistOverrides(ctx context.Context, id string, diff model.AutosaveDiff) error
	ValidateBlock(ctx context.Context, id string, payload model.BlockPayload) error
	UnvalidateBlock(ctx context.Context, id, block string) error

	// ImportProposals inserts or replaces proposals, reviewer state included.
	ImportProposals(ctx context.Context, proposals []model.SourceProposal) (int, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]ProposalSummary, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store for a driver name: "sqlite" or "postgres". poolCfg
// only applies to postgres and may be nil.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

const defaultListLimit = 100

// body is the agent-produced part of a proposal, stored as one JSON document.
type body struct {
	Provenance model.Provenance  `json:"provenance"`
	Changes    map[string]any    `json:"changes"`
	Races      model.RaceChanges `json:"races"`
}

// record is the column layout shared by both backends.
type record struct {
	ID            string
	EventID       string
	EditionID     string
	AgentName     string
	Confidence    float64
	Status        string
	Body          []byte
	UserFields    []byte
	RaceEdits     []byte
	RacesToDelete []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func toRecord(p model.SourceProposal, now time.Time) (record, error) {
	if strings.TrimSpace(p.ID) == "" {
		return record{}, eris.New("store: proposal without id")
	}
	b, err := json.Marshal(body{Provenance: p.Provenance, Changes: p.Changes, Races: p.Races})
	if err != nil {
		return record{}, eris.Wrapf(err, "store: marshal proposal %s", p.ID)
	}
	fields, err := marshalObject(p.UserModifiedFields)
	if err != nil {
		return record{}, eris.Wrapf(err, "store: marshal overrides of %s", p.ID)
	}
	races, err := marshalObject(p.UserModifiedRaces)
	if err != nil {
		return record{}, eris.Wrapf(err, "store: marshal race edits of %s", p.ID)
	}
	status := p.Status
	if status == "" {
		status = model.ProposalStatusPending
	}
	created := p.Provenance.CreatedAt
	if created.IsZero() {
		created = now
	}
	return record{
		ID:            p.ID,
		EventID:       p.EventID,
		EditionID:     p.EditionID,
		AgentName:     p.AgentName(),
		Confidence:    p.Provenance.Confidence,
		Status:        string(status),
		Body:          b,
		UserFields:    fields,
		RaceEdits:     races,
		RacesToDelete: []byte("[]"),
		CreatedAt:     created.UTC(),
		UpdatedAt:     now,
	}, nil
}

func (r record) proposal(approved []string) (model.SourceProposal, error) {
	var b body
	if err := json.Unmarshal(r.Body, &b); err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "store: unmarshal proposal %s", r.ID)
	}
	p := model.SourceProposal{
		ID:         r.ID,
		EventID:    r.EventID,
		EditionID:  r.EditionID,
		Provenance: b.Provenance,
		Status:     model.ProposalStatus(r.Status),
		Changes:    b.Changes,
		Races:      b.Races,
	}
	if err := unmarshalObject(r.UserFields, &p.UserModifiedFields); err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "store: unmarshal overrides of %s", r.ID)
	}
	if err := unmarshalObject(r.RaceEdits, &p.UserModifiedRaces); err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "store: unmarshal race edits of %s", r.ID)
	}
	if len(approved) > 0 {
		p.ApprovedBlocks = make(map[string]bool, len(approved))
		for _, b := range approved {
			p.ApprovedBlocks[b] = true
		}
	}
	return p, nil
}

func (r record) summary() ProposalSummary {
	return ProposalSummary{
		ID:         r.ID,
		EventID:    r.EventID,
		EditionID:  r.EditionID,
		AgentName:  r.AgentName,
		Confidence: r.Confidence,
		Status:     model.ProposalStatus(r.Status),
		Modified:   !emptyJSON(r.UserFields) || !emptyJSON(r.RaceEdits),
		UpdatedAt:  r.UpdatedAt,
	}
}

type diffColumns struct {
	fields, races, deletions []byte
}

func encodeDiff(id string, diff model.AutosaveDiff) (diffColumns, error) {
	var out diffColumns
	var err error
	if out.fields, err = marshalObject(diff.UserModifiedFields); err != nil {
		return out, eris.Wrapf(err, "store: marshal overrides of %s", id)
	}
	if out.races, err = marshalObject(diff.RaceEdits); err != nil {
		return out, eris.Wrapf(err, "store: marshal race edits of %s", id)
	}
	deletions := diff.RacesToDelete
	if deletions == nil {
		deletions = []int64{}
	}
	if out.deletions, err = json.Marshal(deletions); err != nil {
		return out, eris.Wrapf(err, "store: marshal race deletions of %s", id)
	}
	return out, nil
}

// marshalObject encodes a map, writing {} for nil.
func marshalObject[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalObject[V any](data []byte, out *map[string]V) error {
	if emptyJSON(data) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return err
	}
	if len(*out) == 0 {
		*out = nil
	}
	return nil
}

func emptyJSON(data []byte) bool {
	switch strings.TrimSpace(string(data)) {
	case "", "{}", "null":
		return true
	}
	return false
}

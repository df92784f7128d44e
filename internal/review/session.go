// Package review runs a reviewer session: it loads the source proposals of
// one event, builds the working draft and the compare workspace over them,
// and writes the reviewer's deltas back through a Persistence backend.
package review

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/proposal-review/internal/autosave"
	"github.com/sells-group/proposal-review/internal/blocks"
	"github.com/sells-group/proposal-review/internal/compare"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/diff"
	"github.com/sells-group/proposal-review/internal/draft"
	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/priority"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = eris.New("review: session closed")

// Persistence is the backend a session reads proposals from and writes
// reviewer state to.
type Persistence interface {
	Fetch(ctx context.Context, id string) (model.SourceProposal, error)
	PersistOverrides(ctx context.Context, id string, diff model.AutosaveDiff) error
	ValidateBlock(ctx context.Context, id string, payload model.BlockPayload) error
	UnvalidateBlock(ctx context.Context, id, block string) error
}

// Options configures Load.
type Options struct {
	Strategy      consolidate.Strategy
	Classifier    blocks.Classifier
	AutosaveQuiet time.Duration
	// FetchConcurrency bounds parallel fetches; 0 fetches all at once.
	FetchConcurrency int
	IDs              consolidate.IDGenerator
	Clock            func() time.Time
}

// Session is one reviewer's working draft over a group of proposals. All
// methods are safe for concurrent use.
type Session struct {
	persist    Persistence
	classifier blocks.Classifier
	saver      *autosave.Debouncer

	mu        sync.Mutex
	result    *consolidate.Result
	draft     *draft.Draft
	workspace *compare.Workspace
	saveErr   error
	closed    bool
}

// SourceInfo describes one source proposal of the session.
type SourceInfo struct {
	ID         string  `json:"id"`
	AgentName  string  `json:"agentName,omitempty"`
	Confidence float64 `json:"confidence"`
	Priority   int     `json:"priority"`
	Primary    bool    `json:"primary"`
}

// State is the serialisable view of a session.
type State struct {
	Draft          model.DraftState            `json:"draft"`
	Mode           string                      `json:"mode"`
	DirtyBlocks    []string                    `json:"dirtyBlocks"`
	Contradictions []consolidate.Contradiction `json:"contradictions,omitempty"`
	Sources        []SourceInfo                `json:"sources"`
	ActiveSource   int                         `json:"activeSource"`
	SaveError      string                      `json:"saveError,omitempty"`
}

// Load fetches the proposals concurrently and builds the session once every
// fetch has returned. Any fetch failure fails the load.
func Load(ctx context.Context, p Persistence, ids []string, opts Options) (*Session, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, consolidate.ErrNoProposals
	}

	proposals := make([]model.SourceProposal, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	if opts.FetchConcurrency > 0 {
		g.SetLimit(opts.FetchConcurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			prop, err := p.Fetch(gctx, id)
			if err != nil {
				return eris.Wrapf(err, "review: fetch proposal %s", id)
			}
			proposals[i] = prop
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = consolidate.StrategyPrimary
	}
	res, err := consolidate.Consolidate(proposals, strategy)
	if err != nil {
		return nil, eris.Wrap(err, "review: consolidate")
	}

	var draftOpts []draft.Option
	if opts.IDs != nil {
		draftOpts = append(draftOpts, draft.WithIDGenerator(opts.IDs))
	}
	if opts.Clock != nil {
		draftOpts = append(draftOpts, draft.WithClock(opts.Clock))
	}
	d := draft.New(res, draftOpts...)

	classifier := opts.Classifier
	if classifier == nil {
		classifier = blocks.Default()
	}

	s := &Session{
		persist:    p,
		classifier: classifier,
		result:     res,
		draft:      d,
		workspace:  compare.New(proposals, d),
	}
	s.saver = autosave.New(opts.AutosaveQuiet, s.save)

	zap.L().Info("review: session loaded",
		zap.String("primary_id", res.Primary.ID),
		zap.Int("sources", len(proposals)),
		zap.Stringer("mode", res.Mode),
		zap.Int("contradictions", len(res.Contradictions)),
	)
	return s, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// PrimaryID returns the id of the proposal the session writes to.
func (s *Session) PrimaryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.PrimaryProposalID()
}

// IsDirty reports whether the draft has unsaved edits.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.IsDirty()
}

// State returns a serialisable view of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Draft:          s.draft.State(),
		Mode:           s.result.Mode.String(),
		DirtyBlocks:    s.draft.DirtyBlocks(s.classifier),
		Contradictions: s.result.Contradictions,
		ActiveSource:   s.workspace.ActiveIndex(),
	}
	for i, src := range s.workspace.Sources() {
		p := src.Proposal()
		st.Sources = append(st.Sources, SourceInfo{
			ID:         p.ID,
			AgentName:  p.AgentName(),
			Confidence: p.Provenance.Confidence,
			Priority:   priority.Score(p.AgentName()),
			Primary:    i == 0,
		})
	}
	if s.saveErr != nil {
		st.SaveError = s.saveErr.Error()
	}
	return st
}

// edit runs fn under the lock and schedules an autosave when it reports a
// change. The debouncer is touched after the lock is released.
func (s *Session) edit(fn func(d *draft.Draft) (bool, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changed, err := fn(s.draft)
	s.mu.Unlock()

	if changed {
		s.saver.Touch()
	}
	return err
}

// SetField overrides a field.
func (s *Session) SetField(field string, value any) error {
	return s.edit(func(d *draft.Draft) (bool, error) {
		return d.SetField(field, value), nil
	})
}

// ResetField drops a field override.
func (s *Session) ResetField(field string) error {
	return s.edit(func(d *draft.Draft) (bool, error) {
		return d.ResetField(field), nil
	})
}

// SelectOption applies a JSON-encoded option value. Malformed input leaves
// the draft untouched.
func (s *Session) SelectOption(field, serialized string) error {
	return s.edit(func(d *draft.Draft) (bool, error) {
		return d.SelectOption(field, serialized), nil
	})
}

// AddRace adds a reviewer race and returns its temporary id.
func (s *Session) AddRace(fields map[string]any) (string, error) {
	var id string
	err := s.edit(func(d *draft.Draft) (bool, error) {
		id = d.AddRace(fields)
		return true, nil
	})
	return id, err
}

// UpdateRace merges values into a race's override record.
func (s *Session) UpdateRace(id string, values map[string]any) error {
	return s.edit(func(d *draft.Draft) (bool, error) {
		before := d.Version()
		err := d.UpdateRaceFields(id, values)
		return d.Version() != before, err
	})
}

// RemoveRace drops a reviewer-added race.
func (s *Session) RemoveRace(id string) error {
	return s.edit(func(d *draft.Draft) (bool, error) {
		err := d.RemoveRace(id)
		return err == nil, err
	})
}

// ResetRace drops every reviewer edit of a race.
func (s *Session) ResetRace(id string) error {
	return s.edit(func(d *draft.Draft) (bool, error) {
		before := d.Version()
		err := d.ResetRace(id)
		return d.Version() != before, err
	})
}

// ToggleRaceDelete flips the soft-delete marker of a race and returns
// whether the race is now deleted.
func (s *Session) ToggleRaceDelete(id string) (bool, error) {
	var deleted bool
	err := s.edit(func(d *draft.Draft) (bool, error) {
		var err error
		deleted, err = d.ToggleRaceDelete(id)
		return err == nil, err
	})
	return deleted, err
}

// SetActiveSource selects the alternate source shown in the compare pane.
func (s *Session) SetActiveSource(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspace.SetActive(i)
}

// CopyField copies a field from the active source into the draft.
func (s *Session) CopyField(field string) (bool, error) {
	var changed bool
	err := s.edit(func(*draft.Draft) (bool, error) {
		changed = s.workspace.CopyField(field)
		return changed, nil
	})
	return changed, err
}

// CopyRace copies a race of the active source onto a draft race, or adds
// it when targetID is empty. It returns the id of the written draft race.
func (s *Session) CopyRace(sourceRaceID, targetID string) (string, error) {
	var id string
	err := s.edit(func(d *draft.Draft) (bool, error) {
		before := d.Version()
		var err error
		id, err = s.workspace.CopyEntity(sourceRaceID, targetID)
		return d.Version() != before, err
	})
	return id, err
}

// CopyAll copies every differing field and race of the active source.
func (s *Session) CopyAll() (compare.CopyAllResult, error) {
	var res compare.CopyAllResult
	err := s.edit(func(d *draft.Draft) (bool, error) {
		before := d.Version()
		res = s.workspace.CopyAll()
		return d.Version() != before, nil
	})
	return res, err
}

// Differences compares the draft with the active source.
func (s *Session) Differences() ([]model.FieldDiff, []model.RaceDiff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspace.FieldDifferences(), s.workspace.RaceDifferences()
}

// Save persists the reviewer delta now. It returns false without saving
// when another save is in flight.
func (s *Session) Save(ctx context.Context) (bool, error) {
	return s.saver.Flush(ctx)
}

// save is the debounced save. The snapshot is taken under the lock so it
// holds the last completed edit; the draft is marked saved only up to that
// snapshot's version.
func (s *Session) save(ctx context.Context) error {
	s.mu.Lock()
	if !s.draft.IsDirty() {
		s.mu.Unlock()
		return nil
	}
	snap := s.draft.Snapshot()
	s.mu.Unlock()

	err := s.persist.PersistOverrides(ctx, snap.PrimaryProposalID, diff.Autosave(snap))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.saveErr = err
		zap.L().Error("review: save failed",
			zap.String("proposal_id", snap.PrimaryProposalID),
			zap.Uint64("version", snap.Version),
			zap.Error(err),
		)
		return eris.Wrapf(err, "review: save %s", snap.PrimaryProposalID)
	}
	s.saveErr = nil
	s.draft.MarkSaved(snap.Version)
	return nil
}

// ValidateBlock sends a block's effective values to the backend and marks it
// approved once accepted.
func (s *Session) ValidateBlock(ctx context.Context, block string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	payload, err := diff.Block(s.draft.Snapshot(), block, s.classifier)
	id := s.draft.PrimaryProposalID()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.persist.ValidateBlock(ctx, id, payload); err != nil {
		return eris.Wrapf(err, "review: validate block %s of %s", payload.Block, id)
	}

	s.mu.Lock()
	s.draft.ApproveBlock(payload.Block)
	s.mu.Unlock()
	return nil
}

// UnvalidateBlock withdraws a block approval.
func (s *Session) UnvalidateBlock(ctx context.Context, block string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	id := s.draft.PrimaryProposalID()
	s.mu.Unlock()

	if err := s.persist.UnvalidateBlock(ctx, id, block); err != nil {
		return eris.Wrapf(err, "review: unvalidate block %s of %s", block, id)
	}

	s.mu.Lock()
	s.draft.UnapproveBlock(block)
	s.mu.Unlock()
	return nil
}

// Shutdown lets an in-flight autosave finish, saves any edits still pending
// and closes the session. If ctx expires first, the session is closed anyway
// and the error is returned.
func (s *Session) Shutdown(ctx context.Context) error {
	defer s.Close()

	if err := s.saver.Drain(ctx); err != nil {
		return eris.Wrap(err, "review: drain autosave")
	}
	if !s.IsDirty() {
		return nil
	}
	if _, err := s.Save(ctx); err != nil {
		return err
	}
	if s.IsDirty() {
		return eris.New("review: edits left unsaved at shutdown")
	}
	return nil
}

// Close cancels a pending autosave and the context of an in-flight one, then
// waits for it. Unsaved edits are dropped; use Shutdown to keep them.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.saver.Stop()
}

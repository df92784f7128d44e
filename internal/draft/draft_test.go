package draft

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/proposal-review/internal/blocks"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/model"
)

func primaryProposal() model.SourceProposal {
	return model.SourceProposal{
		ID:         "prop-1",
		Provenance: model.Provenance{AgentName: "FFA Scraper", Confidence: 0.9},
		Changes: map[string]any{
			"city":      map[string]any{"old": "Paris", "new": "Lyon"},
			"startDate": map[string]any{"old": "2025-05-01", "new": "2025-05-03"},
		},
		Races: model.RaceChanges{
			ToUpdate: []model.RaceUpdate{
				{
					RaceID:   "147544",
					RaceName: "Marathon",
					Updates:  map[string]any{"startDate": map[string]any{"old": "2025-05-01", "new": "2025-05-03"}},
				},
				{
					RaceID:   "147545",
					RaceName: "Semi",
					Updates:  map[string]any{"price": map[string]any{"old": 30.0, "new": 35.0}},
				},
			},
			ToAdd: []model.RaceAddition{{Fields: map[string]any{"name": "10k"}}},
		},
	}
}

func counterIDs() consolidate.IDGenerator {
	n := 0
	return consolidate.IDGeneratorFunc(func() string {
		n++
		return fmt.Sprintf("new-r%d", n)
	})
}

func newDraft(t *testing.T, p model.SourceProposal) *Draft {
	t.Helper()
	res, err := consolidate.Consolidate([]model.SourceProposal{p}, consolidate.StrategyPrimary)
	require.NoError(t, err)
	return New(res, WithIDGenerator(counterIDs()))
}

func TestDraft_OverrideIsAuthoritative(t *testing.T) {
	d := newDraft(t, primaryProposal())

	v, ok := d.Effective("city")
	require.True(t, ok)
	assert.Equal(t, "Lyon", v)

	assert.True(t, d.SetField("city", "Marseille"))
	v, _ = d.Effective("city")
	assert.Equal(t, "Marseille", v)

	view, ok := d.Field("city")
	require.True(t, ok)
	assert.True(t, view.Overridden)
	assert.Equal(t, "Marseille", view.SelectedValue)
	assert.Equal(t, "Paris", view.CurrentValue)
	assert.True(t, d.IsDirty())
}

func TestDraft_SetFieldToProposedKeepsOverride(t *testing.T) {
	d := newDraft(t, primaryProposal())

	assert.True(t, d.SetField("city", "Marseille"))
	assert.True(t, d.SetField("city", "Lyon"))
	assert.Equal(t, "Lyon", d.UserModifiedFields()["city"])
	assert.False(t, d.SetField("city", "Lyon"))

	assert.True(t, d.ResetField("city"))
	assert.NotContains(t, d.UserModifiedFields(), "city")
	assert.False(t, d.ResetField("city"))
}

func TestDraft_OverrideOnlyFieldListed(t *testing.T) {
	d := newDraft(t, primaryProposal())
	d.SetField("websiteUrl", "https://race.fr")

	names := []string{}
	for _, f := range d.Fields() {
		names = append(names, f.Field)
	}
	assert.Equal(t, []string{"city", "startDate", "websiteUrl"}, names)
}

func TestDraft_SelectOptionMalformedIsNoop(t *testing.T) {
	d := newDraft(t, primaryProposal())
	d.SetField("city", "Nice")
	before := d.Version()

	assert.False(t, d.SelectOption("city", "{not json"))
	assert.Equal(t, before, d.Version())
	v, _ := d.Effective("city")
	assert.Equal(t, "Nice", v)

	assert.True(t, d.SelectOption("city", `"Lille"`))
	v, _ = d.Effective("city")
	assert.Equal(t, "Lille", v)
}

func TestDraft_DeleteUndeleteRestoresRecord(t *testing.T) {
	d := newDraft(t, primaryProposal())
	require.NoError(t, d.UpdateRaceField("147544", "distance", 42.195))
	before := d.UserModifiedRaces()["147544"]

	deleted, err := d.ToggleRaceDelete("147544")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, true, d.UserModifiedRaces()["147544"][model.DeletedMarker])
	view, _ := d.Race("147544")
	assert.True(t, view.Deleted)

	deleted, err = d.ToggleRaceDelete("147544")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, before, d.UserModifiedRaces()["147544"])
}

func TestDraft_UndeleteRemovesEmptyRecord(t *testing.T) {
	d := newDraft(t, primaryProposal())

	_, err := d.ToggleRaceDelete("147545")
	require.NoError(t, err)
	_, err = d.ToggleRaceDelete("147545")
	require.NoError(t, err)

	_, exists := d.UserModifiedRaces()["147545"]
	assert.False(t, exists)
}

func TestDraft_UnknownRaceErrors(t *testing.T) {
	d := newDraft(t, primaryProposal())

	_, err := d.ToggleRaceDelete("999")
	assert.ErrorIs(t, err, ErrUnknownRace)
	assert.ErrorIs(t, d.UpdateRaceField("999", "name", "x"), ErrUnknownRace)
	assert.ErrorIs(t, d.ResetRace("999"), ErrUnknownRace)
	assert.ErrorIs(t, d.UpdateRaceField("147544", model.DeletedMarker, true), ErrReservedField)
}

func TestDraft_UpdateRaceFieldsMergesRecord(t *testing.T) {
	d := newDraft(t, primaryProposal())

	require.NoError(t, d.UpdateRaceField("147544", "startDate", "2025-06-01"))
	require.NoError(t, d.UpdateRaceField("147544", "name", "Marathon de Lyon"))
	require.NoError(t, d.UpdateRaceFields("147544", map[string]any{"startDate": "2025-06-02"}))

	assert.Equal(t, map[string]any{"name": "Marathon de Lyon", "startDate": "2025-06-02"}, d.UserModifiedRaces()["147544"])

	view, _ := d.Race("147544")
	assert.Equal(t, "Marathon de Lyon", view.Name)
	assert.Equal(t, "2025-06-02", view.Effective["startDate"])

	require.NoError(t, d.ClearRaceFields("147544", "startDate", "name"))
	assert.NotContains(t, d.UserModifiedRaces(), "147544")
}

func TestDraft_ResetRace(t *testing.T) {
	d := newDraft(t, primaryProposal())
	require.NoError(t, d.UpdateRaceField("147545", "price", 50.0))
	_, err := d.ToggleRaceDelete("147545")
	require.NoError(t, err)

	require.NoError(t, d.ResetRace("147545"))
	view, _ := d.Race("147545")
	assert.False(t, view.Deleted)
	assert.Equal(t, 35.0, view.Effective["price"])
}

func TestDraft_AddRemoveReviewerRace(t *testing.T) {
	d := newDraft(t, primaryProposal())

	id := d.AddRace(map[string]any{"name": "Kids run", "distance": 2.0})
	assert.Equal(t, "new-r1", id)
	view, ok := d.Race(id)
	require.True(t, ok)
	assert.Equal(t, model.RaceOriginReviewer, view.Origin)
	assert.Equal(t, "Kids run", view.Name)

	assert.Error(t, d.RemoveRace("147544"))
	require.NoError(t, d.RemoveRace(id))
	_, ok = d.Race(id)
	assert.False(t, ok)
	assert.NotContains(t, d.UserModifiedRaces(), id)
}

func TestDraft_AddRaceSkipsCollidingIDs(t *testing.T) {
	res, err := consolidate.Consolidate([]model.SourceProposal{primaryProposal()}, consolidate.StrategyPrimary)
	require.NoError(t, err)
	ids := []string{"new-0", "new-0", "new-fresh"}
	d := New(res, WithIDGenerator(consolidate.IDGeneratorFunc(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	})))

	assert.Equal(t, "new-fresh", d.AddRace(nil))
}

func TestDraft_RestoreTranslatesKeysAndDropsOrphans(t *testing.T) {
	p := primaryProposal()
	p.UserModifiedFields = map[string]any{"city": "Nice"}
	p.UserModifiedRaces = map[string]map[string]any{
		"existing-1": {"price": 40.0},
		"new-abc":    {"name": "Reviewer race"},
		"888888":     {"name": "phantom"},
		"existing-7": {"name": "phantom positional"},
		"147544":     {},
	}
	p.ApprovedBlocks = map[string]bool{"event": true}

	d := newDraft(t, p)

	v, _ := d.Effective("city")
	assert.Equal(t, "Nice", v)
	races := d.UserModifiedRaces()
	assert.Equal(t, map[string]any{"price": 40.0}, races["147545"])
	assert.Equal(t, map[string]any{"name": "Reviewer race"}, races["new-abc"])
	assert.Len(t, races, 2)
	assert.False(t, d.RaceSet().Has("888888"))
	assert.True(t, d.IsBlockApproved("event"))
	assert.False(t, d.IsDirty())
}

func TestDraft_MarkSavedKeepsLaterEditsDirty(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	res, err := consolidate.Consolidate([]model.SourceProposal{primaryProposal()}, consolidate.StrategyPrimary)
	require.NoError(t, err)
	d := New(res, WithClock(func() time.Time { return now }))

	d.SetField("city", "Nice")
	snap := d.Snapshot()
	d.SetField("city", "Nantes")

	d.MarkSaved(snap.Version)
	assert.True(t, d.IsDirty())
	assert.Equal(t, now, d.LastSaved())

	d.MarkSaved(d.Version())
	assert.False(t, d.IsDirty())
	assert.Equal(t, "Nice", snap.UserModifiedFields["city"], "snapshot is not affected by later edits")
}

func TestDraft_DirtyBlocks(t *testing.T) {
	d := newDraft(t, primaryProposal())
	assert.Empty(t, d.DirtyBlocks(blocks.Default()))

	d.SetField("city", "Nice")
	d.SetField("startDate", "2025-07-01")
	_, err := d.ToggleRaceDelete("147544")
	require.NoError(t, err)

	assert.Equal(t, []string{"edition", "event", "races"}, d.DirtyBlocks(blocks.Default()))
}

func TestDraft_ApproveBlocks(t *testing.T) {
	d := newDraft(t, primaryProposal())
	d.ApproveBlock("edition")
	assert.True(t, d.IsBlockApproved("edition"))
	d.UnapproveBlock("edition")
	assert.False(t, d.IsBlockApproved("edition"))
}

func TestDraft_State(t *testing.T) {
	d := newDraft(t, primaryProposal())
	d.SetField("city", "Nice")

	st := d.State()
	assert.Equal(t, "prop-1", st.PrimaryProposalID)
	assert.True(t, st.IsDirty)
	assert.Nil(t, st.LastSaved)
	assert.Len(t, st.Races, 3)
	assert.Equal(t, "Nice", st.UserModifiedFields["city"])
}

package consolidate

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/proposal-review/internal/model"
)

func withRaces(p model.SourceProposal, races model.RaceChanges) model.SourceProposal {
	p.Races = races
	return p
}

func TestReconcile_MergeAllNeverOverwritesHigherPriority(t *testing.T) {
	a := withRaces(newProposal("A", "FFA", nil), model.RaceChanges{
		ToUpdate: []model.RaceUpdate{{
			RaceID:  "R1",
			Updates: map[string]any{"startDate": map[string]any{"old": "D0", "new": "D1"}},
		}},
	})
	b := withRaces(newProposal("B", "Google", nil), model.RaceChanges{
		ToUpdate: []model.RaceUpdate{{
			RaceID: "R1",
			Updates: map[string]any{
				"startDate":       map[string]any{"old": "D0", "new": "D2"},
				"registrationUrl": map[string]any{"new": "U"},
			},
		}},
	})

	set := Reconcile([]model.SourceProposal{a, b}, ModeMergeAll)

	r1, ok := set.Get("R1")
	require.True(t, ok)
	assert.Equal(t, "D1", r1.Fields["startDate"])
	assert.Equal(t, "U", r1.Fields["registrationUrl"])
	assert.Equal(t, []string{"A", "B"}, r1.ProposalIDs)
}

func TestReconcile_PrimaryOnlyIgnoresAlternates(t *testing.T) {
	a := withRaces(newProposal("A", "FFA", nil), model.RaceChanges{
		ToUpdate: []model.RaceUpdate{{RaceID: "R1", Updates: map[string]any{"distance": map[string]any{"new": 10.0}}}},
	})
	b := withRaces(newProposal("B", "Google", nil), model.RaceChanges{
		ToUpdate: []model.RaceUpdate{{RaceID: "R2", Updates: map[string]any{"distance": map[string]any{"new": 21.1}}}},
	})

	set := Reconcile([]model.SourceProposal{a, b}, ModePrimaryOnly)
	assert.True(t, set.Has("R1"))
	assert.False(t, set.Has("R2"))
}

func TestReconcile_OriginalsPreferCurrentData(t *testing.T) {
	p := withRaces(newProposal("A", "FFA", nil), model.RaceChanges{
		ToUpdate: []model.RaceUpdate{{
			RaceID:   "147544",
			RaceName: "Marathon",
			Updates: map[string]any{
				"startDate": map[string]any{"old": "stale", "new": "2025-05-03"},
				"price":     map[string]any{"old": 40.0, "new": 45.0},
			},
			CurrentData: map[string]any{"startDate": "2025-05-01", "distance": 42.195},
		}},
	})

	set := Reconcile([]model.SourceProposal{p}, ModeSingle)
	r, ok := set.Get("147544")
	require.True(t, ok)
	assert.Equal(t, "Marathon", r.Name)
	assert.Equal(t, model.RaceOriginUpdate, r.Origin)
	assert.Equal(t, "2025-05-01", r.OriginalFields["startDate"])
	assert.Equal(t, 40.0, r.OriginalFields["price"])
	assert.Equal(t, 42.195, r.OriginalFields["distance"])
	assert.Equal(t, "2025-05-03", r.Fields["startDate"])
}

func TestReconcile_PositionalIndex(t *testing.T) {
	p := withRaces(newProposal("A", "FFA", nil), model.RaceChanges{
		ToUpdate: []model.RaceUpdate{
			{RaceID: "100", Updates: map[string]any{"name": map[string]any{"new": "5k"}}},
			{RaceID: "", Updates: map[string]any{}},
			{RaceID: "300", Updates: map[string]any{"name": map[string]any{"new": "20k"}}},
		},
		Unchanged: []model.RaceSnapshot{{RaceID: "400", RaceName: "Kids"}},
	})

	set := Reconcile([]model.SourceProposal{p}, ModePrimaryOnly)

	k, ok := set.PositionalKey("100")
	require.True(t, ok)
	assert.Equal(t, "existing-0", k)
	k, ok = set.PositionalKey("300")
	require.True(t, ok)
	assert.Equal(t, "existing-2", k)
	_, ok = set.PositionalKey("400")
	assert.False(t, ok)

	id, ok := set.IDForKey("existing-2")
	require.True(t, ok)
	assert.Equal(t, "300", id)
	id, ok = set.IDForKey("400")
	require.True(t, ok)
	assert.Equal(t, "400", id)
	_, ok = set.IDForKey("existing-9")
	assert.False(t, ok)

	unchanged, _ := set.Get("400")
	assert.Equal(t, model.RaceOriginUnchanged, unchanged.Origin)
	assert.Equal(t, "Kids", unchanged.Name)
}

func TestReconcile_AdditionsGetPositionalTempIDs(t *testing.T) {
	p := withRaces(newProposal("A", "FFA", nil), model.RaceChanges{
		ToAdd: []model.RaceAddition{
			{Fields: map[string]any{"name": "10k", "distance": map[string]any{"new": 10.0}}},
			{Fields: map[string]any{"name": "Trail"}},
		},
	})

	set := Reconcile([]model.SourceProposal{p}, ModeSingle)
	assert.Equal(t, []string{"new-0", "new-1"}, set.IDs())

	r, _ := set.Get("new-0")
	assert.Equal(t, "10k", r.Name)
	assert.Equal(t, 10.0, r.Fields["distance"])
	assert.Equal(t, model.RaceOriginAddition, r.Origin)
}

func TestRaceSet_WithWithoutCopyOnWrite(t *testing.T) {
	base := NewRaceSet()
	one := base.With(model.RaceEntity{ID: "new-x", Name: "x"})
	assert.Equal(t, 0, base.Len())
	assert.Equal(t, 1, one.Len())

	none := one.Without("new-x")
	assert.Equal(t, 1, one.Len())
	assert.Equal(t, 0, none.Len())
	assert.Same(t, none, none.Without("missing"))
}

func TestUUIDGenerator_UniqueWithinSameInstant(t *testing.T) {
	gen := UUIDGenerator{}
	pattern := regexp.MustCompile(`^new-[0-9a-f-]{36}$`)

	const n = 500
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.NewID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.True(t, IsTemporaryID(id))
		_, numeric := NumericID(id)
		assert.False(t, numeric)
	}
}

func TestNumericID(t *testing.T) {
	n, ok := NumericID("147544")
	require.True(t, ok)
	assert.Equal(t, int64(147544), n)

	_, ok = NumericID("new-1")
	assert.False(t, ok)
	_, ok = NumericID("0")
	assert.False(t, ok)
}

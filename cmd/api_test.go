//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/proposal-review/internal/compare"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/diff"
	"github.com/sells-group/proposal-review/internal/draft"
	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/resilience"
	"github.com/sells-group/proposal-review/internal/review"
	"github.com/sells-group/proposal-review/internal/store"
)

func testProposals() []model.SourceProposal {
	return []model.SourceProposal{
		{
			ID:         "ffa-1",
			EventID:    "ev-1",
			Provenance: model.Provenance{AgentName: "FFA Scraper", Confidence: 0.9},
			Changes: map[string]any{
				"city":      map[string]any{"old": "Paris", "new": "Lyon"},
				"startDate": map[string]any{"new": "2025-05-03"},
			},
			Races: model.RaceChanges{ToUpdate: []model.RaceUpdate{{
				RaceID:   "147544",
				RaceName: "Marathon",
				Updates:  map[string]any{"price": map[string]any{"old": 35.0, "new": 40.0}},
			}}},
		},
		{
			ID:         "slack-1",
			EventID:    "ev-1",
			Provenance: model.Provenance{AgentName: "Slack Event Agent", Confidence: 0.7},
			Changes: map[string]any{
				"city":      map[string]any{"new": "Villeurbanne"},
				"startDate": map[string]any{"new": "2025-05-04"},
			},
		},
	}
}

type apiFixture struct {
	handler http.Handler
	store   *store.SQLiteStore
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))
	_, err = st.ImportProposals(ctx, testProposals())
	require.NoError(t, err)

	sessions := newSessionRegistry(time.Hour)
	t.Cleanup(sessions.CloseAll)

	handler := newRouter(&api{
		sessions: sessions,
		open: func(ctx context.Context, ids []string) (*review.Session, error) {
			return review.Load(ctx, st, ids, review.Options{AutosaveQuiet: time.Hour})
		},
	}, []string{"*"})

	return apiFixture{handler: handler, store: st}
}

func (f apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f apiFixture) open(t *testing.T) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/drafts", `{"proposalIds":["slack-1","ffa-1"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp struct {
		SessionID string       `json:"sessionId"`
		State     review.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "ffa-1", resp.State.Draft.PrimaryProposalID)
	return resp.SessionID
}

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) review.State {
	t.Helper()
	var st review.State
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	return st
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
}

func TestAPI_CreateDraftValidation(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/drafts", `{"proposalIds":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/drafts", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/drafts", `{"proposalIds":["missing"]}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "missing")
}

func TestAPI_UnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/drafts/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"session not found"}`, rr.Body.String())
}

func TestAPI_EditAndSave(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.open(t)

	rr := f.do(t, http.MethodPut, "/drafts/"+sid+"/fields/city", `{"value":"Nice"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	st := decodeState(t, rr)
	assert.True(t, st.Draft.IsDirty)
	assert.Equal(t, []string{"event"}, st.DirtyBlocks)

	rr = f.do(t, http.MethodPatch, "/drafts/"+sid+"/races/147544", `{"price":42}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/drafts/"+sid+"/save", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decodeState(t, rr).Draft.IsDirty)

	saved, err := f.store.Fetch(context.Background(), "ffa-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Nice"}, saved.UserModifiedFields)
	assert.Equal(t, map[string]map[string]any{"existing-0": {"price": 42.0}}, saved.UserModifiedRaces)

	rr = f.do(t, http.MethodDelete, "/drafts/"+sid+"/fields/city", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, decodeState(t, rr).Draft.UserModifiedFields, "city")
}

func TestAPI_RaceLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.open(t)

	rr := f.do(t, http.MethodPost, "/drafts/"+sid+"/races", `{"name":"10k","distance":10}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var added map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &added))
	require.NotEmpty(t, added["raceId"])

	rr = f.do(t, http.MethodDelete, "/drafts/"+sid+"/races/"+added["raceId"], "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/drafts/"+sid+"/races/147544/toggle-delete", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"deleted":true}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/drafts/"+sid+"/races/unknown/toggle-delete", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_ValidateBlock(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.open(t)

	rr := f.do(t, http.MethodPost, "/drafts/"+sid+"/blocks/event", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, decodeState(t, rr).Draft.ApprovedBlocks["event"])

	list, err := f.store.ListProposals(context.Background(), store.ProposalFilter{EventID: "ev-1"})
	require.NoError(t, err)
	for _, p := range list {
		if p.ID == "ffa-1" {
			assert.Equal(t, model.ProposalStatusPartiallyApproved, p.Status)
		}
	}

	rr = f.do(t, http.MethodDelete, "/drafts/"+sid+"/blocks/event", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decodeState(t, rr).Draft.ApprovedBlocks["event"])
}

func TestAPI_Compare(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.open(t)

	rr := f.do(t, http.MethodGet, "/drafts/"+sid+"/compare", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var diffs struct {
		ActiveSource int               `json:"activeSource"`
		Fields       []model.FieldDiff `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &diffs))
	assert.Equal(t, 1, diffs.ActiveSource)
	assert.NotEmpty(t, diffs.Fields)

	rr = f.do(t, http.MethodPost, "/drafts/"+sid+"/compare/copy-field/city", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"copied":true}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/drafts/"+sid, "")
	assert.Equal(t, "Villeurbanne", decodeState(t, rr).Draft.UserModifiedFields["city"])

	rr = f.do(t, http.MethodPut, "/drafts/"+sid+"/compare/active", `{"index":7}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_CloseDraft(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.open(t)

	rr := f.do(t, http.MethodPut, "/drafts/"+sid+"/fields/city", `{"value":"Nice"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodDelete, "/drafts/"+sid, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/drafts/"+sid, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Closing flushes pending edits.
	saved, err := f.store.Fetch(context.Background(), "ffa-1")
	require.NoError(t, err)
	assert.Equal(t, "Nice", saved.UserModifiedFields["city"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", eris.Wrap(store.ErrNotFound, "fetch"), http.StatusNotFound},
		{"unknown race", draft.ErrUnknownRace, http.StatusNotFound},
		{"unknown source", compare.ErrUnknownSource, http.StatusNotFound},
		{"unknown block", diff.ErrUnknownBlock, http.StatusBadRequest},
		{"reserved field", draft.ErrReservedField, http.StatusBadRequest},
		{"no proposals", consolidate.ErrNoProposals, http.StatusBadRequest},
		{"closed", review.ErrClosed, http.StatusGone},
		{"breaker", resilience.ErrBreakerOpen, http.StatusServiceUnavailable},
		{"upstream 404", &resilience.StatusError{StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{"upstream 500", &resilience.StatusError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

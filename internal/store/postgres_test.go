package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/proposal-review/internal/model"
)

var fixedNow = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	st := newPostgres(mock, nil)
	st.now = func() time.Time { return fixedNow }
	return st, mock
}

var fetchColumns = []string{
	"id", "event_id", "edition_id", "agent_name", "confidence", "status", "body",
	"user_fields", "race_edits", "races_to_delete", "created_at", "updated_at",
}

func TestPostgres_Fetch(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT id, event_id, edition_id .+ FROM proposals WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows(fetchColumns).AddRow(
			"p1", "ev-1", "ed-1", "FFA Scraper", 0.9, "partially_approved",
			[]byte(`{"provenance":{"agentName":"FFA Scraper","confidence":0.9},"changes":{"city":"Lyon"},"races":{}}`),
			[]byte(`{"city":"Nice"}`), []byte(`{}`), []byte(`[]`), fixedNow, fixedNow,
		))
	mock.ExpectQuery(`SELECT block FROM block_validations WHERE proposal_id = \$1`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"block"}).AddRow("event"))

	p, err := st.Fetch(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "FFA Scraper", p.AgentName())
	assert.Equal(t, "Lyon", p.Changes["city"])
	assert.Equal(t, map[string]any{"city": "Nice"}, p.UserModifiedFields)
	assert.Nil(t, p.UserModifiedRaces)
	assert.Equal(t, map[string]bool{"event": true}, p.ApprovedBlocks)
	assert.Equal(t, model.ProposalStatusPartiallyApproved, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FetchNotFound(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(`FROM proposals WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_PersistOverrides(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE proposals SET user_fields = \$1, race_edits = \$2, races_to_delete = \$3`).
		WithArgs([]byte(`{"city":"Nice"}`), []byte(`{}`), []byte(`[147544]`), fixedNow, "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := st.PersistOverrides(context.Background(), "p1", model.AutosaveDiff{
		UserModifiedFields: map[string]any{"city": "Nice"},
		RacesToDelete:      []int64{147544},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PersistOverridesNotFound(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE proposals SET user_fields`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.PersistOverrides(context.Background(), "missing", model.AutosaveDiff{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ValidateBlock(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE proposals SET status = CASE WHEN status = \$1 THEN \$2 ELSE status END`).
		WithArgs("pending", "partially_approved", fixedNow, "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO block_validations`).
		WithArgs("p1", "event", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := st.ValidateBlock(context.Background(), "p1", model.BlockPayload{Block: "event"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ValidateBlockNotFound(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE proposals SET status`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := st.ValidateBlock(context.Background(), "missing", model.BlockPayload{Block: "event"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UnvalidateBlock(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE proposals SET updated_at = \$1 WHERE id = \$2`).
		WithArgs(fixedNow, "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM block_validations`).
		WithArgs("p1", "races").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE proposals SET status = \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs("pending", "p1", "partially_approved").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, st.UnvalidateBlock(context.Background(), "p1", "races"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListProposals(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(`FROM proposals\s+WHERE \(\$1 = '' OR event_id = \$1\)`).
		WithArgs("ev-1", "", defaultListLimit).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "event_id", "edition_id", "agent_name", "confidence", "status", "user_fields", "race_edits", "updated_at",
		}).
			AddRow("p2", "ev-1", "ed-1", "FFA Scraper", 0.9, "pending", []byte(`{}`), []byte(`{"existing-0":{"price":40}}`), fixedNow).
			AddRow("p1", "ev-1", "ed-1", "Slack Agent", 0.6, "pending", []byte(`{}`), []byte(`{}`), fixedNow))

	list, err := st.ListProposals(context.Background(), ProposalFilter{EventID: "ev-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p2", list[0].ID)
	assert.True(t, list[0].Modified)
	assert.False(t, list[1].Modified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ImportUsesBulkUpsert(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_proposals"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_proposals"}, importColumns).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "proposals" .+ ON CONFLICT \("id"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := st.ImportProposals(context.Background(), []model.SourceProposal{sampleProposal("p1", "FFA Scraper", 0.9)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

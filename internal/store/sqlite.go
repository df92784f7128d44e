package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/proposal-review/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS proposals (
	id              TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL DEFAULT '',
	edition_id      TEXT NOT NULL DEFAULT '',
	agent_name      TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	body            TEXT NOT NULL,
	user_fields     TEXT NOT NULL DEFAULT '{}',
	race_edits      TEXT NOT NULL DEFAULT '{}',
	races_to_delete TEXT NOT NULL DEFAULT '[]',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS block_validations (
	proposal_id  TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
	block        TEXT NOT NULL,
	payload      TEXT NOT NULL,
	validated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (proposal_id, block)
);

CREATE INDEX IF NOT EXISTS idx_proposals_event ON proposals(event_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ImportProposals(ctx context.Context, proposals []model.SourceProposal) (int, error) {
	if len(proposals) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO proposals (id, event_id, edition_id, agent_name, confidence, status, body,
			user_fields, race_edits, races_to_delete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_id = excluded.event_id,
			edition_id = excluded.edition_id,
			agent_name = excluded.agent_name,
			confidence = excluded.confidence,
			status = excluded.status,
			body = excluded.body,
			user_fields = excluded.user_fields,
			race_edits = excluded.race_edits,
			races_to_delete = excluded.races_to_delete,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.now()
	for _, p := range proposals {
		r, err := toRecord(p, now)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.EventID, r.EditionID, r.AgentName, r.Confidence, r.Status, string(r.Body),
			string(r.UserFields), string(r.RaceEdits), string(r.RacesToDelete), r.CreatedAt, r.UpdatedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import proposal %s", p.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return len(proposals), nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, id string) (model.SourceProposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, edition_id, agent_name, confidence, status, body, user_fields, race_edits,
			races_to_delete, created_at, updated_at
		 FROM proposals WHERE id = ?`, id)

	var r record
	var b, fields, races, deletions string
	err := row.Scan(&r.ID, &r.EventID, &r.EditionID, &r.AgentName, &r.Confidence, &r.Status,
		&b, &fields, &races, &deletions, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SourceProposal{}, eris.Wrapf(ErrNotFound, "sqlite: fetch %s", id)
	}
	if err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "sqlite: fetch %s", id)
	}
	r.Body, r.UserFields, r.RaceEdits, r.RacesToDelete = []byte(b), []byte(fields), []byte(races), []byte(deletions)

	blocks, err := s.approvedBlocks(ctx, id)
	if err != nil {
		return model.SourceProposal{}, err
	}
	return r.proposal(blocks)
}

func (s *SQLiteStore) approvedBlocks(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block FROM block_validations WHERE proposal_id = ? ORDER BY block`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list blocks of %s", id)
	}
	defer rows.Close() //nolint:errcheck

	var blocks []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan block")
		}
		blocks = append(blocks, b)
	}
	return blocks, eris.Wrap(rows.Err(), "sqlite: list blocks iterate")
}

func (s *SQLiteStore) PersistOverrides(ctx context.Context, id string, diff model.AutosaveDiff) error {
	cols, err := encodeDiff(id, diff)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET user_fields = ?, race_edits = ?, races_to_delete = ?, updated_at = ? WHERE id = ?`,
		string(cols.fields), string(cols.races), string(cols.deletions), s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: persist overrides %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ValidateBlock(ctx context.Context, id string, payload model.BlockPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal block %s", payload.Block)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin validate")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ? WHERE id = ?`,
		string(model.ProposalStatusPending), string(model.ProposalStatusPartiallyApproved), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: validate block %s of %s", payload.Block, id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO block_validations (proposal_id, block, payload, validated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(proposal_id, block) DO UPDATE SET payload = excluded.payload, validated_at = excluded.validated_at`,
		id, payload.Block, string(data), now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: record block %s of %s", payload.Block, id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit validate")
}

func (s *SQLiteStore) UnvalidateBlock(ctx context.Context, id, block string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin unvalidate")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE proposals SET updated_at = ? WHERE id = ?`, s.now(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: unvalidate block %s of %s", block, id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM block_validations WHERE proposal_id = ? AND block = ?`, id, block,
	); err != nil {
		return eris.Wrapf(err, "sqlite: delete block %s of %s", block, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE id = ? AND status = ?
		 AND NOT EXISTS (SELECT 1 FROM block_validations WHERE proposal_id = ?)`,
		string(model.ProposalStatusPending), id, string(model.ProposalStatusPartiallyApproved), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: reset status of %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit unvalidate")
}

func (s *SQLiteStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]ProposalSummary, error) {
	query := `SELECT id, event_id, edition_id, agent_name, confidence, status, user_fields, race_edits, updated_at
		FROM proposals WHERE 1=1`
	var args []any
	if filter.EventID != "" {
		query += ` AND event_id = ?`
		args = append(args, filter.EventID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY event_id, confidence DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list proposals")
	}
	defer rows.Close() //nolint:errcheck

	var out []ProposalSummary
	for rows.Next() {
		var r record
		var fields, races string
		if err := rows.Scan(&r.ID, &r.EventID, &r.EditionID, &r.AgentName, &r.Confidence, &r.Status,
			&fields, &races, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan proposal")
		}
		r.UserFields, r.RaceEdits = []byte(fields), []byte(races)
		out = append(out, r.summary())
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list proposals iterate")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "proposal %s", id)
	}
	return nil
}

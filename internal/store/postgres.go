package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/proposal-review/internal/db"
	"github.com/sells-group/proposal-review/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			cfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			cfg.MinConns = poolCfg.MinConns
		}
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgres(pool, pool.Close), nil
}

func newPostgres(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: closeFn, now: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS proposals (
	id              TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL DEFAULT '',
	edition_id      TEXT NOT NULL DEFAULT '',
	agent_name      TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	body            JSONB NOT NULL,
	user_fields     JSONB NOT NULL DEFAULT '{}',
	race_edits      JSONB NOT NULL DEFAULT '{}',
	races_to_delete JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS block_validations (
	proposal_id  TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
	block        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	validated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (proposal_id, block)
);

CREATE INDEX IF NOT EXISTS idx_proposals_event ON proposals(event_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var importColumns = []string{
	"id", "event_id", "edition_id", "agent_name", "confidence", "status", "body",
	"user_fields", "race_edits", "races_to_delete", "created_at", "updated_at",
}

// importUpdateColumns are replaced when a proposal is imported again.
var importUpdateColumns = []string{
	"event_id", "edition_id", "agent_name", "confidence", "status", "body",
	"user_fields", "race_edits", "races_to_delete", "updated_at",
}

func (s *PostgresStore) ImportProposals(ctx context.Context, proposals []model.SourceProposal) (int, error) {
	now := s.now()
	rows := make([][]any, 0, len(proposals))
	for _, p := range proposals {
		r, err := toRecord(p, now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			r.ID, r.EventID, r.EditionID, r.AgentName, r.Confidence, r.Status, r.Body,
			r.UserFields, r.RaceEdits, r.RacesToDelete, r.CreatedAt, r.UpdatedAt,
		})
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "proposals",
		Columns:      importColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   importUpdateColumns,
	}, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: import proposals")
	}
	return len(proposals), nil
}

func (s *PostgresStore) Fetch(ctx context.Context, id string) (model.SourceProposal, error) {
	var r record
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, edition_id, agent_name, confidence, status, body, user_fields, race_edits,
			races_to_delete, created_at, updated_at
		 FROM proposals WHERE id = $1`, id,
	).Scan(&r.ID, &r.EventID, &r.EditionID, &r.AgentName, &r.Confidence, &r.Status,
		&r.Body, &r.UserFields, &r.RaceEdits, &r.RacesToDelete, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceProposal{}, eris.Wrapf(ErrNotFound, "postgres: fetch %s", id)
	}
	if err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "postgres: fetch %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT block FROM block_validations WHERE proposal_id = $1 ORDER BY block`, id)
	if err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "postgres: list blocks of %s", id)
	}
	blocks, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "postgres: scan blocks of %s", id)
	}
	return r.proposal(blocks)
}

func (s *PostgresStore) PersistOverrides(ctx context.Context, id string, diff model.AutosaveDiff) error {
	cols, err := encodeDiff(id, diff)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals SET user_fields = $1, race_edits = $2, races_to_delete = $3, updated_at = $4 WHERE id = $5`,
		cols.fields, cols.races, cols.deletions, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: persist overrides %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "proposal %s", id)
	}
	return nil
}

func (s *PostgresStore) ValidateBlock(ctx context.Context, id string, payload model.BlockPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal block %s", payload.Block)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin validate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	tag, err := tx.Exec(ctx,
		`UPDATE proposals SET status = CASE WHEN status = $1 THEN $2 ELSE status END, updated_at = $3 WHERE id = $4`,
		string(model.ProposalStatusPending), string(model.ProposalStatusPartiallyApproved), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: validate block %s of %s", payload.Block, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "proposal %s", id)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO block_validations (proposal_id, block, payload, validated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (proposal_id, block) DO UPDATE SET payload = EXCLUDED.payload, validated_at = EXCLUDED.validated_at`,
		id, payload.Block, data, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: record block %s of %s", payload.Block, id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit validate")
}

func (s *PostgresStore) UnvalidateBlock(ctx context.Context, id, block string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin unvalidate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE proposals SET updated_at = $1 WHERE id = $2`, s.now(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: unvalidate block %s of %s", block, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "proposal %s", id)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM block_validations WHERE proposal_id = $1 AND block = $2`, id, block,
	); err != nil {
		return eris.Wrapf(err, "postgres: delete block %s of %s", block, id)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE proposals SET status = $1 WHERE id = $2 AND status = $3
		 AND NOT EXISTS (SELECT 1 FROM block_validations WHERE proposal_id = $2)`,
		string(model.ProposalStatusPending), id, string(model.ProposalStatusPartiallyApproved),
	); err != nil {
		return eris.Wrapf(err, "postgres: reset status of %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit unvalidate")
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]ProposalSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, edition_id, agent_name, confidence, status, user_fields, race_edits, updated_at
		 FROM proposals
		 WHERE ($1 = '' OR event_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY event_id, confidence DESC, id LIMIT $3`,
		filter.EventID, string(filter.Status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list proposals")
	}
	defer rows.Close()

	var out []ProposalSummary
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.ID, &r.EventID, &r.EditionID, &r.AgentName, &r.Confidence, &r.Status,
			&r.UserFields, &r.RaceEdits, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan proposal")
		}
		out = append(out, r.summary())
	}
	return out, eris.Wrap(rows.Err(), "postgres: list proposals iterate")
}

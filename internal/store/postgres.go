package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/opsledger/forecast-sync/internal/db"
	"github.com/opsledger/forecast-sync/internal/model"
)

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS raw_intake (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	payload     BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS mirrors (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	document   JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (org_id, entity_id)
);

CREATE TABLE IF NOT EXISTS modifications (
	id             TEXT PRIMARY KEY,
	mirror_id      TEXT NOT NULL REFERENCES mirrors(id),
	org_id         TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	delta          JSONB NOT NULL,
	changed_fields JSONB NOT NULL,
	session_id     TEXT,
	reason         TEXT,
	base_version   BIGINT NOT NULL,
	edit_count     INT NOT NULL DEFAULT 1,
	state          TEXT NOT NULL DEFAULT 'draft',
	attempts       INT NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	committed_at   TIMESTAMPTZ,
	synced_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id                 TEXT PRIMARY KEY,
	modification_id    TEXT NOT NULL REFERENCES modifications(id),
	org_id             TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	field              TEXT NOT NULL,
	local_value        JSONB NOT NULL,
	remote_value       JSONB NOT NULL,
	local_version      BIGINT NOT NULL,
	remote_version     BIGINT NOT NULL,
	remote_modified_by TEXT,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_intake_ingested_at ON raw_intake(ingested_at);
CREATE INDEX IF NOT EXISTS idx_mirrors_org_entity ON mirrors(org_id, entity_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_modifications_active
	ON modifications(mirror_id, user_id)
	WHERE state IN ('draft','committed','syncing');
CREATE INDEX IF NOT EXISTS idx_modifications_state ON modifications(state, committed_at);
CREATE INDEX IF NOT EXISTS idx_modifications_org ON modifications(org_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_mod ON sync_conflicts(modification_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Raw intake ---

func (s *PostgresStore) AppendIntake(ctx context.Context, recs []model.RawIntakeRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(recs))
	for i, r := range recs {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		at := r.IngestedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		rows[i] = []any{id, r.OrgID, at.UTC(), r.Payload}
	}
	n, err := db.CopyFrom(ctx, s.pool, "raw_intake",
		[]string{"id", "org_id", "ingested_at", "payload"}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append intake")
	}
	return n, nil
}

func (s *PostgresStore) CountIntake(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM raw_intake`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count intake")
}

func (s *PostgresStore) CountIntakeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM raw_intake WHERE ingested_at < $1`, cutoff.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count intake before cutoff")
}

func (s *PostgresStore) ListIntakeBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.RawIntakeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, ingested_at, payload FROM raw_intake
		 WHERE ingested_at < $1 ORDER BY ingested_at ASC, id ASC LIMIT $2`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list intake before cutoff")
	}
	defer rows.Close()

	var recs []model.RawIntakeRecord
	for rows.Next() {
		var r model.RawIntakeRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.IngestedAt, &r.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan intake")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list intake iterate")
}

func (s *PostgresStore) DeleteIntake(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM raw_intake WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete intake batch")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) OldestIntake(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT ingested_at FROM raw_intake ORDER BY ingested_at ASC LIMIT 1`,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: oldest intake")
	}
	return &t, nil
}

func (s *PostgresStore) LatestIntakePerEntity(ctx context.Context) ([]model.RawIntakeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (org_id, convert_from(payload, 'UTF8')::jsonb ->> 'entity_id')
			id, org_id, ingested_at, payload
		 FROM raw_intake
		 ORDER BY org_id, convert_from(payload, 'UTF8')::jsonb ->> 'entity_id', ingested_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest intake per entity")
	}
	defer rows.Close()

	var recs []model.RawIntakeRecord
	for rows.Next() {
		var r model.RawIntakeRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.IngestedAt, &r.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan latest intake")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: latest intake iterate")
}

// --- Mirrors ---

func (s *PostgresStore) GetMirror(ctx context.Context, id string) (*model.MirrorRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, org_id, entity_id, document, version, updated_at FROM mirrors WHERE id = $1`, id)
	return scanMirrorPG(row)
}

func (s *PostgresStore) GetMirrorByEntity(ctx context.Context, orgID, entityID string) (*model.MirrorRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, org_id, entity_id, document, version, updated_at FROM mirrors
		 WHERE org_id = $1 AND entity_id = $2`, orgID, entityID)
	return scanMirrorPG(row)
}

func (s *PostgresStore) CreateMirror(ctx context.Context, orgID, entityID string, doc model.Document) (*model.MirrorRecord, error) {
	docJSON, err := model.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	m := &model.MirrorRecord{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		EntityID:  entityID,
		Document:  doc,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mirrors (id, org_id, entity_id, document, version, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5)`,
		m.ID, m.OrgID, m.EntityID, string(docJSON), m.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create mirror %s/%s", orgID, entityID)
	}
	return m, nil
}

func (s *PostgresStore) ReplaceMirrorDocument(ctx context.Context, mirrorID string, doc model.Document, expectedVersion int64) (int64, error) {
	docJSON, err := model.EncodeDocument(doc)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE mirrors SET document = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		string(docJSON), time.Now().UTC(), mirrorID, expectedVersion,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: replace mirror document %s", mirrorID)
	}
	if tag.RowsAffected() == 0 {
		return 0, eris.Wrapf(model.ErrNotFound, "mirror %s at version %d", mirrorID, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *PostgresStore) CatchUpMirror(ctx context.Context, mirrorID string, doc model.Document, version int64) (bool, error) {
	docJSON, err := model.EncodeDocument(doc)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE mirrors SET document = $1, version = $2, updated_at = $3
		 WHERE id = $4 AND version < $2`,
		string(docJSON), version, time.Now().UTC(), mirrorID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: catch up mirror %s", mirrorID)
	}
	return tag.RowsAffected() > 0, nil
}

// argCounter numbers positional parameters for incrementally-built queries.
type argCounter struct{ n int }

func (a *argCounter) next() string {
	a.n++
	return fmt.Sprintf("$%d", a.n)
}

func mirrorPredicatesPG(orgID string, f MirrorFilter, ac *argCounter) (string, []any) {
	var sb strings.Builder
	args := []any{orgID}
	sb.WriteString(`m.org_id = ` + ac.next())

	if len(f.EntityIDs) > 0 {
		sb.WriteString(` AND m.entity_id = ANY(` + ac.next() + `)`)
		args = append(args, f.EntityIDs)
	}

	fields := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		sb.WriteString(` AND m.document ->> ` + ac.next() + ` = ` + ac.next())
		args = append(args, k, f.Fields[k])
	}

	if f.Search != "" {
		searchFields := f.SearchFields
		if len(searchFields) == 0 {
			searchFields = DefaultSearchFields
		}
		clauses := make([]string, 0, len(searchFields)+1)
		clauses = append(clauses, `m.entity_id ILIKE '%' || `+ac.next()+` || '%'`)
		args = append(args, f.Search)
		for _, sf := range searchFields {
			clauses = append(clauses, `m.document ->> `+ac.next()+` ILIKE '%' || `+ac.next()+` || '%'`)
			args = append(args, sf, f.Search)
		}
		sb.WriteString(` AND (` + strings.Join(clauses, " OR ") + `)`)
	}

	return sb.String(), args
}

func (s *PostgresStore) CountMirrors(ctx context.Context, orgID string, f MirrorFilter) (int64, error) {
	ac := &argCounter{}
	where, args := mirrorPredicatesPG(orgID, f, ac)
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM mirrors m WHERE `+where, args...,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count mirrors")
}

func (s *PostgresStore) ListMergedViews(ctx context.Context, orgID string, f MirrorFilter) ([]model.MergedView, error) {
	ac := &argCounter{}
	where, args := mirrorPredicatesPG(orgID, f, ac)

	join := `LEFT JOIN modifications mo ON mo.mirror_id = m.id
		 AND mo.state IN ('draft','committed','syncing')`
	if f.UserID != "" {
		join += ` AND mo.user_id = ` + ac.next()
		args = append(args, f.UserID)
	}

	query := `SELECT m.id, m.org_id, m.entity_id, m.document, m.version, m.updated_at,
		mo.id, mo.user_id, mo.delta, mo.state, mo.updated_at
		FROM mirrors m ` + join + ` WHERE ` + where + ` ORDER BY m.entity_id ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + ac.next()
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ` + ac.next()
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merged views")
	}
	defer rows.Close()

	var views []model.MergedView
	for rows.Next() {
		var (
			mirrorID, mOrg, entityID         string
			docJSON                          []byte
			version                          int64
			mirrorUpdated                    time.Time
			modID, modUser, deltaJSON, state sql.NullString
			modUpdated                       sql.NullTime
		)
		if err := rows.Scan(&mirrorID, &mOrg, &entityID, &docJSON, &version, &mirrorUpdated,
			&modID, &modUser, &deltaJSON, &state, &modUpdated); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merged view")
		}
		view, err := buildMergedView(mirrorID, mOrg, entityID, docJSON, version, mirrorUpdated,
			modID, modUser, deltaJSON, state, modUpdated)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, eris.Wrap(rows.Err(), "postgres: list merged views iterate")
}

// --- Modifications ---

func (s *PostgresStore) UpsertDraft(ctx context.Context, draft *model.Modification) (*model.Modification, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin draft tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT id, delta, changed_fields, edit_count, state, base_version, created_at
		 FROM modifications
		 WHERE mirror_id = $1 AND user_id = $2 AND state IN ('draft','committed','syncing')
		 FOR UPDATE`,
		draft.MirrorID, draft.UserID,
	)

	var (
		existingID, state     string
		deltaJSON, fieldsJSON []byte
		editCount             int
		baseVersion           int64
		createdAt             time.Time
	)
	err = row.Scan(&existingID, &deltaJSON, &fieldsJSON, &editCount, &state, &baseVersion, &createdAt)
	now := time.Now().UTC()

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		out, insErr := insertDraftPG(ctx, tx, draft, now)
		if insErr != nil {
			return nil, insErr
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "postgres: commit draft tx")
		}
		return out, nil

	case err != nil:
		return nil, eris.Wrap(err, "postgres: query existing draft")

	case model.SyncState(state) == model.SyncStateSyncing:
		return nil, eris.Errorf("modification %s is syncing and cannot be edited", existingID)
	}

	existing, err := model.DecodeDocument(deltaJSON)
	if err != nil {
		return nil, err
	}
	merged := model.Merge(existing, draft.Delta)
	mergedJSON, err := model.EncodeDocument(merged)
	if err != nil {
		return nil, err
	}
	fields := unionFields(string(fieldsJSON), draft.Delta)
	fieldsOut, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal changed fields")
	}

	_, err = tx.Exec(ctx,
		`UPDATE modifications
		 SET delta = $1, changed_fields = $2, edit_count = edit_count + 1,
		     state = 'draft', committed_at = NULL,
		     session_id = $3, reason = $4, updated_at = $5
		 WHERE id = $6`,
		string(mergedJSON), string(fieldsOut), draft.SessionID, draft.Reason, now, existingID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update draft %s", existingID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit draft tx")
	}

	out := *draft
	out.ID = existingID
	out.Delta = merged
	out.ChangedFields = fields
	out.EditCount = editCount + 1
	out.State = model.SyncStateDraft
	out.BaseVersion = baseVersion
	out.CreatedAt = createdAt
	out.UpdatedAt = now
	out.CommittedAt = nil
	return &out, nil
}

func insertDraftPG(ctx context.Context, tx pgx.Tx, draft *model.Modification, now time.Time) (*model.Modification, error) {
	deltaJSON, err := model.EncodeDocument(draft.Delta)
	if err != nil {
		return nil, err
	}
	fields := draft.Delta.Keys()
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal changed fields")
	}

	out := *draft
	out.ID = uuid.New().String()
	out.ChangedFields = fields
	out.EditCount = 1
	out.State = model.SyncStateDraft
	out.CreatedAt = now
	out.UpdatedAt = now

	_, err = tx.Exec(ctx,
		`INSERT INTO modifications
		 (id, mirror_id, org_id, user_id, delta, changed_fields, session_id, reason,
		  base_version, edit_count, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, 'draft', $10, $11)`,
		out.ID, out.MirrorID, out.OrgID, out.UserID, string(deltaJSON), string(fieldsJSON),
		out.SessionID, out.Reason, out.BaseVersion, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert draft for mirror %s", draft.MirrorID)
	}
	return &out, nil
}

func (s *PostgresStore) CommitDrafts(ctx context.Context, orgID, userID string, entityIDs []string, at time.Time) (int64, error) {
	query := `UPDATE modifications SET state = 'committed', committed_at = $1, updated_at = $1
		 WHERE org_id = $2 AND user_id = $3 AND state = 'draft'`
	args := []any{at.UTC(), orgID, userID}
	if len(entityIDs) > 0 {
		query += ` AND mirror_id IN (SELECT id FROM mirrors WHERE org_id = $2 AND entity_id = ANY($4))`
		args = append(args, entityIDs)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: commit drafts")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DiscardDrafts(ctx context.Context, orgID, userID string, entityIDs []string) (int64, error) {
	query := `DELETE FROM modifications WHERE org_id = $1 AND user_id = $2 AND state = 'draft'`
	args := []any{orgID, userID}
	if len(entityIDs) > 0 {
		query += ` AND mirror_id IN (SELECT id FROM mirrors WHERE org_id = $1 AND entity_id = ANY($3))`
		args = append(args, entityIDs)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: discard drafts")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountDrafts(ctx context.Context, orgID, userID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM modifications WHERE org_id = $1 AND user_id = $2 AND state = 'draft'`,
		orgID, userID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count drafts")
}

func (s *PostgresStore) GetModification(ctx context.Context, id string) (*model.Modification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modificationColumns+` FROM modifications WHERE id = $1`, id)
	return scanModificationPG(row)
}

func (s *PostgresStore) ListModifications(ctx context.Context, orgID string, f ModFilter) ([]model.Modification, error) {
	ac := &argCounter{}
	query := `SELECT ` + modificationColumns + ` FROM modifications WHERE org_id = ` + ac.next()
	args := []any{orgID}

	if f.UserID != "" {
		query += ` AND user_id = ` + ac.next()
		args = append(args, f.UserID)
	}
	if f.EntityID != "" {
		query += ` AND mirror_id IN (SELECT id FROM mirrors WHERE org_id = $1 AND entity_id = ` + ac.next() + `)`
		args = append(args, f.EntityID)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		query += ` AND state = ANY(` + ac.next() + `)`
		args = append(args, states)
	}
	query += ` ORDER BY updated_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + ac.next()
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ` + ac.next()
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list modifications")
	}
	defer rows.Close()

	var mods []model.Modification
	for rows.Next() {
		m, err := scanModificationPG(rows)
		if err != nil {
			return nil, err
		}
		mods = append(mods, *m)
	}
	return mods, eris.Wrap(rows.Err(), "postgres: list modifications iterate")
}

func (s *PostgresStore) DeleteModification(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM modifications WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete modification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "modification %s", id)
	}
	return nil
}

// --- Write-back transitions ---

func (s *PostgresStore) ClaimCommitted(ctx context.Context, limit int, now time.Time) ([]model.Modification, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent workers from double-claiming.
	rows, err := s.pool.Query(ctx,
		`UPDATE modifications SET state = 'syncing', updated_at = $1
		 WHERE id IN (
			SELECT id FROM modifications
			WHERE state = 'committed' AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY committed_at ASC LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+modificationColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim committed")
	}
	defer rows.Close()

	var mods []model.Modification
	for rows.Next() {
		m, err := scanModificationPG(rows)
		if err != nil {
			return nil, err
		}
		mods = append(mods, *m)
	}
	return mods, eris.Wrap(rows.Err(), "postgres: claim committed iterate")
}

func (s *PostgresStore) RequeueModification(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE modifications
		 SET state = 'committed', attempts = $1, next_retry_at = $2, last_error = $3, updated_at = $4
		 WHERE id = $5 AND state = 'syncing'`,
		attempts, nextRetry.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue modification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "modification %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkSyncError(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE modifications SET state = 'sync_error', last_error = $1, updated_at = $2
		 WHERE id = $3 AND state = 'syncing'`,
		lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark sync error %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "modification %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkConflict(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE modifications SET state = 'conflict', updated_at = $1
		 WHERE id = $2 AND state = 'syncing'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark conflict %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "modification %s", id)
	}
	return nil
}

func (s *PostgresStore) RetireModification(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE modifications SET state = 'synced', synced_at = $1, last_error = NULL, updated_at = $1
		 WHERE id = $2 AND state = 'syncing'`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: retire modification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "modification %s", id)
	}
	return nil
}

// --- Conflicts ---

func (s *PostgresStore) InsertConflicts(ctx context.Context, conflicts []model.SyncConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	rows := make([][]any, len(conflicts))
	for i, c := range conflicts {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		localJSON, err := json.Marshal(c.LocalValue)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal local value")
		}
		remoteJSON, err := json.Marshal(c.RemoteValue)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal remote value")
		}
		at := c.CreatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		rows[i] = []any{id, c.ModificationID, c.OrgID, c.EntityID, c.Field,
			string(localJSON), string(remoteJSON),
			c.LocalVersion, c.RemoteVersion, c.RemoteModifiedBy, at.UTC()}
	}
	_, err := db.CopyFrom(ctx, s.pool, "sync_conflicts",
		[]string{"id", "modification_id", "org_id", "entity_id", "field",
			"local_value", "remote_value", "local_version", "remote_version",
			"remote_modified_by", "created_at"}, rows)
	return eris.Wrap(err, "postgres: insert conflicts")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, orgID, modificationID string) ([]model.SyncConflict, error) {
	query := `SELECT id, modification_id, org_id, entity_id, field, local_value, remote_value,
		local_version, remote_version, remote_modified_by, created_at
		FROM sync_conflicts WHERE org_id = $1`
	args := []any{orgID}
	if modificationID != "" {
		query += ` AND modification_id = $2`
		args = append(args, modificationID)
	}
	query += ` ORDER BY created_at DESC, field ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var conflicts []model.SyncConflict
	for rows.Next() {
		var (
			c                     model.SyncConflict
			localJSON, remoteJSON []byte
			remoteBy              sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ModificationID, &c.OrgID, &c.EntityID, &c.Field,
			&localJSON, &remoteJSON, &c.LocalVersion, &c.RemoteVersion, &remoteBy, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		if err := json.Unmarshal(localJSON, &c.LocalValue); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal local value")
		}
		if err := json.Unmarshal(remoteJSON, &c.RemoteValue); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal remote value")
		}
		c.RemoteModifiedBy = remoteBy.String
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

func (s *PostgresStore) DeleteConflicts(ctx context.Context, modificationID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sync_conflicts WHERE modification_id = $1`, modificationID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete conflicts for %s", modificationID)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountConflicts(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_conflicts`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count conflicts")
}

// --- Monitoring ---

func (s *PostgresStore) CountModificationsByState(ctx context.Context) (map[model.SyncState]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM modifications GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count modifications by state")
	}
	defer rows.Close()

	counts := make(map[model.SyncState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan state count")
		}
		counts[model.SyncState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by state iterate")
}

func (s *PostgresStore) CountAllMirrors(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mirrors`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count all mirrors")
}

// --- helpers ---

func scanMirrorPG(row pgx.Row) (*model.MirrorRecord, error) {
	var m model.MirrorRecord
	var docJSON []byte
	err := row.Scan(&m.ID, &m.OrgID, &m.EntityID, &docJSON, &m.Version, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan mirror")
	}
	doc, err := model.DecodeDocument(docJSON)
	if err != nil {
		return nil, err
	}
	m.Document = doc
	return &m, nil
}

func scanModificationPG(row pgx.Row) (*model.Modification, error) {
	var (
		m                            model.Modification
		deltaJSON, fieldsJSON        []byte
		state                        string
		sessionID, reason, lastErr   sql.NullString
		nextRetry, committed, synced sql.NullTime
	)
	err := row.Scan(&m.ID, &m.MirrorID, &m.OrgID, &m.UserID, &deltaJSON, &fieldsJSON,
		&sessionID, &reason, &m.BaseVersion, &m.EditCount, &state, &m.Attempts,
		&nextRetry, &lastErr, &m.CreatedAt, &m.UpdatedAt, &committed, &synced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan modification")
	}

	m.Delta, err = model.DecodeDocument(deltaJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &m.ChangedFields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal changed fields")
	}
	m.SessionID = sessionID.String
	m.Reason = reason.String
	m.State = model.SyncState(state)
	m.LastError = lastErr.String
	if nextRetry.Valid {
		t := nextRetry.Time
		m.NextRetryAt = &t
	}
	if committed.Valid {
		t := committed.Time
		m.CommittedAt = &t
	}
	if synced.Valid {
		t := synced.Time
		m.SyncedAt = &t
	}
	return &m, nil
}

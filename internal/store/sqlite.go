package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/opsledger/forecast-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
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
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent
	// draft saves and worker claims.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_intake (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	ingested_at DATETIME NOT NULL,
	payload     BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS mirrors (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	document   TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	UNIQUE (org_id, entity_id)
);

CREATE TABLE IF NOT EXISTS modifications (
	id             TEXT PRIMARY KEY,
	mirror_id      TEXT NOT NULL REFERENCES mirrors(id),
	org_id         TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	delta          TEXT NOT NULL,
	changed_fields TEXT NOT NULL,
	session_id     TEXT,
	reason         TEXT,
	base_version   INTEGER NOT NULL,
	edit_count     INTEGER NOT NULL DEFAULT 1,
	state          TEXT NOT NULL DEFAULT 'draft',
	attempts       INTEGER NOT NULL DEFAULT 0,
	next_retry_at  DATETIME,
	last_error     TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	committed_at   DATETIME,
	synced_at      DATETIME
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id                 TEXT PRIMARY KEY,
	modification_id    TEXT NOT NULL REFERENCES modifications(id),
	org_id             TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	field              TEXT NOT NULL,
	local_value        TEXT NOT NULL,
	remote_value       TEXT NOT NULL,
	local_version      INTEGER NOT NULL,
	remote_version     INTEGER NOT NULL,
	remote_modified_by TEXT,
	created_at         DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Raw intake ---

func (s *SQLiteStore) AppendIntake(ctx context.Context, recs []model.RawIntakeRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin intake tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_intake (id, org_id, ingested_at, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare intake insert")
	}
	defer stmt.Close()

	var n int64
	for _, r := range recs {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		at := r.IngestedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, id, r.OrgID, at.UTC(), r.Payload); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert intake %s", id)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit intake tx")
	}
	return n, nil
}

func (s *SQLiteStore) CountIntake(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_intake`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count intake")
}

func (s *SQLiteStore) CountIntakeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_intake WHERE ingested_at < ?`, cutoff.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count intake before cutoff")
}

func (s *SQLiteStore) ListIntakeBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.RawIntakeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, ingested_at, payload FROM raw_intake
		 WHERE ingested_at < ? ORDER BY ingested_at ASC, id ASC LIMIT ?`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list intake before cutoff")
	}
	defer rows.Close()

	var recs []model.RawIntakeRecord
	for rows.Next() {
		var r model.RawIntakeRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.IngestedAt, &r.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan intake")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list intake iterate")
}

func (s *SQLiteStore) DeleteIntake(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM raw_intake WHERE id IN (%s)`, placeholders), args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete intake batch")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete intake rows affected")
}

func (s *SQLiteStore) OldestIntake(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT ingested_at FROM raw_intake ORDER BY ingested_at ASC LIMIT 1`,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: oldest intake")
	}
	return &t, nil
}

// LatestIntakePerEntity returns the newest intake row per (org, entity) pair,
// where the payload is a JSON object carrying an "entity_id" field. Used by
// promotion to seed missing mirrors.
func (s *SQLiteStore) LatestIntakePerEntity(ctx context.Context) ([]model.RawIntakeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, ingested_at, payload FROM raw_intake
		 WHERE id IN (
			SELECT id FROM raw_intake r1
			WHERE ingested_at = (
				SELECT MAX(ingested_at) FROM raw_intake r2
				WHERE r2.org_id = r1.org_id
				  AND json_extract(r2.payload, '$.entity_id') = json_extract(r1.payload, '$.entity_id')
			)
		 )
		 ORDER BY org_id, json_extract(payload, '$.entity_id')`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest intake per entity")
	}
	defer rows.Close()

	var recs []model.RawIntakeRecord
	for rows.Next() {
		var r model.RawIntakeRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.IngestedAt, &r.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan latest intake")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: latest intake iterate")
}

// --- Mirrors ---

func (s *SQLiteStore) GetMirror(ctx context.Context, id string) (*model.MirrorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, entity_id, document, version, updated_at FROM mirrors WHERE id = ?`, id)
	return scanMirror(row)
}

func (s *SQLiteStore) GetMirrorByEntity(ctx context.Context, orgID, entityID string) (*model.MirrorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, entity_id, document, version, updated_at FROM mirrors
		 WHERE org_id = ? AND entity_id = ?`, orgID, entityID)
	return scanMirror(row)
}

func (s *SQLiteStore) CreateMirror(ctx context.Context, orgID, entityID string, doc model.Document) (*model.MirrorRecord, error) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mirrors (id, org_id, entity_id, document, version, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		m.ID, m.OrgID, m.EntityID, string(docJSON), m.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create mirror %s/%s", orgID, entityID)
	}
	return m, nil
}

func (s *SQLiteStore) ReplaceMirrorDocument(ctx context.Context, mirrorID string, doc model.Document, expectedVersion int64) (int64, error) {
	docJSON, err := model.EncodeDocument(doc)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mirrors SET document = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(docJSON), time.Now().UTC(), mirrorID, expectedVersion,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: replace mirror document %s", mirrorID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: replace mirror rows affected")
	}
	if n == 0 {
		return 0, eris.Wrapf(model.ErrNotFound, "mirror %s at version %d", mirrorID, expectedVersion)
	}
	return expectedVersion + 1, nil
}

// mirrorPredicates builds the parameterized WHERE fragment shared by
// CountMirrors and ListMergedViews. Filter values are always bound, never
// spliced into the SQL text.
func mirrorPredicates(orgID string, f MirrorFilter) (string, []any) {
	var sb strings.Builder
	args := []any{orgID}
	sb.WriteString(`m.org_id = ?`)

	if len(f.EntityIDs) > 0 {
		sb.WriteString(` AND m.entity_id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.EntityIDs)), ",") + `)`)
		for _, id := range f.EntityIDs {
			args = append(args, id)
		}
	}

	// Exact-match document fields, deterministic order.
	fields := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		sb.WriteString(` AND CAST(json_extract(m.document, ?) AS TEXT) = ?`)
		args = append(args, "$."+k, f.Fields[k])
	}

	if f.Search != "" {
		searchFields := f.SearchFields
		if len(searchFields) == 0 {
			searchFields = DefaultSearchFields
		}
		clauses := make([]string, 0, len(searchFields)+1)
		clauses = append(clauses, `m.entity_id LIKE '%' || ? || '%'`)
		args = append(args, f.Search)
		for _, sf := range searchFields {
			clauses = append(clauses, `CAST(json_extract(m.document, ?) AS TEXT) LIKE '%' || ? || '%'`)
			args = append(args, "$."+sf, f.Search)
		}
		sb.WriteString(` AND (` + strings.Join(clauses, " OR ") + `)`)
	}

	return sb.String(), args
}

func (s *SQLiteStore) CatchUpMirror(ctx context.Context, mirrorID string, doc model.Document, version int64) (bool, error) {
	docJSON, err := model.EncodeDocument(doc)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mirrors SET document = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version < ?`,
		string(docJSON), version, time.Now().UTC(), mirrorID, version,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: catch up mirror %s", mirrorID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: catch up mirror rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) CountMirrors(ctx context.Context, orgID string, f MirrorFilter) (int64, error) {
	where, args := mirrorPredicates(orgID, f)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mirrors m WHERE `+where, args...,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count mirrors")
}

func (s *SQLiteStore) ListMergedViews(ctx context.Context, orgID string, f MirrorFilter) ([]model.MergedView, error) {
	where, predArgs := mirrorPredicates(orgID, f)

	// The join placeholder precedes the WHERE placeholders in the query
	// text, so its argument must come first as well.
	join := `LEFT JOIN modifications mo ON mo.mirror_id = m.id
		 AND mo.state IN ('draft','committed','syncing')`
	var args []any
	if f.UserID != "" {
		join += ` AND mo.user_id = ?`
		args = append(args, f.UserID)
	}
	args = append(args, predArgs...)

	query := `SELECT m.id, m.org_id, m.entity_id, m.document, m.version, m.updated_at,
		mo.id, mo.user_id, mo.delta, mo.state, mo.updated_at
		FROM mirrors m ` + join + ` WHERE ` + where + ` ORDER BY m.entity_id ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list merged views")
	}
	defer rows.Close()

	var views []model.MergedView
	for rows.Next() {
		var (
			mirrorID, mOrg, entityID, docJSON string
			version                           int64
			mirrorUpdated                     time.Time
			modID, modUser, deltaJSON, state  sql.NullString
			modUpdated                        sql.NullTime
		)
		if err := rows.Scan(&mirrorID, &mOrg, &entityID, &docJSON, &version, &mirrorUpdated,
			&modID, &modUser, &deltaJSON, &state, &modUpdated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merged view")
		}
		view, err := buildMergedView(mirrorID, mOrg, entityID, []byte(docJSON), version, mirrorUpdated,
			modID, modUser, deltaJSON, state, modUpdated)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, eris.Wrap(rows.Err(), "sqlite: list merged views iterate")
}

// --- Modifications ---

func (s *SQLiteStore) UpsertDraft(ctx context.Context, draft *model.Modification) (*model.Modification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin draft tx")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT id, delta, changed_fields, edit_count, state, base_version, created_at
		 FROM modifications
		 WHERE mirror_id = ? AND user_id = ? AND state IN ('draft','committed','syncing')`,
		draft.MirrorID, draft.UserID,
	)

	var (
		existingID, deltaJSON, fieldsJSON, state string
		editCount                                int
		baseVersion                              int64
		createdAt                                time.Time
	)
	err = row.Scan(&existingID, &deltaJSON, &fieldsJSON, &editCount, &state, &baseVersion, &createdAt)
	now := time.Now().UTC()

	switch {
	case err == sql.ErrNoRows:
		out, insErr := insertDraft(ctx, tx, draft, now)
		if insErr != nil {
			return nil, insErr
		}
		if err := tx.Commit(); err != nil {
			return nil, eris.Wrap(err, "sqlite: commit draft tx")
		}
		return out, nil

	case err != nil:
		return nil, eris.Wrap(err, "sqlite: query existing draft")

	case model.SyncState(state) == model.SyncStateSyncing:
		return nil, eris.Errorf("modification %s is syncing and cannot be edited", existingID)
	}

	// Merge into the existing row: overwrite matching fields, union the
	// changed-field set, bump the edit counter. A committed row re-opens
	// as a draft and must be committed again.
	existing, err := model.DecodeDocument([]byte(deltaJSON))
	if err != nil {
		return nil, err
	}
	merged := model.Merge(existing, draft.Delta)
	mergedJSON, err := model.EncodeDocument(merged)
	if err != nil {
		return nil, err
	}
	fields := unionFields(fieldsJSON, draft.Delta)
	fieldsOut, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal changed fields")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE modifications
		 SET delta = ?, changed_fields = ?, edit_count = edit_count + 1,
		     state = 'draft', committed_at = NULL,
		     session_id = ?, reason = ?, updated_at = ?
		 WHERE id = ?`,
		string(mergedJSON), string(fieldsOut), draft.SessionID, draft.Reason, now, existingID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update draft %s", existingID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit draft tx")
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

func insertDraft(ctx context.Context, tx *sql.Tx, draft *model.Modification, now time.Time) (*model.Modification, error) {
	deltaJSON, err := model.EncodeDocument(draft.Delta)
	if err != nil {
		return nil, err
	}
	fields := draft.Delta.Keys()
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal changed fields")
	}

	out := *draft
	out.ID = uuid.New().String()
	out.ChangedFields = fields
	out.EditCount = 1
	out.State = model.SyncStateDraft
	out.CreatedAt = now
	out.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO modifications
		 (id, mirror_id, org_id, user_id, delta, changed_fields, session_id, reason,
		  base_version, edit_count, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 'draft', ?, ?)`,
		out.ID, out.MirrorID, out.OrgID, out.UserID, string(deltaJSON), string(fieldsJSON),
		out.SessionID, out.Reason, out.BaseVersion, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert draft for mirror %s", draft.MirrorID)
	}
	return &out, nil
}

func (s *SQLiteStore) CommitDrafts(ctx context.Context, orgID, userID string, entityIDs []string, at time.Time) (int64, error) {
	query := `UPDATE modifications SET state = 'committed', committed_at = ?, updated_at = ?
		 WHERE org_id = ? AND user_id = ? AND state = 'draft'`
	args := []any{at.UTC(), at.UTC(), orgID, userID}
	if len(entityIDs) > 0 {
		query += ` AND mirror_id IN (SELECT id FROM mirrors WHERE org_id = ? AND entity_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(entityIDs)), ",") + `))`
		args = append(args, orgID)
		for _, id := range entityIDs {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: commit drafts")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: commit drafts rows affected")
}

func (s *SQLiteStore) DiscardDrafts(ctx context.Context, orgID, userID string, entityIDs []string) (int64, error) {
	query := `DELETE FROM modifications WHERE org_id = ? AND user_id = ? AND state = 'draft'`
	args := []any{orgID, userID}
	if len(entityIDs) > 0 {
		query += ` AND mirror_id IN (SELECT id FROM mirrors WHERE org_id = ? AND entity_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(entityIDs)), ",") + `))`
		args = append(args, orgID)
		for _, id := range entityIDs {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: discard drafts")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: discard drafts rows affected")
}

func (s *SQLiteStore) CountDrafts(ctx context.Context, orgID, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM modifications WHERE org_id = ? AND user_id = ? AND state = 'draft'`,
		orgID, userID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count drafts")
}

const modificationColumns = `id, mirror_id, org_id, user_id, delta, changed_fields,
	session_id, reason, base_version, edit_count, state, attempts, next_retry_at,
	last_error, created_at, updated_at, committed_at, synced_at`

func (s *SQLiteStore) GetModification(ctx context.Context, id string) (*model.Modification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modificationColumns+` FROM modifications WHERE id = ?`, id)
	return scanModification(row)
}

func (s *SQLiteStore) ListModifications(ctx context.Context, orgID string, f ModFilter) ([]model.Modification, error) {
	query := `SELECT ` + modificationColumns + ` FROM modifications WHERE org_id = ?`
	args := []any{orgID}

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.EntityID != "" {
		query += ` AND mirror_id IN (SELECT id FROM mirrors WHERE org_id = ? AND entity_id = ?)`
		args = append(args, orgID, f.EntityID)
	}
	if len(f.States) > 0 {
		query += ` AND state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",") + `)`
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY updated_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list modifications")
	}
	defer rows.Close()

	var mods []model.Modification
	for rows.Next() {
		m, err := scanModification(rows)
		if err != nil {
			return nil, err
		}
		mods = append(mods, *m)
	}
	return mods, eris.Wrap(rows.Err(), "sqlite: list modifications iterate")
}

func (s *SQLiteStore) DeleteModification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM modifications WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete modification %s", id)
	}
	return checkRowsAffected(res, "modification", id)
}

// --- Write-back transitions ---

func (s *SQLiteStore) ClaimCommitted(ctx context.Context, limit int, now time.Time) ([]model.Modification, error) {
	// Single UPDATE ... RETURNING keeps the committed -> syncing transition
	// atomic: overlapping cycles cannot claim the same row.
	rows, err := s.db.QueryContext(ctx,
		`UPDATE modifications SET state = 'syncing', updated_at = ?
		 WHERE id IN (
			SELECT id FROM modifications
			WHERE state = 'committed' AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY committed_at ASC LIMIT ?
		 )
		 RETURNING `+modificationColumns,
		now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim committed")
	}
	defer rows.Close()

	var mods []model.Modification
	for rows.Next() {
		m, err := scanModification(rows)
		if err != nil {
			return nil, err
		}
		mods = append(mods, *m)
	}
	return mods, eris.Wrap(rows.Err(), "sqlite: claim committed iterate")
}

func (s *SQLiteStore) RequeueModification(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modifications
		 SET state = 'committed', attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND state = 'syncing'`,
		attempts, nextRetry.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue modification %s", id)
	}
	return checkRowsAffected(res, "modification", id)
}

func (s *SQLiteStore) MarkSyncError(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modifications SET state = 'sync_error', last_error = ?, updated_at = ?
		 WHERE id = ? AND state = 'syncing'`,
		lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark sync error %s", id)
	}
	return checkRowsAffected(res, "modification", id)
}

func (s *SQLiteStore) MarkConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modifications SET state = 'conflict', updated_at = ?
		 WHERE id = ? AND state = 'syncing'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark conflict %s", id)
	}
	return checkRowsAffected(res, "modification", id)
}

func (s *SQLiteStore) RetireModification(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modifications SET state = 'synced', synced_at = ?, last_error = NULL, updated_at = ?
		 WHERE id = ? AND state = 'syncing'`,
		at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retire modification %s", id)
	}
	return checkRowsAffected(res, "modification", id)
}

// --- Conflicts ---

func (s *SQLiteStore) InsertConflicts(ctx context.Context, conflicts []model.SyncConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin conflicts tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sync_conflicts
		 (id, modification_id, org_id, entity_id, field, local_value, remote_value,
		  local_version, remote_version, remote_modified_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare conflict insert")
	}
	defer stmt.Close()

	for _, c := range conflicts {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		localJSON, err := json.Marshal(c.LocalValue)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal local value")
		}
		remoteJSON, err := json.Marshal(c.RemoteValue)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal remote value")
		}
		at := c.CreatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			id, c.ModificationID, c.OrgID, c.EntityID, c.Field,
			string(localJSON), string(remoteJSON),
			c.LocalVersion, c.RemoteVersion, c.RemoteModifiedBy, at.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert conflict for field %s", c.Field)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit conflicts tx")
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, orgID, modificationID string) ([]model.SyncConflict, error) {
	query := `SELECT id, modification_id, org_id, entity_id, field, local_value, remote_value,
		local_version, remote_version, remote_modified_by, created_at
		FROM sync_conflicts WHERE org_id = ?`
	args := []any{orgID}
	if modificationID != "" {
		query += ` AND modification_id = ?`
		args = append(args, modificationID)
	}
	query += ` ORDER BY created_at DESC, field ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var conflicts []model.SyncConflict
	for rows.Next() {
		var (
			c                      model.SyncConflict
			localJSON, remoteJSON  string
			remoteBy               sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ModificationID, &c.OrgID, &c.EntityID, &c.Field,
			&localJSON, &remoteJSON, &c.LocalVersion, &c.RemoteVersion, &remoteBy, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		if err := json.Unmarshal([]byte(localJSON), &c.LocalValue); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal local value")
		}
		if err := json.Unmarshal([]byte(remoteJSON), &c.RemoteValue); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal remote value")
		}
		c.RemoteModifiedBy = remoteBy.String
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

func (s *SQLiteStore) DeleteConflicts(ctx context.Context, modificationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE modification_id = ?`, modificationID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete conflicts for %s", modificationID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete conflicts rows affected")
}

func (s *SQLiteStore) CountConflicts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count conflicts")
}

// --- Monitoring ---

func (s *SQLiteStore) CountModificationsByState(ctx context.Context) (map[model.SyncState]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM modifications GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count modifications by state")
	}
	defer rows.Close()

	counts := make(map[model.SyncState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state count")
		}
		counts[model.SyncState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by state iterate")
}

func (s *SQLiteStore) CountAllMirrors(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirrors`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count all mirrors")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMirror(row scannable) (*model.MirrorRecord, error) {
	var m model.MirrorRecord
	var docJSON string
	err := row.Scan(&m.ID, &m.OrgID, &m.EntityID, &docJSON, &m.Version, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan mirror")
	}
	doc, err := model.DecodeDocument([]byte(docJSON))
	if err != nil {
		return nil, err
	}
	m.Document = doc
	return &m, nil
}

func scanModification(row scannable) (*model.Modification, error) {
	var (
		m                            model.Modification
		deltaJSON, fieldsJSON, state string
		sessionID, reason, lastErr   sql.NullString
		nextRetry, committed, synced sql.NullTime
	)
	err := row.Scan(&m.ID, &m.MirrorID, &m.OrgID, &m.UserID, &deltaJSON, &fieldsJSON,
		&sessionID, &reason, &m.BaseVersion, &m.EditCount, &state, &m.Attempts,
		&nextRetry, &lastErr, &m.CreatedAt, &m.UpdatedAt, &committed, &synced)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan modification")
	}

	m.Delta, err = model.DecodeDocument([]byte(deltaJSON))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &m.ChangedFields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal changed fields")
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

func buildMergedView(mirrorID, orgID, entityID string, docJSON []byte, version int64, mirrorUpdated time.Time,
	modID, modUser, deltaJSON, state sql.NullString, modUpdated sql.NullTime) (*model.MergedView, error) {

	doc, err := model.DecodeDocument(docJSON)
	if err != nil {
		return nil, err
	}

	view := &model.MergedView{
		MirrorID:       mirrorID,
		EntityID:       entityID,
		OrgID:          orgID,
		Document:       doc,
		Version:        version,
		SyncState:      model.SyncStatePristine,
		LastModifiedAt: mirrorUpdated,
	}

	if modID.Valid {
		delta, err := model.DecodeDocument([]byte(deltaJSON.String))
		if err != nil {
			return nil, err
		}
		view.Document = model.Merge(doc, delta)
		view.HasDelta = true
		view.SyncState = state.String
		view.ModifiedBy = modUser.String
		view.ModificationID = modID.String
		if modUpdated.Valid {
			view.LastModifiedAt = modUpdated.Time
		}
	}
	return view, nil
}

func unionFields(fieldsJSON string, delta model.Document) []string {
	var existing []string
	_ = json.Unmarshal([]byte(fieldsJSON), &existing)
	seen := make(map[string]bool, len(existing)+len(delta))
	for _, f := range existing {
		seen[f] = true
	}
	for f := range delta {
		seen[f] = true
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fitsync/fitsync/internal/model"
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
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS activities (
	provider         TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	month            TEXT NOT NULL,
	start_time       DATETIME NOT NULL,
	duration_seconds REAL,
	distance_meters  REAL,
	activity_type    TEXT NOT NULL DEFAULT 'other',
	fields           TEXT,
	pulled_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (provider, provider_id)
);

CREATE TABLE IF NOT EXISTS sync_status (
	provider          TEXT NOT NULL,
	month             TEXT NOT NULL,
	state             TEXT NOT NULL DEFAULT 'unknown',
	task_id           TEXT,
	last_operation_at DATETIME,
	last_message      TEXT,
	rate_limit_kind   TEXT NOT NULL DEFAULT 'none',
	rate_limit_reset  DATETIME,
	attempts          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, month)
);

CREATE TABLE IF NOT EXISTS claims (
	provider   TEXT NOT NULL,
	month      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	claimed_at DATETIME NOT NULL,
	PRIMARY KEY (provider, month)
);

CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	month      TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	message    TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS month_review (
	month      TEXT PRIMARY KEY,
	state      TEXT NOT NULL DEFAULT 'unknown',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_resolutions (
	provider    TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	field       TEXT NOT NULL,
	value       TEXT NOT NULL,
	resolved_at DATETIME NOT NULL,
	PRIMARY KEY (provider, provider_id, field)
);

CREATE INDEX IF NOT EXISTS idx_activities_month ON activities(month);
CREATE INDEX IF NOT EXISTS idx_sync_status_month ON sync_status(month);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ReplaceProviderMonth(ctx context.Context, key model.SyncKey, acts []model.NormalizedActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM activities WHERE provider = ? AND month = ?`,
		string(key.Provider), string(key.Month),
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear %s", key)
	}

	for _, a := range acts {
		fieldsJSON, err := json.Marshal(a.Fields)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal fields")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activities
			 (provider, provider_id, month, start_time, duration_seconds, distance_meters, activity_type, fields, pulled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(a.Provider), a.ProviderID, string(key.Month), a.StartTime.UTC(),
			nullFloat(a.DurationSeconds), nullFloat(a.DistanceMeters),
			string(a.ActivityType), string(fieldsJSON), time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert activity %s/%s", a.Provider, a.ProviderID)
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit replace %s", key)
}

func (s *SQLiteStore) ListMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	return s.listActivities(ctx,
		`SELECT provider, provider_id, start_time, duration_seconds, distance_meters, activity_type, fields, pulled_at
		 FROM activities WHERE month = ? ORDER BY start_time, provider, provider_id`,
		string(month),
	)
}

func (s *SQLiteStore) ListProviderMonth(ctx context.Context, key model.SyncKey) ([]model.NormalizedActivity, error) {
	return s.listActivities(ctx,
		`SELECT provider, provider_id, start_time, duration_seconds, distance_meters, activity_type, fields, pulled_at
		 FROM activities WHERE provider = ? AND month = ? ORDER BY start_time, provider_id`,
		string(key.Provider), string(key.Month),
	)
}

func (s *SQLiteStore) listActivities(ctx context.Context, query string, args ...any) ([]model.NormalizedActivity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list activities")
	}
	defer rows.Close()

	var acts []model.NormalizedActivity
	for rows.Next() {
		var a model.NormalizedActivity
		var dur, dist sql.NullFloat64
		var fieldsJSON sql.NullString
		var prov, actType string
		if err := rows.Scan(&prov, &a.ProviderID, &a.StartTime, &dur, &dist, &actType, &fieldsJSON, &a.PulledAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		a.Provider = model.ProviderName(prov)
		a.ActivityType = model.ActivityType(actType)
		if dur.Valid {
			a.DurationSeconds = model.Float64(dur.Float64)
		}
		if dist.Valid {
			a.DistanceMeters = model.Float64(dist.Float64)
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" && fieldsJSON.String != "null" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &a.Fields); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal fields %s/%s", a.Provider, a.ProviderID)
			}
		}
		acts = append(acts, a)
	}
	return acts, eris.Wrap(rows.Err(), "sqlite: iterate activities")
}

func (s *SQLiteStore) GetSyncStatus(ctx context.Context, key model.SyncKey) (*model.SyncStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, task_id, last_operation_at, last_message, rate_limit_kind, rate_limit_reset, attempts
		 FROM sync_status WHERE provider = ? AND month = ?`,
		string(key.Provider), string(key.Month),
	)
	st, err := scanSyncStatus(row, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func (s *SQLiteStore) UpsertSyncStatus(ctx context.Context, st *model.SyncStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_status
		 (provider, month, state, task_id, last_operation_at, last_message, rate_limit_kind, rate_limit_reset, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, month) DO UPDATE SET
		 state = excluded.state, task_id = excluded.task_id,
		 last_operation_at = excluded.last_operation_at, last_message = excluded.last_message,
		 rate_limit_kind = excluded.rate_limit_kind, rate_limit_reset = excluded.rate_limit_reset,
		 attempts = excluded.attempts`,
		string(st.Key.Provider), string(st.Key.Month), string(st.State), nullStr(st.TaskID),
		nullTime(st.LastOperationAt), nullStr(st.LastMessage),
		string(st.RateLimitKind), nullTime(st.RateLimitReset), st.Attempts,
	)
	return eris.Wrapf(err, "sqlite: upsert sync status %s", st.Key)
}

func (s *SQLiteStore) ListMonthStatuses(ctx context.Context, month model.Month) ([]model.SyncStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, state, task_id, last_operation_at, last_message, rate_limit_kind, rate_limit_reset, attempts
		 FROM sync_status WHERE month = ? ORDER BY provider`,
		string(month),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list statuses %s", month)
	}
	defer rows.Close()

	var out []model.SyncStatus
	for rows.Next() {
		var st model.SyncStatus
		var prov, state, rlKind string
		var taskID, msg sql.NullString
		var opAt, rlReset sql.NullTime
		if err := rows.Scan(&prov, &state, &taskID, &opAt, &msg, &rlKind, &rlReset, &st.Attempts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status")
		}
		st.Key = model.SyncKey{Provider: model.ProviderName(prov), Month: month}
		st.State = model.SyncState(state)
		st.TaskID = taskID.String
		st.LastMessage = msg.String
		st.RateLimitKind = model.RateLimitKind(rlKind)
		if opAt.Valid {
			st.LastOperationAt = opAt.Time
		}
		if rlReset.Valid {
			st.RateLimitReset = rlReset.Time
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate statuses")
}

func (s *SQLiteStore) AcquireClaim(ctx context.Context, key model.SyncKey, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	// Single upsert: insert wins, or steal only when the existing claim
	// has gone stale.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (provider, month, owner, claimed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider, month) DO UPDATE SET owner = excluded.owner, claimed_at = excluded.claimed_at
		 WHERE claims.claimed_at < ?`,
		string(key.Provider), string(key.Month), owner, now, now.Add(-ttl),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire claim %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, key model.SyncKey, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE provider = ? AND month = ? AND owner = ?`,
		string(key.Provider), string(key.Month), owner,
	)
	return eris.Wrapf(err, "sqlite: release claim %s", key)
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, provider, month, state, message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Key.Provider), string(t.Key.Month), string(t.State), nullStr(t.Message),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: create task %s", t.ID)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, month, state, message, created_at, updated_at FROM tasks WHERE id = ?`,
		id,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: task %s not found", id)
	}
	return t, err
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, state model.TaskState, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, message = ?, updated_at = ? WHERE id = ?`,
		string(state), nullStr(message), time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: update task %s", id)
}

func (s *SQLiteStore) NextPendingTask(ctx context.Context) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin pop")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT id, provider, month, state, message, created_at, updated_at
		 FROM tasks WHERE state = 'pending' ORDER BY created_at LIMIT 1`,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = 'running', updated_at = ? WHERE id = ?`,
		now, t.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark task running %s", t.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit pop")
	}
	t.State = model.TaskRunning
	t.UpdatedAt = now
	return t, nil
}

func (s *SQLiteStore) SkipTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = 'skipped', updated_at = ? WHERE id = ? AND state = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: skip task %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: skip rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetMonthReview(ctx context.Context, month model.Month) (model.ReviewState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM month_review WHERE month = ?`, string(month),
	).Scan(&state)
	if err == sql.ErrNoRows {
		return model.ReviewUnknown, nil
	}
	if err != nil {
		return model.ReviewUnknown, eris.Wrapf(err, "sqlite: get month review %s", month)
	}
	return model.ReviewState(state), nil
}

func (s *SQLiteStore) SetMonthReview(ctx context.Context, month model.Month, state model.ReviewState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO month_review (month, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(month) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(month), string(state), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: set month review %s", month)
}

func (s *SQLiteStore) UpsertResolution(ctx context.Context, res *model.FieldResolution) error {
	valueJSON, err := json.Marshal(res.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal resolution value")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO field_resolutions (provider, provider_id, field, value, resolved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, provider_id, field) DO UPDATE SET
		 value = excluded.value, resolved_at = excluded.resolved_at`,
		string(res.Provider), res.ProviderID, string(res.Field), string(valueJSON), res.ResolvedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert resolution %s/%s/%s", res.Provider, res.ProviderID, res.Field)
}

func (s *SQLiteStore) GetResolution(ctx context.Context, provider model.ProviderName, providerID string, field model.FieldName) (*model.FieldResolution, error) {
	var valueJSON string
	res := model.FieldResolution{Provider: provider, ProviderID: providerID, Field: field}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, resolved_at FROM field_resolutions
		 WHERE provider = ? AND provider_id = ? AND field = ?`,
		string(provider), providerID, string(field),
	).Scan(&valueJSON, &res.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get resolution %s/%s/%s", provider, providerID, field)
	}
	if err := json.Unmarshal([]byte(valueJSON), &res.Value); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal resolution value")
	}
	return &res, nil
}

func (s *SQLiteStore) ResetProvider(ctx context.Context, provider model.ProviderName) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin reset")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM activities WHERE provider = ?`,
		`DELETE FROM sync_status WHERE provider = ?`,
		`DELETE FROM claims WHERE provider = ?`,
		`DELETE FROM field_resolutions WHERE provider = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, string(provider)); err != nil {
			return eris.Wrapf(err, "sqlite: reset %s", provider)
		}
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit reset %s", provider)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncStatus(row rowScanner, key model.SyncKey) (*model.SyncStatus, error) {
	st := model.SyncStatus{Key: key}
	var state, rlKind string
	var taskID, msg sql.NullString
	var opAt, rlReset sql.NullTime
	if err := row.Scan(&state, &taskID, &opAt, &msg, &rlKind, &rlReset, &st.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrapf(err, "sqlite: scan sync status %s", key)
	}
	st.State = model.SyncState(state)
	st.TaskID = taskID.String
	st.LastMessage = msg.String
	st.RateLimitKind = model.RateLimitKind(rlKind)
	if opAt.Valid {
		st.LastOperationAt = opAt.Time
	}
	if rlReset.Valid {
		st.RateLimitReset = rlReset.Time
	}
	return &st, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var prov, month, state string
	var msg sql.NullString
	if err := row.Scan(&t.ID, &prov, &month, &state, &msg, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan task")
	}
	t.Key = model.SyncKey{Provider: model.ProviderName(prov), Month: model.Month(month)}
	t.State = model.TaskState(state)
	t.Message = msg.String
	return &t, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

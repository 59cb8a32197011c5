package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fitsync/fitsync/internal/model"
)

// Pool abstracts *pgxpool.Pool so tests can substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using a pgx connection pool. Use it
// when scheduler workers run as separate processes sharing one
// database.
type PostgresStore struct {
	pool    Pool
	closeFn func()
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (tests).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS activities (
	provider         TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	month            TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	duration_seconds DOUBLE PRECISION,
	distance_meters  DOUBLE PRECISION,
	activity_type    TEXT NOT NULL DEFAULT 'other',
	fields           JSONB,
	pulled_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, provider_id)
);

CREATE TABLE IF NOT EXISTS sync_status (
	provider          TEXT NOT NULL,
	month             TEXT NOT NULL,
	state             TEXT NOT NULL DEFAULT 'unknown',
	task_id           TEXT,
	last_operation_at TIMESTAMPTZ,
	last_message      TEXT,
	rate_limit_kind   TEXT NOT NULL DEFAULT 'none',
	rate_limit_reset  TIMESTAMPTZ,
	attempts          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, month)
);

CREATE TABLE IF NOT EXISTS claims (
	provider   TEXT NOT NULL,
	month      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, month)
);

CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	month      TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	message    TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS month_review (
	month      TEXT PRIMARY KEY,
	state      TEXT NOT NULL DEFAULT 'unknown',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS field_resolutions (
	provider    TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	field       TEXT NOT NULL,
	value       JSONB NOT NULL,
	resolved_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, provider_id, field)
);

CREATE INDEX IF NOT EXISTS idx_activities_month ON activities(month);
CREATE INDEX IF NOT EXISTS idx_sync_status_month ON sync_status(month);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) ReplaceProviderMonth(ctx context.Context, key model.SyncKey, acts []model.NormalizedActivity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM activities WHERE provider = $1 AND month = $2`,
		string(key.Provider), string(key.Month),
	); err != nil {
		return eris.Wrapf(err, "postgres: clear %s", key)
	}

	for _, a := range acts {
		fieldsJSON, err := json.Marshal(a.Fields)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal fields")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO activities
			 (provider, provider_id, month, start_time, duration_seconds, distance_meters, activity_type, fields, pulled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
			string(a.Provider), a.ProviderID, string(key.Month), a.StartTime.UTC(),
			a.DurationSeconds, a.DistanceMeters, string(a.ActivityType), fieldsJSON,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert activity %s/%s", a.Provider, a.ProviderID)
		}
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit replace %s", key)
}

func (s *PostgresStore) ListMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	return s.listActivities(ctx,
		`SELECT provider, provider_id, start_time, duration_seconds, distance_meters, activity_type, fields, pulled_at
		 FROM activities WHERE month = $1 ORDER BY start_time, provider, provider_id`,
		string(month),
	)
}

func (s *PostgresStore) ListProviderMonth(ctx context.Context, key model.SyncKey) ([]model.NormalizedActivity, error) {
	return s.listActivities(ctx,
		`SELECT provider, provider_id, start_time, duration_seconds, distance_meters, activity_type, fields, pulled_at
		 FROM activities WHERE provider = $1 AND month = $2 ORDER BY start_time, provider_id`,
		string(key.Provider), string(key.Month),
	)
}

func (s *PostgresStore) listActivities(ctx context.Context, query string, args ...any) ([]model.NormalizedActivity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list activities")
	}
	defer rows.Close()

	var acts []model.NormalizedActivity
	for rows.Next() {
		var a model.NormalizedActivity
		var prov, actType string
		var dur, dist *float64
		var fieldsJSON []byte
		if err := rows.Scan(&prov, &a.ProviderID, &a.StartTime, &dur, &dist, &actType, &fieldsJSON, &a.PulledAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		a.Provider = model.ProviderName(prov)
		a.ActivityType = model.ActivityType(actType)
		a.DurationSeconds = dur
		a.DistanceMeters = dist
		if len(fieldsJSON) > 0 && string(fieldsJSON) != "null" {
			if err := json.Unmarshal(fieldsJSON, &a.Fields); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal fields %s/%s", a.Provider, a.ProviderID)
			}
		}
		acts = append(acts, a)
	}
	return acts, eris.Wrap(rows.Err(), "postgres: iterate activities")
}

func (s *PostgresStore) GetSyncStatus(ctx context.Context, key model.SyncKey) (*model.SyncStatus, error) {
	st := model.SyncStatus{Key: key}
	var state, rlKind string
	var taskID, msg *string
	var opAt, rlReset *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT state, task_id, last_operation_at, last_message, rate_limit_kind, rate_limit_reset, attempts
		 FROM sync_status WHERE provider = $1 AND month = $2`,
		string(key.Provider), string(key.Month),
	).Scan(&state, &taskID, &opAt, &msg, &rlKind, &rlReset, &st.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sync status %s", key)
	}
	st.State = model.SyncState(state)
	st.RateLimitKind = model.RateLimitKind(rlKind)
	if taskID != nil {
		st.TaskID = *taskID
	}
	if msg != nil {
		st.LastMessage = *msg
	}
	if opAt != nil {
		st.LastOperationAt = *opAt
	}
	if rlReset != nil {
		st.RateLimitReset = *rlReset
	}
	return &st, nil
}

func (s *PostgresStore) UpsertSyncStatus(ctx context.Context, st *model.SyncStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_status
		 (provider, month, state, task_id, last_operation_at, last_message, rate_limit_kind, rate_limit_reset, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (provider, month) DO UPDATE SET
		 state = excluded.state, task_id = excluded.task_id,
		 last_operation_at = excluded.last_operation_at, last_message = excluded.last_message,
		 rate_limit_kind = excluded.rate_limit_kind, rate_limit_reset = excluded.rate_limit_reset,
		 attempts = excluded.attempts`,
		string(st.Key.Provider), string(st.Key.Month), string(st.State), nullStr(st.TaskID),
		nullTime(st.LastOperationAt), nullStr(st.LastMessage),
		string(st.RateLimitKind), nullTime(st.RateLimitReset), st.Attempts,
	)
	return eris.Wrapf(err, "postgres: upsert sync status %s", st.Key)
}

func (s *PostgresStore) ListMonthStatuses(ctx context.Context, month model.Month) ([]model.SyncStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, state, task_id, last_operation_at, last_message, rate_limit_kind, rate_limit_reset, attempts
		 FROM sync_status WHERE month = $1 ORDER BY provider`,
		string(month),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list statuses %s", month)
	}
	defer rows.Close()

	var out []model.SyncStatus
	for rows.Next() {
		var st model.SyncStatus
		var prov, state, rlKind string
		var taskID, msg *string
		var opAt, rlReset *time.Time
		if err := rows.Scan(&prov, &state, &taskID, &opAt, &msg, &rlKind, &rlReset, &st.Attempts); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status")
		}
		st.Key = model.SyncKey{Provider: model.ProviderName(prov), Month: month}
		st.State = model.SyncState(state)
		st.RateLimitKind = model.RateLimitKind(rlKind)
		if taskID != nil {
			st.TaskID = *taskID
		}
		if msg != nil {
			st.LastMessage = *msg
		}
		if opAt != nil {
			st.LastOperationAt = *opAt
		}
		if rlReset != nil {
			st.RateLimitReset = *rlReset
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate statuses")
}

func (s *PostgresStore) AcquireClaim(ctx context.Context, key model.SyncKey, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO claims (provider, month, owner, claimed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, month) DO UPDATE SET owner = excluded.owner, claimed_at = excluded.claimed_at
		 WHERE claims.claimed_at < $5`,
		string(key.Provider), string(key.Month), owner, now, now.Add(-ttl),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire claim %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, key model.SyncKey, owner string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM claims WHERE provider = $1 AND month = $2 AND owner = $3`,
		string(key.Provider), string(key.Month), owner,
	)
	return eris.Wrapf(err, "postgres: release claim %s", key)
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, provider, month, state, message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, string(t.Key.Provider), string(t.Key.Month), string(t.State), nullStr(t.Message),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: create task %s", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	var prov, month, state string
	var msg *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, month, state, message, created_at, updated_at FROM tasks WHERE id = $1`,
		id,
	).Scan(&t.ID, &prov, &month, &state, &msg, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: task %s not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	t.Key = model.SyncKey{Provider: model.ProviderName(prov), Month: model.Month(month)}
	t.State = model.TaskState(state)
	if msg != nil {
		t.Message = *msg
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, state model.TaskState, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET state = $1, message = $2, updated_at = now() WHERE id = $3`,
		string(state), nullStr(message), id,
	)
	return eris.Wrapf(err, "postgres: update task %s", id)
}

func (s *PostgresStore) NextPendingTask(ctx context.Context) (*model.Task, error) {
	// SKIP LOCKED keeps concurrent worker processes from popping the
	// same task.
	var t model.Task
	var prov, month string
	var msg *string
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET state = 'running', updated_at = now()
		 WHERE id = (
		     SELECT id FROM tasks WHERE state = 'pending'
		     ORDER BY created_at LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, provider, month, message, created_at, updated_at`,
	).Scan(&t.ID, &prov, &month, &msg, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pop pending task")
	}
	t.Key = model.SyncKey{Provider: model.ProviderName(prov), Month: model.Month(month)}
	t.State = model.TaskRunning
	if msg != nil {
		t.Message = *msg
	}
	return &t, nil
}

func (s *PostgresStore) SkipTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET state = 'skipped', updated_at = now() WHERE id = $1 AND state = 'pending'`,
		id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: skip task %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetMonthReview(ctx context.Context, month model.Month) (model.ReviewState, error) {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM month_review WHERE month = $1`, string(month),
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReviewUnknown, nil
	}
	if err != nil {
		return model.ReviewUnknown, eris.Wrapf(err, "postgres: get month review %s", month)
	}
	return model.ReviewState(state), nil
}

func (s *PostgresStore) SetMonthReview(ctx context.Context, month model.Month, state model.ReviewState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO month_review (month, state, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (month) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(month), string(state),
	)
	return eris.Wrapf(err, "postgres: set month review %s", month)
}

func (s *PostgresStore) UpsertResolution(ctx context.Context, res *model.FieldResolution) error {
	valueJSON, err := json.Marshal(res.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal resolution value")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO field_resolutions (provider, provider_id, field, value, resolved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_id, field) DO UPDATE SET
		 value = excluded.value, resolved_at = excluded.resolved_at`,
		string(res.Provider), res.ProviderID, string(res.Field), valueJSON, res.ResolvedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert resolution %s/%s/%s", res.Provider, res.ProviderID, res.Field)
}

func (s *PostgresStore) GetResolution(ctx context.Context, provider model.ProviderName, providerID string, field model.FieldName) (*model.FieldResolution, error) {
	res := model.FieldResolution{Provider: provider, ProviderID: providerID, Field: field}
	var valueJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value, resolved_at FROM field_resolutions
		 WHERE provider = $1 AND provider_id = $2 AND field = $3`,
		string(provider), providerID, string(field),
	).Scan(&valueJSON, &res.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get resolution %s/%s/%s", provider, providerID, field)
	}
	if err := json.Unmarshal(valueJSON, &res.Value); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal resolution value")
	}
	return &res, nil
}

func (s *PostgresStore) ResetProvider(ctx context.Context, provider model.ProviderName) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin reset")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM activities WHERE provider = $1`,
		`DELETE FROM sync_status WHERE provider = $1`,
		`DELETE FROM claims WHERE provider = $1`,
		`DELETE FROM field_resolutions WHERE provider = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, string(provider)); err != nil {
			return eris.Wrapf(err, "postgres: reset %s", provider)
		}
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit reset %s", provider)
}

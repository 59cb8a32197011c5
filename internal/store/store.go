package store

import (
	"context"
	"time"

	"github.com/fitsync/fitsync/internal/model"
)

// Store is the persistence contract the sync core consumes. Two
// implementations exist: SQLite (single-user default) and Postgres
// (shared deployments where workers run as separate processes).
//
// Structural write rule: each provider's activity rows are only ever
// replaced by that provider's own pull, so conflicting writers are
// impossible by construction. Claims, not the store, serialize tasks.
type Store interface {
	// Activities. ReplaceProviderMonth swaps a provider's rows for a
	// month atomically; it never touches another provider's rows.
	ReplaceProviderMonth(ctx context.Context, key model.SyncKey, acts []model.NormalizedActivity) error
	ListMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error)
	ListProviderMonth(ctx context.Context, key model.SyncKey) ([]model.NormalizedActivity, error)

	// Sync status, keyed by (provider, month). Get returns nil when the
	// key has never been referenced.
	GetSyncStatus(ctx context.Context, key model.SyncKey) (*model.SyncStatus, error)
	UpsertSyncStatus(ctx context.Context, st *model.SyncStatus) error
	ListMonthStatuses(ctx context.Context, month model.Month) ([]model.SyncStatus, error)

	// Claims give cross-process mutual exclusion per (provider, month).
	// AcquireClaim returns false when another owner holds the key. Stale
	// claims older than ttl are broken on acquire.
	AcquireClaim(ctx context.Context, key model.SyncKey, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, key model.SyncKey, owner string) error

	// Task queue rows (enqueue/poll contract).
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, id string, state model.TaskState, message string) error
	// NextPendingTask pops the oldest pending task by marking it
	// running; returns nil when the queue is empty.
	NextPendingTask(ctx context.Context) (*model.Task, error)
	// SkipTask marks a still-pending task skipped; returns false when
	// the task had already started or finished.
	SkipTask(ctx context.Context, id string) (bool, error)

	// Month review cache.
	GetMonthReview(ctx context.Context, month model.Month) (model.ReviewState, error)
	SetMonthReview(ctx context.Context, month model.Month, state model.ReviewState) error

	// Field resolutions (applied write-backs).
	UpsertResolution(ctx context.Context, res *model.FieldResolution) error
	GetResolution(ctx context.Context, provider model.ProviderName, providerID string, field model.FieldName) (*model.FieldResolution, error)

	// ResetProvider deletes every row owned by the provider: activities,
	// sync statuses, claims, resolutions. The explicit destructive path.
	ResetProvider(ctx context.Context, provider model.ProviderName) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

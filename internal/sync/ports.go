package sync

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
)

// RemoteAPI is the server contract the sync engine consumes. *remote.Client implements it.
type RemoteAPI interface {
	Watermark(ctx context.Context) (time.Time, error)
	List(ctx context.Context, kind fitness.EntityKind, req remote.ListRequest) (remote.Page, error)
	Create(ctx context.Context, record remote.Record, lastSync *time.Time) (remote.MutationResult, error)
	Update(ctx context.Context, id int64, record remote.Record, lastSync *time.Time) (remote.MutationResult, error)
	Delete(ctx context.Context, kind fitness.EntityKind, id int64, lastSync *time.Time) (remote.MutationResult, error)
}

// LocalStore is the part of the entity store the sync engine reads and writes.
// *fitness.Store implements it.
type LocalStore interface {
	ActiveUser(ctx context.Context) (fitness.User, bool, error)
	User(ctx context.Context, userID int64) (fitness.User, error)
	AdvanceWatermark(ctx context.Context, userID int64, watermark time.Time) error
	PendingChanges(ctx context.Context, ownerID int64) ([]fitness.ChangeQueueEntry, error)
	LoadAggregate(ctx context.Context, kind fitness.EntityKind, localID int64) (fitness.Aggregate, bool, error)
	CompleteUpload(ctx context.Context, completion fitness.Completion) error
	DropChange(ctx context.Context, queueID int64) error
	ExerciseGlobalIDs(ctx context.Context, localIDs []int64) (map[int64]int64, error)
	ExerciseLocalIDs(ctx context.Context, globalIDs []int64) (map[int64]int64, error)
	ApplyRemote(ctx context.Context, userID int64, kind fitness.EntityKind, batch fitness.RemoteBatch) (fitness.ApplyStats, error)
}

var (
	_ RemoteAPI  = (*remote.Client)(nil)
	_ LocalStore = (*fitness.Store)(nil)
)

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	"go.uber.org/zap"
)

// Operation is the classification of one queue entry at upload time.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationNoop   Operation = "noop"
)

// Classify decides what a queue entry means given the current row state.
func Classify(globalID *int64, exists bool) Operation {
	switch {
	case exists && globalID == nil:
		return OperationCreate
	case exists:
		return OperationUpdate
	case globalID != nil:
		return OperationDelete
	default:
		return OperationNoop
	}
}

// UploaderConfig describes the dependencies of the Uploader.
type UploaderConfig struct {
	Store  LocalStore
	Remote RemoteAPI
	Logger *zap.Logger
}

// Uploader pushes queued local changes to the server in FIFO order.
type Uploader struct {
	store  LocalStore
	remote RemoteAPI
	logger *zap.Logger
}

func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opNew, "missing_remote", errMissingRemote)
	}
	return &Uploader{store: cfg.Store, remote: cfg.Remote, logger: loggerOrNop(cfg.Logger)}, nil
}

// EntryReport records what happened to one queue entry.
type EntryReport struct {
	QueueID   int64
	Table     string
	LocalID   *int64
	Operation Operation
	// Err is set when the entry stays queued.
	Err error
}

// UploadReport summarizes one upload pass.
type UploadReport struct {
	Entries   []EntryReport
	Watermark *time.Time
}

// Completed counts entries that left the queue.
func (r UploadReport) Completed() int {
	count := 0
	for _, entry := range r.Entries {
		if entry.Err == nil {
			count++
		}
	}
	return count
}

// Failed returns the entries left queued for a later pass.
func (r UploadReport) Failed() []EntryReport {
	var failed []EntryReport
	for _, entry := range r.Entries {
		if entry.Err != nil {
			failed = append(failed, entry)
		}
	}
	return failed
}

// UploadAll walks the queue of userID. Every accepted change commits its own watermark
// advance before the next entry is sent. Per-entry failures are logged and skipped.
func (u *Uploader) UploadAll(ctx context.Context, watermark *time.Time, userID int64) (UploadReport, error) {
	entries, err := u.store.PendingChanges(ctx, userID)
	if err != nil {
		logError(u.logger, opUpload, "queue_read_failed", err, zap.Int64("user_id", userID))
		return UploadReport{}, newServiceError(opUpload, "queue_read_failed", err)
	}

	report := UploadReport{Entries: make([]EntryReport, 0, len(entries)), Watermark: watermark}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entryReport, next, err := u.uploadEntry(ctx, entry, report.Watermark, userID)
		report.Entries = append(report.Entries, entryReport)
		if err != nil {
			return report, err
		}
		if next != nil && (report.Watermark == nil || next.After(*report.Watermark)) {
			report.Watermark = next
		}
		if entryReport.Err != nil {
			u.logEntryFailure(ctx, entry, entryReport)
		}
	}
	return report, nil
}

// failureReason maps an entry failure to the reason segment of its error code.
func failureReason(err error) string {
	var statusErr *remote.StatusError
	switch {
	case errors.Is(err, fitness.ErrUnknownTable):
		return "unknown_table"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrUnsyncedReference):
		return "unsynced_reference"
	case errors.Is(err, remote.ErrConflict):
		return "stale_watermark"
	case errors.As(err, &statusErr) && statusErr.Temporary():
		return "transient"
	default:
		return "remote_failed"
	}
}

// uploadEntry returns the entry report, the new watermark on success and a fatal local error.
func (u *Uploader) uploadEntry(ctx context.Context, entry fitness.ChangeQueueEntry, watermark *time.Time, userID int64) (EntryReport, *time.Time, error) {
	report := EntryReport{QueueID: entry.QueueID, Table: entry.Table, LocalID: entry.LocalID}

	kind, err := entry.Kind()
	if err != nil {
		report.Err = err
		return report, nil, nil
	}

	var aggregate fitness.Aggregate
	exists := false
	if entry.LocalID != nil {
		aggregate, exists, err = u.store.LoadAggregate(ctx, kind, *entry.LocalID)
		if err != nil {
			return report, nil, newServiceError(opUpload, "load_failed", err)
		}
	}

	globalID := entry.GlobalID
	if exists {
		globalID = aggregate.Ref().GlobalID
	}
	report.Operation = Classify(globalID, exists)

	var result remote.MutationResult
	switch report.Operation {
	case OperationNoop:
		if err := u.store.DropChange(ctx, entry.QueueID); err != nil {
			return report, nil, newServiceError(opUpload, "drop_failed", err)
		}
		return report, nil, nil
	case OperationCreate, OperationUpdate:
		record, err := u.outbound(ctx, aggregate)
		if err != nil {
			report.Err = err
			return report, nil, nil
		}
		if report.Operation == OperationCreate {
			result, err = u.remote.Create(ctx, record, watermark)
		} else {
			result, err = u.remote.Update(ctx, *globalID, record, watermark)
		}
		if err != nil {
			report.Err = err
			return report, nil, nil
		}
		if report.Operation == OperationCreate && result.ID == nil {
			report.Err = fmt.Errorf("sync: create of %s returned no id", kind)
			return report, nil, nil
		}
	case OperationDelete:
		result, err = u.remote.Delete(ctx, kind, *globalID, watermark)
		if errors.Is(err, remote.ErrNotFound) {
			// Already gone on the server.
			if err := u.store.DropChange(ctx, entry.QueueID); err != nil {
				return report, nil, newServiceError(opUpload, "drop_failed", err)
			}
			return report, nil, nil
		}
		if err != nil {
			report.Err = err
			return report, nil, nil
		}
	}

	completion := fitness.Completion{
		QueueID:   entry.QueueID,
		Kind:      kind,
		UserID:    userID,
		Watermark: result.Watermark,
	}
	if entry.LocalID != nil {
		completion.LocalID = *entry.LocalID
	}
	if report.Operation == OperationCreate {
		completion.AssignedID = result.ID
	}
	if err := u.store.CompleteUpload(ctx, completion); err != nil {
		logError(u.logger, opUpload, "complete_failed", err,
			zap.Int64("queue_id", entry.QueueID),
			zap.String("table", entry.Table))
		return report, nil, newServiceError(opUpload, "complete_failed", err)
	}

	u.logger.Debug("change uploaded",
		zap.String("table", entry.Table),
		zap.Int64("queue_id", entry.QueueID),
		zap.String("operation", string(report.Operation)),
		zap.String("watermark", fitness.FormatWatermark(result.Watermark)),
		zap.String("sync_run", remote.SyncRunFromContext(ctx)))
	next := result.Watermark
	return report, &next, nil
}

// outbound validates an aggregate and translates it to its wire form.
func (u *Uploader) outbound(ctx context.Context, aggregate fitness.Aggregate) (remote.Record, error) {
	if err := checkPayloadSize(aggregate); err != nil {
		return nil, err
	}
	exerciseGlobalIDs, err := u.store.ExerciseGlobalIDs(ctx, referencedExercises(aggregate))
	if err != nil {
		return nil, err
	}
	return toRecord(aggregate, exerciseGlobalIDs)
}

func (u *Uploader) logEntryFailure(ctx context.Context, entry fitness.ChangeQueueEntry, report EntryReport) {
	reason := failureReason(report.Err)
	fields := []zap.Field{
		zap.Int64("queue_id", entry.QueueID),
		zap.String("table", entry.Table),
		zap.String("sync_run", remote.SyncRunFromContext(ctx)),
	}
	if entry.LocalID != nil {
		fields = append(fields, zap.Int64("local_id", *entry.LocalID))
	}
	logError(u.logger, opUpload, reason, report.Err, fields...)
}

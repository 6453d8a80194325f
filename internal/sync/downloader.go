package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	"go.uber.org/zap"
)

// DefaultPageSizes bounds each list call. Kinds with nested children use smaller pages.
var DefaultPageSizes = map[fitness.EntityKind]int{
	fitness.KindExercises:        50,
	fitness.KindWorkouts:         5,
	fitness.KindBodyMeasurements: 100,
	fitness.KindWorkoutTemplates: 20,
	fitness.KindWeekSchedules:    20,
}

const fallbackPageSize = 20

// DownloaderConfig describes the dependencies of the Downloader.
type DownloaderConfig struct {
	Store     LocalStore
	Remote    RemoteAPI
	PageSizes map[fitness.EntityKind]int
	Logger    *zap.Logger
}

// Downloader merges server-side changes into the local store.
type Downloader struct {
	store     LocalStore
	remote    RemoteAPI
	pageSizes map[fitness.EntityKind]int
	logger    *zap.Logger

	holdsMu stdsync.Mutex
	// holds counts consecutive passes per user that ended with the watermark held.
	holds map[int64]int
}

func NewDownloader(cfg DownloaderConfig) (*Downloader, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opNew, "missing_remote", errMissingRemote)
	}
	pageSizes := make(map[fitness.EntityKind]int, len(DefaultPageSizes))
	for kind, size := range DefaultPageSizes {
		pageSizes[kind] = size
	}
	for kind, size := range cfg.PageSizes {
		if size > 0 {
			pageSizes[kind] = size
		}
	}
	return &Downloader{
		store:     cfg.Store,
		remote:    cfg.Remote,
		pageSizes: pageSizes,
		logger:    loggerOrNop(cfg.Logger),
		holds:     make(map[int64]int),
	}, nil
}

// KindReport summarizes the download of one entity kind.
type KindReport struct {
	Kind              fitness.EntityKind
	Pages             int
	Stats             fitness.ApplyStats
	DroppedReferences int
	// Err is the remote failure that stopped this kind, if any.
	Err error
}

// DownloadReport summarizes one download pass.
type DownloadReport struct {
	Kinds             []KindReport
	WatermarkAdvanced bool
	// ConsecutiveHolds counts passes in a row, this one included, that held the watermark.
	// It is zero once the watermark advances.
	ConsecutiveHolds int
}

// Failed returns the kinds that did not complete.
func (r DownloadReport) Failed() []KindReport {
	var failed []KindReport
	for _, kind := range r.Kinds {
		if kind.Err != nil {
			failed = append(failed, kind)
		}
	}
	return failed
}

// DownloadAll pulls every kind in dependency order for the window (since, upTo].
// Remote failures are isolated per kind. The watermark moves to upTo only when every kind
// completed; local store failures abort the pass.
func (d *Downloader) DownloadAll(ctx context.Context, since *time.Time, upTo time.Time, userID int64) (DownloadReport, error) {
	report := DownloadReport{Kinds: make([]KindReport, 0, len(fitness.SyncOrder))}
	for _, kind := range fitness.SyncOrder {
		kindReport, err := d.downloadKind(ctx, kind, since, upTo, userID)
		report.Kinds = append(report.Kinds, kindReport)
		if err != nil {
			return report, err
		}
	}

	if failed := report.Failed(); len(failed) > 0 {
		report.ConsecutiveHolds = d.recordHold(userID)
		kinds := make([]string, 0, len(failed))
		for _, kind := range failed {
			kinds = append(kinds, kind.Kind.String())
		}
		d.logger.Warn("download incomplete, watermark held",
			zap.Strings("failed_kinds", kinds),
			zap.Int("consecutive_holds", report.ConsecutiveHolds),
			zap.Int64("user_id", userID),
			zap.String("sync_run", remote.SyncRunFromContext(ctx)))
		return report, nil
	}

	if err := d.store.AdvanceWatermark(ctx, userID, upTo); err != nil {
		logError(d.logger, opDownload, "watermark_failed", err, zap.Int64("user_id", userID))
		return report, newServiceError(opDownload, "watermark_failed", err)
	}
	report.WatermarkAdvanced = true
	d.clearHolds(userID)
	d.logger.Info("download complete",
		zap.Int64("user_id", userID),
		zap.String("watermark", fitness.FormatWatermark(upTo)),
		zap.String("sync_run", remote.SyncRunFromContext(ctx)))
	return report, nil
}

func (d *Downloader) recordHold(userID int64) int {
	d.holdsMu.Lock()
	defer d.holdsMu.Unlock()
	d.holds[userID]++
	return d.holds[userID]
}

func (d *Downloader) clearHolds(userID int64) {
	d.holdsMu.Lock()
	defer d.holdsMu.Unlock()
	delete(d.holds, userID)
}

func (d *Downloader) downloadKind(ctx context.Context, kind fitness.EntityKind, since *time.Time, upTo time.Time, userID int64) (KindReport, error) {
	report := KindReport{Kind: kind}
	pageSize := d.pageSizes[kind]
	if pageSize <= 0 {
		pageSize = fallbackPageSize
	}

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := d.remote.List(ctx, kind, remote.ListRequest{Offset: offset, Limit: pageSize, Since: since, Until: upTo})
		if errors.Is(err, remote.ErrNotFound) {
			return report, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			reason := "list_failed"
			var statusErr *remote.StatusError
			if errors.As(err, &statusErr) && statusErr.Temporary() {
				reason = "list_transient"
			}
			logError(d.logger, opDownload, reason, err,
				zap.String("table", kind.String()),
				zap.Int("offset", offset),
				zap.String("sync_run", remote.SyncRunFromContext(ctx)))
			report.Err = err
			return report, nil
		}

		batch, dropped, err := d.translate(ctx, kind, page.Records)
		if err != nil {
			logError(d.logger, opDownload, "remap_failed", err, zap.String("table", kind.String()))
			return report, newServiceError(opDownload, "remap_failed", err)
		}
		report.DroppedReferences += dropped

		stats, err := d.store.ApplyRemote(ctx, userID, kind, batch)
		if err != nil {
			logError(d.logger, opDownload, "apply_failed", err,
				zap.String("table", kind.String()),
				zap.Int("offset", offset))
			return report, newServiceError(opDownload, "apply_failed", err)
		}
		report.Stats.Add(stats)
		report.Pages++

		if !page.HasMore {
			return report, nil
		}
		if len(page.Records) == 0 {
			d.logger.Warn("empty page reported more data, stopping",
				zap.String("table", kind.String()),
				zap.Int("offset", offset))
			return report, nil
		}
		offset += len(page.Records)
	}
}

// translate converts one page into a local batch, remapping exercise references.
func (d *Downloader) translate(ctx context.Context, kind fitness.EntityKind, records []remote.Record) (fitness.RemoteBatch, int, error) {
	var referenced []int64
	for _, record := range records {
		if !record.IsDeleted() {
			referenced = append(referenced, referencedGlobalExercises(record)...)
		}
	}
	exerciseLocalIDs, err := d.store.ExerciseLocalIDs(ctx, referenced)
	if err != nil {
		return fitness.RemoteBatch{}, 0, err
	}

	var batch fitness.RemoteBatch
	droppedCount := 0
	for _, record := range records {
		if record.IsDeleted() {
			batch.Deletes = append(batch.Deletes, record.RecordID())
			continue
		}
		aggregate, dropped, err := toAggregate(record, exerciseLocalIDs)
		if err != nil {
			return fitness.RemoteBatch{}, 0, err
		}
		for _, reference := range dropped {
			d.logger.Warn("dropping relation to missing exercise",
				zap.String("table", kind.String()),
				zap.Int64("global_id", reference.recordID),
				zap.Int64("exercise_global_id", reference.exerciseGlobalID))
		}
		droppedCount += len(dropped)
		batch.Upserts = append(batch.Upserts, aggregate)
	}
	return batch, droppedCount, nil
}

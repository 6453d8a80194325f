package sync

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// OrchestratorConfig describes the dependencies of the Orchestrator.
type OrchestratorConfig struct {
	Store     LocalStore
	Remote    RemoteAPI
	PageSizes map[fitness.EntityKind]int
	Logger    *zap.Logger
	// NewRunID overrides sync run id generation.
	NewRunID func() (string, error)
}

// Orchestrator sequences one sync pass: download when the server is ahead, then upload.
type Orchestrator struct {
	store      LocalStore
	remote     RemoteAPI
	downloader *Downloader
	uploader   *Uploader
	logger     *zap.Logger
	newRunID   func() (string, error)
	group      singleflight.Group
}

// Result summarizes one sync pass.
type Result struct {
	RunID      string
	UserID     int64
	Skipped    bool
	Downloaded bool
	Download   DownloadReport
	Upload     UploadReport
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	logger := loggerOrNop(cfg.Logger)
	downloader, err := NewDownloader(DownloaderConfig{Store: cfg.Store, Remote: cfg.Remote, PageSizes: cfg.PageSizes, Logger: logger})
	if err != nil {
		return nil, err
	}
	uploader, err := NewUploader(UploaderConfig{Store: cfg.Store, Remote: cfg.Remote, Logger: logger})
	if err != nil {
		return nil, err
	}
	newRunID := cfg.NewRunID
	if newRunID == nil {
		newRunID = newUUIDv7
	}
	return &Orchestrator{
		store:      cfg.Store,
		remote:     cfg.Remote,
		downloader: downloader,
		uploader:   uploader,
		logger:     logger,
		newRunID:   newRunID,
	}, nil
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Sync runs one pass for the signed-in user. Guest mode skips silently. Concurrent calls
// for the same user share a single pass. Progress committed before a failure stays valid.
func (o *Orchestrator) Sync(ctx context.Context) (Result, error) {
	user, ok, err := o.store.ActiveUser(ctx)
	if err != nil {
		logError(o.logger, opSync, "user_lookup_failed", err)
		return Result{}, newServiceError(opSync, "user_lookup_failed", err)
	}
	if !ok {
		o.logger.Debug("sync skipped: no signed-in user")
		return Result{Skipped: true}, nil
	}

	value, err, shared := o.group.Do(strconv.FormatInt(user.ID, 10), func() (any, error) {
		return o.run(ctx, user.ID)
	})
	if shared {
		o.logger.Debug("sync joined an in-flight pass", zap.Int64("user_id", user.ID))
	}
	result, _ := value.(Result)
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, userID int64) (Result, error) {
	runID, err := o.newRunID()
	if err != nil {
		return Result{}, newServiceError(opSync, "run_id_failed", err)
	}
	ctx = remote.WithSyncRun(ctx, runID)
	logger := o.logger.With(zap.String("sync_run", runID), zap.Int64("user_id", userID))
	result := Result{RunID: runID, UserID: userID}
	started := time.Now()

	var failures []error

	local, err := o.watermark(ctx, userID)
	if err != nil {
		return result, err
	}

	serverWatermark, err := o.remote.Watermark(ctx)
	switch {
	case err != nil:
		logError(logger, opWatermark, "fetch_failed", err)
		failures = append(failures, newServiceError(opWatermark, "fetch_failed", err))
	case serverWatermark.IsZero():
		logger.Debug("server has no changes")
	case local == nil || local.Before(serverWatermark):
		result.Downloaded = true
		report, err := o.downloader.DownloadAll(ctx, local, serverWatermark, userID)
		result.Download = report
		if err != nil {
			logError(logger, opDownload, "aborted", err)
			failures = append(failures, err)
		}
	}

	current, err := o.watermark(ctx, userID)
	if err != nil {
		return result, errors.Join(append(failures, err)...)
	}
	upload, err := o.uploader.UploadAll(ctx, current, userID)
	result.Upload = upload
	if err != nil {
		logError(logger, opUpload, "aborted", err)
		failures = append(failures, err)
	}

	logger.Info("sync pass finished",
		zap.Bool("downloaded", result.Downloaded),
		zap.Int("download_failed_kinds", len(result.Download.Failed())),
		zap.Int("uploaded", upload.Completed()),
		zap.Int("upload_pending", len(upload.Failed())),
		zap.Duration("elapsed", time.Since(started)))
	return result, errors.Join(failures...)
}

func (o *Orchestrator) watermark(ctx context.Context, userID int64) (*time.Time, error) {
	user, err := o.store.User(ctx, userID)
	if err != nil {
		return nil, newServiceError(opWatermark, "user_read_failed", err)
	}
	watermark, err := user.Watermark()
	if err != nil {
		return nil, newServiceError(opWatermark, "parse_failed", err)
	}
	return watermark, nil
}

package sync

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/database"
	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseWatermark = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type updateCall struct {
	id     int64
	record remote.Record
}

type deleteCall struct {
	kind fitness.EntityKind
	id   int64
}

type listCall struct {
	kind   fitness.EntityKind
	offset int
	limit  int
}

// fakeRemote serves records per kind and accepts mutations, assigning ids and
// watermarks one second apart.
type fakeRemote struct {
	mu stdsync.Mutex

	watermark    time.Time
	watermarkErr error
	records      map[fitness.EntityKind][]remote.Record
	listErrs     map[fitness.EntityKind]error
	// mutationErrs fails the n-th mutation (1-based).
	mutationErrs map[int]error
	// afterCreate runs once the server has accepted a create, before the caller sees the reply.
	afterCreate func(id int64)

	nextID    int64
	mutations int
	lastSync  []*time.Time
	listCalls []listCall
	creates   []remote.Record
	updates   []updateCall
	deletes   []deleteCall
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:      map[fitness.EntityKind][]remote.Record{},
		listErrs:     map[fitness.EntityKind]error{},
		mutationErrs: map[int]error{},
		nextID:       42,
	}
}

func (f *fakeRemote) Watermark(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark, f.watermarkErr
}

func (f *fakeRemote) List(ctx context.Context, kind fitness.EntityKind, req remote.ListRequest) (remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, listCall{kind: kind, offset: req.Offset, limit: req.Limit})
	if err := f.listErrs[kind]; err != nil {
		return remote.Page{}, err
	}
	records := f.records[kind]
	if req.Offset >= len(records) {
		return remote.Page{}, remote.ErrNotFound
	}
	end := req.Offset + req.Limit
	if end > len(records) {
		end = len(records)
	}
	page := append([]remote.Record(nil), records[req.Offset:end]...)
	return remote.Page{Records: page, HasMore: end < len(records)}, nil
}

func (f *fakeRemote) mutate(lastSync *time.Time) (remote.MutationResult, error) {
	f.mutations++
	f.lastSync = append(f.lastSync, lastSync)
	if err := f.mutationErrs[f.mutations]; err != nil {
		return remote.MutationResult{}, err
	}
	f.watermark = baseWatermark.Add(time.Duration(f.mutations) * time.Second)
	return remote.MutationResult{Watermark: f.watermark}, nil
}

func (f *fakeRemote) Create(ctx context.Context, record remote.Record, lastSync *time.Time) (remote.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, err := f.mutate(lastSync)
	if err != nil {
		return result, err
	}
	id := f.nextID
	f.nextID++
	result.ID = &id
	f.creates = append(f.creates, record)
	if f.afterCreate != nil {
		f.afterCreate(id)
	}
	return result, nil
}

func (f *fakeRemote) Update(ctx context.Context, id int64, record remote.Record, lastSync *time.Time) (remote.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, err := f.mutate(lastSync)
	if err != nil {
		return result, err
	}
	f.updates = append(f.updates, updateCall{id: id, record: record})
	return result, nil
}

func (f *fakeRemote) Delete(ctx context.Context, kind fitness.EntityKind, id int64, lastSync *time.Time) (remote.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, err := f.mutate(lastSync)
	if err != nil {
		return result, err
	}
	f.deletes = append(f.deletes, deleteCall{kind: kind, id: id})
	return result, nil
}

func (f *fakeRemote) listCallsFor(kind fitness.EntityKind) []listCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []listCall
	for _, call := range f.listCalls {
		if call.kind == kind {
			calls = append(calls, call)
		}
	}
	return calls
}

type syncFixture struct {
	db     *gorm.DB
	store  *fitness.Store
	remote *fakeRemote
	user   fitness.User
}

func newSyncFixture(t *testing.T) syncFixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	user := fitness.User{Email: "lifter@example.com", RemoteID: "remote-1", Active: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	store, err := fitness.NewStore(fitness.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return syncFixture{db: db, store: store, remote: newFakeRemote(), user: user}
}

func (f syncFixture) uploader(t *testing.T, store LocalStore) *Uploader {
	t.Helper()
	if store == nil {
		store = f.store
	}
	uploader, err := NewUploader(UploaderConfig{Store: store, Remote: f.remote})
	if err != nil {
		t.Fatalf("failed to create uploader: %v", err)
	}
	return uploader
}

func (f syncFixture) downloader(t *testing.T, pageSizes map[fitness.EntityKind]int) *Downloader {
	t.Helper()
	downloader, err := NewDownloader(DownloaderConfig{Store: f.store, Remote: f.remote, PageSizes: pageSizes})
	if err != nil {
		t.Fatalf("failed to create downloader: %v", err)
	}
	return downloader
}

func (f syncFixture) pending(t *testing.T) []fitness.ChangeQueueEntry {
	t.Helper()
	entries, err := f.store.PendingChanges(context.Background(), f.user.ID)
	if err != nil {
		t.Fatalf("failed to read queue: %v", err)
	}
	return entries
}

func (f syncFixture) watermark(t *testing.T) *time.Time {
	t.Helper()
	user, err := f.store.User(context.Background(), f.user.ID)
	if err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	watermark, err := user.Watermark()
	if err != nil {
		t.Fatalf("failed to parse watermark: %v", err)
	}
	return watermark
}

func (f syncFixture) mustCreateExercise(t *testing.T, name string, groups ...string) fitness.ExerciseAggregate {
	t.Helper()
	exercise, err := f.store.CreateExercise(context.Background(), f.user.ID, fitness.ExerciseAggregate{
		Exercise:     fitness.Exercise{Name: name},
		MuscleGroups: groups,
	})
	if err != nil {
		t.Fatalf("failed to create exercise: %v", err)
	}
	return exercise
}

func (f syncFixture) mustCreateMeasurement(t *testing.T, day int) fitness.BodyMeasurement {
	t.Helper()
	weight := 80.0 + float64(day)/10
	measurement, err := f.store.CreateMeasurement(context.Background(), f.user.ID, fitness.BodyMeasurement{
		MeasuredAt: time.Date(2026, 2, day, 7, 0, 0, 0, time.UTC),
		WeightKg:   &weight,
	})
	if err != nil {
		t.Fatalf("failed to create measurement: %v", err)
	}
	return measurement
}

func (f syncFixture) mustSetGlobalID(t *testing.T, model any, localID, globalID int64) {
	t.Helper()
	if err := f.db.Model(model).Where("id = ?", localID).Update("global_id", globalID).Error; err != nil {
		t.Fatalf("failed to set global id: %v", err)
	}
}

func (f syncFixture) clearQueue(t *testing.T) {
	t.Helper()
	if err := f.db.Where("1 = 1").Delete(&fitness.ChangeQueueEntry{}).Error; err != nil {
		t.Fatalf("failed to clear queue: %v", err)
	}
}

// failingStore fails CompleteUpload on the n-th call (1-based).
type failingStore struct {
	*fitness.Store
	failOn int
	calls  int
}

func (s *failingStore) CompleteUpload(ctx context.Context, completion fitness.Completion) error {
	s.calls++
	if s.calls == s.failOn {
		return errDiskFull
	}
	return s.Store.CompleteUpload(ctx, completion)
}

var errDiskFull = errors.New("disk full")

func int64Ptr(value int64) *int64 {
	return &value
}

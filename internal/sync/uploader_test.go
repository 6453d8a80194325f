package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		globalID *int64
		exists   bool
		expected Operation
	}{
		{name: "new row", globalID: nil, exists: true, expected: OperationCreate},
		{name: "synced row", globalID: int64Ptr(3), exists: true, expected: OperationUpdate},
		{name: "synced row deleted", globalID: int64Ptr(3), exists: false, expected: OperationDelete},
		{name: "never synced and deleted", globalID: nil, exists: false, expected: OperationNoop},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Classify(testCase.globalID, testCase.exists); got != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, got)
			}
		})
	}
}

func TestUploadCreateAssignsGlobalID(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, "Bench Press", "chest")

	report, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if report.Completed() != 1 {
		t.Fatalf("expected one completed entry, got %+v", report.Entries)
	}

	stored, err := fixture.store.Exercise(ctx, exercise.Exercise.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Exercise.GlobalID == nil || *stored.Exercise.GlobalID != 42 {
		t.Fatalf("expected global id 42, got %v", stored.Exercise.GlobalID)
	}
	if entries := fixture.pending(t); len(entries) != 0 {
		t.Fatalf("expected empty queue, got %d", len(entries))
	}
	created, ok := fixture.remote.creates[0].(remote.ExerciseRecord)
	if !ok || created.Name != "Bench Press" || len(created.MuscleGroups) != 1 {
		t.Fatalf("unexpected create payload %+v", fixture.remote.creates[0])
	}
}

func TestUploadUsesLatestStateAndAdvancingWatermark(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, "Squat", "quads")
	exercise.Exercise.Name = "Front Squat"
	if err := fixture.store.UpdateExercise(ctx, exercise); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	fixture.mustCreateMeasurement(t, 3)

	report, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if len(fixture.remote.creates) != 2 {
		t.Fatalf("expected two creates, got %d", len(fixture.remote.creates))
	}
	if record := fixture.remote.creates[0].(remote.ExerciseRecord); record.Name != "Front Squat" {
		t.Fatalf("expected latest name to be uploaded, got %q", record.Name)
	}
	if fixture.remote.lastSync[0] != nil {
		t.Fatalf("first call must carry no watermark")
	}
	first := baseWatermark.Add(time.Second)
	if fixture.remote.lastSync[1] == nil || !fixture.remote.lastSync[1].Equal(first) {
		t.Fatalf("second call must carry the first response watermark, got %v", fixture.remote.lastSync[1])
	}
	expected := baseWatermark.Add(2 * time.Second)
	if report.Watermark == nil || !report.Watermark.Equal(expected) {
		t.Fatalf("expected report watermark %s, got %v", expected, report.Watermark)
	}
	if stored := fixture.watermark(t); stored == nil || !stored.Equal(expected) {
		t.Fatalf("expected stored watermark %s, got %v", expected, stored)
	}
}

func TestUploadDeleteAfterSyncCallsRemoteDelete(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, "Dip", "triceps")
	fixture.mustSetGlobalID(t, &fitness.Exercise{}, exercise.Exercise.ID, 7)
	fixture.clearQueue(t)
	if err := fixture.store.DeleteExercise(ctx, exercise.Exercise.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// A failing delete keeps the intent queued.
	fixture.remote.mutationErrs[1] = &remote.StatusError{StatusCode: 503}
	if _, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if entries := fixture.pending(t); len(entries) != 1 {
		t.Fatalf("expected delete intent to stay queued after failure, got %d", len(entries))
	}

	if _, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(fixture.remote.deletes) != 1 || fixture.remote.deletes[0].id != 7 || fixture.remote.deletes[0].kind != fitness.KindExercises {
		t.Fatalf("expected exactly one delete of id 7, got %+v", fixture.remote.deletes)
	}
	if entries := fixture.pending(t); len(entries) != 0 {
		t.Fatalf("expected queue to be empty, got %d", len(entries))
	}
}

func TestDeleteBeforeSyncMakesNoNetworkCall(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, "Plank", "core")
	if err := fixture.store.DeleteExercise(ctx, exercise.Exercise.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	report, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(report.Entries) != 0 || fixture.remote.mutations != 0 {
		t.Fatalf("expected no work, got %d entries and %d calls", len(report.Entries), fixture.remote.mutations)
	}
}

func TestUploadDeleteDuringCreateQueuesRemoteDelete(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	measurement := fixture.mustCreateMeasurement(t, 4)
	fixture.remote.afterCreate = func(int64) {
		if err := fixture.store.DeleteMeasurement(ctx, measurement.ID); err != nil {
			t.Errorf("delete during create failed: %v", err)
		}
	}

	report, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if report.Completed() != 1 || len(fixture.remote.creates) != 1 {
		t.Fatalf("expected the create to complete, got %+v", report.Entries)
	}
	entries := fixture.pending(t)
	if len(entries) != 1 || entries[0].GlobalID == nil || *entries[0].GlobalID != 42 {
		t.Fatalf("expected a delete intent for server id 42, got %+v", entries)
	}

	fixture.remote.afterCreate = nil
	report, err = fixture.uploader(t, nil).UploadAll(ctx, report.Watermark, fixture.user.ID)
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Operation != OperationDelete {
		t.Fatalf("expected one delete, got %+v", report.Entries)
	}
	if len(fixture.remote.deletes) != 1 || fixture.remote.deletes[0].id != 42 || fixture.remote.deletes[0].kind != fitness.KindBodyMeasurements {
		t.Fatalf("unexpected remote deletes %+v", fixture.remote.deletes)
	}
	if entries := fixture.pending(t); len(entries) != 0 {
		t.Fatalf("expected empty queue, got %+v", entries)
	}
}

func TestUploadNoopDropsOrphanEntry(t *testing.T) {
	fixture := newSyncFixture(t)
	localID := int64(999)
	entry := fitness.ChangeQueueEntry{Table: "workouts", LocalID: &localID, OwnerID: fixture.user.ID, QueuedAt: time.Now()}
	if err := fixture.db.Create(&entry).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	report, err := fixture.uploader(t, nil).UploadAll(context.Background(), nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Operation != OperationNoop {
		t.Fatalf("expected noop, got %+v", report.Entries)
	}
	if fixture.remote.mutations != 0 {
		t.Fatalf("noop must not call the server")
	}
	if entries := fixture.pending(t); len(entries) != 0 {
		t.Fatalf("expected entry to be dropped, got %d", len(entries))
	}
}

func TestUploadIsolatesRemoteFailures(t *testing.T) {
	fixture := newSyncFixture(t)
	for day := 1; day <= 5; day++ {
		fixture.mustCreateMeasurement(t, day)
	}
	fixture.remote.mutationErrs[3] = &remote.StatusError{StatusCode: 500}

	report, err := fixture.uploader(t, nil).UploadAll(context.Background(), nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if report.Completed() != 4 || len(report.Failed()) != 1 {
		t.Fatalf("expected four uploads and one failure, got %+v", report.Entries)
	}
	entries := fixture.pending(t)
	if len(entries) != 1 || entries[0].QueueID != report.Failed()[0].QueueID {
		t.Fatalf("expected only the failed entry to remain, got %+v", entries)
	}
}

func TestUploadAbortKeepsPriorProgress(t *testing.T) {
	fixture := newSyncFixture(t)
	for day := 1; day <= 5; day++ {
		fixture.mustCreateMeasurement(t, day)
	}
	queued := fixture.pending(t)
	store := &failingStore{Store: fixture.store, failOn: 3}

	_, err := fixture.uploader(t, store).UploadAll(context.Background(), nil, fixture.user.ID)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected local failure to abort, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "sync.upload.complete_failed" {
		t.Fatalf("expected coded service error, got %v", err)
	}

	remaining := fixture.pending(t)
	if len(remaining) != 3 {
		t.Fatalf("expected entries 3-5 to remain, got %d", len(remaining))
	}
	for index, entry := range remaining {
		if entry.QueueID != queued[index+2].QueueID {
			t.Fatalf("unexpected remaining entry %d: %+v", index, entry)
		}
	}
	expected := baseWatermark.Add(2 * time.Second)
	if stored := fixture.watermark(t); stored == nil || !stored.Equal(expected) {
		t.Fatalf("expected watermark of the second upload %s, got %v", expected, stored)
	}
}

func TestUploadSizeGuards(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, "Curl", "biceps")
	fixture.mustSetGlobalID(t, &fitness.Exercise{}, exercise.Exercise.ID, 5)
	fixture.clearQueue(t)

	tooManyExercises := make([]fitness.WorkoutExerciseAggregate, MaxWorkoutExercises+1)
	for index := range tooManyExercises {
		tooManyExercises[index] = fitness.WorkoutExerciseAggregate{Entry: fitness.WorkoutExercise{ExerciseID: exercise.Exercise.ID}}
	}
	if _, err := fixture.store.CreateWorkout(ctx, fixture.user.ID, fitness.WorkoutAggregate{
		Workout:   fitness.Workout{Name: "Marathon", StartedAt: time.Now()},
		Exercises: tooManyExercises,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	tooManySets := make([]fitness.Set, MaxSetsPerExercise+1)
	if _, err := fixture.store.CreateWorkout(ctx, fixture.user.ID, fitness.WorkoutAggregate{
		Workout: fitness.Workout{Name: "Volume", StartedAt: time.Now()},
		Exercises: []fitness.WorkoutExerciseAggregate{
			{Entry: fitness.WorkoutExercise{ExerciseID: exercise.Exercise.ID}, Sets: tooManySets},
		},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	templateIDs := make([]int64, MaxTemplateExercises+1)
	for index := range templateIDs {
		templateIDs[index] = exercise.Exercise.ID
	}
	if _, err := fixture.store.CreateTemplate(ctx, fixture.user.ID, fitness.TemplateAggregate{
		Template:    fitness.WorkoutTemplate{Name: "Everything"},
		ExerciseIDs: templateIDs,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	report, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(report.Failed()) != 3 {
		t.Fatalf("expected three guarded entries, got %+v", report.Entries)
	}
	for _, entry := range report.Failed() {
		if !errors.Is(entry.Err, ErrPayloadTooLarge) {
			t.Fatalf("expected ErrPayloadTooLarge, got %v", entry.Err)
		}
	}
	if fixture.remote.mutations != 0 {
		t.Fatalf("oversized payloads must not reach the server")
	}
	if entries := fixture.pending(t); len(entries) != 3 {
		t.Fatalf("expected guarded entries to stay queued, got %d", len(entries))
	}
}

func TestUploadRemapsExerciseReferences(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	bench := fixture.mustCreateExercise(t, "Bench Press", "chest")
	if _, err := fixture.store.CreateTemplate(ctx, fixture.user.ID, fitness.TemplateAggregate{
		Template:    fitness.WorkoutTemplate{Name: "Push"},
		ExerciseIDs: []int64{bench.Exercise.ID},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	template, ok := fixture.remote.creates[1].(remote.WorkoutTemplateRecord)
	if !ok {
		t.Fatalf("expected template create, got %T", fixture.remote.creates[1])
	}
	if len(template.ExerciseIDs) != 1 || template.ExerciseIDs[0] != 42 {
		t.Fatalf("expected exercise server id 42, got %v", template.ExerciseIDs)
	}
}

func TestUploadLeavesUnsyncedReferencesQueued(t *testing.T) {
	fixture := newSyncFixture(t)
	ctx := context.Background()
	row := fixture.mustCreateExercise(t, "Row", "back")
	if _, err := fixture.store.CreateWorkout(ctx, fixture.user.ID, fitness.WorkoutAggregate{
		Workout: fitness.Workout{Name: "Pull", StartedAt: time.Now()},
		Exercises: []fitness.WorkoutExerciseAggregate{
			{Entry: fitness.WorkoutExercise{ExerciseID: row.Exercise.ID}, Sets: []fitness.Set{{Reps: 10}}},
		},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fixture.remote.mutationErrs[1] = &remote.StatusError{StatusCode: 502}

	report, err := fixture.uploader(t, nil).UploadAll(ctx, nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	failed := report.Failed()
	if len(failed) != 2 || !errors.Is(failed[1].Err, ErrUnsyncedReference) {
		t.Fatalf("expected workout to wait for its exercise, got %+v", failed)
	}
}

func TestUploadSkipsUnknownTableAndConflicts(t *testing.T) {
	fixture := newSyncFixture(t)
	localID := int64(1)
	legacy := fitness.ChangeQueueEntry{Table: "notes", LocalID: &localID, OwnerID: fixture.user.ID, QueuedAt: time.Now()}
	if err := fixture.db.Create(&legacy).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	fixture.mustCreateMeasurement(t, 1)
	fixture.mustCreateMeasurement(t, 2)
	fixture.remote.mutationErrs[1] = remote.ErrConflict

	report, err := fixture.uploader(t, nil).UploadAll(context.Background(), nil, fixture.user.ID)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	failed := report.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected two failures, got %+v", report.Entries)
	}
	if !errors.Is(failed[0].Err, fitness.ErrUnknownTable) || !errors.Is(failed[1].Err, remote.ErrConflict) {
		t.Fatalf("unexpected failures %v / %v", failed[0].Err, failed[1].Err)
	}
	if report.Completed() != 1 {
		t.Fatalf("expected the last measurement to upload, got %d", report.Completed())
	}
}

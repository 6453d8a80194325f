package fitness

import (
	"context"
	"errors"
	"testing"
	"time"
)

func remoteExercise(globalID int64, name string, groups ...string) ExerciseAggregate {
	return ExerciseAggregate{
		Exercise:     Exercise{GlobalID: int64Ptr(globalID), Name: name},
		MuscleGroups: groups,
	}
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	batch := RemoteBatch{Upserts: []Aggregate{
		remoteExercise(100, "Bench Press", "chest"),
		remoteExercise(101, "Pull Up", "back", "forearms"),
	}}

	first, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindExercises, batch)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	second, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindExercises, batch)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}

	if first.Inserted != 2 || second.Inserted != 0 || second.Updated != 2 {
		t.Fatalf("unexpected stats first=%+v second=%+v", first, second)
	}
	if first.DroppedRelations != 1 {
		t.Fatalf("expected unknown muscle group to be dropped, got %+v", first)
	}
	exercises, err := fixture.store.Exercises(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(exercises) != 2 {
		t.Fatalf("expected two exercises after re-download, got %d", len(exercises))
	}
	var links int64
	if err := fixture.db.Model(&ExerciseMuscleGroup{}).Count(&links).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if links != 2 {
		t.Fatalf("expected two muscle group links, got %d", links)
	}
	if entries := fixture.pending(t, fixture.user.ID); len(entries) != 0 {
		t.Fatalf("downloaded rows must not be queued, got %d entries", len(entries))
	}
}

func TestApplyRemoteSkipsRecordWithPendingLocalDelete(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, fixture.user.ID, "Curl")
	fixture.mustSetGlobalID(t, &Exercise{}, exercise.Exercise.ID, 55)
	fixture.clearQueue(t)
	if err := fixture.store.DeleteExercise(ctx, exercise.Exercise.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	stats, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindExercises, RemoteBatch{
		Upserts: []Aggregate{remoteExercise(55, "Curl")},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if stats.Skipped != 1 || stats.Inserted != 0 {
		t.Fatalf("expected the download to be skipped, got %+v", stats)
	}
	exercises, err := fixture.store.Exercises(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(exercises) != 0 {
		t.Fatalf("expected deleted exercise to stay deleted, got %d", len(exercises))
	}
}

func TestApplyRemoteDeleteCascadesExerciseReferences(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	if _, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindExercises, RemoteBatch{
		Upserts: []Aggregate{remoteExercise(100, "Squat", "quads")},
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	localIDs, err := fixture.store.ExerciseLocalIDs(ctx, []int64{100})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	squatID := localIDs[100]
	if _, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindWorkouts, RemoteBatch{
		Upserts: []Aggregate{WorkoutAggregate{
			Workout: Workout{GlobalID: int64Ptr(900), Name: "Legs", StartedAt: time.Now()},
			Exercises: []WorkoutExerciseAggregate{
				{Entry: WorkoutExercise{ExerciseID: squatID}, Sets: []Set{{Reps: 5}}},
			},
		}},
	}); err != nil {
		t.Fatalf("apply workouts failed: %v", err)
	}

	stats, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindExercises, RemoteBatch{Deletes: []int64{100, 404}})
	if err != nil {
		t.Fatalf("apply delete failed: %v", err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("expected one delete, absent ids are no-ops: %+v", stats)
	}

	for _, model := range []any{&WorkoutExercise{}, &Set{}, &ExerciseMuscleGroup{}} {
		var count int64
		if err := fixture.db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected %T rows to be removed, got %d", model, count)
		}
	}
}

func TestApplyRemoteSelectedScheduleClearsOthers(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	local, err := fixture.store.CreateSchedule(ctx, fixture.user.ID, ScheduleAggregate{
		Schedule: WeekSchedule{Name: "Local", Selected: true},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := fixture.store.ApplyRemote(ctx, fixture.user.ID, KindWeekSchedules, RemoteBatch{
		Upserts: []Aggregate{ScheduleAggregate{
			Schedule: WeekSchedule{GlobalID: int64Ptr(40), Name: "Remote", Selected: true},
			Workouts: []ScheduledWorkout{{DayOfWeek: 2, Name: "Pull"}},
		}},
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	reloaded, err := fixture.store.Schedule(ctx, local.Schedule.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Schedule.Selected {
		t.Fatalf("expected local schedule to be unselected")
	}
	schedules, err := fixture.store.Schedules(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(schedules) != 2 || !schedules[1].Selected {
		t.Fatalf("expected remote schedule selected, got %+v", schedules)
	}
}

func TestApplyRemoteRejectsMismatchedKind(t *testing.T) {
	fixture := newTestFixture(t)
	_, err := fixture.store.ApplyRemote(context.Background(), fixture.user.ID, KindWorkouts, RemoteBatch{
		Upserts: []Aggregate{remoteExercise(1, "Plank")},
	})
	if err == nil {
		t.Fatalf("expected kind mismatch error")
	}
	if _, err := fixture.store.ApplyRemote(context.Background(), fixture.user.ID, EntityKind("notes"), RemoteBatch{}); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestAdvanceWatermarkIsMonotonic(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	later := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := fixture.store.AdvanceWatermark(ctx, fixture.user.ID, later); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := fixture.store.AdvanceWatermark(ctx, fixture.user.ID, earlier); err != nil {
		t.Fatalf("advance with older value failed: %v", err)
	}

	user, err := fixture.store.User(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	watermark, err := user.Watermark()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if watermark == nil || !watermark.Equal(later) {
		t.Fatalf("expected watermark %s, got %v", later, watermark)
	}

	if err := fixture.store.AdvanceWatermark(ctx, fixture.guest.ID, later); !errors.Is(err, ErrGuestUser) {
		t.Fatalf("expected ErrGuestUser, got %v", err)
	}
}

func TestCompleteUploadAssignsGlobalID(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, fixture.user.ID, "Bench Press", "chest")
	entry := fixture.pending(t, fixture.user.ID)[0]
	watermark := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

	err := fixture.store.CompleteUpload(ctx, Completion{
		QueueID:    entry.QueueID,
		Kind:       KindExercises,
		LocalID:    exercise.Exercise.ID,
		AssignedID: int64Ptr(42),
		UserID:     fixture.user.ID,
		Watermark:  watermark,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	stored, err := fixture.store.Exercise(ctx, exercise.Exercise.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Exercise.GlobalID == nil || *stored.Exercise.GlobalID != 42 {
		t.Fatalf("expected global id 42, got %v", stored.Exercise.GlobalID)
	}
	if entries := fixture.pending(t, fixture.user.ID); len(entries) != 0 {
		t.Fatalf("expected empty queue, got %d", len(entries))
	}
	user, err := fixture.store.User(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("reload user failed: %v", err)
	}
	if user.LastSync == nil || *user.LastSync != FormatWatermark(watermark) {
		t.Fatalf("expected watermark to advance, got %v", user.LastSync)
	}
}

func TestCompleteUploadForDeletedRowQueuesDeleteIntent(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	exercise := fixture.mustCreateExercise(t, fixture.user.ID, "Lunge")
	entry := fixture.pending(t, fixture.user.ID)[0]

	// The create is on the wire when the user deletes the row.
	if err := fixture.store.DeleteExercise(ctx, exercise.Exercise.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if entries := fixture.pending(t, fixture.user.ID); len(entries) != 0 {
		t.Fatalf("expected the recorder to forget the unsynced row, got %+v", entries)
	}

	watermark := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := fixture.store.CompleteUpload(ctx, Completion{
		QueueID:    entry.QueueID,
		Kind:       KindExercises,
		LocalID:    exercise.Exercise.ID,
		AssignedID: int64Ptr(8),
		UserID:     fixture.user.ID,
		Watermark:  watermark,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	entries := fixture.pending(t, fixture.user.ID)
	if len(entries) != 1 {
		t.Fatalf("expected one delete intent, got %+v", entries)
	}
	intent := entries[0]
	if intent.Table != KindExercises.String() || intent.GlobalID == nil || *intent.GlobalID != 8 || intent.LocalID != nil {
		t.Fatalf("unexpected delete intent %+v", intent)
	}

	user, err := fixture.store.User(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("user lookup failed: %v", err)
	}
	stored, err := user.Watermark()
	if err != nil || stored == nil || !stored.Equal(watermark) {
		t.Fatalf("expected watermark %s, got %v (err %v)", watermark, stored, err)
	}

	// A row that later reuses the local id queues independently.
	reused := fixture.mustCreateExercise(t, fixture.user.ID, "Step Up")
	if got := len(fixture.pending(t, fixture.user.ID)); got != 2 {
		t.Fatalf("expected delete intent and create for local id %d, got %d entries", reused.Exercise.ID, got)
	}
}

func TestExerciseGlobalIDsSkipsUnsynced(t *testing.T) {
	fixture := newTestFixture(t)
	synced := fixture.mustCreateExercise(t, fixture.user.ID, "Press")
	unsynced := fixture.mustCreateExercise(t, fixture.user.ID, "Fly")
	fixture.mustSetGlobalID(t, &Exercise{}, synced.Exercise.ID, 500)

	mapping, err := fixture.store.ExerciseGlobalIDs(context.Background(), []int64{synced.Exercise.ID, unsynced.Exercise.ID})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if mapping[synced.Exercise.ID] != 500 {
		t.Fatalf("expected mapping to 500, got %v", mapping)
	}
	if _, ok := mapping[unsynced.Exercise.ID]; ok {
		t.Fatalf("unsynced exercise must not be mapped")
	}
}

func TestReassignOwnerMovesRowsAndQueue(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	fixture.mustCreateExercise(t, fixture.guest.ID, "Plank", "core")
	if _, err := fixture.store.CreateMeasurement(ctx, fixture.guest.ID, BodyMeasurement{MeasuredAt: time.Now()}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	moved, err := fixture.store.ReassignOwner(ctx, fixture.guest.ID, fixture.user.ID)
	if err != nil {
		t.Fatalf("reassign failed: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected two rows moved, got %d", moved)
	}
	hasGuestData, err := fixture.store.HasDataOwnedBy(ctx, fixture.guest.ID)
	if err != nil {
		t.Fatalf("has data failed: %v", err)
	}
	if hasGuestData {
		t.Fatalf("guest must own nothing after reassignment")
	}
	if entries := fixture.pending(t, fixture.guest.ID); len(entries) != 0 {
		t.Fatalf("guest queue must be empty, got %d", len(entries))
	}
	if entries := fixture.pending(t, fixture.user.ID); len(entries) != 2 {
		t.Fatalf("expected two queued entries for the user, got %d", len(entries))
	}
}

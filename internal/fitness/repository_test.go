package fitness

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateWorkoutStoresExercisesAndSets(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	bench := fixture.mustCreateExercise(t, fixture.user.ID, "Bench Press", "chest")
	dip := fixture.mustCreateExercise(t, fixture.user.ID, "Dip", "triceps")

	workout, err := fixture.store.CreateWorkout(ctx, fixture.user.ID, WorkoutAggregate{
		Workout: Workout{Name: "Push Day", StartedAt: time.Date(2026, 2, 3, 18, 0, 0, 0, time.UTC), DurationSeconds: 3600},
		Exercises: []WorkoutExerciseAggregate{
			{Entry: WorkoutExercise{ExerciseID: bench.Exercise.ID}, Sets: []Set{{Reps: 5, WeightKg: 100}, {Reps: 5, WeightKg: 100}}},
			{Entry: WorkoutExercise{ExerciseID: dip.Exercise.ID}, Sets: []Set{{Reps: 12}}},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if len(workout.Exercises) != 2 {
		t.Fatalf("expected two exercises, got %d", len(workout.Exercises))
	}
	if workout.Exercises[0].Entry.ExerciseID != bench.Exercise.ID || len(workout.Exercises[0].Sets) != 2 {
		t.Fatalf("unexpected first exercise %+v", workout.Exercises[0])
	}
	if workout.Exercises[1].Sets[0].Reps != 12 {
		t.Fatalf("unexpected set %+v", workout.Exercises[1].Sets[0])
	}
}

func TestUpdateWorkoutReplacesChildren(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	squat := fixture.mustCreateExercise(t, fixture.user.ID, "Squat", "quads")
	workout, err := fixture.store.CreateWorkout(ctx, fixture.user.ID, WorkoutAggregate{
		Workout: Workout{Name: "Legs", StartedAt: time.Now()},
		Exercises: []WorkoutExerciseAggregate{
			{Entry: WorkoutExercise{ExerciseID: squat.Exercise.ID}, Sets: []Set{{Reps: 5}, {Reps: 5}, {Reps: 5}}},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	workout.Exercises[0].Sets = workout.Exercises[0].Sets[:1]
	if err := fixture.store.UpdateWorkout(ctx, workout); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stored, err := fixture.store.Workout(ctx, workout.Workout.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(stored.Exercises) != 1 || len(stored.Exercises[0].Sets) != 1 {
		t.Fatalf("expected one exercise with one set, got %+v", stored.Exercises)
	}
	var setCount int64
	if err := fixture.db.Model(&Set{}).Count(&setCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if setCount != 1 {
		t.Fatalf("expected stale sets to be removed, got %d", setCount)
	}
}

func TestDeleteExerciseRefusedWhileReferenced(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	press := fixture.mustCreateExercise(t, fixture.user.ID, "Overhead Press")
	if _, err := fixture.store.CreateTemplate(ctx, fixture.user.ID, TemplateAggregate{
		Template:    WorkoutTemplate{Name: "Shoulders"},
		ExerciseIDs: []int64{press.Exercise.ID},
	}); err != nil {
		t.Fatalf("template create failed: %v", err)
	}

	if err := fixture.store.DeleteExercise(ctx, press.Exercise.ID); !errors.Is(err, ErrExerciseInUse) {
		t.Fatalf("expected ErrExerciseInUse, got %v", err)
	}
}

func TestCreateExerciseRejectsUnknownMuscleGroup(t *testing.T) {
	fixture := newTestFixture(t)
	_, err := fixture.store.CreateExercise(context.Background(), fixture.user.ID, ExerciseAggregate{
		Exercise:     Exercise{Name: "Neck Curl"},
		MuscleGroups: []string{"neck"},
	})
	if !errors.Is(err, ErrUnknownMuscleGroup) {
		t.Fatalf("expected ErrUnknownMuscleGroup, got %v", err)
	}
}

func TestCreateRejectsInvalidEntities(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()

	testCases := []struct {
		name string
		run  func() error
	}{
		{
			name: "blank exercise name",
			run: func() error {
				_, err := fixture.store.CreateExercise(ctx, fixture.user.ID, ExerciseAggregate{Exercise: Exercise{Name: "  "}})
				return err
			},
		},
		{
			name: "measurement without date",
			run: func() error {
				_, err := fixture.store.CreateMeasurement(ctx, fixture.user.ID, BodyMeasurement{})
				return err
			},
		},
		{
			name: "schedule day out of range",
			run: func() error {
				_, err := fixture.store.CreateSchedule(ctx, fixture.user.ID, ScheduleAggregate{
					Schedule: WeekSchedule{Name: "Week"},
					Workouts: []ScheduledWorkout{{DayOfWeek: 7, Name: "Rest"}},
				})
				return err
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := testCase.run(); !errors.Is(err, ErrInvalidEntity) {
				t.Fatalf("expected ErrInvalidEntity, got %v", err)
			}
		})
	}
}

func TestSelectWeekScheduleKeepsSingleSelection(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	first, err := fixture.store.CreateSchedule(ctx, fixture.user.ID, ScheduleAggregate{
		Schedule: WeekSchedule{Name: "Strength", Selected: true},
		Workouts: []ScheduledWorkout{{DayOfWeek: 1, Name: "Upper", TimeOfDay: "07:30"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := fixture.store.CreateSchedule(ctx, fixture.user.ID, ScheduleAggregate{
		Schedule: WeekSchedule{Name: "Deload"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fixture.mustSetGlobalID(t, &WeekSchedule{}, first.Schedule.ID, 300)
	fixture.clearQueue(t)

	if err := fixture.store.SelectWeekSchedule(ctx, second.Schedule.ID); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	schedules, err := fixture.store.Schedules(ctx, fixture.user.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	selected := 0
	for _, schedule := range schedules {
		if schedule.Selected {
			selected++
			if schedule.ID != second.Schedule.ID {
				t.Fatalf("expected schedule %d selected, got %d", second.Schedule.ID, schedule.ID)
			}
		}
	}
	if selected != 1 {
		t.Fatalf("expected exactly one selected schedule, got %d", selected)
	}
	if entries := fixture.pending(t, fixture.user.ID); len(entries) != 2 {
		t.Fatalf("expected both schedules queued, got %d entries", len(entries))
	}
}

func TestCountOwnedPerKind(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.mustCreateExercise(t, fixture.guest.ID, "Plank")
	fixture.mustCreateExercise(t, fixture.guest.ID, "Lunge", "quads")

	counts, err := fixture.store.CountOwned(context.Background(), fixture.guest.ID)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[KindExercises] != 2 || counts[KindWorkouts] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

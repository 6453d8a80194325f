package sync

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
)

const (
	MaxWorkoutExercises  = 50
	MaxSetsPerExercise   = 30
	MaxTemplateExercises = 50
)

// checkPayloadSize enforces the upload caps on workouts and templates.
func checkPayloadSize(aggregate fitness.Aggregate) error {
	switch value := aggregate.(type) {
	case fitness.WorkoutAggregate:
		if len(value.Exercises) > MaxWorkoutExercises {
			return fmt.Errorf("%w: workout has %d exercises, limit %d", ErrPayloadTooLarge, len(value.Exercises), MaxWorkoutExercises)
		}
		for index, exercise := range value.Exercises {
			if len(exercise.Sets) > MaxSetsPerExercise {
				return fmt.Errorf("%w: exercise %d has %d sets, limit %d", ErrPayloadTooLarge, index, len(exercise.Sets), MaxSetsPerExercise)
			}
		}
	case fitness.TemplateAggregate:
		if len(value.ExerciseIDs) > MaxTemplateExercises {
			return fmt.Errorf("%w: template has %d exercises, limit %d", ErrPayloadTooLarge, len(value.ExerciseIDs), MaxTemplateExercises)
		}
	}
	return nil
}

// referencedExercises lists the local exercise ids an aggregate points at.
func referencedExercises(aggregate fitness.Aggregate) []int64 {
	switch value := aggregate.(type) {
	case fitness.WorkoutAggregate:
		ids := make([]int64, 0, len(value.Exercises))
		for _, exercise := range value.Exercises {
			ids = append(ids, exercise.Entry.ExerciseID)
		}
		return ids
	case fitness.TemplateAggregate:
		return value.ExerciseIDs
	default:
		return nil
	}
}

// toRecord builds the outbound wire form, translating local exercise ids to server ids.
func toRecord(aggregate fitness.Aggregate, exerciseGlobalIDs map[int64]int64) (remote.Record, error) {
	globalOf := func(localID int64) (int64, error) {
		globalID, ok := exerciseGlobalIDs[localID]
		if !ok {
			return 0, fmt.Errorf("%w: local exercise %d", ErrUnsyncedReference, localID)
		}
		return globalID, nil
	}

	switch value := aggregate.(type) {
	case fitness.ExerciseAggregate:
		return remote.ExerciseRecord{
			Name:         value.Exercise.Name,
			Description:  value.Exercise.Description,
			Category:     value.Exercise.Category,
			MuscleGroups: value.MuscleGroups,
		}, nil
	case fitness.WorkoutAggregate:
		record := remote.WorkoutRecord{
			Name:            value.Workout.Name,
			Notes:           value.Workout.Notes,
			StartedAt:       value.Workout.StartedAt.UTC(),
			DurationSeconds: value.Workout.DurationSeconds,
			Exercises:       make([]remote.WorkoutExerciseRecord, 0, len(value.Exercises)),
		}
		for _, exercise := range value.Exercises {
			globalID, err := globalOf(exercise.Entry.ExerciseID)
			if err != nil {
				return nil, err
			}
			sets := make([]remote.SetRecord, 0, len(exercise.Sets))
			for _, set := range exercise.Sets {
				sets = append(sets, remote.SetRecord{Reps: set.Reps, WeightKg: set.WeightKg, Completed: set.Completed})
			}
			record.Exercises = append(record.Exercises, remote.WorkoutExerciseRecord{ExerciseID: globalID, Sets: sets})
		}
		return record, nil
	case fitness.MeasurementAggregate:
		m := value.Measurement
		return remote.BodyMeasurementRecord{
			MeasuredAt:     m.MeasuredAt.UTC(),
			WeightKg:       m.WeightKg,
			BodyFatPercent: m.BodyFatPercent,
			ChestCm:        m.ChestCm,
			WaistCm:        m.WaistCm,
			HipsCm:         m.HipsCm,
			Notes:          m.Notes,
		}, nil
	case fitness.TemplateAggregate:
		record := remote.WorkoutTemplateRecord{
			Name:        value.Template.Name,
			Description: value.Template.Description,
			ExerciseIDs: make([]int64, 0, len(value.ExerciseIDs)),
		}
		for _, localID := range value.ExerciseIDs {
			globalID, err := globalOf(localID)
			if err != nil {
				return nil, err
			}
			record.ExerciseIDs = append(record.ExerciseIDs, globalID)
		}
		return record, nil
	case fitness.ScheduleAggregate:
		record := remote.WeekScheduleRecord{
			Name:     value.Schedule.Name,
			Selected: value.Schedule.Selected,
			Workouts: make([]remote.ScheduledWorkoutRecord, 0, len(value.Workouts)),
		}
		for _, workout := range value.Workouts {
			record.Workouts = append(record.Workouts, remote.ScheduledWorkoutRecord{
				DayOfWeek: workout.DayOfWeek,
				Name:      workout.Name,
				TimeOfDay: workout.TimeOfDay,
			})
		}
		return record, nil
	default:
		return nil, fmt.Errorf("%w: %T", fitness.ErrUnknownTable, aggregate)
	}
}

// referencedGlobalExercises lists the server exercise ids a downloaded record points at.
func referencedGlobalExercises(record remote.Record) []int64 {
	switch value := record.(type) {
	case remote.WorkoutRecord:
		ids := make([]int64, 0, len(value.Exercises))
		for _, exercise := range value.Exercises {
			ids = append(ids, exercise.ExerciseID)
		}
		return ids
	case remote.WorkoutTemplateRecord:
		return value.ExerciseIDs
	default:
		return nil
	}
}

// droppedReference is a child relation whose parent is not present locally.
type droppedReference struct {
	recordID         int64
	exerciseGlobalID int64
}

// toAggregate builds the local form of a downloaded record. Exercise references missing
// from exerciseLocalIDs are dropped and reported.
func toAggregate(record remote.Record, exerciseLocalIDs map[int64]int64) (fitness.Aggregate, []droppedReference, error) {
	globalID := record.RecordID()
	var dropped []droppedReference

	switch value := record.(type) {
	case remote.ExerciseRecord:
		return fitness.ExerciseAggregate{
			Exercise: fitness.Exercise{
				GlobalID:    &globalID,
				Name:        value.Name,
				Description: value.Description,
				Category:    value.Category,
			},
			MuscleGroups: value.MuscleGroups,
		}, nil, nil
	case remote.WorkoutRecord:
		aggregate := fitness.WorkoutAggregate{
			Workout: fitness.Workout{
				GlobalID:        &globalID,
				Name:            value.Name,
				Notes:           value.Notes,
				StartedAt:       value.StartedAt.UTC(),
				DurationSeconds: value.DurationSeconds,
			},
		}
		for _, exercise := range value.Exercises {
			localID, ok := exerciseLocalIDs[exercise.ExerciseID]
			if !ok {
				dropped = append(dropped, droppedReference{recordID: globalID, exerciseGlobalID: exercise.ExerciseID})
				continue
			}
			sets := make([]fitness.Set, 0, len(exercise.Sets))
			for index, set := range exercise.Sets {
				sets = append(sets, fitness.Set{Position: index, Reps: set.Reps, WeightKg: set.WeightKg, Completed: set.Completed})
			}
			aggregate.Exercises = append(aggregate.Exercises, fitness.WorkoutExerciseAggregate{
				Entry: fitness.WorkoutExercise{ExerciseID: localID, Position: len(aggregate.Exercises)},
				Sets:  sets,
			})
		}
		return aggregate, dropped, nil
	case remote.BodyMeasurementRecord:
		return fitness.MeasurementAggregate{Measurement: fitness.BodyMeasurement{
			GlobalID:       &globalID,
			MeasuredAt:     value.MeasuredAt.UTC(),
			WeightKg:       value.WeightKg,
			BodyFatPercent: value.BodyFatPercent,
			ChestCm:        value.ChestCm,
			WaistCm:        value.WaistCm,
			HipsCm:         value.HipsCm,
			Notes:          value.Notes,
		}}, nil, nil
	case remote.WorkoutTemplateRecord:
		aggregate := fitness.TemplateAggregate{
			Template: fitness.WorkoutTemplate{
				GlobalID:    &globalID,
				Name:        value.Name,
				Description: value.Description,
			},
		}
		for _, exerciseGlobalID := range value.ExerciseIDs {
			localID, ok := exerciseLocalIDs[exerciseGlobalID]
			if !ok {
				dropped = append(dropped, droppedReference{recordID: globalID, exerciseGlobalID: exerciseGlobalID})
				continue
			}
			aggregate.ExerciseIDs = append(aggregate.ExerciseIDs, localID)
		}
		return aggregate, dropped, nil
	case remote.WeekScheduleRecord:
		aggregate := fitness.ScheduleAggregate{
			Schedule: fitness.WeekSchedule{
				GlobalID: &globalID,
				Name:     value.Name,
				Selected: value.Selected,
			},
		}
		for _, workout := range value.Workouts {
			aggregate.Workouts = append(aggregate.Workouts, fitness.ScheduledWorkout{
				DayOfWeek: workout.DayOfWeek,
				Name:      workout.Name,
				TimeOfDay: workout.TimeOfDay,
			})
		}
		return aggregate, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %T", fitness.ErrUnknownTable, record)
	}
}

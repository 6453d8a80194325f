package fitness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxNameLength = 190
	timeOfDayLen  = 5
)

type writeFunc func(tx *gorm.DB) (EntityRef, error)

type recordFunc func(tx *gorm.DB, kind EntityKind, ref EntityRef, now time.Time) error

// mutate runs one repository write and its change recording in a single transaction.
func (s *Store) mutate(ctx context.Context, kind EntityKind, record recordFunc, write writeFunc) (EntityRef, error) {
	var ref EntityRef
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		written, err := write(tx)
		if err != nil {
			return err
		}
		ref = written
		return record(tx, kind, written, s.clock())
	})
	if err != nil {
		return EntityRef{}, err
	}
	s.logger.Debug("local change recorded",
		zap.String("table", kind.String()),
		zap.Int64("local_id", ref.LocalID),
		zap.Int64("user_id", ref.OwnerID))
	return ref, nil
}

func validateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidEntity)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidEntity, maxNameLength)
	}
	return trimmed, nil
}

// CreateExercise inserts an exercise for ownerID and queues it for upload.
func (s *Store) CreateExercise(ctx context.Context, ownerID int64, input ExerciseAggregate) (ExerciseAggregate, error) {
	name, err := validateName(input.Exercise.Name)
	if err != nil {
		return ExerciseAggregate{}, err
	}
	ref, err := s.mutate(ctx, KindExercises, recordCreate, func(tx *gorm.DB) (EntityRef, error) {
		groupIDs, unknown, err := muscleGroupIDs(tx, input.MuscleGroups)
		if err != nil {
			return EntityRef{}, err
		}
		if len(unknown) > 0 {
			return EntityRef{}, fmt.Errorf("%w: %s", ErrUnknownMuscleGroup, strings.Join(unknown, ", "))
		}
		exercise := Exercise{
			OwnerID:     ownerID,
			Name:        name,
			Description: input.Exercise.Description,
			Category:    input.Exercise.Category,
		}
		if err := tx.Create(&exercise).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceExerciseMuscleGroups(tx, exercise.ID, groupIDs); err != nil {
			return EntityRef{}, err
		}
		return ExerciseAggregate{Exercise: exercise}.Ref(), nil
	})
	if err != nil {
		return ExerciseAggregate{}, err
	}
	return s.Exercise(ctx, ref.LocalID)
}

// UpdateExercise rewrites the editable fields and muscle groups of an existing exercise.
func (s *Store) UpdateExercise(ctx context.Context, input ExerciseAggregate) error {
	name, err := validateName(input.Exercise.Name)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, KindExercises, recordUpdate, func(tx *gorm.DB) (EntityRef, error) {
		var exercise Exercise
		if err := takeByID(tx, &exercise, input.Exercise.ID); err != nil {
			return EntityRef{}, err
		}
		groupIDs, unknown, err := muscleGroupIDs(tx, input.MuscleGroups)
		if err != nil {
			return EntityRef{}, err
		}
		if len(unknown) > 0 {
			return EntityRef{}, fmt.Errorf("%w: %s", ErrUnknownMuscleGroup, strings.Join(unknown, ", "))
		}
		exercise.Name = name
		exercise.Description = input.Exercise.Description
		exercise.Category = input.Exercise.Category
		if err := tx.Save(&exercise).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceExerciseMuscleGroups(tx, exercise.ID, groupIDs); err != nil {
			return EntityRef{}, err
		}
		return ExerciseAggregate{Exercise: exercise}.Ref(), nil
	})
	return err
}

// DeleteExercise removes an exercise that no workout or template references.
func (s *Store) DeleteExercise(ctx context.Context, localID int64) error {
	_, err := s.mutate(ctx, KindExercises, recordDelete, func(tx *gorm.DB) (EntityRef, error) {
		var exercise Exercise
		if err := takeByID(tx, &exercise, localID); err != nil {
			return EntityRef{}, err
		}
		inUse, err := exerciseReferenced(tx, localID)
		if err != nil {
			return EntityRef{}, err
		}
		if inUse {
			return EntityRef{}, ErrExerciseInUse
		}
		if err := tx.Where("exercise_id = ?", localID).Delete(&ExerciseMuscleGroup{}).Error; err != nil {
			return EntityRef{}, err
		}
		if err := tx.Delete(&Exercise{}, localID).Error; err != nil {
			return EntityRef{}, err
		}
		return ExerciseAggregate{Exercise: exercise}.Ref(), nil
	})
	return err
}

func exerciseReferenced(tx *gorm.DB, exerciseID int64) (bool, error) {
	var workoutRefs int64
	if err := tx.Model(&WorkoutExercise{}).Where("exercise_id = ?", exerciseID).Count(&workoutRefs).Error; err != nil {
		return false, err
	}
	if workoutRefs > 0 {
		return true, nil
	}
	var templateRefs int64
	if err := tx.Model(&WorkoutTemplateExercise{}).Where("exercise_id = ?", exerciseID).Count(&templateRefs).Error; err != nil {
		return false, err
	}
	return templateRefs > 0, nil
}

// Exercise returns one exercise with its muscle group names.
func (s *Store) Exercise(ctx context.Context, localID int64) (ExerciseAggregate, error) {
	return loadExercise(s.db.WithContext(ctx), localID)
}

// Exercises lists the exercises owned by ownerID ordered by name.
func (s *Store) Exercises(ctx context.Context, ownerID int64) ([]Exercise, error) {
	var exercises []Exercise
	err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID).Order("name ASC, id ASC").Find(&exercises).Error
	return exercises, err
}

// CreateWorkout inserts a workout with its exercises and sets.
func (s *Store) CreateWorkout(ctx context.Context, ownerID int64, input WorkoutAggregate) (WorkoutAggregate, error) {
	name, err := validateName(input.Workout.Name)
	if err != nil {
		return WorkoutAggregate{}, err
	}
	ref, err := s.mutate(ctx, KindWorkouts, recordCreate, func(tx *gorm.DB) (EntityRef, error) {
		if err := requireExercises(tx, workoutExerciseIDs(input.Exercises)); err != nil {
			return EntityRef{}, err
		}
		workout := Workout{
			OwnerID:         ownerID,
			Name:            name,
			Notes:           input.Workout.Notes,
			StartedAt:       input.Workout.StartedAt.UTC(),
			DurationSeconds: input.Workout.DurationSeconds,
		}
		if err := tx.Create(&workout).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceWorkoutChildren(tx, workout.ID, input.Exercises); err != nil {
			return EntityRef{}, err
		}
		return WorkoutAggregate{Workout: workout}.Ref(), nil
	})
	if err != nil {
		return WorkoutAggregate{}, err
	}
	return s.Workout(ctx, ref.LocalID)
}

// UpdateWorkout rewrites a workout and replaces its exercises and sets.
func (s *Store) UpdateWorkout(ctx context.Context, input WorkoutAggregate) error {
	name, err := validateName(input.Workout.Name)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, KindWorkouts, recordUpdate, func(tx *gorm.DB) (EntityRef, error) {
		var workout Workout
		if err := takeByID(tx, &workout, input.Workout.ID); err != nil {
			return EntityRef{}, err
		}
		if err := requireExercises(tx, workoutExerciseIDs(input.Exercises)); err != nil {
			return EntityRef{}, err
		}
		workout.Name = name
		workout.Notes = input.Workout.Notes
		workout.StartedAt = input.Workout.StartedAt.UTC()
		workout.DurationSeconds = input.Workout.DurationSeconds
		if err := tx.Save(&workout).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceWorkoutChildren(tx, workout.ID, input.Exercises); err != nil {
			return EntityRef{}, err
		}
		return WorkoutAggregate{Workout: workout}.Ref(), nil
	})
	return err
}

// DeleteWorkout removes a workout together with its exercises and sets.
func (s *Store) DeleteWorkout(ctx context.Context, localID int64) error {
	_, err := s.mutate(ctx, KindWorkouts, recordDelete, func(tx *gorm.DB) (EntityRef, error) {
		var workout Workout
		if err := takeByID(tx, &workout, localID); err != nil {
			return EntityRef{}, err
		}
		if err := deleteWorkoutChildren(tx, localID); err != nil {
			return EntityRef{}, err
		}
		if err := tx.Delete(&Workout{}, localID).Error; err != nil {
			return EntityRef{}, err
		}
		return WorkoutAggregate{Workout: workout}.Ref(), nil
	})
	return err
}

// Workout returns one workout with its exercises and sets.
func (s *Store) Workout(ctx context.Context, localID int64) (WorkoutAggregate, error) {
	return loadWorkout(s.db.WithContext(ctx), localID)
}

// Workouts lists the workouts owned by ownerID, newest first.
func (s *Store) Workouts(ctx context.Context, ownerID int64) ([]Workout, error) {
	var workouts []Workout
	err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID).Order("started_at DESC, id DESC").Find(&workouts).Error
	return workouts, err
}

func workoutExerciseIDs(exercises []WorkoutExerciseAggregate) []int64 {
	ids := make([]int64, 0, len(exercises))
	for _, exercise := range exercises {
		ids = append(ids, exercise.Entry.ExerciseID)
	}
	return ids
}

func requireExercises(tx *gorm.DB, exerciseIDs []int64) error {
	unique := make(map[int64]struct{}, len(exerciseIDs))
	for _, id := range exerciseIDs {
		unique[id] = struct{}{}
	}
	if len(unique) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(unique))
	for id := range unique {
		ids = append(ids, id)
	}
	var found int64
	if err := tx.Model(&Exercise{}).Where(queryIDIn, ids).Count(&found).Error; err != nil {
		return err
	}
	if found != int64(len(ids)) {
		return fmt.Errorf("%w: referenced exercise", ErrNotFound)
	}
	return nil
}

// CreateMeasurement inserts a body measurement.
func (s *Store) CreateMeasurement(ctx context.Context, ownerID int64, input BodyMeasurement) (BodyMeasurement, error) {
	if input.MeasuredAt.IsZero() {
		return BodyMeasurement{}, fmt.Errorf("%w: measured at is required", ErrInvalidEntity)
	}
	ref, err := s.mutate(ctx, KindBodyMeasurements, recordCreate, func(tx *gorm.DB) (EntityRef, error) {
		measurement := input
		measurement.ID = 0
		measurement.GlobalID = nil
		measurement.OwnerID = ownerID
		measurement.MeasuredAt = input.MeasuredAt.UTC()
		if err := tx.Create(&measurement).Error; err != nil {
			return EntityRef{}, err
		}
		return MeasurementAggregate{Measurement: measurement}.Ref(), nil
	})
	if err != nil {
		return BodyMeasurement{}, err
	}
	return s.Measurement(ctx, ref.LocalID)
}

// UpdateMeasurement rewrites the metrics of an existing measurement.
func (s *Store) UpdateMeasurement(ctx context.Context, input BodyMeasurement) error {
	if input.MeasuredAt.IsZero() {
		return fmt.Errorf("%w: measured at is required", ErrInvalidEntity)
	}
	_, err := s.mutate(ctx, KindBodyMeasurements, recordUpdate, func(tx *gorm.DB) (EntityRef, error) {
		var measurement BodyMeasurement
		if err := takeByID(tx, &measurement, input.ID); err != nil {
			return EntityRef{}, err
		}
		measurement.MeasuredAt = input.MeasuredAt.UTC()
		measurement.WeightKg = input.WeightKg
		measurement.BodyFatPercent = input.BodyFatPercent
		measurement.ChestCm = input.ChestCm
		measurement.WaistCm = input.WaistCm
		measurement.HipsCm = input.HipsCm
		measurement.Notes = input.Notes
		if err := tx.Save(&measurement).Error; err != nil {
			return EntityRef{}, err
		}
		return MeasurementAggregate{Measurement: measurement}.Ref(), nil
	})
	return err
}

// DeleteMeasurement removes a body measurement.
func (s *Store) DeleteMeasurement(ctx context.Context, localID int64) error {
	_, err := s.mutate(ctx, KindBodyMeasurements, recordDelete, func(tx *gorm.DB) (EntityRef, error) {
		var measurement BodyMeasurement
		if err := takeByID(tx, &measurement, localID); err != nil {
			return EntityRef{}, err
		}
		if err := tx.Delete(&BodyMeasurement{}, localID).Error; err != nil {
			return EntityRef{}, err
		}
		return MeasurementAggregate{Measurement: measurement}.Ref(), nil
	})
	return err
}

func (s *Store) Measurement(ctx context.Context, localID int64) (BodyMeasurement, error) {
	aggregate, err := loadMeasurement(s.db.WithContext(ctx), localID)
	return aggregate.Measurement, err
}

// Measurements lists measurements owned by ownerID, newest first.
func (s *Store) Measurements(ctx context.Context, ownerID int64) ([]BodyMeasurement, error) {
	var measurements []BodyMeasurement
	err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID).Order("measured_at DESC, id DESC").Find(&measurements).Error
	return measurements, err
}

// CreateTemplate inserts a workout template listing local exercise ids in order.
func (s *Store) CreateTemplate(ctx context.Context, ownerID int64, input TemplateAggregate) (TemplateAggregate, error) {
	name, err := validateName(input.Template.Name)
	if err != nil {
		return TemplateAggregate{}, err
	}
	ref, err := s.mutate(ctx, KindWorkoutTemplates, recordCreate, func(tx *gorm.DB) (EntityRef, error) {
		if err := requireExercises(tx, input.ExerciseIDs); err != nil {
			return EntityRef{}, err
		}
		template := WorkoutTemplate{OwnerID: ownerID, Name: name, Description: input.Template.Description}
		if err := tx.Create(&template).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceTemplateExercises(tx, template.ID, input.ExerciseIDs); err != nil {
			return EntityRef{}, err
		}
		return TemplateAggregate{Template: template}.Ref(), nil
	})
	if err != nil {
		return TemplateAggregate{}, err
	}
	return s.Template(ctx, ref.LocalID)
}

// UpdateTemplate rewrites a template and its exercise list.
func (s *Store) UpdateTemplate(ctx context.Context, input TemplateAggregate) error {
	name, err := validateName(input.Template.Name)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, KindWorkoutTemplates, recordUpdate, func(tx *gorm.DB) (EntityRef, error) {
		var template WorkoutTemplate
		if err := takeByID(tx, &template, input.Template.ID); err != nil {
			return EntityRef{}, err
		}
		if err := requireExercises(tx, input.ExerciseIDs); err != nil {
			return EntityRef{}, err
		}
		template.Name = name
		template.Description = input.Template.Description
		if err := tx.Save(&template).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceTemplateExercises(tx, template.ID, input.ExerciseIDs); err != nil {
			return EntityRef{}, err
		}
		return TemplateAggregate{Template: template}.Ref(), nil
	})
	return err
}

// DeleteTemplate removes a template and its exercise links.
func (s *Store) DeleteTemplate(ctx context.Context, localID int64) error {
	_, err := s.mutate(ctx, KindWorkoutTemplates, recordDelete, func(tx *gorm.DB) (EntityRef, error) {
		var template WorkoutTemplate
		if err := takeByID(tx, &template, localID); err != nil {
			return EntityRef{}, err
		}
		if err := tx.Where("template_id = ?", localID).Delete(&WorkoutTemplateExercise{}).Error; err != nil {
			return EntityRef{}, err
		}
		if err := tx.Delete(&WorkoutTemplate{}, localID).Error; err != nil {
			return EntityRef{}, err
		}
		return TemplateAggregate{Template: template}.Ref(), nil
	})
	return err
}

func (s *Store) Template(ctx context.Context, localID int64) (TemplateAggregate, error) {
	return loadTemplate(s.db.WithContext(ctx), localID)
}

// CreateSchedule inserts a week schedule. A selected schedule unselects the owner's others,
// and each of those is queued as an update.
func (s *Store) CreateSchedule(ctx context.Context, ownerID int64, input ScheduleAggregate) (ScheduleAggregate, error) {
	name, err := validateName(input.Schedule.Name)
	if err != nil {
		return ScheduleAggregate{}, err
	}
	if err := validateScheduledWorkouts(input.Workouts); err != nil {
		return ScheduleAggregate{}, err
	}
	ref, err := s.mutate(ctx, KindWeekSchedules, recordCreate, func(tx *gorm.DB) (EntityRef, error) {
		schedule := WeekSchedule{OwnerID: ownerID, Name: name, Selected: input.Schedule.Selected}
		if err := tx.Create(&schedule).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceScheduledWorkouts(tx, schedule.ID, input.Workouts); err != nil {
			return EntityRef{}, err
		}
		if schedule.Selected {
			if err := s.unselectOthers(tx, ownerID, schedule.ID); err != nil {
				return EntityRef{}, err
			}
		}
		return ScheduleAggregate{Schedule: schedule}.Ref(), nil
	})
	if err != nil {
		return ScheduleAggregate{}, err
	}
	return s.Schedule(ctx, ref.LocalID)
}

// UpdateSchedule rewrites a schedule and replaces its scheduled workouts.
func (s *Store) UpdateSchedule(ctx context.Context, input ScheduleAggregate) error {
	name, err := validateName(input.Schedule.Name)
	if err != nil {
		return err
	}
	if err := validateScheduledWorkouts(input.Workouts); err != nil {
		return err
	}
	_, err = s.mutate(ctx, KindWeekSchedules, recordUpdate, func(tx *gorm.DB) (EntityRef, error) {
		var schedule WeekSchedule
		if err := takeByID(tx, &schedule, input.Schedule.ID); err != nil {
			return EntityRef{}, err
		}
		schedule.Name = name
		schedule.Selected = input.Schedule.Selected
		if err := tx.Save(&schedule).Error; err != nil {
			return EntityRef{}, err
		}
		if err := replaceScheduledWorkouts(tx, schedule.ID, input.Workouts); err != nil {
			return EntityRef{}, err
		}
		if schedule.Selected {
			if err := s.unselectOthers(tx, schedule.OwnerID, schedule.ID); err != nil {
				return EntityRef{}, err
			}
		}
		return ScheduleAggregate{Schedule: schedule}.Ref(), nil
	})
	return err
}

// SelectWeekSchedule marks one schedule selected and clears the flag on the owner's others.
func (s *Store) SelectWeekSchedule(ctx context.Context, localID int64) error {
	_, err := s.mutate(ctx, KindWeekSchedules, recordUpdate, func(tx *gorm.DB) (EntityRef, error) {
		var schedule WeekSchedule
		if err := takeByID(tx, &schedule, localID); err != nil {
			return EntityRef{}, err
		}
		if err := tx.Model(&WeekSchedule{}).Where(queryID, localID).Update(columnSelected, true).Error; err != nil {
			return EntityRef{}, err
		}
		if err := s.unselectOthers(tx, schedule.OwnerID, localID); err != nil {
			return EntityRef{}, err
		}
		return ScheduleAggregate{Schedule: schedule}.Ref(), nil
	})
	return err
}

func (s *Store) unselectOthers(tx *gorm.DB, ownerID, keepID int64) error {
	changed, err := clearSelectedSchedules(tx, ownerID, keepID)
	if err != nil {
		return err
	}
	for _, id := range changed {
		var schedule WeekSchedule
		if err := takeByID(tx, &schedule, id); err != nil {
			return err
		}
		if err := recordUpdate(tx, KindWeekSchedules, ScheduleAggregate{Schedule: schedule}.Ref(), s.clock()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSchedule removes a schedule and its scheduled workouts.
func (s *Store) DeleteSchedule(ctx context.Context, localID int64) error {
	_, err := s.mutate(ctx, KindWeekSchedules, recordDelete, func(tx *gorm.DB) (EntityRef, error) {
		var schedule WeekSchedule
		if err := takeByID(tx, &schedule, localID); err != nil {
			return EntityRef{}, err
		}
		if err := tx.Where("schedule_id = ?", localID).Delete(&ScheduledWorkout{}).Error; err != nil {
			return EntityRef{}, err
		}
		if err := tx.Delete(&WeekSchedule{}, localID).Error; err != nil {
			return EntityRef{}, err
		}
		return ScheduleAggregate{Schedule: schedule}.Ref(), nil
	})
	return err
}

func (s *Store) Schedule(ctx context.Context, localID int64) (ScheduleAggregate, error) {
	return loadSchedule(s.db.WithContext(ctx), localID)
}

// Schedules lists the schedules owned by ownerID.
func (s *Store) Schedules(ctx context.Context, ownerID int64) ([]WeekSchedule, error) {
	var schedules []WeekSchedule
	err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID).Order("id ASC").Find(&schedules).Error
	return schedules, err
}

func validateScheduledWorkouts(workouts []ScheduledWorkout) error {
	if err := validateDayOfWeek(workouts); err != nil {
		return err
	}
	for _, workout := range workouts {
		if len(workout.TimeOfDay) > timeOfDayLen {
			return fmt.Errorf("%w: time of day %q", ErrInvalidEntity, workout.TimeOfDay)
		}
	}
	return nil
}

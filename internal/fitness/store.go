package fitness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the requested local row does not exist.
	ErrNotFound = errors.New("fitness: not found")
	// ErrUnknownMuscleGroup indicates a muscle group name that is not seeded.
	ErrUnknownMuscleGroup = errors.New("fitness: unknown muscle group")
	// ErrExerciseInUse indicates an exercise still referenced by workouts or templates.
	ErrExerciseInUse = errors.New("fitness: exercise is referenced by workouts or templates")
	// ErrGuestUser indicates an operation that only a signed-in user may perform.
	ErrGuestUser = errors.New("fitness: operation not allowed for the guest user")
	// ErrInvalidEntity indicates an entity that fails basic validation.
	ErrInvalidEntity = errors.New("fitness: invalid entity")

	errMissingDatabase = errors.New("fitness: database handle is required")
)

const (
	queryID           = "id = ?"
	queryIDIn         = "id IN ?"
	queryGlobalID     = "global_id = ?"
	queryOwnerID      = "owner_id = ?"
	queryQueueEntity  = "table_name = ? AND local_id = ?"
	orderPosition     = "position ASC, id ASC"
	orderQueueID      = "queue_id ASC"
	columnOwnerID     = "owner_id"
	columnGlobalID    = "global_id"
	columnSelected    = "selected"
	columnLastSync    = "last_sync"
	columnActive      = "active"
	guestEmailAddress = "guest@local"
)

// StoreConfig describes the dependencies of the local entity store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local relational entity store and change queue. Every mutation made through
// its repository methods records the matching change queue entry in the same transaction.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// LoadAggregate reads the current state of a root and its children by local id.
// The boolean is false when the row no longer exists.
func (s *Store) LoadAggregate(ctx context.Context, kind EntityKind, localID int64) (Aggregate, bool, error) {
	aggregate, err := loadAggregate(s.db.WithContext(ctx), kind, localID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return aggregate, true, nil
}

func loadAggregate(tx *gorm.DB, kind EntityKind, localID int64) (Aggregate, error) {
	switch kind {
	case KindExercises:
		return loadExercise(tx, localID)
	case KindWorkouts:
		return loadWorkout(tx, localID)
	case KindBodyMeasurements:
		return loadMeasurement(tx, localID)
	case KindWorkoutTemplates:
		return loadTemplate(tx, localID)
	case KindWeekSchedules:
		return loadSchedule(tx, localID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, kind)
	}
}

func takeByID(tx *gorm.DB, destination any, localID int64) error {
	err := tx.Where(queryID, localID).Take(destination).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func loadExercise(tx *gorm.DB, localID int64) (ExerciseAggregate, error) {
	var exercise Exercise
	if err := takeByID(tx, &exercise, localID); err != nil {
		return ExerciseAggregate{}, err
	}
	var names []string
	err := tx.Model(&MuscleGroup{}).
		Joins("JOIN exercise_muscle_groups ON exercise_muscle_groups.muscle_group_id = muscle_groups.id").
		Where("exercise_muscle_groups.exercise_id = ?", localID).
		Order("muscle_groups.name ASC").
		Pluck("muscle_groups.name", &names).Error
	if err != nil {
		return ExerciseAggregate{}, err
	}
	return ExerciseAggregate{Exercise: exercise, MuscleGroups: names}, nil
}

func loadWorkout(tx *gorm.DB, localID int64) (WorkoutAggregate, error) {
	var workout Workout
	if err := takeByID(tx, &workout, localID); err != nil {
		return WorkoutAggregate{}, err
	}
	var entries []WorkoutExercise
	if err := tx.Where("workout_id = ?", localID).Order(orderPosition).Find(&entries).Error; err != nil {
		return WorkoutAggregate{}, err
	}
	aggregate := WorkoutAggregate{Workout: workout, Exercises: make([]WorkoutExerciseAggregate, 0, len(entries))}
	for _, entry := range entries {
		var sets []Set
		if err := tx.Where("workout_exercise_id = ?", entry.ID).Order(orderPosition).Find(&sets).Error; err != nil {
			return WorkoutAggregate{}, err
		}
		aggregate.Exercises = append(aggregate.Exercises, WorkoutExerciseAggregate{Entry: entry, Sets: sets})
	}
	return aggregate, nil
}

func loadMeasurement(tx *gorm.DB, localID int64) (MeasurementAggregate, error) {
	var measurement BodyMeasurement
	if err := takeByID(tx, &measurement, localID); err != nil {
		return MeasurementAggregate{}, err
	}
	return MeasurementAggregate{Measurement: measurement}, nil
}

func loadTemplate(tx *gorm.DB, localID int64) (TemplateAggregate, error) {
	var template WorkoutTemplate
	if err := takeByID(tx, &template, localID); err != nil {
		return TemplateAggregate{}, err
	}
	var exerciseIDs []int64
	err := tx.Model(&WorkoutTemplateExercise{}).
		Where("template_id = ?", localID).
		Order(orderPosition).
		Pluck("exercise_id", &exerciseIDs).Error
	if err != nil {
		return TemplateAggregate{}, err
	}
	return TemplateAggregate{Template: template, ExerciseIDs: exerciseIDs}, nil
}

func loadSchedule(tx *gorm.DB, localID int64) (ScheduleAggregate, error) {
	var schedule WeekSchedule
	if err := takeByID(tx, &schedule, localID); err != nil {
		return ScheduleAggregate{}, err
	}
	var workouts []ScheduledWorkout
	if err := tx.Where("schedule_id = ?", localID).Order("day_of_week ASC, id ASC").Find(&workouts).Error; err != nil {
		return ScheduleAggregate{}, err
	}
	return ScheduleAggregate{Schedule: schedule, Workouts: workouts}, nil
}

// muscleGroupIDs resolves muscle group names. Unknown names are returned separately.
func muscleGroupIDs(tx *gorm.DB, names []string) ([]int64, []string, error) {
	normalized := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}
	if len(normalized) == 0 {
		return nil, nil, nil
	}

	var groups []MuscleGroup
	if err := tx.Where("name IN ?", normalized).Find(&groups).Error; err != nil {
		return nil, nil, err
	}
	byName := make(map[string]int64, len(groups))
	for _, group := range groups {
		byName[group.Name] = group.ID
	}

	ids := make([]int64, 0, len(normalized))
	var unknown []string
	for _, name := range normalized {
		id, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, unknown, nil
}

func replaceExerciseMuscleGroups(tx *gorm.DB, exerciseID int64, groupIDs []int64) error {
	if err := tx.Where("exercise_id = ?", exerciseID).Delete(&ExerciseMuscleGroup{}).Error; err != nil {
		return err
	}
	for _, groupID := range groupIDs {
		link := ExerciseMuscleGroup{ExerciseID: exerciseID, MuscleGroupID: groupID}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

func deleteWorkoutChildren(tx *gorm.DB, workoutID int64) error {
	var entryIDs []int64
	if err := tx.Model(&WorkoutExercise{}).Where("workout_id = ?", workoutID).Pluck("id", &entryIDs).Error; err != nil {
		return err
	}
	if len(entryIDs) > 0 {
		if err := tx.Where("workout_exercise_id IN ?", entryIDs).Delete(&Set{}).Error; err != nil {
			return err
		}
	}
	return tx.Where("workout_id = ?", workoutID).Delete(&WorkoutExercise{}).Error
}

func replaceWorkoutChildren(tx *gorm.DB, workoutID int64, exercises []WorkoutExerciseAggregate) error {
	if err := deleteWorkoutChildren(tx, workoutID); err != nil {
		return err
	}
	for index, exercise := range exercises {
		entry := WorkoutExercise{
			WorkoutID:  workoutID,
			ExerciseID: exercise.Entry.ExerciseID,
			Position:   positionOrIndex(exercise.Entry.Position, index),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		for setIndex, set := range exercise.Sets {
			row := Set{
				WorkoutExerciseID: entry.ID,
				Position:          positionOrIndex(set.Position, setIndex),
				Reps:              set.Reps,
				WeightKg:          set.WeightKg,
				Completed:         set.Completed,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func replaceTemplateExercises(tx *gorm.DB, templateID int64, exerciseIDs []int64) error {
	if err := tx.Where("template_id = ?", templateID).Delete(&WorkoutTemplateExercise{}).Error; err != nil {
		return err
	}
	for index, exerciseID := range exerciseIDs {
		link := WorkoutTemplateExercise{TemplateID: templateID, ExerciseID: exerciseID, Position: index}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

func replaceScheduledWorkouts(tx *gorm.DB, scheduleID int64, workouts []ScheduledWorkout) error {
	if err := tx.Where("schedule_id = ?", scheduleID).Delete(&ScheduledWorkout{}).Error; err != nil {
		return err
	}
	for _, workout := range workouts {
		row := ScheduledWorkout{
			ScheduleID: scheduleID,
			DayOfWeek:  workout.DayOfWeek,
			Name:       workout.Name,
			TimeOfDay:  workout.TimeOfDay,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// clearSelectedSchedules unselects every schedule of the owner except keepID.
// It returns the ids that changed.
func clearSelectedSchedules(tx *gorm.DB, ownerID, keepID int64) ([]int64, error) {
	var changed []int64
	err := tx.Model(&WeekSchedule{}).
		Where("owner_id = ? AND selected = ? AND id <> ?", ownerID, true, keepID).
		Pluck("id", &changed).Error
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := tx.Model(&WeekSchedule{}).Where(queryIDIn, changed).Update(columnSelected, false).Error; err != nil {
		return nil, err
	}
	return changed, nil
}

func positionOrIndex(position, index int) int {
	if position > 0 {
		return position
	}
	return index
}

func validateDayOfWeek(workouts []ScheduledWorkout) error {
	for _, workout := range workouts {
		if workout.DayOfWeek < 0 || workout.DayOfWeek > 6 {
			return fmt.Errorf("%w: day of week %d out of range", ErrInvalidEntity, workout.DayOfWeek)
		}
	}
	return nil
}

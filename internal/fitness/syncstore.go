package fitness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActiveUser returns the signed-in, non-guest user. The boolean is false in guest mode.
func (s *Store) ActiveUser(ctx context.Context) (User, bool, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("is_guest = ? AND active = ?", false, true).
		Order("id ASC").
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// GuestUser returns the distinguished guest identity seeded by migrations.
func (s *Store) GuestUser(ctx context.Context) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("is_guest = ?", true).Order("id ASC").Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: guest user", ErrNotFound)
	}
	return user, err
}

// User returns a local user by id.
func (s *Store) User(ctx context.Context, userID int64) (User, error) {
	var user User
	if err := takeByID(s.db.WithContext(ctx), &user, userID); err != nil {
		return User{}, err
	}
	return user, nil
}

// AdvanceWatermark moves the user's watermark forward. Older or equal values are ignored.
func (s *Store) AdvanceWatermark(ctx context.Context, userID int64, watermark time.Time) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return advanceWatermark(tx, userID, watermark)
	})
}

func advanceWatermark(tx *gorm.DB, userID int64, watermark time.Time) error {
	var user User
	if err := takeByID(tx, &user, userID); err != nil {
		return err
	}
	if user.IsGuest {
		return ErrGuestUser
	}
	current, err := user.Watermark()
	if err != nil {
		return err
	}
	if current != nil && !watermark.After(*current) {
		return nil
	}
	return tx.Model(&User{}).Where(queryID, userID).Update(columnLastSync, FormatWatermark(watermark)).Error
}

// PendingChanges lists the queue entries of ownerID in FIFO order.
func (s *Store) PendingChanges(ctx context.Context, ownerID int64) ([]ChangeQueueEntry, error) {
	var entries []ChangeQueueEntry
	err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID).Order(orderQueueID).Find(&entries).Error
	return entries, err
}

// Completion describes a change the server accepted.
type Completion struct {
	QueueID int64
	Kind    EntityKind
	LocalID int64
	// AssignedID is the server id returned by a create call.
	AssignedID *int64
	UserID     int64
	Watermark  time.Time
}

// CompleteUpload records an accepted change: it stores the server id on a created row,
// removes the queue entry and advances the watermark in one transaction.
func (s *Store) CompleteUpload(ctx context.Context, completion Completion) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if completion.AssignedID != nil {
			assigned, err := assignGlobalID(tx, completion.Kind, completion.LocalID, *completion.AssignedID)
			if err != nil {
				return err
			}
			if !assigned {
				// Row deleted while the create was in flight. The recorder already dropped
				// the entry, so queue a delete intent for the id the server just assigned.
				if err := s.queueOrphanDelete(tx, completion); err != nil {
					return err
				}
				return advanceWatermark(tx, completion.UserID, completion.Watermark)
			}
		}
		if err := tx.Delete(&ChangeQueueEntry{}, completion.QueueID).Error; err != nil {
			return err
		}
		return advanceWatermark(tx, completion.UserID, completion.Watermark)
	})
}

// queueOrphanDelete replaces the completed entry with a delete intent that has no local row.
// The local id is left empty so a reused row id cannot collide with it.
func (s *Store) queueOrphanDelete(tx *gorm.DB, completion Completion) error {
	if err := tx.Delete(&ChangeQueueEntry{}, completion.QueueID).Error; err != nil {
		return err
	}
	entry := ChangeQueueEntry{
		Table:    completion.Kind.String(),
		GlobalID: copyID(completion.AssignedID),
		OwnerID:  completion.UserID,
		QueuedAt: s.clock().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}
	s.logger.Info("delete intent queued for row removed during upload",
		zap.String("table", entry.Table),
		zap.Int64("global_id", *completion.AssignedID),
		zap.Int64("user_id", completion.UserID))
	return nil
}

func assignGlobalID(tx *gorm.DB, kind EntityKind, localID, globalID int64) (bool, error) {
	model, err := rootModel(kind)
	if err != nil {
		return false, err
	}
	result := tx.Model(model).Where(queryID, localID).Update(columnGlobalID, globalID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DropChange removes a queue entry that has nothing left to tell the server.
func (s *Store) DropChange(ctx context.Context, queueID int64) error {
	return s.db.WithContext(ctx).Delete(&ChangeQueueEntry{}, queueID).Error
}

// ExerciseGlobalIDs maps local exercise ids to server ids. Exercises never uploaded are absent.
func (s *Store) ExerciseGlobalIDs(ctx context.Context, localIDs []int64) (map[int64]int64, error) {
	result := make(map[int64]int64, len(localIDs))
	if len(localIDs) == 0 {
		return result, nil
	}
	var exercises []Exercise
	err := s.db.WithContext(ctx).
		Where("id IN ? AND global_id IS NOT NULL", localIDs).
		Find(&exercises).Error
	if err != nil {
		return nil, err
	}
	for _, exercise := range exercises {
		result[exercise.ID] = *exercise.GlobalID
	}
	return result, nil
}

// ExerciseLocalIDs maps server exercise ids to local ids. Exercises not downloaded yet are absent.
func (s *Store) ExerciseLocalIDs(ctx context.Context, globalIDs []int64) (map[int64]int64, error) {
	result := make(map[int64]int64, len(globalIDs))
	if len(globalIDs) == 0 {
		return result, nil
	}
	var exercises []Exercise
	if err := s.db.WithContext(ctx).Where("global_id IN ?", globalIDs).Find(&exercises).Error; err != nil {
		return nil, err
	}
	for _, exercise := range exercises {
		result[*exercise.GlobalID] = exercise.ID
	}
	return result, nil
}

// RemoteBatch is one downloaded page translated to local form. Upserts carry the server id
// in their GlobalID and local ids in every exercise reference.
type RemoteBatch struct {
	Upserts []Aggregate
	Deletes []int64
}

// ApplyStats counts what ApplyRemote did with a batch.
type ApplyStats struct {
	Inserted int
	Updated  int
	Deleted  int
	// Skipped counts upserts suppressed by a pending local delete.
	Skipped int
	// DroppedRelations counts child links whose target does not exist locally.
	DroppedRelations int
}

// Add accumulates other into the receiver.
func (a *ApplyStats) Add(other ApplyStats) {
	a.Inserted += other.Inserted
	a.Updated += other.Updated
	a.Deleted += other.Deleted
	a.Skipped += other.Skipped
	a.DroppedRelations += other.DroppedRelations
}

// ApplyRemote merges one downloaded page for userID in a single transaction.
// Deletes are applied before upserts. Re-applying the same batch leaves the store unchanged.
func (s *Store) ApplyRemote(ctx context.Context, userID int64, kind EntityKind, batch RemoteBatch) (ApplyStats, error) {
	if _, err := ParseEntityKind(kind.String()); err != nil {
		return ApplyStats{}, err
	}
	var stats ApplyStats
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		stats = ApplyStats{}
		for _, globalID := range batch.Deletes {
			deleted, err := deleteRemote(tx, kind, globalID)
			if err != nil {
				return err
			}
			if deleted {
				stats.Deleted++
			}
		}
		for _, upsert := range batch.Upserts {
			if upsert.Kind() != kind {
				return fmt.Errorf("fitness: batch for %s contains %s", kind, upsert.Kind())
			}
			if upsert.Ref().GlobalID == nil {
				return fmt.Errorf("%w: downloaded %s without server id", ErrInvalidEntity, kind)
			}
			outcome, err := s.upsertRemote(tx, userID, upsert)
			if err != nil {
				return err
			}
			stats.Add(outcome)
		}
		return nil
	})
	if err != nil {
		return ApplyStats{}, err
	}
	return stats, nil
}

func (s *Store) upsertRemote(tx *gorm.DB, userID int64, upsert Aggregate) (ApplyStats, error) {
	kind := upsert.Kind()
	globalID := *upsert.Ref().GlobalID

	localID, found, err := localIDByGlobalID(tx, kind, globalID)
	if err != nil {
		return ApplyStats{}, err
	}
	if !found {
		pending, err := pendingDeleteIntent(tx, kind, globalID)
		if err != nil {
			return ApplyStats{}, err
		}
		if pending {
			s.logger.Info("downloaded record skipped: local delete pending",
				zap.String("table", kind.String()),
				zap.Int64("global_id", globalID))
			return ApplyStats{Skipped: 1}, nil
		}
	}

	var stats ApplyStats
	if found {
		stats.Updated = 1
	} else {
		stats.Inserted = 1
	}

	switch value := upsert.(type) {
	case ExerciseAggregate:
		dropped, err := upsertExercise(tx, userID, localID, found, value)
		stats.DroppedRelations = dropped
		return stats, err
	case WorkoutAggregate:
		return stats, upsertWorkout(tx, userID, localID, found, value)
	case MeasurementAggregate:
		return stats, upsertMeasurement(tx, userID, localID, found, value)
	case TemplateAggregate:
		return stats, upsertTemplate(tx, userID, localID, found, value)
	case ScheduleAggregate:
		return stats, upsertSchedule(tx, userID, localID, found, value)
	default:
		return ApplyStats{}, fmt.Errorf("%w: %T", ErrUnknownTable, upsert)
	}
}

func upsertExercise(tx *gorm.DB, userID, localID int64, found bool, value ExerciseAggregate) (int, error) {
	exercise := value.Exercise
	exercise.ID = localID
	exercise.OwnerID = userID
	if err := saveRoot(tx, &exercise, found); err != nil {
		return 0, err
	}
	groupIDs, unknown, err := muscleGroupIDs(tx, value.MuscleGroups)
	if err != nil {
		return 0, err
	}
	return len(unknown), replaceExerciseMuscleGroups(tx, exercise.ID, groupIDs)
}

func upsertWorkout(tx *gorm.DB, userID, localID int64, found bool, value WorkoutAggregate) error {
	workout := value.Workout
	workout.ID = localID
	workout.OwnerID = userID
	workout.StartedAt = workout.StartedAt.UTC()
	if err := saveRoot(tx, &workout, found); err != nil {
		return err
	}
	return replaceWorkoutChildren(tx, workout.ID, value.Exercises)
}

func upsertMeasurement(tx *gorm.DB, userID, localID int64, found bool, value MeasurementAggregate) error {
	measurement := value.Measurement
	measurement.ID = localID
	measurement.OwnerID = userID
	measurement.MeasuredAt = measurement.MeasuredAt.UTC()
	return saveRoot(tx, &measurement, found)
}

func upsertTemplate(tx *gorm.DB, userID, localID int64, found bool, value TemplateAggregate) error {
	template := value.Template
	template.ID = localID
	template.OwnerID = userID
	if err := saveRoot(tx, &template, found); err != nil {
		return err
	}
	return replaceTemplateExercises(tx, template.ID, value.ExerciseIDs)
}

func upsertSchedule(tx *gorm.DB, userID, localID int64, found bool, value ScheduleAggregate) error {
	schedule := value.Schedule
	schedule.ID = localID
	schedule.OwnerID = userID
	if schedule.Selected {
		if _, err := clearSelectedSchedules(tx, userID, localID); err != nil {
			return err
		}
	}
	if err := saveRoot(tx, &schedule, found); err != nil {
		return err
	}
	return replaceScheduledWorkouts(tx, schedule.ID, value.Workouts)
}

// saveRoot inserts a new row or overwrites every column of an existing one.
func saveRoot(tx *gorm.DB, row any, exists bool) error {
	if exists {
		return tx.Save(row).Error
	}
	return tx.Create(row).Error
}

func deleteRemote(tx *gorm.DB, kind EntityKind, globalID int64) (bool, error) {
	localID, found, err := localIDByGlobalID(tx, kind, globalID)
	if err != nil || !found {
		return false, err
	}

	switch kind {
	case KindExercises:
		err = deleteExerciseCascade(tx, localID)
	case KindWorkouts:
		err = deleteWorkoutChildren(tx, localID)
	case KindWorkoutTemplates:
		err = tx.Where("template_id = ?", localID).Delete(&WorkoutTemplateExercise{}).Error
	case KindWeekSchedules:
		err = tx.Where("schedule_id = ?", localID).Delete(&ScheduledWorkout{}).Error
	}
	if err != nil {
		return false, err
	}

	model, err := rootModel(kind)
	if err != nil {
		return false, err
	}
	if err := tx.Where(queryID, localID).Delete(model).Error; err != nil {
		return false, err
	}
	if err := tx.Where(queryQueueEntity, kind.String(), localID).Delete(&ChangeQueueEntry{}).Error; err != nil {
		return false, err
	}
	return true, nil
}

// deleteExerciseCascade removes every local reference to an exercise the server deleted.
func deleteExerciseCascade(tx *gorm.DB, exerciseID int64) error {
	var entryIDs []int64
	if err := tx.Model(&WorkoutExercise{}).Where("exercise_id = ?", exerciseID).Pluck("id", &entryIDs).Error; err != nil {
		return err
	}
	if len(entryIDs) > 0 {
		if err := tx.Where("workout_exercise_id IN ?", entryIDs).Delete(&Set{}).Error; err != nil {
			return err
		}
		if err := tx.Where(queryIDIn, entryIDs).Delete(&WorkoutExercise{}).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("exercise_id = ?", exerciseID).Delete(&WorkoutTemplateExercise{}).Error; err != nil {
		return err
	}
	return tx.Where("exercise_id = ?", exerciseID).Delete(&ExerciseMuscleGroup{}).Error
}

func localIDByGlobalID(tx *gorm.DB, kind EntityKind, globalID int64) (int64, bool, error) {
	model, err := rootModel(kind)
	if err != nil {
		return 0, false, err
	}
	var ids []int64
	if err := tx.Model(model).Where(queryGlobalID, globalID).Limit(1).Pluck("id", &ids).Error; err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func pendingDeleteIntent(tx *gorm.DB, kind EntityKind, globalID int64) (bool, error) {
	var count int64
	err := tx.Model(&ChangeQueueEntry{}).
		Where("table_name = ? AND global_id = ?", kind.String(), globalID).
		Count(&count).Error
	return count > 0, err
}

func rootModel(kind EntityKind) (any, error) {
	switch kind {
	case KindExercises:
		return &Exercise{}, nil
	case KindWorkouts:
		return &Workout{}, nil
	case KindBodyMeasurements:
		return &BodyMeasurement{}, nil
	case KindWorkoutTemplates:
		return &WorkoutTemplate{}, nil
	case KindWeekSchedules:
		return &WeekSchedule{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, kind)
	}
}

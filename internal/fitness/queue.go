package fitness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityKind names a syncable root table. Child tables travel with their root.
type EntityKind string

const (
	KindExercises        EntityKind = "exercises"
	KindWorkouts         EntityKind = "workouts"
	KindBodyMeasurements EntityKind = "body_measurements"
	KindWorkoutTemplates EntityKind = "workout_templates"
	KindWeekSchedules    EntityKind = "week_schedules"
)

// ErrUnknownTable reports a queue row whose table name no longer maps to a kind.
var ErrUnknownTable = errors.New("fitness: unknown table")

// SyncOrder lists the kinds in foreign-key dependency order: exercises first.
var SyncOrder = []EntityKind{
	KindExercises,
	KindWorkouts,
	KindBodyMeasurements,
	KindWorkoutTemplates,
	KindWeekSchedules,
}

// ParseEntityKind validates a persisted table name.
func ParseEntityKind(raw string) (EntityKind, error) {
	switch EntityKind(strings.TrimSpace(raw)) {
	case KindExercises:
		return KindExercises, nil
	case KindWorkouts:
		return KindWorkouts, nil
	case KindBodyMeasurements:
		return KindBodyMeasurements, nil
	case KindWorkoutTemplates:
		return KindWorkoutTemplates, nil
	case KindWeekSchedules:
		return KindWeekSchedules, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, raw)
	}
}

// String returns the table name.
func (k EntityKind) String() string {
	return string(k)
}

// ChangeQueueEntry records one pending outbound mutation. At most one entry exists per
// (table_name, local_id); entries are uploaded in queue_id order.
type ChangeQueueEntry struct {
	QueueID   int64     `gorm:"column:queue_id;primaryKey;autoIncrement"`
	Table     string    `gorm:"column:table_name;size:64;not null;uniqueIndex:idx_change_queue_entity,priority:1"`
	LocalID   *int64    `gorm:"column:local_id;uniqueIndex:idx_change_queue_entity,priority:2"`
	GlobalID  *int64    `gorm:"column:global_id;index"`
	OwnerID   int64     `gorm:"column:owner_id;not null;index"`
	QueuedAt  time.Time `gorm:"column:queued_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeQueueEntry) TableName() string {
	return "change_queue"
}

// Kind parses the entry's table name.
func (e ChangeQueueEntry) Kind() (EntityKind, error) {
	return ParseEntityKind(e.Table)
}

const watermarkLayout = time.RFC3339Nano

// FormatWatermark renders a watermark in the persisted ISO-8601 form.
func FormatWatermark(value time.Time) string {
	return value.UTC().Format(watermarkLayout)
}

// ParseWatermark parses a persisted ISO-8601 watermark.
func ParseWatermark(raw string) (time.Time, error) {
	parsed, err := time.Parse(watermarkLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("fitness: invalid watermark %q: %w", raw, err)
	}
	return parsed.UTC(), nil
}

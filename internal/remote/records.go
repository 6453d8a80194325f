package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
)

// Record is one server-side entity as it travels over the wire. Children reference
// their parents by server id.
type Record interface {
	Kind() fitness.EntityKind
	RecordID() int64
	IsDeleted() bool
	record()
}

// Meta carries the fields every record shares.
type Meta struct {
	ID        int64     `json:"id"`
	Deleted   bool      `json:"deleted"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

func (m Meta) RecordID() int64 { return m.ID }

func (m Meta) IsDeleted() bool { return m.Deleted }

// ExerciseRecord is the wire form of an exercise. Muscle groups travel by name.
type ExerciseRecord struct {
	Meta
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	MuscleGroups []string `json:"muscleGroups"`
}

func (ExerciseRecord) Kind() fitness.EntityKind { return fitness.KindExercises }

func (ExerciseRecord) record() {}

// SetRecord is one set of a workout exercise.
type SetRecord struct {
	Reps      int     `json:"reps"`
	WeightKg  float64 `json:"weightKg"`
	Completed bool    `json:"completed"`
}

// WorkoutExerciseRecord references an exercise by server id.
type WorkoutExerciseRecord struct {
	ExerciseID int64       `json:"exerciseId"`
	Sets       []SetRecord `json:"sets"`
}

type WorkoutRecord struct {
	Meta
	Name            string                  `json:"name"`
	Notes           string                  `json:"notes"`
	StartedAt       time.Time               `json:"startedAt"`
	DurationSeconds int64                   `json:"durationSeconds"`
	Exercises       []WorkoutExerciseRecord `json:"exercises"`
}

func (WorkoutRecord) Kind() fitness.EntityKind { return fitness.KindWorkouts }

func (WorkoutRecord) record() {}

type BodyMeasurementRecord struct {
	Meta
	MeasuredAt     time.Time `json:"measuredAt"`
	WeightKg       *float64  `json:"weightKg,omitempty"`
	BodyFatPercent *float64  `json:"bodyFatPercent,omitempty"`
	ChestCm        *float64  `json:"chestCm,omitempty"`
	WaistCm        *float64  `json:"waistCm,omitempty"`
	HipsCm         *float64  `json:"hipsCm,omitempty"`
	Notes          string    `json:"notes"`
}

func (BodyMeasurementRecord) Kind() fitness.EntityKind { return fitness.KindBodyMeasurements }

func (BodyMeasurementRecord) record() {}

// WorkoutTemplateRecord lists its exercises by server id, in order.
type WorkoutTemplateRecord struct {
	Meta
	Name        string  `json:"name"`
	Description string  `json:"description"`
	ExerciseIDs []int64 `json:"exerciseIds"`
}

func (WorkoutTemplateRecord) Kind() fitness.EntityKind { return fitness.KindWorkoutTemplates }

func (WorkoutTemplateRecord) record() {}

type ScheduledWorkoutRecord struct {
	DayOfWeek int    `json:"dayOfWeek"`
	Name      string `json:"name"`
	TimeOfDay string `json:"timeOfDay"`
}

type WeekScheduleRecord struct {
	Meta
	Name     string                   `json:"name"`
	Selected bool                     `json:"selected"`
	Workouts []ScheduledWorkoutRecord `json:"workouts"`
}

func (WeekScheduleRecord) Kind() fitness.EntityKind { return fitness.KindWeekSchedules }

func (WeekScheduleRecord) record() {}

// DecodeRecord parses one JSON record of the given kind.
func DecodeRecord(kind fitness.EntityKind, raw json.RawMessage) (Record, error) {
	switch kind {
	case fitness.KindExercises:
		return decodeAs[ExerciseRecord](raw)
	case fitness.KindWorkouts:
		return decodeAs[WorkoutRecord](raw)
	case fitness.KindBodyMeasurements:
		return decodeAs[BodyMeasurementRecord](raw)
	case fitness.KindWorkoutTemplates:
		return decodeAs[WorkoutTemplateRecord](raw)
	case fitness.KindWeekSchedules:
		return decodeAs[WeekScheduleRecord](raw)
	default:
		return nil, fmt.Errorf("%w: %q", fitness.ErrUnknownTable, kind)
	}
}

func decodeAs[T Record](raw json.RawMessage) (Record, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", value.Kind(), err)
	}
	return value, nil
}

// WithMeta returns a copy of record carrying the given server metadata.
func WithMeta(record Record, meta Meta) Record {
	switch value := record.(type) {
	case ExerciseRecord:
		value.Meta = meta
		return value
	case WorkoutRecord:
		value.Meta = meta
		return value
	case BodyMeasurementRecord:
		value.Meta = meta
		return value
	case WorkoutTemplateRecord:
		value.Meta = meta
		return value
	case WeekScheduleRecord:
		value.Meta = meta
		return value
	default:
		return record
	}
}

// Tombstone builds the deleted form of a record of the given kind.
func Tombstone(kind fitness.EntityKind, id int64, updatedAt time.Time) (Record, error) {
	meta := Meta{ID: id, Deleted: true, UpdatedAt: updatedAt}
	switch kind {
	case fitness.KindExercises:
		return ExerciseRecord{Meta: meta}, nil
	case fitness.KindWorkouts:
		return WorkoutRecord{Meta: meta}, nil
	case fitness.KindBodyMeasurements:
		return BodyMeasurementRecord{Meta: meta}, nil
	case fitness.KindWorkoutTemplates:
		return WorkoutTemplateRecord{Meta: meta}, nil
	case fitness.KindWeekSchedules:
		return WeekScheduleRecord{Meta: meta}, nil
	default:
		return nil, fmt.Errorf("%w: %q", fitness.ErrUnknownTable, kind)
	}
}

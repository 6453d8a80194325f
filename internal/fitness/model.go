package fitness

import "time"

// User is a local account. Exactly one guest user exists; at most one non-guest user is active.
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email     string    `gorm:"column:email;size:320;not null;default:''"`
	RemoteID  string    `gorm:"column:remote_id;size:190;not null;default:'';index"`
	IsGuest   bool      `gorm:"column:is_guest;not null;default:false"`
	Active    bool      `gorm:"column:active;not null;default:false"`
	LastSync  *string   `gorm:"column:last_sync;size:64"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Watermark parses the stored last-sync value. A nil result means the user never synced.
func (u User) Watermark() (*time.Time, error) {
	if u.LastSync == nil || *u.LastSync == "" {
		return nil, nil
	}
	parsed, err := ParseWatermark(*u.LastSync)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// MuscleGroup is seeded reference data shared by every user.
type MuscleGroup struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:64;not null;uniqueIndex"`
}

// TableName provides the explicit table binding for GORM.
func (MuscleGroup) TableName() string {
	return "muscle_groups"
}

// Exercise is a user-defined movement.
type Exercise struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GlobalID    *int64 `gorm:"column:global_id;uniqueIndex"`
	OwnerID     int64  `gorm:"column:owner_id;not null;index"`
	Name        string `gorm:"column:name;size:190;not null"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
	Category    string `gorm:"column:category;size:64;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Exercise) TableName() string {
	return "exercises"
}

// ExerciseMuscleGroup links exercises to the muscle groups they train.
type ExerciseMuscleGroup struct {
	ExerciseID    int64 `gorm:"column:exercise_id;primaryKey"`
	MuscleGroupID int64 `gorm:"column:muscle_group_id;primaryKey"`
}

// TableName provides the explicit table binding for GORM.
func (ExerciseMuscleGroup) TableName() string {
	return "exercise_muscle_groups"
}

// Workout is a logged training session.
type Workout struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	GlobalID        *int64    `gorm:"column:global_id;uniqueIndex"`
	OwnerID         int64     `gorm:"column:owner_id;not null;index"`
	Name            string    `gorm:"column:name;size:190;not null"`
	Notes           string    `gorm:"column:notes;type:text;not null;default:''"`
	StartedAt       time.Time `gorm:"column:started_at;not null"`
	DurationSeconds int64     `gorm:"column:duration_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Workout) TableName() string {
	return "workouts"
}

// WorkoutExercise places an exercise inside a workout.
type WorkoutExercise struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement"`
	WorkoutID  int64 `gorm:"column:workout_id;not null;index"`
	ExerciseID int64 `gorm:"column:exercise_id;not null;index"`
	Position   int   `gorm:"column:position;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (WorkoutExercise) TableName() string {
	return "workout_exercises"
}

// Set is one performed set of a workout exercise.
type Set struct {
	ID                int64   `gorm:"column:id;primaryKey;autoIncrement"`
	WorkoutExerciseID int64   `gorm:"column:workout_exercise_id;not null;index"`
	Position          int     `gorm:"column:position;not null;default:0"`
	Reps              int     `gorm:"column:reps;not null;default:0"`
	WeightKg          float64 `gorm:"column:weight_kg;not null;default:0"`
	Completed         bool    `gorm:"column:completed;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Set) TableName() string {
	return "sets"
}

// WorkoutTemplate is a reusable list of exercises.
type WorkoutTemplate struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GlobalID    *int64 `gorm:"column:global_id;uniqueIndex"`
	OwnerID     int64  `gorm:"column:owner_id;not null;index"`
	Name        string `gorm:"column:name;size:190;not null"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (WorkoutTemplate) TableName() string {
	return "workout_templates"
}

// WorkoutTemplateExercise places an exercise inside a template.
type WorkoutTemplateExercise struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement"`
	TemplateID int64 `gorm:"column:template_id;not null;index"`
	ExerciseID int64 `gorm:"column:exercise_id;not null;index"`
	Position   int   `gorm:"column:position;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (WorkoutTemplateExercise) TableName() string {
	return "workout_template_exercises"
}

// BodyMeasurement is a dated set of body metrics. Unset metrics are nil.
type BodyMeasurement struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	GlobalID       *int64    `gorm:"column:global_id;uniqueIndex"`
	OwnerID        int64     `gorm:"column:owner_id;not null;index"`
	MeasuredAt     time.Time `gorm:"column:measured_at;not null"`
	WeightKg       *float64  `gorm:"column:weight_kg"`
	BodyFatPercent *float64  `gorm:"column:body_fat_pct"`
	ChestCm        *float64  `gorm:"column:chest_cm"`
	WaistCm        *float64  `gorm:"column:waist_cm"`
	HipsCm         *float64  `gorm:"column:hips_cm"`
	Notes          string    `gorm:"column:notes;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (BodyMeasurement) TableName() string {
	return "body_measurements"
}

// WeekSchedule groups scheduled workouts for a week. One schedule per user may be selected.
type WeekSchedule struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GlobalID *int64 `gorm:"column:global_id;uniqueIndex"`
	OwnerID  int64  `gorm:"column:owner_id;not null;index"`
	Name     string `gorm:"column:name;size:190;not null"`
	Selected bool   `gorm:"column:selected;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (WeekSchedule) TableName() string {
	return "week_schedules"
}

// ScheduledWorkout is one planned session of a week schedule.
type ScheduledWorkout struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ScheduleID int64  `gorm:"column:schedule_id;not null;index"`
	DayOfWeek  int    `gorm:"column:day_of_week;not null"`
	Name       string `gorm:"column:name;size:190;not null"`
	TimeOfDay  string `gorm:"column:time_of_day;size:5;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduledWorkout) TableName() string {
	return "scheduled_workouts"
}

// Models lists every table owned by the local store, in migration order.
func Models() []any {
	return []any{
		&User{},
		&MuscleGroup{},
		&Exercise{},
		&ExerciseMuscleGroup{},
		&Workout{},
		&WorkoutExercise{},
		&Set{},
		&WorkoutTemplate{},
		&WorkoutTemplateExercise{},
		&BodyMeasurement{},
		&WeekSchedule{},
		&ScheduledWorkout{},
		&ChangeQueueEntry{},
	}
}

package fitness

// EntityRef identifies a syncable root row.
type EntityRef struct {
	LocalID  int64
	GlobalID *int64
	OwnerID  int64
}

// Aggregate is a syncable root together with the children that travel with it.
// The set of implementations is closed: one per EntityKind.
type Aggregate interface {
	Kind() EntityKind
	Ref() EntityRef
	aggregate()
}

// ExerciseAggregate is an exercise with the names of the muscle groups it trains.
type ExerciseAggregate struct {
	Exercise     Exercise
	MuscleGroups []string
}

func (a ExerciseAggregate) Kind() EntityKind { return KindExercises }

func (a ExerciseAggregate) Ref() EntityRef {
	return EntityRef{LocalID: a.Exercise.ID, GlobalID: a.Exercise.GlobalID, OwnerID: a.Exercise.OwnerID}
}

func (ExerciseAggregate) aggregate() {}

// WorkoutExerciseAggregate is one exercise slot of a workout with its sets.
type WorkoutExerciseAggregate struct {
	Entry WorkoutExercise
	Sets  []Set
}

// WorkoutAggregate is a workout with its exercises and sets.
type WorkoutAggregate struct {
	Workout   Workout
	Exercises []WorkoutExerciseAggregate
}

func (a WorkoutAggregate) Kind() EntityKind { return KindWorkouts }

func (a WorkoutAggregate) Ref() EntityRef {
	return EntityRef{LocalID: a.Workout.ID, GlobalID: a.Workout.GlobalID, OwnerID: a.Workout.OwnerID}
}

func (WorkoutAggregate) aggregate() {}

// TemplateAggregate is a workout template with its ordered local exercise ids.
type TemplateAggregate struct {
	Template    WorkoutTemplate
	ExerciseIDs []int64
}

func (a TemplateAggregate) Kind() EntityKind { return KindWorkoutTemplates }

func (a TemplateAggregate) Ref() EntityRef {
	return EntityRef{LocalID: a.Template.ID, GlobalID: a.Template.GlobalID, OwnerID: a.Template.OwnerID}
}

func (TemplateAggregate) aggregate() {}

// MeasurementAggregate wraps a body measurement, which has no children.
type MeasurementAggregate struct {
	Measurement BodyMeasurement
}

func (a MeasurementAggregate) Kind() EntityKind { return KindBodyMeasurements }

func (a MeasurementAggregate) Ref() EntityRef {
	return EntityRef{LocalID: a.Measurement.ID, GlobalID: a.Measurement.GlobalID, OwnerID: a.Measurement.OwnerID}
}

func (MeasurementAggregate) aggregate() {}

// ScheduleAggregate is a week schedule with its scheduled workouts.
type ScheduleAggregate struct {
	Schedule WeekSchedule
	Workouts []ScheduledWorkout
}

func (a ScheduleAggregate) Kind() EntityKind { return KindWeekSchedules }

func (a ScheduleAggregate) Ref() EntityRef {
	return EntityRef{LocalID: a.Schedule.ID, GlobalID: a.Schedule.GlobalID, OwnerID: a.Schedule.OwnerID}
}

func (ScheduleAggregate) aggregate() {}

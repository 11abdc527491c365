package models

import "time"

// Exercise identifies the movement being performed.
type Exercise struct {
	Name         string   `json:"name" validate:"required,max=120"`
	Category     string   `json:"category" validate:"max=60"`
	MuscleGroups []string `json:"muscleGroups" validate:"max=20,dive,max=60"`
}

// CurrentSet describes the set in progress.
type CurrentSet struct {
	Number    int     `json:"number" validate:"gte=0,lte=1000"`
	Reps      int     `json:"reps" validate:"gte=0,lte=10000"`
	Weight    float64 `json:"weight" validate:"gte=0,lte=10000"`
	Rest      int     `json:"rest" validate:"gte=0,lte=86400"`
	Completed bool    `json:"completed"`
}

// Progress describes where the broadcaster is in the workout.
type Progress struct {
	ExercisesCompleted int `json:"exercisesCompleted" validate:"gte=0"`
	TotalExercises     int `json:"totalExercises" validate:"gte=0"`
	ElapsedSeconds     int `json:"elapsedSeconds" validate:"gte=0"`
	RemainingSeconds   int `json:"remainingSeconds" validate:"gte=0"`
}

// WorkoutUpdateEvent is published once per set transition.
type WorkoutUpdateEvent struct {
	SessionID  string     `json:"sessionId" validate:"required,max=128"`
	OwnerID    string     `json:"ownerId" validate:"required,max=128"`
	Exercise   Exercise   `json:"exercise"`
	CurrentSet CurrentSet `json:"currentSet"`
	Progress   Progress   `json:"progress"`
	Timestamp  time.Time  `json:"timestamp" validate:"required"`
}

// Clone returns a deep copy of e.
func (e WorkoutUpdateEvent) Clone() WorkoutUpdateEvent {
	if e.Exercise.MuscleGroups != nil {
		e.Exercise.MuscleGroups = append([]string(nil), e.Exercise.MuscleGroups...)
	}
	return e
}

// Filter applies the data-sharing flags. It returns nil when the current
// exercise must not be shared at all.
func (e WorkoutUpdateEvent) Filter(s Settings) *WorkoutUpdateEvent {
	if !s.ShowCurrentExercise {
		return nil
	}
	out := e.Clone()
	if !s.ShowSetDetails {
		out.CurrentSet = CurrentSet{Number: e.CurrentSet.Number, Completed: e.CurrentSet.Completed}
	} else if !s.ShowWeights {
		out.CurrentSet.Weight = 0
	}
	if !s.ShowProgress {
		out.Progress = Progress{}
	}
	return &out
}

// PersonalRecord is a record set during the session.
type PersonalRecord struct {
	Exercise string    `json:"exercise" validate:"required,max=120"`
	Type     string    `json:"type" validate:"max=40"`
	Value    float64   `json:"value"`
	Previous float64   `json:"previous"`
	At       time.Time `json:"at"`
}

// SessionStatsEvent carries aggregate counters for the session so far.
type SessionStatsEvent struct {
	SessionID          string           `json:"sessionId" validate:"required,max=128"`
	OwnerID            string           `json:"ownerId" validate:"required,max=128"`
	TotalTimeSeconds   int              `json:"totalTimeSeconds" validate:"gte=0"`
	ExercisesCompleted int              `json:"exercisesCompleted" validate:"gte=0"`
	SetsCompleted      int              `json:"setsCompleted" validate:"gte=0"`
	TotalReps          int              `json:"totalReps" validate:"gte=0"`
	TotalVolume        float64          `json:"totalVolume" validate:"gte=0"`
	Calories           int              `json:"calories" validate:"gte=0"`
	PersonalRecords    []PersonalRecord `json:"personalRecords" validate:"max=100,dive"`
	Timestamp          time.Time        `json:"timestamp" validate:"required"`
}

// Clone returns a deep copy of e.
func (e SessionStatsEvent) Clone() SessionStatsEvent {
	if e.PersonalRecords != nil {
		e.PersonalRecords = append([]PersonalRecord(nil), e.PersonalRecords...)
	}
	return e
}

// Filter applies the data-sharing flags. It returns nil when session stats
// must not be shared.
func (e SessionStatsEvent) Filter(s Settings) *SessionStatsEvent {
	if !s.ShowSessionStats {
		return nil
	}
	out := e.Clone()
	if !s.ShowPersonalRecords {
		out.PersonalRecords = nil
	}
	if !s.ShowWeights {
		out.TotalVolume = 0
	}
	return &out
}

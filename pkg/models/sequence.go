package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SequenceState is the lifecycle state of an EventSequence.
type SequenceState string

// Sequence lifecycle states. succeeded, failed, skipped and orphaned are
// terminal: once entered, state, finished_at and error never change again.
const (
	SequenceInProgress SequenceState = "in_progress"
	SequenceFrozen     SequenceState = "frozen"
	SequenceSucceeded  SequenceState = "succeeded"
	SequenceFailed     SequenceState = "failed"
	SequenceSkipped    SequenceState = "skipped"
	SequenceOrphaned   SequenceState = "orphaned"
)

// Terminal reports whether the state permits no further transitions.
func (s SequenceState) Terminal() bool {
	switch s {
	case SequenceSucceeded, SequenceFailed, SequenceSkipped, SequenceOrphaned:
		return true
	}
	return false
}

// SequenceMeta is the free-form progress metadata attached to a running
// sequence. It is replaced wholesale by meta updates.
type SequenceMeta map[string]any

// EventSequence is a bounded execution run of a task: a start, optional
// progress metadata, and a terminal outcome.
type EventSequence struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	AppID          primitive.ObjectID `bson:"app_id" json:"app_id"`
	TaskID         string             `bson:"task_id" json:"task_id"`
	TaskName       string             `bson:"task_name" json:"task_name"` // qualified
	Name           string             `bson:"name" json:"name"`
	Meta           SequenceMeta       `bson:"meta,omitempty" json:"meta,omitempty"`
	State          SequenceState      `bson:"state" json:"state"`
	StateUpdatedAt time.Time          `bson:"state_updated_at" json:"state_updated_at"`
	ConnectionID   string             `bson:"connection_id,omitempty" json:"connection_id,omitempty"`
	CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
	FinishedAt     *time.Time         `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	Error          string             `bson:"error,omitempty" json:"error,omitempty"`
	ExpiresAt      time.Time          `bson:"expires_at" json:"expires_at"`
}

// DefaultSequenceTTL is how long a sequence row is retained after creation.
const DefaultSequenceTTL = 3 * 24 * time.Hour

// TerminalState picks the terminal state for a finishing sequence.
func TerminalState(isSkipped bool, errorMessage string) SequenceState {
	switch {
	case isSkipped:
		return SequenceSkipped
	case errorMessage != "":
		return SequenceFailed
	default:
		return SequenceSucceeded
	}
}

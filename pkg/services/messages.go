package services

import (
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// Transit bus messages. High-frequency domain facts go through the bus so
// counter writes and monitoring fan-outs can be batched in front of the
// store.

// NewEvent announces one persisted Event.
type NewEvent struct {
	EventID primitive.ObjectID
	AppID   primitive.ObjectID
	TaskID  string
}

// SequenceCreated announces a freshly opened sequence.
type SequenceCreated struct {
	SequenceID primitive.ObjectID
	AppID      primitive.ObjectID
	TaskID     string
}

// SequenceFinished announces a terminal outcome.
type SequenceFinished struct {
	SequenceID primitive.ObjectID
	AppID      primitive.ObjectID
	TaskID     string
	Error      string
}

// SequenceUpdated announces a meta change on a running sequence.
type SequenceUpdated struct {
	Sequence *models.EventSequence
}

// LogsAppended announces a batch of stored log lines. Last is the cursor of
// the newest line (unix microseconds).
type LogsAppended struct {
	AppID      primitive.ObjectID
	SequenceID *primitive.ObjectID
	Count      int
	Last       int64
}

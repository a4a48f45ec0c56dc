package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reserved event types. Only the engine emits these; agents publishing them
// through create_event are rejected with a validation error.
const (
	EventStart     = "start"
	EventStop      = "stop"
	EventFrozen    = "frozen"
	EventUnfrozen  = "unfrozen"
	EventCancelled = "cancelled"
	EventFailed    = "failed"
	EventSucceeded = "succeeded"
)

var reservedEventTypes = map[string]bool{
	EventStart:     true,
	EventStop:      true,
	EventFrozen:    true,
	EventUnfrozen:  true,
	EventCancelled: true,
	EventFailed:    true,
	EventSucceeded: true,
}

// ReservedEventType reports whether name may only be emitted by the engine.
func ReservedEventType(name string) bool {
	return reservedEventTypes[name]
}

// Event is an immutable fact published by an agent or emitted by the engine.
// There is no update path for events.
type Event struct {
	ID          primitive.ObjectID  `bson:"_id,omitempty" json:"_id"`
	AppID       primitive.ObjectID  `bson:"app_id" json:"app_id"`
	TaskName    string              `bson:"task_name,omitempty" json:"task_name,omitempty"`
	TaskID      string              `bson:"task_id,omitempty" json:"task_id,omitempty"`
	SequenceID  *primitive.ObjectID `bson:"sequence_id,omitempty" json:"sequence_id,omitempty"`
	EventType   string              `bson:"event_type" json:"event_type"`
	EventKey    string              `bson:"event_key" json:"event_key"`
	Data        any                 `bson:"data,omitempty" json:"data,omitempty"`
	PublisherIP string              `bson:"publisher_ip" json:"publisher_ip"`
	T           int64               `bson:"t" json:"t"` // unix microseconds
}

// SequenceEventKey is the routing key of a sequence-bound event.
func SequenceEventKey(qualifiedTaskName, eventType string) string {
	return qualifiedTaskName + "/" + eventType
}

// FreeFormEventKey is the routing key of an event not bound to a sequence.
func FreeFormEventKey(appName, eventType string) string {
	return appName + "/_/" + eventType
}

// StopEventKey is the routing key of the engine-emitted stop events. Stop
// events use a distinct "<type>@<task>" shape so subscribers can match all
// terminations of a task with a single key.
func StopEventKey(stopType, qualifiedTaskName string) string {
	if qualifiedTaskName == "" {
		return stopType
	}
	return stopType + "@" + qualifiedTaskName
}

// Micros converts a time to the microsecond timestamps stored in events and
// log records.
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Task body types. The body is a tagged union: the Type field selects how
// the agent interprets Value.
const (
	TaskBodyArbitrary = "arbitrary"
	TaskBodyScript    = "script"
	TaskBodyExec      = "exec"
)

// ValidTaskBodyType reports whether t is a known task body discriminator.
func ValidTaskBodyType(t string) bool {
	switch t {
	case TaskBodyArbitrary, TaskBodyScript, TaskBodyExec:
		return true
	}
	return false
}

// TaskBody is the tagged-union definition of what a task runs.
type TaskBody struct {
	Type  string `bson:"type" json:"type"`
	Value any    `bson:"value" json:"value"`
}

// TaskTrigger describes one way a task may be started by the agent.
type TaskTrigger struct {
	// Kind is one of "cron", "event" or "fsnotify".
	Kind string `bson:"kind" json:"kind"`
	// Value holds the cron expression, the event key, or the watched path.
	Value string `bson:"value" json:"value"`
}

// Trigger kinds.
const (
	TriggerCron     = "cron"
	TriggerEvent    = "event"
	TriggerFSNotify = "fsnotify"
)

// ApplicationTask is the definition of a job an agent may run. Its
// QualifiedName ("<app.name>/<task.name>") is globally unique among
// non-deleted tasks.
type ApplicationTask struct {
	ID            string             `bson:"_id" json:"_id"` // uuid
	AppID         primitive.ObjectID `bson:"app_id" json:"app_id"`
	Name          string             `bson:"name" json:"name"`
	QualifiedName string             `bson:"qualified_name" json:"qualified_name"`
	Description   string             `bson:"description,omitempty" json:"description,omitempty"`
	Tags          []string           `bson:"tags" json:"tags"`
	Body          TaskBody           `bson:"body" json:"body"`
	Env           map[string]string  `bson:"env,omitempty" json:"env,omitempty"`
	Triggers      []TaskTrigger      `bson:"triggers" json:"triggers"`
	LastUpdated   time.Time          `bson:"last_updated" json:"last_updated"`
	DeletedAt     *time.Time         `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

// QualifiedTaskName builds "<app name>/<task name>".
func QualifiedTaskName(appName, taskName string) string {
	return appName + "/" + taskName
}

// DeletedTaskName frees the per-app unique task name on soft delete.
func DeletedTaskName(name string) string {
	return fmt.Sprintf("%s (DELETED)", name)
}

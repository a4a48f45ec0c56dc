package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// CreateApplicationRequest contains fields for creating a new application.
type CreateApplicationRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// UpdateApplicationRequest patches an application. Nil fields keep the
// stored value.
type UpdateApplicationRequest struct {
	DisplayName *string   `json:"display_name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Disabled    *bool     `json:"disabled,omitempty"`
}

// CreateTaskRequest contains fields for defining a task on an application.
type CreateTaskRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Body        TaskBody          `json:"body"`
	Env         map[string]string `json:"env,omitempty"`
	Triggers    []TaskTrigger     `json:"triggers,omitempty"`
}

// UpdateTaskRequest patches a task definition. Nil fields keep the stored
// value.
type UpdateTaskRequest struct {
	Description *string            `json:"description,omitempty"`
	Tags        *[]string          `json:"tags,omitempty"`
	Body        *TaskBody          `json:"body,omitempty"`
	Env         *map[string]string `json:"env,omitempty"`
	Triggers    *[]TaskTrigger     `json:"triggers,omitempty"`
}

// CreateEventRequest publishes a free-form event, optionally bound to a
// sequence. Name must not be a reserved event type.
type CreateEventRequest struct {
	Name       string              `json:"name"`
	Data       any                 `json:"data,omitempty"`
	SequenceID *primitive.ObjectID `json:"sequence_id,omitempty"`
}

// CreateSequenceRequest opens a new execution run. The task is resolved by
// TaskID or by qualified TaskName; exactly one must be set.
type CreateSequenceRequest struct {
	TaskID       string       `json:"task_id,omitempty"`
	TaskName     string       `json:"task_name,omitempty"`
	CustomName   string       `json:"custom_name,omitempty"`
	Meta         SequenceMeta `json:"meta,omitempty"`
	ConnectionID string       `json:"connection_id,omitempty"`
}

// FinishSequenceRequest closes a sequence with a terminal outcome.
type FinishSequenceRequest struct {
	ErrorMessage string `json:"error_message,omitempty"`
	IsSkipped    bool   `json:"is_skipped,omitempty"`
}

// LogEntry is one line in a send_log batch.
type LogEntry struct {
	Severity LogSeverity    `json:"severity"`
	Body     string         `json:"body"`
	Extra    map[string]any `json:"extra,omitempty"`
	T        int64          `json:"t,omitempty"` // unix microseconds; 0 means "now"
}

// SendLogRequest is the agent send_log payload.
type SendLogRequest struct {
	SequenceID *primitive.ObjectID `json:"sequence_id,omitempty"`
	Logs       []LogEntry          `json:"logs"`
}

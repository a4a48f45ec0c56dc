package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LogSeverity is the numeric severity of an AppLog record.
type LogSeverity int

// Log severities, ordered.
const (
	SeverityUnknown LogSeverity = 0
	SeverityDebug   LogSeverity = 10
	SeverityInfo    LogSeverity = 20
	SeverityWarning LogSeverity = 30
	SeverityError   LogSeverity = 40
	SeverityFatal   LogSeverity = 50
)

// Normalize clamps unknown severity values to SeverityUnknown so malformed
// agent input never produces out-of-range rows.
func (s LogSeverity) Normalize() LogSeverity {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityFatal:
		return s
	}
	return SeverityUnknown
}

// AppLog is a single log line bound to an app and optionally to a sequence.
// The backing collection may be capped; callers must not rely on logs
// surviving arbitrarily long.
type AppLog struct {
	ID         primitive.ObjectID  `bson:"_id,omitempty" json:"_id"`
	AppID      primitive.ObjectID  `bson:"app_id" json:"app_id"`
	SequenceID *primitive.ObjectID `bson:"sequence_id,omitempty" json:"sequence_id,omitempty"`
	Severity   LogSeverity         `bson:"severity" json:"severity"`
	Body       string              `bson:"body" json:"body"`
	Extra      map[string]any      `bson:"extra,omitempty" json:"extra,omitempty"`
	T          int64               `bson:"t" json:"t"` // unix microseconds
}

package models

import (
	"fmt"
	"time"
)

// Counter is an advisory aggregate keyed by (subject, period). Increments
// are upsert+inc; values are last-writer-wins point-in-time reads, never
// authoritative.
type Counter struct {
	Subject string `bson:"subject" json:"subject"`
	Period  string `bson:"period" json:"period"`
	Value   int64  `bson:"value" json:"value"`
}

// Counter subjects.
const (
	CounterSequences         = "sequences"
	CounterFinishedSequences = "finished_sequences"
	CounterFailedSequences   = "failed_sequences"
	CounterEvents            = "events"
)

// AppCounterSubject scopes a subject to one application.
func AppCounterSubject(subject, appID string) string {
	return subject + "/app/" + appID
}

// TaskCounterSubject scopes a subject to one task.
func TaskCounterSubject(subject, taskID string) string {
	return subject + "/task/" + taskID
}

// CounterPeriods returns the year/month/week/day bucket keys of t in UTC.
// Every increment touches all four buckets for its subject.
func CounterPeriods(t time.Time) []string {
	t = t.UTC()
	year, week := t.ISOWeek()
	return []string{
		fmt.Sprintf("y%d", t.Year()),
		fmt.Sprintf("m%d-%02d", t.Year(), t.Month()),
		fmt.Sprintf("w%d-%02d", year, week),
		fmt.Sprintf("d%d-%02d-%02d", t.Year(), t.Month(), t.Day()),
	}
}

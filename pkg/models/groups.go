package models

import "strings"

// Group name builders. Fan-out targets groups, not connections; these
// helpers are the single source of truth for the group namespace.

// AgentGroup is the control group joined by every agent of an app.
// Carries task_updated, task_removed and force_reconnect.
func AgentGroup(appID string) string { return "a/" + appID }

// EventKeyGroup carries new_event for one routing key. Joined by agents with
// an explicit subscription and by operator wildcards.
func EventKeyGroup(eventKey string) string { return "e/key/" + eventKey }

// MonitoringPrefix guards the operator topic namespace: operators may only
// join groups under it.
const MonitoringPrefix = "m/"

// MonitoringGroup reports whether name is a joinable operator topic.
func MonitoringGroup(name string) bool {
	return strings.HasPrefix(name, MonitoringPrefix) && len(name) > len(MonitoringPrefix)
}

// Operator monitoring groups.
func AppMonitoringGroup(appID string) string       { return "m/app/" + appID }
func AppEventsGroup(appID string) string           { return "m/appEvents/" + appID }
func AppLogsGroup(appID string) string             { return "m/appLogs/" + appID }
func SequenceGroup(sequenceID string) string       { return "m/sequence/" + sequenceID }
func SequenceShortGroup(sequenceID string) string  { return "m/seq/" + sequenceID }
func SequenceEventsGroup(sequenceID string) string { return "m/sequenceEvents/" + sequenceID }
func SequenceLogsGroup(sequenceID string) string   { return "m/sequenceLogs/" + sequenceID }

// User-directed groups.
func UserGroup(userID string) string { return "u/" + userID }
func SessionGroup(sid string) string { return "session/" + sid }

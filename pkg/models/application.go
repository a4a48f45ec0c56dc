// Package models contains the persisted domain entities and the request
// shapes shared by the REST handlers and the hub message handlers.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// nameRe constrains application and task names to lowercase identifiers.
var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// ValidName reports whether s is a valid application or task name.
func ValidName(s string) bool {
	return len(s) <= 128 && nameRe.MatchString(s)
}

// Application is a fleet member. Agents authenticate on its behalf with the
// long-lived access key.
type Application struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Name        string             `bson:"name" json:"name"`
	DisplayName string             `bson:"display_name" json:"display_name"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	Tags        []string           `bson:"tags" json:"tags"`
	AccessKey   string             `bson:"access_key" json:"-"`
	Disabled    bool               `bson:"disabled" json:"disabled"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	DeletedAt   *time.Time         `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

// ConnectionInfo is the persisted record of a (re-)connecting agent session.
// Exactly one row exists per ConnectionUUID; hello upserts it.
type ConnectionInfo struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	ConnectionUUID     string             `bson:"connection_uuid" json:"connection_uuid"`
	AppID              primitive.ObjectID `bson:"app_id" json:"app_id"`
	IP                 string             `bson:"ip" json:"ip"`
	OS                 string             `bson:"os" json:"os"`
	ClientName         string             `bson:"client_name" json:"client_name"`
	ClientVersion      string             `bson:"client_version" json:"client_version"`
	Fingerprint        string             `bson:"fingerprint" json:"fingerprint"`
	MachineID          string             `bson:"machine_id" json:"machine_id"`
	InstanceID         string             `bson:"instance_id,omitempty" json:"instance_id,omitempty"`
	IsConnected        bool               `bson:"is_connected" json:"is_connected"`
	ConnectedAt        time.Time          `bson:"connected_at" json:"connected_at"`
	DisconnectedAt     *time.Time         `bson:"disconnected_at,omitempty" json:"disconnected_at,omitempty"`
	ExpiresAt          *time.Time         `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	EventSubscriptions []string           `bson:"event_subscriptions" json:"event_subscriptions"`
	// Revision implements optimistic concurrency for concurrent hello /
	// disconnect updates from different instances.
	Revision int64 `bson:"revision" json:"-"`
}

// ApplicationClientInfo is the payload of the agent "hello" frame.
type ApplicationClientInfo struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	CompatibilityKey string `json:"compatibility_key"`
	OSInfo           string `json:"os_info"`
	ConnectionUUID   string `json:"connection_uuid"`
	MachineID        string `json:"machine_id"`
	InstanceID       string `json:"instance_id,omitempty"`
}

// Fingerprint derives the stable client fingerprint from the client name and
// compatibility key. The hash input is the canonical JSON encoding of
// [1, name, compatibility_key] so the value is identical across processes
// and operating systems. The leading 1 is the fingerprint format version.
func Fingerprint(name, compatibilityKey string) string {
	input, _ := json.Marshal([]any{1, name, compatibilityKey})
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// Server is the best-effort registry row of an agent host, refreshed on hello.
type Server struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	AppID    primitive.ObjectID `bson:"app_id" json:"app_id"`
	IP       string             `bson:"ip" json:"ip"`
	OS       string             `bson:"os,omitempty" json:"os,omitempty"`
	LastSeen time.Time          `bson:"last_seen" json:"last_seen"`
}

// OneTimeSecurityCode bootstraps a new Application without a user session.
// The code starts with a 10-minute TTL; confirmation extends it to 10 days.
type OneTimeSecurityCode struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Code      string             `bson:"code" json:"code"`
	CodeType  string             `bson:"code_type" json:"code_type"`
	Confirmed bool               `bson:"confirmed" json:"confirmed"`
	ExpiresAt time.Time          `bson:"expires_at" json:"expires_at"`
	IPAddress string             `bson:"ip_address" json:"ip_address"`
}

// DeletedName returns the rename applied on application soft delete so the
// unique name is freed for reuse.
func DeletedName(name string, at time.Time) string {
	return fmt.Sprintf("_deleted_%d_%s", at.Unix(), name)
}

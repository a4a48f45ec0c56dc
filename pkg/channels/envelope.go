// Package channels implements the per-connection mailbox and group
// membership layer on top of the backplane. Fan-out names groups; the layer
// realizes group membership as backplane subscriptions on the
// "cl/message/<group>" prefix and stamps the group back onto deliveries as
// the topic.
package channels

import "encoding/json"

// Envelope kinds flowing into a connection mailbox.
const (
	EnvelopeMessage    = "message"
	EnvelopeDisconnect = "disconnect"
	EnvelopeEvent      = "event" // reserved
)

// Message is the inner typed payload of a message envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Envelope is one mailbox item. Topic is set when the envelope was delivered
// from a group channel, so the hub can forward it as a topic-scoped frame.
type Envelope struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Event   *Message `json:"event,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// messageChannelPrefix is the backplane namespace for group fan-out.
const messageChannelPrefix = "cl/message/"

// GroupChannel maps a group name to its backplane channel.
func GroupChannel(group string) string { return messageChannelPrefix + group }

// groupFromChannel recovers the group name from a backplane channel,
// returning "" for channels outside the fan-out namespace.
func groupFromChannel(channel string) string {
	if len(channel) <= len(messageChannelPrefix) || channel[:len(messageChannelPrefix)] != messageChannelPrefix {
		return ""
	}
	return channel[len(messageChannelPrefix):]
}

// wire forms used on the backplane.

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireEnvelope struct {
	Type    string       `json:"type"`
	Message *wireMessage `json:"message,omitempty"`
	Event   *wireMessage `json:"event,omitempty"`
}

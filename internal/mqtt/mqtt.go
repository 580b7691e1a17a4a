// Package mqtt provides MQTT publishing and subscription with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strconv"
	"time"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Switch and button payloads used on state and command topics.
const (
	PayloadOn    = "ON"
	PayloadOff   = "OFF"
	PayloadPress = "PRESS"
)

// Message is an inbound MQTT message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound messages. It is called from the client's
// network goroutine and must not block.
type Handler func(Message)

// Publisher publishes to MQTT.
type Publisher interface {
	// PublishState sends an entity state or discovery message. While the
	// broker is unreachable it is buffered and replayed on reconnect.
	PublishState(topic string, payload []byte, retained bool) error

	// PublishCommand sends a command to the unit. It is never buffered;
	// the caller sees the failure.
	PublishCommand(topic string, payload []byte) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Subscriber delivers inbound messages. Subscriptions survive reconnects.
type Subscriber interface {
	Subscribe(topic string, h Handler) error
	Unsubscribe(topics ...string) error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Topics derives the daemon's own topic names from its base topic and the
// Home Assistant discovery settings.
type Topics struct {
	Base            string
	DiscoveryPrefix string
	NodeID          string
}

// Availability is the retained online/offline topic.
func (t Topics) Availability() string { return t.Base + "/availability" }

// System is the topic for lifecycle events.
func (t Topics) System() string { return t.Base + "/system" }

// State is the state topic of an entity.
func (t Topics) State(key string) string { return t.Base + "/" + key + "/state" }

// Command is the command topic of a switch entity.
func (t Topics) Command(key string) string { return t.Base + "/" + key + "/set" }

// Press is the command topic of a button entity.
func (t Topics) Press(key string) string { return t.Base + "/" + key + "/press" }

// Discovery is the retained config topic of an entity.
func (t Topics) Discovery(component, key string) string {
	return t.DiscoveryPrefix + "/" + component + "/" + t.NodeID + "/" + key + "/config"
}

// FormatSensorState renders a sensor value with the shortest exact representation.
func FormatSensorState(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'f', -1, 64))
}

// FormatSwitchState renders ON or OFF.
func FormatSwitchState(on bool) []byte {
	if on {
		return []byte(PayloadOn)
	}
	return []byte(PayloadOff)
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// SystemPayload is the payload of a system event without a status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

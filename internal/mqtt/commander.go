package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/sweeney/rain-control/internal/logic"
)

// valvePayload is the body the unit expects on its valve topics.
type valvePayload struct {
	Valve bool `json:"valve"`
}

// ValveCommander sends valve commands to <topic>/on and <topic>/off.
type ValveCommander struct {
	pub   Publisher
	topic string
}

// NewValveCommander creates a commander publishing under topic.
func NewValveCommander(pub Publisher, topic string) *ValveCommander {
	return &ValveCommander{pub: pub, topic: topic}
}

// SendValve implements logic.Commander.
func (c *ValveCommander) SendValve(cmd logic.Command) error {
	payload, err := FormatValvePayload(cmd)
	if err != nil {
		return err
	}
	return c.pub.PublishCommand(c.topic+"/"+string(cmd), payload)
}

// FormatValvePayload returns {"valve":true} for on and {"valve":false} for off.
func FormatValvePayload(cmd logic.Command) ([]byte, error) {
	switch cmd {
	case logic.CommandOn:
		return json.Marshal(valvePayload{Valve: true})
	case logic.CommandOff:
		return json.Marshal(valvePayload{Valve: false})
	default:
		return nil, fmt.Errorf("unknown valve command %q", cmd)
	}
}

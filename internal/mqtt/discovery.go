package mqtt

import (
	"encoding/json"
	"fmt"
)

// Discovery component types.
const (
	ComponentSensor = "sensor"
	ComponentSwitch = "switch"
	ComponentButton = "button"
)

// UniqueIDPrefix prefixes every entity unique id.
const UniqueIDPrefix = "raincontrol_"

// DeviceInfo is the Home Assistant device block shared by every entity.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// NewDeviceInfo identifies the device by the persistent instance ID.
func NewDeviceInfo(instanceID, name string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         name,
		Manufacturer: "Rain Control",
		Model:        "Rain Control Unit",
	}
}

// EntityConfig is the discovery payload. Components ignore the fields
// they do not use, so one struct serves sensors, switches and buttons.
type EntityConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic,omitempty"`
	CommandTopic      string     `json:"command_topic,omitempty"`
	PayloadPress      string     `json:"payload_press,omitempty"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
}

// Entity describes one entity to announce.
type Entity struct {
	Component string
	Key       string
	Name      string
	Unit      string
	Icon      string
}

// Retained is a topic/payload pair published with the retain flag.
type Retained struct {
	Topic   string
	Payload []byte
}

// DiscoveryMessages builds the retained config message of every entity.
func DiscoveryMessages(topics Topics, device DeviceInfo, entities []Entity) ([]Retained, error) {
	out := make([]Retained, 0, len(entities))
	for _, e := range entities {
		cfg := EntityConfig{
			Name:              e.Name,
			UniqueID:          UniqueIDPrefix + e.Key,
			AvailabilityTopic: topics.Availability(),
			Device:            device,
			Icon:              e.Icon,
		}
		switch e.Component {
		case ComponentSensor:
			cfg.StateTopic = topics.State(e.Key)
			cfg.UnitOfMeasurement = e.Unit
			cfg.StateClass = "measurement"
		case ComponentSwitch:
			cfg.StateTopic = topics.State(e.Key)
			cfg.CommandTopic = topics.Command(e.Key)
		case ComponentButton:
			cfg.CommandTopic = topics.Press(e.Key)
			cfg.PayloadPress = PayloadPress
		default:
			return nil, fmt.Errorf("entity %s: unknown component %q", e.Key, e.Component)
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshal discovery for %s: %w", e.Key, err)
		}
		out = append(out, Retained{Topic: topics.Discovery(e.Component, e.Key), Payload: payload})
	}
	return out, nil
}

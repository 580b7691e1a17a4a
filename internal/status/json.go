package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	LastMessage   string       `json:"last_message,omitempty"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Sensors       []SensorJSON `json:"sensors"`
	Switches      []SwitchJSON `json:"switches"`
	Counts        CountsJSON   `json:"counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// SensorJSON is one sensor. Value is null until the first update.
type SensorJSON struct {
	Key   string   `json:"key"`
	Name  string   `json:"name"`
	Unit  string   `json:"unit"`
	Value *float64 `json:"value"`
}

// SwitchJSON is one switch.
type SwitchJSON struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// CountsJSON is the JSON representation of the running totals.
type CountsJSON struct {
	Messages        int `json:"messages"`
	DecodeErrors    int `json:"decode_errors"`
	SkippedUpdates  int `json:"skipped_updates"`
	CommandFailures int `json:"command_failures"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	DemoPeriodMs int64  `json:"demo_period_ms"`
	CleanHoldMs  int64  `json:"clean_hold_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	Window       int    `json:"window"`
	Broker       string `json:"broker"`
	DataTopic    string `json:"data_topic"`
	ValveTopic   string `json:"valve_topic"`
	HTTPAddr     string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Sensors:       make([]SensorJSON, 0, len(snap.Sensors)),
		Switches:      make([]SwitchJSON, 0, len(snap.Switches)),
		Counts: CountsJSON{
			Messages:        snap.Counts.Messages,
			DecodeErrors:    snap.Counts.DecodeErrors,
			SkippedUpdates:  snap.Counts.SkippedUpdates,
			CommandFailures: snap.Counts.CommandFailures,
		},
		Config: ConfigJSON{
			DemoPeriodMs: snap.Config.DemoPeriodMs,
			CleanHoldMs:  snap.Config.CleanHoldMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			Window:       snap.Config.Window,
			Broker:       snap.Config.Broker,
			DataTopic:    snap.Config.DataTopic,
			ValveTopic:   snap.Config.ValveTopic,
			HTTPAddr:     snap.Config.HTTPAddr,
		},
	}
	if snap.Ready() {
		inner.LastMessage = snap.LastMessage.UTC().Format(time.RFC3339)
	}

	for _, s := range snap.Sensors {
		sj := SensorJSON{Key: s.Key, Name: s.Name, Unit: s.Unit}
		if s.Valid {
			v := s.Value
			sj.Value = &v
		}
		inner.Sensors = append(inner.Sensors, sj)
	}
	for _, s := range snap.Switches {
		state := "OFF"
		if s.On {
			state = "ON"
		}
		inner.Switches = append(inner.Switches, SwitchJSON{Key: s.Key, Name: s.Name, State: state})
	}

	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

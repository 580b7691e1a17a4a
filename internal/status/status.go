// Package status provides a thread-safe view of the rain-control daemon's
// entity states for the HTTP page and the MQTT system events.
package status

import (
	"sync"
	"time"
)

// NetworkInfo contains network state written by the pi-helper service.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	DemoPeriodMs int64
	CleanHoldMs  int64
	HeartbeatMs  int64
	Window       int
	Broker       string
	DataTopic    string
	ValveTopic   string
	HTTPAddr     string
}

// SensorStatus is the display state of one sensor.
type SensorStatus struct {
	Key   string
	Name  string
	Unit  string
	Value float64
	Valid bool // false until the first update
}

// SwitchStatus is the display state of one switch.
type SwitchStatus struct {
	Key  string
	Name string
	On   bool
}

// Counts are running totals since startup.
type Counts struct {
	Messages        int
	DecodeErrors    int
	SkippedUpdates  int
	CommandFailures int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Sensors       []SensorStatus
	Switches      []SwitchStatus
	Counts        Counts
	LastMessage   time.Time
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether any telemetry has arrived.
func (s Snapshot) Ready() bool {
	return !s.LastMessage.IsZero()
}

// Tracker holds mutable daemon state behind an RWMutex. It implements
// logic.Notifier so it can sit next to the MQTT state publisher.
type Tracker struct {
	mu       sync.RWMutex
	snap     Snapshot
	sensors  map[string]int // key -> index in snap.Sensors
	switches map[string]int
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		sensors:  make(map[string]int),
		switches: make(map[string]int),
	}
}

// AddSensor registers a sensor. Sensors are listed in registration order.
func (t *Tracker) AddSensor(key, name, unit string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sensors[key]; ok {
		return
	}
	t.sensors[key] = len(t.snap.Sensors)
	t.snap.Sensors = append(t.snap.Sensors, SensorStatus{Key: key, Name: name, Unit: unit})
}

// AddSwitch registers a switch, initially off.
func (t *Tracker) AddSwitch(key, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.switches[key]; ok {
		return
	}
	t.switches[key] = len(t.snap.Switches)
	t.snap.Switches = append(t.snap.Switches, SwitchStatus{Key: key, Name: name})
}

// NotifySensor records a sensor state. Unregistered keys are ignored.
func (t *Tracker) NotifySensor(key string, value float64) {
	t.mu.Lock()
	if i, ok := t.sensors[key]; ok {
		t.snap.Sensors[i].Value = value
		t.snap.Sensors[i].Valid = true
	}
	t.mu.Unlock()
}

// NotifySwitch records a switch state. Unregistered keys are ignored.
func (t *Tracker) NotifySwitch(key string, on bool) {
	t.mu.Lock()
	if i, ok := t.switches[key]; ok {
		t.snap.Switches[i].On = on
	}
	t.mu.Unlock()
}

// RecordMessage counts an inbound telemetry message received at now.
func (t *Tracker) RecordMessage(now time.Time) {
	t.mu.Lock()
	t.snap.Counts.Messages++
	t.snap.LastMessage = now
	t.mu.Unlock()
}

// RecordDecodeError counts a malformed payload.
func (t *Tracker) RecordDecodeError() {
	t.mu.Lock()
	t.snap.Counts.DecodeErrors++
	t.mu.Unlock()
}

// RecordSkipped counts a skipped derived sensor update.
func (t *Tracker) RecordSkipped() {
	t.mu.Lock()
	t.snap.Counts.SkippedUpdates++
	t.mu.Unlock()
}

// RecordCommandFailure counts an undelivered valve command.
func (t *Tracker) RecordCommandFailure() {
	t.mu.Lock()
	t.snap.Counts.CommandFailures++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Sensors = append([]SensorStatus(nil), t.snap.Sensors...)
	s.Switches = append([]SwitchStatus(nil), t.snap.Switches...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

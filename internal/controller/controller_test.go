package controller

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sweeney/rain-control/internal/config"
	"github.com/sweeney/rain-control/internal/gpio"
	"github.com/sweeney/rain-control/internal/logic"
	"github.com/sweeney/rain-control/internal/metrics"
	"github.com/sweeney/rain-control/internal/mqtt"
	"github.com/sweeney/rain-control/internal/status"
)

var testTopics = mqtt.Topics{Base: "raincontrol", DiscoveryPrefix: "homeassistant", NodeID: "raincontrol"}

type harness struct {
	ctrl    *Controller
	client  *mqtt.FakeClient
	timers  *logic.FakeTimers
	tracker *status.Tracker
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, cfg *config.Config, relay gpio.Relay, extra ...logic.Notifier) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	h := &harness{
		client:  mqtt.NewFakeClient(),
		timers:  logic.NewFakeTimers(),
		tracker: status.NewTracker(time.Unix(0, 0), status.Config{}),
		reg:     prometheus.NewRegistry(),
	}
	ctrl, err := New(Options{
		Config:    cfg,
		Topics:    testTopics,
		Publisher: h.client,
		Timers:    h.timers,
		Tracker:   h.tracker,
		Metrics:   metrics.New(h.reg),
		Relay:     relay,
		Notifiers: extra,
		Rand:      rand.New(rand.NewSource(1)),
		Now:       func() time.Time { return time.Unix(100, 0) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) send(topic, payload string) {
	h.ctrl.HandleMessage(mqtt.Message{Topic: topic, Payload: []byte(payload)})
}

func (h *harness) commandTopics() []string {
	var out []string
	for _, c := range h.client.Commands {
		out = append(out, c.Topic)
	}
	return out
}

func (h *harness) sensorState(t *testing.T, key string) string {
	t.Helper()
	v, ok := h.client.LastState(testTopics.State(key))
	if !ok {
		t.Fatalf("no state published for %s", key)
	}
	return v
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := New(Options{Config: config.Default()}); err == nil {
		t.Error("expected error for missing publisher")
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Sensors = []config.SensorConfig{{Name: "Odd", Kind: "gauge", Field: "x", Topic: "api/v1/data"}}

	_, err := New(Options{
		Config:    cfg,
		Topics:    testTopics,
		Publisher: mqtt.NewFakeClient(),
		Timers:    logic.NewFakeTimers(),
		Tracker:   status.NewTracker(time.Now(), status.Config{}),
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
	if err == nil || !strings.Contains(err.Error(), "gauge") {
		t.Errorf("expected unknown kind error, got %v", err)
	}
}

func TestEntities(t *testing.T) {
	h := newHarness(t, nil, nil)

	entities := h.ctrl.Entities()
	if len(entities) != 12 {
		t.Fatalf("expected 9 sensors + 2 switches + 1 button, got %d", len(entities))
	}

	want := map[string]string{
		"water_flow_1":              mqtt.ComponentSensor,
		"uv_lamp_power":             mqtt.ComponentSensor,
		"cumulative_water_flow_2":   mqtt.ComponentSensor,
		"water_flow_sum_difference": mqtt.ComponentSensor,
		"valve_switch":              mqtt.ComponentSwitch,
		"demo_mode":                 mqtt.ComponentSwitch,
		"valve_clean_button":        mqtt.ComponentButton,
	}
	got := make(map[string]mqtt.Entity)
	for _, e := range entities {
		got[e.Key] = e
	}
	for key, component := range want {
		e, ok := got[key]
		if !ok {
			t.Errorf("missing entity %s", key)
			continue
		}
		if e.Component != component {
			t.Errorf("%s: component %s, want %s", key, e.Component, component)
		}
	}
	if got["uv_lamp_power"].Unit != "W" {
		t.Errorf("uv_lamp_power unit: %q", got["uv_lamp_power"].Unit)
	}

	if _, err := mqtt.DiscoveryMessages(testTopics, mqtt.NewDeviceInfo("id", "Rain Control"), entities); err != nil {
		t.Errorf("discovery for entities: %v", err)
	}
}

func TestSubscriptions(t *testing.T) {
	cfg := config.Default()
	cfg.Sensors = append(cfg.Sensors, config.SensorConfig{
		Name: "Tank Level", Kind: config.KindInstant, Field: "level", Unit: "l", Topic: "api/v1/tank",
	})
	h := newHarness(t, cfg, nil)

	want := []string{
		"api/v1/data",
		"api/v1/tank",
		"raincontrol/valve_switch/set",
		"raincontrol/demo_mode/set",
		"raincontrol/valve_clean_button/press",
	}
	got := h.ctrl.Subscriptions()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("subscriptions:\n got %v\nwant %v", got, want)
	}
}

func TestTelemetryUpdatesSensors(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("api/v1/data", `{"waterFlow1":2.5,"waterFlow2":1,"sensorCurrent":0.5,"flow1":10,"flow2":3,"waterFlowSum1":100,"waterFlowSum2":140}`)
	h.send("api/v1/data", `{"flow1":5}`)

	tests := []struct {
		key  string
		want string
	}{
		{"water_flow_1", "2.5"},
		{"water_flow_2", "1"},
		{"uv_lamp_current", "0.5"},
		{"cumulative_water_flow_1", "15"},
		{"cumulative_water_flow_2", "3"},
		{"water_flow_sum_difference", "40"},
	}
	for _, tt := range tests {
		if got := h.sensorState(t, tt.key); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.key, got, tt.want)
		}
	}

	snap := h.tracker.Snapshot()
	if snap.Counts.Messages != 2 {
		t.Errorf("messages: got %d, want 2", snap.Counts.Messages)
	}
	if !snap.Ready() {
		t.Error("tracker should be ready after telemetry")
	}
	for _, s := range snap.Sensors {
		if s.Key == "water_flow_1" && (!s.Valid || s.Value != 2.5) {
			t.Errorf("tracker water_flow_1: %+v", s)
		}
	}
}

func TestTelemetryPowerSensor(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("api/v1/data", `{"sensorCurrent":0.1}`)
	if got := h.sensorState(t, "uv_lamp_power"); got != "0" {
		t.Errorf("below threshold: got %s", got)
	}

	h.send("api/v1/data", `{"sensorCurrent":0.3}`)
	for _, s := range h.ctrl.Sensors() {
		if s.Key() != "uv_lamp_power" {
			continue
		}
		v, _ := s.Value()
		if v < 53 || v > 57 {
			t.Errorf("above threshold: got %v, want 55±2", v)
		}
	}
}

func TestTelemetryMalformedPayload(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("api/v1/data", `{"waterFlow1":1}`)
	h.client.Reset()

	h.send("api/v1/data", `not json`)

	if len(h.client.States) != 0 {
		t.Errorf("malformed payload must not publish, got %d", len(h.client.States))
	}
	snap := h.tracker.Snapshot()
	if snap.Counts.DecodeErrors != 1 {
		t.Errorf("decode errors: got %d, want 1", snap.Counts.DecodeErrors)
	}

	expected := `
# HELP rain_control_decode_errors_total Telemetry payloads that were not a JSON object.
# TYPE rain_control_decode_errors_total counter
rain_control_decode_errors_total 1
`
	if err := testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "rain_control_decode_errors_total"); err != nil {
		t.Error(err)
	}

	// Later messages are unaffected.
	h.send("api/v1/data", `{"waterFlow1":3}`)
	if got := h.sensorState(t, "water_flow_1"); got != "3" {
		t.Errorf("after malformed: got %s", got)
	}
}

func TestTelemetryMissingFieldSkipsDerived(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("api/v1/data", `{"waterFlowSum2":140}`)

	if _, ok := h.client.LastState(testTopics.State("water_flow_sum_difference")); ok {
		t.Error("difference should be skipped without waterFlowSum1")
	}
	snap := h.tracker.Snapshot()
	// power (no sensorCurrent) and difference are both skipped
	if snap.Counts.SkippedUpdates != 2 {
		t.Errorf("skipped: got %d, want 2", snap.Counts.SkippedUpdates)
	}

	expected := `
# HELP rain_control_skipped_updates_total Derived sensor updates skipped for a missing field.
# TYPE rain_control_skipped_updates_total counter
rain_control_skipped_updates_total{sensor="uv_lamp_power"} 1
rain_control_skipped_updates_total{sensor="water_flow_sum_difference"} 1
`
	if err := testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "rain_control_skipped_updates_total"); err != nil {
		t.Error(err)
	}
}

func TestValveSwitchCommands(t *testing.T) {
	relay := gpio.NewFakeRelay()
	h := newHarness(t, nil, relay)

	h.send("raincontrol/valve_switch/set", "ON")
	h.send("raincontrol/valve_switch/set", "OFF")
	h.send("raincontrol/valve_switch/set", "TOGGLE")

	want := []string{"api/v1/valve/on", "api/v1/valve/off"}
	if got := h.commandTopics(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("commands: got %v, want %v", got, want)
	}
	if string(h.client.Commands[0].Payload) != `{"valve":true}` {
		t.Errorf("on payload: %s", h.client.Commands[0].Payload)
	}
	if got := h.sensorState(t, "valve_switch"); got != "OFF" {
		t.Errorf("valve state: got %s", got)
	}
	if len(relay.States) != 2 || !relay.States[0] || relay.States[1] {
		t.Errorf("relay: got %v, want [true false]", relay.States)
	}
}

func TestValveCommandFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.client.PublishCommandError = mqtt.ErrNotConnected

	h.send("raincontrol/valve_switch/set", "ON")

	if h.ctrl.Valve().IsOn() {
		t.Error("valve must stay off when the command fails")
	}
	if _, ok := h.client.LastState(testTopics.State("valve_switch")); ok {
		t.Error("no state should be published for a failed command")
	}
	if got := h.tracker.Snapshot().Counts.CommandFailures; got != 1 {
		t.Errorf("command failures: got %d, want 1", got)
	}

	expected := `
# HELP rain_control_command_failures_total Valve commands that could not be delivered.
# TYPE rain_control_command_failures_total counter
rain_control_command_failures_total 1
`
	if err := testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "rain_control_command_failures_total"); err != nil {
		t.Error(err)
	}
}

func TestRelayFailureRevertsUnitCommand(t *testing.T) {
	relay := gpio.NewFakeRelay()
	relay.SetError = errors.New("line busy")
	h := newHarness(t, nil, relay)

	h.send("raincontrol/valve_switch/set", "ON")

	if h.ctrl.Valve().IsOn() {
		t.Error("valve must stay off when the relay fails")
	}
	want := []string{"api/v1/valve/on", "api/v1/valve/off"}
	if got := h.commandTopics(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("commands: got %v, want %v", got, want)
	}
	if _, ok := h.client.LastState(testTopics.State("valve_switch")); ok {
		t.Error("no state should be published for a failed command")
	}
	if got := h.tracker.Snapshot().Counts.CommandFailures; got != 1 {
		t.Errorf("command failures: got %d, want 1", got)
	}
}

func TestCleanButton(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("raincontrol/valve_clean_button/press", "PRESS")
	if !h.ctrl.Valve().IsOn() {
		t.Fatal("valve should be on during the pulse")
	}

	h.timers.Advance(4 * time.Second)
	if !h.ctrl.Valve().IsOn() {
		t.Fatal("valve turned off before the hold elapsed")
	}

	h.timers.Advance(time.Second)
	if h.ctrl.Valve().IsOn() {
		t.Error("valve should be off after the hold")
	}

	want := []string{"api/v1/valve/on", "api/v1/valve/off"}
	if got := h.commandTopics(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("commands: got %v, want %v", got, want)
	}

	h.send("raincontrol/valve_clean_button/press", "nope")
	if len(h.client.Commands) != 2 {
		t.Error("unknown button payload should be ignored")
	}
}

func TestDemoSwitch(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("raincontrol/demo_mode/set", "ON")
	if got := h.sensorState(t, "demo_mode"); got != "ON" {
		t.Errorf("demo state: got %s", got)
	}

	h.timers.Advance(30 * time.Second)
	if !h.ctrl.Valve().IsOn() {
		t.Fatal("demo tick should open the valve")
	}
	h.timers.Advance(5 * time.Second)
	if h.ctrl.Valve().IsOn() {
		t.Fatal("valve should close after the hold")
	}

	h.send("raincontrol/demo_mode/set", "OFF")
	if got := h.sensorState(t, "demo_mode"); got != "OFF" {
		t.Errorf("demo state: got %s", got)
	}

	before := len(h.client.Commands)
	h.timers.Advance(5 * time.Minute)
	if len(h.client.Commands) != before {
		t.Errorf("commands after deactivate: got %d more", len(h.client.Commands)-before)
	}
}

func TestStartPublishesInitialStates(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ctrl.Start()

	for _, key := range []string{"valve_switch", "demo_mode"} {
		if got := h.sensorState(t, key); got != "OFF" {
			t.Errorf("%s: got %s, want OFF", key, got)
		}
	}
	if h.ctrl.Demo().IsActive() {
		t.Error("demo should not start unless enabled")
	}
}

func TestStartWithDemoEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Demo.Enabled = true
	h := newHarness(t, cfg, nil)

	h.ctrl.Start()
	if !h.ctrl.Demo().IsActive() {
		t.Fatal("demo should be active")
	}
	if got := h.sensorState(t, "demo_mode"); got != "ON" {
		t.Errorf("demo state: got %s", got)
	}

	h.ctrl.Stop()
	if h.ctrl.Demo().IsActive() {
		t.Error("Stop should deactivate the demo")
	}
	if h.timers.Pending() != 0 {
		t.Errorf("pending timers after Stop: %d", h.timers.Pending())
	}
}

func TestStopClosesOpenValve(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send("raincontrol/valve_clean_button/press", "PRESS")
	h.ctrl.Stop()

	if h.ctrl.Valve().IsOn() {
		t.Error("Stop should close the valve")
	}
	want := []string{"api/v1/valve/on", "api/v1/valve/off"}
	if got := h.commandTopics(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("commands: got %v, want %v", got, want)
	}
	if got := h.sensorState(t, "valve_switch"); got != "OFF" {
		t.Errorf("valve state: got %s", got)
	}
}

func TestStopLeavesClosedValveAlone(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ctrl.Stop()

	if len(h.client.Commands) != 0 {
		t.Errorf("commands: got %d, want 0", len(h.client.Commands))
	}
}

type captured struct {
	sensors  map[string]float64
	switches map[string]bool
}

func (c *captured) NotifySensor(key string, v float64) { c.sensors[key] = v }
func (c *captured) NotifySwitch(key string, on bool)   { c.switches[key] = on }

func TestExtraNotifiers(t *testing.T) {
	extra := &captured{sensors: map[string]float64{}, switches: map[string]bool{}}
	h := newHarness(t, nil, nil, extra)

	h.send("api/v1/data", `{"waterFlow2":7}`)
	h.send("raincontrol/valve_switch/set", "ON")

	if extra.sensors["water_flow_2"] != 7 {
		t.Errorf("extra notifier sensor: %v", extra.sensors)
	}
	if !extra.switches["valve_switch"] {
		t.Errorf("extra notifier switch: %v", extra.switches)
	}
}

func TestUnexpectedTopicIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.send("somewhere/else", "{}")

	if len(h.client.States) != 0 || len(h.client.Commands) != 0 {
		t.Error("unexpected topic should not publish")
	}
	if h.tracker.Snapshot().Counts.Messages != 0 {
		t.Error("unexpected topic should not count as telemetry")
	}
}

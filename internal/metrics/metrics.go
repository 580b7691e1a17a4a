// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the daemon updates.
type Metrics struct {
	messages        *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	skippedUpdates  *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandFailures prometheus.Counter
	sensorValue     *prometheus.GaugeVec
	switchState     *prometheus.GaugeVec
	mqttConnected   prometheus.Gauge
	historyDropped  prometheus.Counter
	historyFailures prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rain_control_messages_total",
			Help: "Inbound MQTT messages by topic.",
		}, []string{"topic"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rain_control_decode_errors_total",
			Help: "Telemetry payloads that were not a JSON object.",
		}),
		skippedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rain_control_skipped_updates_total",
			Help: "Derived sensor updates skipped for a missing field.",
		}, []string{"sensor"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rain_control_valve_commands_total",
			Help: "Valve commands delivered, by command.",
		}, []string{"command"}),
		commandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rain_control_command_failures_total",
			Help: "Valve commands that could not be delivered.",
		}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rain_control_sensor_value",
			Help: "Latest state of each sensor.",
		}, []string{"sensor"}),
		switchState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rain_control_switch_state",
			Help: "Switch state, 1 for on.",
		}, []string{"switch"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rain_control_mqtt_connected",
			Help: "1 while the broker connection is up.",
		}),
		historyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rain_control_history_dropped_total",
			Help: "History points dropped because the queue was full or the breaker was open.",
		}),
		historyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rain_control_history_write_failures_total",
			Help: "Failed InfluxDB writes.",
		}),
	}

	reg.MustRegister(
		m.messages, m.decodeErrors, m.skippedUpdates, m.commands, m.commandFailures,
		m.sensorValue, m.switchState, m.mqttConnected, m.historyDropped, m.historyFailures,
	)
	return m
}

// Message counts a telemetry message received on topic.
func (m *Metrics) Message(topic string) { m.messages.WithLabelValues(topic).Inc() }

// DecodeError counts a telemetry payload that could not be parsed.
func (m *Metrics) DecodeError() { m.decodeErrors.Inc() }

// SkippedUpdate counts a message that left sensor key unchanged.
func (m *Metrics) SkippedUpdate(key string) { m.skippedUpdates.WithLabelValues(key).Inc() }

// Command counts a valve command delivered to the unit.
func (m *Metrics) Command(cmd string) { m.commands.WithLabelValues(cmd).Inc() }

// CommandFailure counts a valve command that could not be delivered.
func (m *Metrics) CommandFailure() { m.commandFailures.Inc() }

// HistoryDropped counts a history point dropped on a full queue or open breaker.
func (m *Metrics) HistoryDropped() { m.historyDropped.Inc() }

// HistoryFailure counts a failed history write.
func (m *Metrics) HistoryFailure() { m.historyFailures.Inc() }

// NotifySensor implements logic.Notifier.
func (m *Metrics) NotifySensor(key string, value float64) {
	m.sensorValue.WithLabelValues(key).Set(value)
}

// NotifySwitch implements logic.Notifier.
func (m *Metrics) NotifySwitch(key string, on bool) {
	m.switchState.WithLabelValues(key).Set(boolToFloat(on))
}

// SetMQTTConnected records the broker connection state.
func (m *Metrics) SetMQTTConnected(connected bool) {
	m.mqttConnected.Set(boolToFloat(connected))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

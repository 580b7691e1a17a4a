// Package config loads the daemon configuration from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sweeney/rain-control/internal/gpio"
	"github.com/sweeney/rain-control/internal/logic"
	"gopkg.in/yaml.v3"
)

// Sensor kinds.
const (
	KindInstant    = "instant"
	KindPower      = "power"
	KindDifference = "difference"
	KindRolling    = "rolling"
)

// DefaultHeartbeat is the heartbeat interval when none is configured.
const DefaultHeartbeat = 15 * time.Minute

// Config is the daemon configuration. Zero values are replaced by defaults
// when loading. Heartbeat follows SetHeartbeat.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Topics    TopicsConfig    `yaml:"topics"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Demo      DemoConfig      `yaml:"demo"`
	Clean     CleanConfig     `yaml:"clean"`
	Power     PowerConfig     `yaml:"power"`
	Window    int             `yaml:"window"`
	Sensors   []SensorConfig  `yaml:"sensors"`
	GPIO      GPIOConfig      `yaml:"gpio"`
	Influx    InfluxConfig    `yaml:"influx"`
	HTTP      HTTPConfig      `yaml:"http"`
	Heartbeat time.Duration   `yaml:"heartbeat"`
	DataDir   string          `yaml:"data_dir"`
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	BufferSize int    `yaml:"buffer_size"`
}

// TopicsConfig holds the unit's topics and the base of the daemon's own topics.
type TopicsConfig struct {
	Data  string `yaml:"data"`
	Valve string `yaml:"valve"`
	Base  string `yaml:"base"`
}

// DiscoveryConfig controls the Home Assistant discovery messages.
type DiscoveryConfig struct {
	Prefix     string `yaml:"prefix"`
	NodeID     string `yaml:"node_id"`
	DeviceName string `yaml:"device_name"`
}

// DemoConfig sets the demo cycle period and whether it runs at startup.
type DemoConfig struct {
	Enabled bool          `yaml:"enabled"`
	Period  time.Duration `yaml:"period"`
}

// CleanConfig sets how long a clean pulse holds the valve open.
type CleanConfig struct {
	Hold time.Duration `yaml:"hold"`
}

// PowerConfig parameterises the UV lamp power estimate.
type PowerConfig struct {
	Threshold float64 `yaml:"threshold"`
	Nominal   float64 `yaml:"nominal"`
	Jitter    float64 `yaml:"jitter"`
}

// SensorConfig describes one sensor entity. Field is used by instant, power
// and rolling sensors; Minuend and Subtrahend by difference sensors. An empty
// Topic means topics.data.
type SensorConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Field      string `yaml:"field,omitempty"`
	Minuend    string `yaml:"minuend,omitempty"`
	Subtrahend string `yaml:"subtrahend,omitempty"`
	Unit       string `yaml:"unit"`
	Topic      string `yaml:"topic,omitempty"`
}

// GPIOConfig drives an optional relay that mirrors the valve. Pin 0 disables it.
type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	Pin       int    `yaml:"pin"`
	ActiveLow bool   `yaml:"active_low"`
}

// InfluxConfig enables history recording when URL is set.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	QueueSize   int    `yaml:"queue_size"`
}

// HTTPConfig sets the status server address. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultSensors is the sensor table of the rain-control unit.
func DefaultSensors() []SensorConfig {
	return []SensorConfig{
		{Name: "Water Flow 1", Kind: KindInstant, Field: "waterFlow1", Unit: string(logic.UnitFlowRate)},
		{Name: "Water Flow 2", Kind: KindInstant, Field: "waterFlow2", Unit: string(logic.UnitFlowRate)},
		{Name: "UV Lamp Current", Kind: KindInstant, Field: "sensorCurrent", Unit: string(logic.UnitCurrent)},
		{Name: "UV Lamp Power", Kind: KindPower, Field: "sensorCurrent", Unit: string(logic.UnitPower)},
		{Name: "Cumulative Water Flow 1", Kind: KindRolling, Field: "flow1", Unit: string(logic.UnitHourlyFlow)},
		{Name: "Cumulative Water Flow 2", Kind: KindRolling, Field: "flow2", Unit: string(logic.UnitHourlyFlow)},
		{Name: "Water Flow Sum 1", Kind: KindInstant, Field: "waterFlowSum1", Unit: string(logic.UnitVolume)},
		{Name: "Water Flow Sum 2", Kind: KindInstant, Field: "waterFlowSum2", Unit: string(logic.UnitVolume)},
		{Name: "Water Flow Sum Difference", Kind: KindDifference, Minuend: "waterFlowSum2", Subtrahend: "waterFlowSum1", Unit: string(logic.UnitVolume)},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads path, fills in defaults and validates the result.
// An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "rain-control"
	}
	if c.MQTT.BufferSize == 0 {
		c.MQTT.BufferSize = 256
	}
	if c.Topics.Data == "" {
		c.Topics.Data = "api/v1/data"
	}
	if c.Topics.Valve == "" {
		c.Topics.Valve = "api/v1/valve"
	}
	if c.Topics.Base == "" {
		c.Topics.Base = "raincontrol"
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "homeassistant"
	}
	if c.Discovery.NodeID == "" {
		c.Discovery.NodeID = "raincontrol"
	}
	if c.Discovery.DeviceName == "" {
		c.Discovery.DeviceName = "Rain Control"
	}
	if c.Demo.Period == 0 {
		c.Demo.Period = logic.DefaultDemoPeriod
	}
	if c.Clean.Hold == 0 {
		c.Clean.Hold = logic.DefaultCleanHold
	}
	if c.Power.Threshold == 0 {
		c.Power.Threshold = logic.DefaultPowerThreshold
	}
	if c.Power.Nominal == 0 {
		c.Power.Nominal = logic.DefaultPowerNominal
	}
	if c.Power.Jitter == 0 {
		c.Power.Jitter = logic.DefaultPowerJitter
	}
	if c.Window == 0 {
		c.Window = logic.DefaultWindow
	}
	if len(c.Sensors) == 0 {
		c.Sensors = DefaultSensors()
	}
	for i := range c.Sensors {
		if c.Sensors[i].Topic == "" {
			c.Sensors[i].Topic = c.Topics.Data
		}
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = gpio.DefaultChip
	}
	if c.Influx.Measurement == "" {
		c.Influx.Measurement = "rain_control"
	}
	if c.Influx.QueueSize == 0 {
		c.Influx.QueueSize = 1024
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":80"
	}
	c.SetHeartbeat(c.Heartbeat)
	if c.DataDir == "" {
		c.DataDir = "/var/lib/rain-control"
	}
}

// SetHeartbeat sets the heartbeat interval. Zero selects DefaultHeartbeat
// and a negative value disables the heartbeat.
func (c *Config) SetHeartbeat(d time.Duration) {
	if d == 0 {
		d = DefaultHeartbeat
	}
	c.Heartbeat = d
}

// HeartbeatEnabled reports whether periodic heartbeat events are published.
func (c *Config) HeartbeatEnabled() bool {
	return c.Heartbeat > 0
}

// Validate checks the fields that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Demo.Period < 0 {
		return fmt.Errorf("demo.period must be positive")
	}
	if c.Clean.Hold < 0 {
		return fmt.Errorf("clean.hold must be positive")
	}
	if c.Demo.Period <= c.Clean.Hold {
		return fmt.Errorf("demo.period (%v) must be longer than clean.hold (%v)", c.Demo.Period, c.Clean.Hold)
	}
	if c.Window < 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.MQTT.BufferSize < 0 {
		return fmt.Errorf("mqtt.buffer_size must be positive")
	}
	if c.GPIO.Pin < 0 {
		return fmt.Errorf("gpio.pin must not be negative")
	}
	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		return fmt.Errorf("influx.bucket is required when influx.url is set")
	}

	for name, topic := range map[string]string{
		"topics.data":  c.Topics.Data,
		"topics.valve": c.Topics.Valve,
		"topics.base":  c.Topics.Base,
	} {
		if hasWildcard(topic) {
			return fmt.Errorf("%s: wildcards are not allowed in %q", name, topic)
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("sensors[%d]: name is required", i)
		}
		key := logic.Slug(s.Name)
		if seen[key] {
			return fmt.Errorf("sensors[%d]: duplicate name %q", i, s.Name)
		}
		seen[key] = true

		if hasWildcard(s.Topic) {
			return fmt.Errorf("sensor %q: wildcards are not allowed in topic %q", s.Name, s.Topic)
		}

		switch s.Kind {
		case KindInstant, KindPower, KindRolling:
			if s.Field == "" {
				return fmt.Errorf("sensor %q: field is required for kind %s", s.Name, s.Kind)
			}
		case KindDifference:
			if s.Minuend == "" || s.Subtrahend == "" {
				return fmt.Errorf("sensor %q: minuend and subtrahend are required", s.Name)
			}
		default:
			return fmt.Errorf("sensor %q: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// hasWildcard reports whether topic is an MQTT filter rather than a topic name.
func hasWildcard(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

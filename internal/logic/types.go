// Package logic contains the pure state logic of the rain-control unit:
// payload decoding, sensors, the rolling flow window, the valve and the
// demo/clean cycles.
// This package has NO external dependencies (no MQTT, GPIO, OS, or time.Sleep).
// Timers are injected through the Timers interface.
package logic

import (
	"strings"
	"time"
)

// Unit is the display unit of a sensor.
type Unit string

const (
	UnitFlowRate   Unit = "l/min"
	UnitCurrent    Unit = "A"
	UnitPower      Unit = "W"
	UnitHourlyFlow Unit = "l/h"
	UnitVolume     Unit = "l"
)

// Command is the discriminator appended to the valve command destination.
type Command string

const (
	CommandOn  Command = "on"
	CommandOff Command = "off"
)

// Opposite returns the command that undoes c.
func (c Command) Opposite() Command {
	if c == CommandOn {
		return CommandOff
	}
	return CommandOn
}

// Defaults observed on the unit.
const (
	DefaultWindow         = 3600
	DefaultDemoPeriod     = 30 * time.Second
	DefaultCleanHold      = 5 * time.Second
	DefaultPowerThreshold = 0.2
	DefaultPowerNominal   = 55.0
	DefaultPowerJitter    = 2.0
)

// Notifier receives entity state changes. It is the host side of the
// entity registry: the daemon publishes the new state to MQTT, the status
// page and metrics.
type Notifier interface {
	NotifySensor(key string, value float64)
	NotifySwitch(key string, on bool)
}

// Notifiers forwards every notification to each notifier in order.
type Notifiers []Notifier

// NotifySensor implements Notifier.
func (ns Notifiers) NotifySensor(key string, value float64) {
	for _, n := range ns {
		n.NotifySensor(key, value)
	}
}

// NotifySwitch implements Notifier.
func (ns Notifiers) NotifySwitch(key string, on bool) {
	for _, n := range ns {
		n.NotifySwitch(key, on)
	}
}

// Slug turns a display name into an entity key: "Water Flow 1" -> "water_flow_1".
func Slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// nopNotifier is used when no notifier is supplied.
type nopNotifier struct{}

func (nopNotifier) NotifySensor(string, float64) {}
func (nopNotifier) NotifySwitch(string, bool)    {}

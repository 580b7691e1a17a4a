// Package controller binds the rain-control entities to MQTT: it builds the
// sensors, valve and demo cycle from the configuration and routes inbound
// messages to them. It is driven from the daemon's run loop and is not safe
// for concurrent use.
package controller

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/sweeney/rain-control/internal/config"
	"github.com/sweeney/rain-control/internal/gpio"
	"github.com/sweeney/rain-control/internal/logic"
	"github.com/sweeney/rain-control/internal/metrics"
	"github.com/sweeney/rain-control/internal/mqtt"
	"github.com/sweeney/rain-control/internal/status"
)

// Entity names of the switches and the button.
const (
	ValveName  = "Valve Switch"
	DemoName   = "Demo Mode"
	ButtonName = "Valve Clean Button"
)

// Options wires a Controller to its collaborators.
type Options struct {
	Config    *config.Config
	Topics    mqtt.Topics
	Publisher mqtt.Publisher
	Timers    logic.Timers
	Tracker   *status.Tracker
	Metrics   *metrics.Metrics

	// Relay, if set, mirrors the valve state on a GPIO line.
	Relay gpio.Relay

	// Notifiers receive every state change after MQTT, the tracker and
	// the metrics. The history recorder goes here.
	Notifiers []logic.Notifier

	// Rand drives the power sensor jitter. Nil seeds a new source.
	Rand *rand.Rand

	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller owns every entity of the unit.
type Controller struct {
	cfg      *config.Config
	topics   mqtt.Topics
	tracker  *status.Tracker
	metrics  *metrics.Metrics
	notifier logic.Notifier
	now      func() time.Time

	hubs      map[string]*logic.Hub
	hubTopics []string // subscription order
	valve     *logic.Valve
	cleaner   *logic.Cleaner
	demo      *logic.Demo
	buttonKey string
}

// New builds the entities described by o.Config and registers them with
// the tracker.
func New(o Options) (*Controller, error) {
	if o.Config == nil {
		return nil, errors.New("controller: nil config")
	}
	if o.Publisher == nil || o.Timers == nil || o.Tracker == nil || o.Metrics == nil {
		return nil, errors.New("controller: missing publisher, timers, tracker or metrics")
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	c := &Controller{
		cfg:       o.Config,
		topics:    o.Topics,
		tracker:   o.Tracker,
		metrics:   o.Metrics,
		now:       o.Now,
		hubs:      make(map[string]*logic.Hub),
		buttonKey: logic.Slug(ButtonName),
	}

	notifier := logic.Notifiers(append([]logic.Notifier{
		mqtt.NewStateNotifier(o.Publisher, o.Topics),
		o.Tracker,
		o.Metrics,
	}, o.Notifiers...))
	c.notifier = notifier

	byTopic := make(map[string][]logic.Sensor)
	for _, sc := range o.Config.Sensors {
		s, err := buildSensor(sc, o.Config, o.Rand)
		if err != nil {
			return nil, err
		}
		if _, ok := byTopic[sc.Topic]; !ok {
			c.hubTopics = append(c.hubTopics, sc.Topic)
		}
		byTopic[sc.Topic] = append(byTopic[sc.Topic], s)
		o.Tracker.AddSensor(s.Key(), s.Name(), string(s.Unit()))
	}
	for topic, sensors := range byTopic {
		c.hubs[topic] = logic.NewHub(notifier, sensors...)
	}

	cmds := logic.Commanders{mqtt.NewValveCommander(o.Publisher, o.Config.Topics.Valve)}
	if o.Relay != nil {
		cmds = append(cmds, gpio.NewRelayCommander(o.Relay))
	}
	c.valve = logic.NewValve(ValveName, c.counted(cmds), notifier)
	c.cleaner = logic.NewCleaner(c.valve, o.Timers, o.Config.Clean.Hold, func(err error) {
		log.Printf("clean: %v", err)
	})
	c.demo = logic.NewDemo(DemoName, c.cleaner, o.Timers, o.Config.Demo.Period, notifier)

	o.Tracker.AddSwitch(c.valve.Key(), c.valve.Name())
	o.Tracker.AddSwitch(c.demo.Key(), c.demo.Name())

	return c, nil
}

func buildSensor(sc config.SensorConfig, cfg *config.Config, rnd *rand.Rand) (logic.Sensor, error) {
	unit := logic.Unit(sc.Unit)
	switch sc.Kind {
	case config.KindInstant:
		return logic.NewInstant(sc.Name, sc.Field, unit), nil
	case config.KindPower:
		return logic.NewPower(sc.Name, sc.Field, logic.PowerOptions{
			Threshold: cfg.Power.Threshold,
			Nominal:   cfg.Power.Nominal,
			Jitter:    cfg.Power.Jitter,
			Rand:      rnd,
		}), nil
	case config.KindDifference:
		return logic.NewDifference(sc.Name, sc.Minuend, sc.Subtrahend, unit), nil
	case config.KindRolling:
		return logic.NewRolling(sc.Name, sc.Field, unit, cfg.Window), nil
	default:
		return nil, fmt.Errorf("sensor %q: unknown kind %q", sc.Name, sc.Kind)
	}
}

// counted records delivered and failed valve commands.
func (c *Controller) counted(next logic.Commander) logic.Commander {
	return logic.CommanderFunc(func(cmd logic.Command) error {
		if err := next.SendValve(cmd); err != nil {
			c.metrics.CommandFailure()
			c.tracker.RecordCommandFailure()
			return err
		}
		c.metrics.Command(string(cmd))
		return nil
	})
}

// Valve returns the valve switch.
func (c *Controller) Valve() *logic.Valve { return c.valve }

// Demo returns the demo-mode switch.
func (c *Controller) Demo() *logic.Demo { return c.demo }

// Sensors returns every sensor in subscription order.
func (c *Controller) Sensors() []logic.Sensor {
	var out []logic.Sensor
	for _, topic := range c.hubTopics {
		out = append(out, c.hubs[topic].Sensors()...)
	}
	return out
}

// Entities lists the discovery entities: the sensors, both switches and the
// clean button.
func (c *Controller) Entities() []mqtt.Entity {
	var out []mqtt.Entity
	for _, s := range c.Sensors() {
		out = append(out, mqtt.Entity{
			Component: mqtt.ComponentSensor,
			Key:       s.Key(),
			Name:      s.Name(),
			Unit:      string(s.Unit()),
		})
	}
	return append(out,
		mqtt.Entity{Component: mqtt.ComponentSwitch, Key: c.valve.Key(), Name: c.valve.Name()},
		mqtt.Entity{Component: mqtt.ComponentSwitch, Key: c.demo.Key(), Name: c.demo.Name()},
		mqtt.Entity{Component: mqtt.ComponentButton, Key: c.buttonKey, Name: ButtonName},
	)
}

// Subscriptions returns every topic the controller handles.
func (c *Controller) Subscriptions() []string {
	topics := append([]string(nil), c.hubTopics...)
	return append(topics,
		c.topics.Command(c.valve.Key()),
		c.topics.Command(c.demo.Key()),
		c.topics.Press(c.buttonKey),
	)
}

// Start publishes the initial switch states and activates the demo cycle
// when enabled in the configuration.
func (c *Controller) Start() {
	c.notifier.NotifySwitch(c.valve.Key(), c.valve.IsOn())
	c.notifier.NotifySwitch(c.demo.Key(), c.demo.IsActive())
	if c.cfg.Demo.Enabled {
		log.Printf("demo: enabled at startup, period=%v", c.cfg.Demo.Period)
		c.demo.Activate()
	}
}

// Stop deactivates the demo cycle and closes the valve if it is open. A
// pending pulse turn-off would not run once the loop has exited.
func (c *Controller) Stop() {
	if c.demo.Deactivate() {
		log.Printf("demo: stopped")
	}
	if c.valve.IsOn() {
		if err := c.valve.TurnOff(); err != nil {
			log.Printf("valve: turn off on stop: %v", err)
		} else {
			log.Printf("valve: closed on stop")
		}
	}
}

// HandleMessage routes one inbound message.
func (c *Controller) HandleMessage(msg mqtt.Message) {
	if hub, ok := c.hubs[msg.Topic]; ok {
		c.handleTelemetry(hub, msg)
		return
	}

	payload := string(msg.Payload)
	switch msg.Topic {
	case c.topics.Command(c.valve.Key()):
		c.handleValve(payload)
	case c.topics.Command(c.demo.Key()):
		c.handleDemo(payload)
	case c.topics.Press(c.buttonKey):
		if payload != mqtt.PayloadPress {
			log.Printf("button: ignoring payload %q", payload)
			return
		}
		if err := c.cleaner.Clean(); err != nil {
			log.Printf("button: clean: %v", err)
		}
	default:
		log.Printf("controller: message on unexpected topic %s", msg.Topic)
	}
}

func (c *Controller) handleTelemetry(hub *logic.Hub, msg mqtt.Message) {
	c.tracker.RecordMessage(c.now())
	c.metrics.Message(msg.Topic)

	rep, err := hub.Handle(msg.Payload)
	if err != nil {
		var de *logic.DecodeError
		if errors.As(err, &de) {
			c.tracker.RecordDecodeError()
			c.metrics.DecodeError()
		}
		log.Printf("telemetry %s: %v", msg.Topic, err)
		return
	}

	for _, skip := range rep.Skipped {
		var mf *logic.MissingFieldError
		if errors.As(skip, &mf) {
			c.metrics.SkippedUpdate(mf.Sensor)
		}
		c.tracker.RecordSkipped()
		log.Printf("telemetry %s: %v", msg.Topic, skip)
	}
}

func (c *Controller) handleValve(payload string) {
	var err error
	switch payload {
	case mqtt.PayloadOn:
		err = c.valve.TurnOn()
	case mqtt.PayloadOff:
		err = c.valve.TurnOff()
	default:
		log.Printf("valve: ignoring payload %q", payload)
		return
	}
	if err != nil {
		log.Printf("valve: %v", err)
	}
}

func (c *Controller) handleDemo(payload string) {
	switch payload {
	case mqtt.PayloadOn:
		if c.demo.Activate() {
			log.Printf("demo: started, period=%v", c.cfg.Demo.Period)
		}
	case mqtt.PayloadOff:
		if c.demo.Deactivate() {
			log.Printf("demo: stopped")
		}
	default:
		log.Printf("demo: ignoring payload %q", payload)
	}
}

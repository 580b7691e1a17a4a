package logic

import "time"

// Stopper cancels a scheduled callback. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Timers schedules callbacks. Implementations must run callbacks on the
// same goroutine that owns the valve and demo state.
type Timers interface {
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func()) Stopper
	// Every runs fn every d until stopped. The first run is after d.
	Every(d time.Duration, fn func()) Stopper
}

// Cleaner pulses the valve: on, wait, off.
type Cleaner struct {
	valve  *Valve
	timers Timers
	hold   time.Duration
	report func(error)
}

// NewCleaner creates a cleaner holding the valve open for hold.
// report receives turn-off failures, which happen outside any caller.
func NewCleaner(valve *Valve, timers Timers, hold time.Duration, report func(error)) *Cleaner {
	if hold <= 0 {
		hold = DefaultCleanHold
	}
	if report == nil {
		report = func(error) {}
	}
	return &Cleaner{valve: valve, timers: timers, hold: hold, report: report}
}

// Clean turns the valve on and schedules turn-off after the hold delay.
// A started pulse cannot be cancelled. If turn-on fails nothing is
// scheduled and the error is returned.
func (c *Cleaner) Clean() error {
	if err := c.valve.TurnOn(); err != nil {
		return err
	}
	c.timers.AfterFunc(c.hold, func() {
		if err := c.valve.TurnOff(); err != nil {
			c.report(err)
		}
	})
	return nil
}

// Demo periodically runs a clean pulse while active. It starts inactive.
type Demo struct {
	name     string
	cleaner  *Cleaner
	timers   Timers
	period   time.Duration
	notifier Notifier

	active bool
	gen    int // bumped on every activation; stale ticks are dropped
	ticker Stopper
}

// NewDemo creates the demo-mode switch. A nil notifier discards notifications.
func NewDemo(name string, cleaner *Cleaner, timers Timers, period time.Duration, notifier Notifier) *Demo {
	if period <= 0 {
		period = DefaultDemoPeriod
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Demo{name: name, cleaner: cleaner, timers: timers, period: period, notifier: notifier}
}

// Key returns the entity key.
func (d *Demo) Key() string { return Slug(d.name) }

// Name returns the display name.
func (d *Demo) Name() string { return d.name }

// IsActive reports whether the demo cycle is running.
func (d *Demo) IsActive() bool { return d.active }

// Activate starts the recurring pulse. It returns false if already active,
// in which case no second ticker is created.
func (d *Demo) Activate() bool {
	if d.active {
		return false
	}
	d.gen++
	gen := d.gen
	d.ticker = d.timers.Every(d.period, func() { d.tick(gen) })
	d.active = true
	d.notifier.NotifySwitch(d.Key(), true)
	return true
}

// Deactivate stops the recurring pulse. It returns false if not active.
// A pulse already in progress still turns the valve off.
func (d *Demo) Deactivate() bool {
	if !d.active {
		return false
	}
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	d.active = false
	d.notifier.NotifySwitch(d.Key(), false)
	return true
}

func (d *Demo) tick(gen int) {
	if !d.active || gen != d.gen {
		return
	}
	if err := d.cleaner.Clean(); err != nil {
		d.cleaner.report(err)
	}
}

package logic

import (
	"errors"
	"fmt"
)

// Commander delivers a valve command to the hardware side.
type Commander interface {
	SendValve(cmd Command) error
}

// CommanderFunc adapts a function to Commander.
type CommanderFunc func(cmd Command) error

// SendValve calls f(cmd).
func (f CommanderFunc) SendValve(cmd Command) error {
	return f(cmd)
}

// Commanders sends a command to each commander in order and stops at the
// first failure. Commanders that already accepted the command are sent the
// opposite one, so the hardware is left in the state the valve reports.
type Commanders []Commander

// SendValve implements Commander.
func (cs Commanders) SendValve(cmd Command) error {
	for i, c := range cs {
		if err := c.SendValve(cmd); err != nil {
			return errors.Join(err, cs[:i].rollback(cmd.Opposite()))
		}
	}
	return nil
}

func (cs Commanders) rollback(cmd Command) error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].SendValve(cmd); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", cmd, err))
		}
	}
	return errors.Join(errs...)
}

// Valve tracks the valve switch. It starts OFF.
type Valve struct {
	name     string
	cmd      Commander
	notifier Notifier
	on       bool
}

// NewValve creates a valve switch. A nil notifier discards notifications.
func NewValve(name string, cmd Commander, notifier Notifier) *Valve {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Valve{name: name, cmd: cmd, notifier: notifier}
}

// Key returns the entity key.
func (v *Valve) Key() string { return Slug(v.name) }

// Name returns the display name.
func (v *Valve) Name() string { return v.name }

// IsOn reports the current state.
func (v *Valve) IsOn() bool { return v.on }

// TurnOn emits the "on" command and then sets the state. Calling it while
// already on emits the command again.
func (v *Valve) TurnOn() error {
	return v.set(CommandOn, true)
}

// TurnOff emits the "off" command and then sets the state.
func (v *Valve) TurnOff() error {
	return v.set(CommandOff, false)
}

// set leaves the state unchanged when the command fails.
func (v *Valve) set(cmd Command, on bool) error {
	if err := v.cmd.SendValve(cmd); err != nil {
		return fmt.Errorf("valve %s: %w", cmd, err)
	}
	v.on = on
	v.notifier.NotifySwitch(v.Key(), on)
	return nil
}

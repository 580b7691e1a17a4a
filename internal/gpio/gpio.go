// Package gpio drives an optional valve relay through the Linux GPIO
// character device. The fake implementation allows testing without hardware.
package gpio

import "github.com/sweeney/rain-control/internal/logic"

// Relay switches a single output line.
type Relay interface {
	// Set energizes the relay when on is true.
	Set(on bool) error

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the Raspberry Pi GPIO chip.
const DefaultChip = "gpiochip0"

// RelayCommander mirrors valve commands onto a relay.
type RelayCommander struct {
	relay Relay
}

// NewRelayCommander wraps relay as a logic.Commander.
func NewRelayCommander(relay Relay) *RelayCommander {
	return &RelayCommander{relay: relay}
}

// SendValve implements logic.Commander.
func (c *RelayCommander) SendValve(cmd logic.Command) error {
	return c.relay.Set(cmd == logic.CommandOn)
}

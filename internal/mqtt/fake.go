package mqtt

import (
	"fmt"
	"sync"
)

// Published is one recorded publish.
type Published struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakeClient records publishes and subscriptions for test assertions.
// Deliver injects inbound messages synchronously. It is safe for use from
// the test goroutine while a run loop publishes.
type FakeClient struct {
	mu sync.Mutex

	// States contains every PublishState call.
	States []Published

	// Commands contains every PublishCommand call.
	Commands []Published

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// Birth holds the last SetBirth messages.
	Birth []Retained

	// PublishStateError, if set, is returned by PublishState.
	PublishStateError error

	// PublishCommandError, if set, is returned by PublishCommand.
	PublishCommandError error

	// PublishSystemError, if set, is returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handlers map[string]Handler
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true, handlers: make(map[string]Handler)}
}

// PublishState records the state publish.
func (f *FakeClient) PublishState(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishStateError != nil {
		return f.PublishStateError
	}
	f.States = append(f.States, Published{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

// PublishCommand records the command.
func (f *FakeClient) PublishCommand(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishCommandError != nil {
		return f.PublishCommandError
	}
	f.Commands = append(f.Commands, Published{Topic: topic, Payload: payload})
	return nil
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// SetBirth records the birth messages.
func (f *FakeClient) SetBirth(msgs []Retained) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Birth = msgs
}

// Subscribe registers h for topic.
func (f *FakeClient) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[topic] = h
	return nil
}

// Unsubscribe removes the handlers for topics.
func (f *FakeClient) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range topics {
		delete(f.handlers, t)
	}
	return nil
}

// Subscribed reports whether topic has a handler.
func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.handlers[topic]
	return ok
}

// Deliver calls the handler subscribed to topic.
func (f *FakeClient) Deliver(topic string, payload []byte) error {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for %s", topic)
	}
	h(Message{Topic: topic, Payload: payload})
	return nil
}

// LastState returns the most recent state payload on topic.
func (f *FakeClient) LastState(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.States) - 1; i >= 0; i-- {
		if f.States[i].Topic == topic {
			return string(f.States[i].Payload), true
		}
	}
	return "", false
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Closed = true
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Connected
}

// Reset clears recorded publishes and injected errors.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.States = nil
	f.Commands = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishStateError = nil
	f.PublishCommandError = nil
	f.PublishSystemError = nil
}

package mqtt

import "log"

// StateNotifier publishes entity states to their retained state topics.
// It implements logic.Notifier.
type StateNotifier struct {
	pub    Publisher
	topics Topics
}

// NewStateNotifier creates a notifier publishing through pub.
func NewStateNotifier(pub Publisher, topics Topics) *StateNotifier {
	return &StateNotifier{pub: pub, topics: topics}
}

// NotifySensor publishes the sensor value.
func (n *StateNotifier) NotifySensor(key string, value float64) {
	if err := n.pub.PublishState(n.topics.State(key), FormatSensorState(value), true); err != nil {
		log.Printf("mqtt: publish %s state: %v", key, err)
	}
}

// NotifySwitch publishes ON or OFF.
func (n *StateNotifier) NotifySwitch(key string, on bool) {
	if err := n.pub.PublishState(n.topics.State(key), FormatSwitchState(on), true); err != nil {
		log.Printf("mqtt: publish %s state: %v", key, err)
	}
}

package logic

// Report summarizes one dispatched payload.
type Report struct {
	// Updated lists the keys of sensors whose state was set.
	Updated []string
	// Skipped holds one *MissingFieldError per skipped derived sensor.
	Skipped []error
}

// Hub feeds the payloads of one topic to the sensors bound to it.
// The payload is decoded once per message, not once per sensor.
type Hub struct {
	sensors  []Sensor
	notifier Notifier
}

// NewHub creates a hub. A nil notifier discards notifications.
func NewHub(notifier Notifier, sensors ...Sensor) *Hub {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Hub{sensors: sensors, notifier: notifier}
}

// Sensors returns the sensors bound to the hub.
func (h *Hub) Sensors() []Sensor {
	return h.sensors
}

// Handle decodes payload and updates every sensor in registration order.
// A malformed payload returns a *DecodeError and changes nothing.
// Each updated sensor is notified, identical values included.
func (h *Hub) Handle(payload []byte) (Report, error) {
	fields, err := Decode(payload)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, s := range h.sensors {
		updated, err := s.Update(fields)
		if err != nil {
			rep.Skipped = append(rep.Skipped, err)
			continue
		}
		if !updated {
			continue
		}
		v, _ := s.Value()
		h.notifier.NotifySensor(s.Key(), v)
		rep.Updated = append(rep.Updated, s.Key())
	}
	return rep, nil
}

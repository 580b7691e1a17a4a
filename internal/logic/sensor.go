package logic

import (
	"math"
	"math/rand"
)

// Sensor is an entity whose state is derived from decoded payloads.
type Sensor interface {
	Key() string
	Name() string
	Unit() Unit

	// Value returns the current state; ok is false until the first update.
	Value() (v float64, ok bool)

	// Update applies one payload. It reports whether the state was set.
	// A *MissingFieldError means the update was skipped.
	Update(fields FieldSet) (bool, error)
}

// entity holds what every sensor variant shares.
type entity struct {
	name  string
	unit  Unit
	value float64
	valid bool
}

func (e *entity) Key() string  { return Slug(e.name) }
func (e *entity) Name() string { return e.name }
func (e *entity) Unit() Unit   { return e.unit }

func (e *entity) Value() (float64, bool) {
	return e.value, e.valid
}

func (e *entity) set(v float64) {
	e.value = v
	e.valid = true
}

// Instant reports the latest value of a single field.
type Instant struct {
	entity
	field string
}

// NewInstant creates a plain sensor for field.
func NewInstant(name, field string, unit Unit) *Instant {
	return &Instant{entity: entity{name: name, unit: unit}, field: field}
}

// Update overwrites the state when the field is present. An absent field
// leaves the state untouched and is not an error.
func (s *Instant) Update(fields FieldSet) (bool, error) {
	v, ok := fields.Get(s.field)
	if !ok {
		return false, nil
	}
	s.set(v)
	return true, nil
}

// Power estimates UV lamp power from its current. The unit has no power
// field; above the threshold it reports the nominal lamp power with a
// small random jitter, otherwise zero.
type Power struct {
	entity
	field     string
	threshold float64
	nominal   float64
	jitter    float64
	rnd       *rand.Rand
}

// PowerOptions configures a Power sensor. Zero values select the defaults.
type PowerOptions struct {
	Threshold float64
	Nominal   float64
	Jitter    float64
	Rand      *rand.Rand
}

// NewPower creates a power sensor driven by the current field.
func NewPower(name, field string, opts PowerOptions) *Power {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultPowerThreshold
	}
	if opts.Nominal == 0 {
		opts.Nominal = DefaultPowerNominal
	}
	if opts.Jitter == 0 {
		opts.Jitter = DefaultPowerJitter
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Power{
		entity:    entity{name: name, unit: UnitPower},
		field:     field,
		threshold: opts.Threshold,
		nominal:   opts.Nominal,
		jitter:    opts.Jitter,
		rnd:       opts.Rand,
	}
}

// Update sets nominal±jitter (two decimals) when the current exceeds the
// threshold and 0 otherwise.
func (s *Power) Update(fields FieldSet) (bool, error) {
	current, ok := fields.Get(s.field)
	if !ok {
		return false, &MissingFieldError{Sensor: s.Key(), Field: s.field}
	}
	if current > s.threshold {
		v := s.nominal + (s.rnd.Float64()*2-1)*s.jitter
		s.set(math.Round(v*100) / 100)
	} else {
		s.set(0)
	}
	return true, nil
}

// Difference reports minuend - subtrahend from the same payload.
type Difference struct {
	entity
	minuend    string
	subtrahend string
}

// NewDifference creates a sensor reporting fields[minuend] - fields[subtrahend].
func NewDifference(name, minuend, subtrahend string, unit Unit) *Difference {
	return &Difference{
		entity:     entity{name: name, unit: unit},
		minuend:    minuend,
		subtrahend: subtrahend,
	}
}

// Update skips with a *MissingFieldError if either field is absent.
func (s *Difference) Update(fields FieldSet) (bool, error) {
	a, ok := fields.Get(s.minuend)
	if !ok {
		return false, &MissingFieldError{Sensor: s.Key(), Field: s.minuend}
	}
	b, ok := fields.Get(s.subtrahend)
	if !ok {
		return false, &MissingFieldError{Sensor: s.Key(), Field: s.subtrahend}
	}
	s.set(a - b)
	return true, nil
}

// Rolling reports the sum of the last N samples of a field, where N is the
// window capacity. With one sample per second and N=3600 this approximates
// an hourly total; it is not a time-based window.
type Rolling struct {
	entity
	field  string
	window *Window
}

// NewRolling creates an accumulating sensor over a window of capacity samples.
func NewRolling(name, field string, unit Unit, capacity int) *Rolling {
	return &Rolling{
		entity: entity{name: name, unit: unit},
		field:  field,
		window: NewWindow(capacity),
	}
}

// Update pushes the field value (0 when absent) and recomputes the sum.
func (s *Rolling) Update(fields FieldSet) (bool, error) {
	v, _ := fields.Get(s.field)
	s.window.Push(v)
	s.set(s.window.Sum())
	return true, nil
}

// Samples returns the number of samples currently in the window.
func (s *Rolling) Samples() int {
	return s.window.Len()
}

package logic

import (
	"encoding/json"
	"fmt"
)

// FieldSet maps field names to the numeric values of one decoded payload.
type FieldSet map[string]float64

// Get returns the value of the named field and whether it was present.
func (f FieldSet) Get(name string) (float64, bool) {
	v, ok := f[name]
	return v, ok
}

// DecodeError reports a payload that is not a JSON object.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MissingFieldError reports a derived sensor whose input field is absent
// from the payload. The sensor keeps its previous state.
type MissingFieldError struct {
	Sensor string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("sensor %s: field %q missing", e.Sensor, e.Field)
}

// Decode parses a JSON object payload into a FieldSet.
// Only numbers become fields; null, strings, booleans and nested values
// are treated as absent.
func Decode(payload []byte) (FieldSet, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if raw == nil {
		// "null" unmarshals into a nil map without error
		return nil, &DecodeError{Err: fmt.Errorf("payload is null")}
	}

	fields := make(FieldSet, len(raw))
	for k, v := range raw {
		if n, ok := v.(float64); ok {
			fields[k] = n
		}
	}
	return fields, nil
}

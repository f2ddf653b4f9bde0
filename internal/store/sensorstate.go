package store

import "time"

// epoch is the baseline timestamp generate_sensors_state() seeds fresh
// sensor fields with, before any real update has happened.
var epoch = time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)

// SensorState tracks, per sensor id and state field, the timestamp of its
// last change. It backs the dx/ddx rule operators (§4.4) and is never
// persisted (§3: sensors_state, in-memory, not persisted).
type SensorState struct {
	fields map[string]map[string]time.Time
}

func newSensorState() *SensorState {
	return &SensorState{fields: map[string]map[string]time.Time{}}
}

// Seed ensures the given sensor has an entry for each field, defaulting
// to the fixed epoch if not already present. It never overwrites an
// existing timestamp.
func (s *SensorState) Seed(id string, fields []string) {
	m, ok := s.fields[id]
	if !ok {
		m = map[string]time.Time{}
		s.fields[id] = m
	}
	for _, f := range fields {
		if _, exists := m[f]; !exists {
			m[f] = epoch
		}
	}
}

// Touch records that sensor id's field changed at t.
func (s *SensorState) Touch(id, field string, t time.Time) {
	m, ok := s.fields[id]
	if !ok {
		m = map[string]time.Time{}
		s.fields[id] = m
	}
	m[field] = t
}

// LastChanged returns the last recorded change time for a sensor field.
func (s *SensorState) LastChanged(id, field string) (time.Time, bool) {
	m, ok := s.fields[id]
	if !ok {
		return time.Time{}, false
	}
	t, ok := m[field]
	return t, ok
}

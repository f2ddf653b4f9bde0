// Package devicetype holds the read-only device-type database that seeds
// new lights on reconcile: for each configured device "type" it knows the
// Hue-shaped seed object and which properties the Light Adapter forwards
// to and from the message bus.
package devicetype

import (
	_ "embed"
	"encoding/json"

	"github.com/pkg/errors"
)

//go:embed device_types.json
var builtinDB []byte

// Entry describes one device type: the light object used to seed new
// `lights` entries, and the subset of {on, brightness, color} the Light
// Adapter forwards for devices of this type.
type Entry struct {
	Data       map[string]interface{} `json:"data"`
	Properties []string                `json:"properties"`
}

// DB is the device-type database, keyed by type name (e.g.
// "color_temperature_light").
type DB map[string]Entry

// Load parses the bundled device-type database. A deployment may ship its
// own file at <install>/data/device_types.json; LoadFile reads that
// instead when present.
func Load() (DB, error) {
	var db DB
	if err := json.Unmarshal(builtinDB, &db); err != nil {
		return nil, errors.Wrap(err, "parsing bundled device type database")
	}
	return db, nil
}

// LoadFile parses a device-type database from an external JSON file,
// falling back to the bundled database when path is empty.
func LoadFile(path string) (DB, error) {
	if path == "" {
		return Load()
	}
	raw, err := readFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading device type database %s", path)
	}
	var db DB
	if err := json.Unmarshal(raw, &db); err != nil {
		return nil, errors.Wrapf(err, "parsing device type database %s", path)
	}
	return db, nil
}

// Seed returns a fresh copy of the seed light object for a device type, so
// callers can freely mutate it (name, uniqueid) without corrupting the DB.
func (db DB) Seed(deviceType string) (map[string]interface{}, error) {
	entry, ok := db[deviceType]
	if !ok {
		return nil, errors.Errorf("unknown device type %q", deviceType)
	}
	raw, err := json.Marshal(entry.Data)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding seed light")
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "cloning seed light")
	}
	return out, nil
}

// Properties returns the forwarded property list for a device type.
func (db DB) Properties(deviceType string) ([]string, error) {
	entry, ok := db[deviceType]
	if !ok {
		return nil, errors.Errorf("unknown device type %q", deviceType)
	}
	return entry.Properties, nil
}

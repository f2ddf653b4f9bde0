// Package store holds the bridge's single mutable document: config,
// lights, groups, scenes, schedules, rules, sensors and resourcelinks,
// plus the in-memory (never persisted) sensors_state used by dx/ddx rule
// conditions. Every mutation goes through Store under a single coarse
// lock (spec §5): handlers and engine ticks call Lock/Unlock around their
// whole unit of work and use the *Locked accessors in between.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/stufisher/homiehuebridge/internal/logging"
)

var log = logging.WithComponent("store")

// Collections named by spec §3.
const (
	CollectionConfig        = "config"
	CollectionLights        = "lights"
	CollectionGroups        = "groups"
	CollectionScenes        = "scenes"
	CollectionSchedules     = "schedules"
	CollectionRules         = "rules"
	CollectionSensors       = "sensors"
	CollectionResourcelinks = "resourcelinks"
)

// Store owns the document and its coarse lock.
type Store struct {
	mu   sync.Mutex
	doc  map[string]interface{}
	path string

	sensors *SensorState
}

// New creates a Store backed by the JSON document at path. Call Load
// before using it.
func New(path string) *Store {
	return &Store{
		path:    path,
		sensors: newSensorState(),
	}
}

// Load reads the document from disk, seeding it from the bundled baseline
// when the file does not exist yet.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var doc map[string]interface{}
		if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
			return errors.Wrapf(jsonErr, "parsing document %s", s.path)
		}
		s.doc = doc
		log.WithField("path", s.path).Info("config loaded")
	case os.IsNotExist(err):
		doc, baseErr := newBaselineDocument()
		if baseErr != nil {
			return baseErr
		}
		s.doc = doc
		log.WithField("path", s.path).Info("no document on disk, seeded from baseline")
	default:
		return errors.Wrapf(err, "reading document %s", s.path)
	}

	s.seedSensorStateLocked()
	return nil
}

// Save atomically persists the document: serialize to a temp file in the
// same directory, then rename over the target (crash-consistent, per §4.2).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding document")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating config dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".hue-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp file into place")
	}
	return nil
}

// Lock acquires the coarse document lock. Callers must Unlock when done
// and must not call Load/Save/Lock again while holding it.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Sensors returns the in-memory sensor change-tracking state. Callers must
// hold the Store lock while using it, since it shares the document's
// locking discipline (§5).
func (s *Store) Sensors() *SensorState { return s.sensors }

// GetLocked reads a value at path. Caller must hold the lock.
func (s *Store) GetLocked(path Path) (interface{}, bool) {
	return getPath(s.doc, path)
}

// SetLocked assigns a value at path, creating intermediate maps as
// needed. Caller must hold the lock.
func (s *Store) SetLocked(path Path, value interface{}) bool {
	return setPath(s.doc, path, value)
}

// MergeLocked shallow-merges patch into the map at path. Caller must hold
// the lock.
func (s *Store) MergeLocked(path Path, patch map[string]interface{}) bool {
	return mergePath(s.doc, path, patch)
}

// DeleteLocked removes the value at path. Caller must hold the lock.
func (s *Store) DeleteLocked(path Path) bool {
	return deletePath(s.doc, path)
}

// SaveLocked persists the document without re-acquiring the lock; for
// callers (handlers, engine ticks) that already hold it at the end of
// their unit of work.
func (s *Store) SaveLocked() error {
	return s.saveLocked()
}

// Get reads a value at path, acquiring the lock itself.
func (s *Store) Get(path Path) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPath(s.doc, path)
}

// Document returns the whole document, for the GET /api/<user> (whole
// config) response. Caller must hold the lock.
func (s *Store) Document() map[string]interface{} {
	return s.doc
}

// CollectionLocked returns a collection's members map, or an empty map if it
// does not exist. Caller must hold the lock.
func (s *Store) CollectionLocked(name string) map[string]interface{} {
	v, ok := s.doc[name]
	if !ok {
		return map[string]interface{}{}
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return m
}

// ReplaceCollectionLocked installs members as the full contents of the
// named collection, for callers that read it via CollectionLocked (which
// may have synthesized a fresh empty map if the collection didn't exist
// yet) and need to write it back. Caller must hold the lock.
func (s *Store) ReplaceCollectionLocked(name string, members map[string]interface{}) {
	s.doc[name] = members
}

// NewIDLocked returns the smallest positive integer id, as a string, not
// already used in the named collection (I1). Caller must hold the lock.
func (s *Store) NewIDLocked(collection string) string {
	members := s.CollectionLocked(collection)
	return newID(members)
}

func newID(members map[string]interface{}) string {
	for i := 1; ; i++ {
		id := itoa(i)
		if _, used := members[id]; !used {
			return id
		}
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// NowLocal formats t in the local "YYYY-MM-DDTHH:MM:SS" form the bridge
// uses throughout config.localtime, schedules and timestamps.
func NowLocal(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}

// NowUTC formats t in UTC using the same layout, for starttime/UTC
// fields.
func NowUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

// RefreshClockLocked updates config.UTC and config.localtime to now.
// Caller must hold the lock.
func (s *Store) RefreshClockLocked(now time.Time) {
	cfg := s.CollectionLocked(CollectionConfig)
	cfg["UTC"] = NowUTC(now)
	cfg["localtime"] = NowLocal(now)
}

// IsWhitelistedLocked reports whether username has a whitelist entry.
// Caller must hold the lock.
func (s *Store) IsWhitelistedLocked(username string) bool {
	cfg := s.CollectionLocked(CollectionConfig)
	wl, ok := AsMap(cfg["whitelist"])
	if !ok {
		return false
	}
	_, ok = wl[username]
	return ok
}

// WhitelistLocked adds (or refreshes) a whitelist entry (I5: monotone,
// entries are never removed by the API). Caller must hold the lock.
func (s *Store) WhitelistLocked(username, appName string, now time.Time) {
	cfg := s.CollectionLocked(CollectionConfig)
	wl, ok := AsMap(cfg["whitelist"])
	if !ok {
		wl = map[string]interface{}{}
	}
	if existing, ok := AsMap(wl[username]); ok {
		existing["last use date"] = NowUTC(now)
		wl[username] = existing
		cfg["whitelist"] = wl
		return
	}
	wl[username] = map[string]interface{}{
		"name":         appName,
		"create date":  NowUTC(now),
		"last use date": NowUTC(now),
	}
	cfg["whitelist"] = wl
}

// SetIdentityLocked sets config.mac, config.bridgeid and config.ipaddress
// from the 12-hex MAC and bound IP (I3: derived once at startup, never
// changed after). Caller must hold the lock.
func (s *Store) SetIdentityLocked(mac12, ip string) {
	cfg := s.CollectionLocked(CollectionConfig)
	cfg["mac"] = FormatMAC(mac12)
	cfg["bridgeid"] = BridgeID(mac12)
	cfg["ipaddress"] = ip
	cfg["datastoreversion"] = DatastoreVersion
	s.doc[CollectionConfig] = cfg
}

// LightSummary is the read-only {name, on} projection the original's
// get_configured_lights() exposes, kept here for diagnostics and tests.
type LightSummary struct {
	ID   string
	Name string
	On   bool
}

// LightSummariesLocked returns a summary of every light. Caller must hold
// the lock.
func (s *Store) LightSummariesLocked() []LightSummary {
	lights := s.CollectionLocked(CollectionLights)
	out := make([]LightSummary, 0, len(lights))
	for id, v := range lights {
		light, ok := AsMap(v)
		if !ok {
			continue
		}
		name, _ := AsString(light["name"])
		on := false
		if state, ok := AsMap(light["state"]); ok {
			on, _ = AsBool(state["on"])
		}
		out = append(out, LightSummary{ID: id, Name: name, On: on})
	}
	return out
}

// SeedSensorStateLocked is seedSensorStateLocked for callers that already
// hold the lock (e.g. Light Adapter reconcile).
func (s *Store) SeedSensorStateLocked() {
	s.seedSensorStateLocked()
}

func (s *Store) seedSensorStateLocked() {
	sensors := s.CollectionLocked(CollectionSensors)
	for id, v := range sensors {
		sensor, ok := AsMap(v)
		if !ok {
			continue
		}
		state, ok := AsMap(sensor["state"])
		if !ok {
			continue
		}
		var fields []string
		for key := range state {
			switch key {
			case "lastupdated", "presence", "flag", "dark", "status":
				fields = append(fields, key)
			}
		}
		s.sensors.Seed(id, fields)
	}
}

// SeedSensorState re-scans the sensors collection for newly created
// sensors and seeds their change-tracking baseline, mirroring
// generate_sensors_state() being called again after every sensor POST.
func (s *Store) SeedSensorState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedSensorStateLocked()
}

// Package lightadapter is the bidirectional translator between Hue light
// state and the external message bus convention (spec §4.3). It is the
// generalized, bus-agnostic descendant of CasaPlatform-hue's hue.Bridge:
// that package wired a single MQTT client straight to a real Hue bridge's
// REST client; this one wires an injected Bus to our own Config Store, in
// the opposite direction (we emulate the bridge instead of calling one).
package lightadapter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/stufisher/homiehuebridge/internal/devicetype"
	"github.com/stufisher/homiehuebridge/internal/logging"
	"github.com/stufisher/homiehuebridge/internal/store"
)

var log = logging.WithComponent("lightadapter")

// Bus is the pub/sub transport the Light Adapter is built against (spec
// §6): subscribe to a topic with a handler, publish a retained or
// non-retained payload. The concrete implementation (internal/bus/mqttbus)
// is wired in by the cmd entrypoint, never by this package.
type Bus interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte, retain bool) error
}

// DeviceMapping is one entry of the deployment's HUEDEVICES table (§6):
// which bus address a configured device lives at, its device type, and
// any property/value renames.
type DeviceMapping struct {
	Type            string
	Name            string
	Address         string
	PropertyRenames map[string]string // forwarded property -> bus property name
	ValueOn         string            // bus payload meaning "on"; default "1"
	ValueOff        string            // bus payload meaning "off"; default "0"
}

func (m DeviceMapping) busProperty(prop string) string {
	if renamed, ok := m.PropertyRenames[prop]; ok && renamed != "" {
		return renamed
	}
	return prop
}

func (m DeviceMapping) onValue() string {
	if m.ValueOn != "" {
		return m.ValueOn
	}
	return "1"
}

func (m DeviceMapping) offValue() string {
	if m.ValueOff != "" {
		return m.ValueOff
	}
	return "0"
}

// stateKeyFor maps a forwarded property name (on/brightness/color, the
// Homie-side vocabulary) onto the Hue light-state key it drives. The
// emulated surface only needs on/bri/ct (spec §1 Non-goals), so "color"
// always means color temperature here.
func stateKeyFor(prop string) (string, bool) {
	switch prop {
	case "on":
		return "on", true
	case "brightness":
		return "bri", true
	case "color":
		return "ct", true
	default:
		return "", false
	}
}

// Adapter holds the device mapping table and device-type database, and
// mediates every light-state change between the Config Store and the bus.
type Adapter struct {
	bus       Bus
	baseTopic string
	devices   map[string]DeviceMapping
	db        devicetype.DB
	st        *store.Store
}

// New builds an Adapter. devices maps a configured device id to its bus
// mapping; db is the device-type database used to seed new lights.
func New(bus Bus, baseTopic string, devices map[string]DeviceMapping, db devicetype.DB, st *store.Store) *Adapter {
	return &Adapter{
		bus:       bus,
		baseTopic: baseTopic,
		devices:   devices,
		db:        db,
		st:        st,
	}
}

// Reconcile diffs the configured device set against `lights`: devices
// missing from `lights` are seeded from the device-type DB with a fresh
// uniqueid; `lights` entries absent from the configured set are removed
// (spec §4.3; HomieHueBridge._sync_devices). It persists once at the end.
func (a *Adapter) Reconcile() error {
	a.st.Lock()
	defer a.st.Unlock()

	lights := a.st.CollectionLocked(store.CollectionLights)

	for id, mapping := range a.devices {
		if _, exists := lights[id]; exists {
			continue
		}
		seed, err := a.db.Seed(mapping.Type)
		if err != nil {
			return errors.Wrapf(err, "reconciling device %s", id)
		}
		seed["name"] = mapping.Name
		seed["uniqueid"] = store.NewUniqueID()
		lights[id] = seed
		log.WithFields(map[string]interface{}{"device": id, "type": mapping.Type}).Info("added device missing from lights")
	}

	var stale []string
	for id := range lights {
		if _, configured := a.devices[id]; !configured {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(lights, id)
		log.WithField("device", id).Info("removed device no longer configured")
	}

	a.st.ReplaceCollectionLocked(store.CollectionLights, lights)
	a.st.SeedSensorStateLocked()
	return a.st.SaveLocked()
}

// SubscribeAll subscribes to every forwarded property of every configured
// device (inbound bus -> Hue direction).
func (a *Adapter) SubscribeAll() error {
	for id, mapping := range a.devices {
		props, err := a.db.Properties(mapping.Type)
		if err != nil {
			return errors.Wrapf(err, "subscribing device %s", id)
		}
		for _, prop := range props {
			deviceID, prop := id, prop
			busProp := mapping.busProperty(prop)
			topic := fmt.Sprintf("%s/%s/%s", a.baseTopic, mapping.Address, busProp)
			log.WithFields(map[string]interface{}{"device": deviceID, "topic": topic}).Info("subscribing")
			if err := a.bus.Subscribe(topic, func(_ string, payload []byte) {
				a.handleInbound(deviceID, prop, payload)
			}); err != nil {
				return errors.Wrapf(err, "subscribing to %s", topic)
			}
		}
	}
	return nil
}

// OnLightPut is the outbound (Hue -> bus) callback the HTTP server
// invokes on every light-state PUT. changes holds the patch just applied
// to the light's state (Hue-shaped keys: on, bri, ct, ...).
func (a *Adapter) OnLightPut(lightID string, changes map[string]interface{}) {
	mapping, ok := a.devices[lightID]
	if !ok {
		return
	}
	props, err := a.db.Properties(mapping.Type)
	if err != nil {
		log.WithError(err).WithField("device", lightID).Warn("no property list for device type")
		return
	}
	for _, prop := range props {
		stateKey, ok := stateKeyFor(prop)
		if !ok {
			continue
		}
		value, present := changes[stateKey]
		if !present {
			continue
		}
		payload, err := formatOutbound(stateKey, value, mapping)
		if err != nil {
			log.WithError(err).WithField("device", lightID).Warn("could not format outbound value")
			continue
		}
		busProp := mapping.busProperty(prop)
		topic := fmt.Sprintf("%s/%s/%s/set", a.baseTopic, mapping.Address, busProp)
		if err := a.bus.Publish(topic, []byte(payload), true); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("publish failed")
		}
	}
}

func formatOutbound(stateKey string, value interface{}, mapping DeviceMapping) (string, error) {
	if stateKey == "on" {
		on, ok := store.AsBool(value)
		if !ok {
			return "", errors.Errorf("on value %v is not boolean", value)
		}
		if on {
			return mapping.onValue(), nil
		}
		return mapping.offValue(), nil
	}
	n, err := store.AsInt(value)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

// handleInbound applies a bus-originated change to the Config Store and
// recomputes derived group state, but never republishes on the outbound
// path: adapter-originated writes are idempotent at the boundary, so
// there is no echo to break.
func (a *Adapter) handleInbound(deviceID, prop string, payload []byte) {
	mapping, ok := a.devices[deviceID]
	if !ok {
		log.WithField("device", deviceID).Warn("update for unregistered device")
		return
	}
	stateKey, ok := stateKeyFor(prop)
	if !ok {
		return
	}

	raw := string(payload)
	var value interface{}
	if stateKey == "on" {
		switch raw {
		case mapping.onValue():
			value = true
		case mapping.offValue():
			value = false
		default:
			value = raw == "1"
		}
	} else {
		n, err := strconv.Atoi(raw)
		if err != nil {
			log.WithError(err).WithField("device", deviceID).Warn("non-numeric inbound payload")
			return
		}
		value = float64(n)
	}

	a.st.Lock()
	defer a.st.Unlock()
	if !a.st.ApplyLightStateLocked(deviceID, map[string]interface{}{stateKey: value}) {
		log.WithField("device", deviceID).Warn("inbound update for light missing from store")
		return
	}
	a.st.UpdateGroupStatsLocked(deviceID, time.Now())
}

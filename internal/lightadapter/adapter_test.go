package lightadapter

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stufisher/homiehuebridge/internal/devicetype"
	"github.com/stufisher/homiehuebridge/internal/store"
)

type fakeBus struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]func(string, []byte)
}

type published struct {
	topic   string
	payload string
	retain  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]func(string, []byte){}}
}

func (b *fakeBus) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic, string(payload), retain})
	return nil
}

func (b *fakeBus) deliver(topic, payload string) {
	if h, ok := b.handlers[topic]; ok {
		h(topic, []byte(payload))
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeBus, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "hue.json"))
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	db, err := devicetype.Load()
	if err != nil {
		t.Fatalf("devicetype.Load: %v", err)
	}

	bus := newFakeBus()
	devices := map[string]DeviceMapping{
		"1": {Type: "color_temperature_light", Name: "Kitchen", Address: "kitchen"},
	}
	a := New(bus, "homie", devices, db, st)
	if err := a.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := a.SubscribeAll(); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	return a, bus, st
}

func TestReconcileSeedsAndRemoves(t *testing.T) {
	a, _, st := newTestAdapter(t)
	_ = a

	st.Lock()
	_, ok := st.GetLocked(store.ParsePath("/lights/1/uniqueid"))
	st.Unlock()
	if !ok {
		t.Fatal("expected device 1 to be seeded into lights")
	}

	// Remove the device from the configured set and reconcile again.
	a.devices = map[string]DeviceMapping{}
	if err := a.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	st.Lock()
	_, ok = st.GetLocked(store.ParsePath("/lights/1"))
	st.Unlock()
	if ok {
		t.Fatal("expected stale light to be removed")
	}
}

func TestOutboundPublishesOnAndColorTemp(t *testing.T) {
	a, bus, _ := newTestAdapter(t)

	a.OnLightPut("1", map[string]interface{}{"on": true, "ct": float64(300)})

	if len(bus.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d: %+v", len(bus.published), bus.published)
	}
	foundOn, foundCT := false, false
	for _, p := range bus.published {
		if !p.retain {
			t.Fatalf("expected retained publish, got %+v", p)
		}
		switch p.topic {
		case "homie/kitchen/on/set":
			foundOn = true
			if p.payload != "1" {
				t.Fatalf("expected on payload 1, got %s", p.payload)
			}
		case "homie/kitchen/color/set":
			foundCT = true
			if p.payload != "300" {
				t.Fatalf("expected ct payload 300, got %s", p.payload)
			}
		}
	}
	if !foundOn || !foundCT {
		t.Fatalf("missing expected topics: %+v", bus.published)
	}
}

func TestInboundAppliesStateAndSuppressesEcho(t *testing.T) {
	a, bus, st := newTestAdapter(t)

	bus.deliver("homie/kitchen/on", "1")

	st.Lock()
	on, ok := st.GetLocked(store.ParsePath("/lights/1/state/on"))
	st.Unlock()
	if !ok || on != true {
		t.Fatalf("expected light on=true, got %v", on)
	}

	before := len(bus.published)
	bus.deliver("homie/kitchen/on", "0")
	if len(bus.published) != before {
		t.Fatalf("inbound apply must not re-publish outbound: got %d new publishes", len(bus.published)-before)
	}
	_ = a
}

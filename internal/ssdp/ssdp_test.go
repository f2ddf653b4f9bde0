package ssdp

import (
	"strings"
	"testing"
)

func TestVariantsThreeDistinctSTValues(t *testing.T) {
	r := New("001788FFFE123456", "001788123456", "192.168.1.50", 80)
	variants := r.variants()
	if len(variants) != 3 {
		t.Fatalf("expected 3 variants, got %d", len(variants))
	}
	seen := map[string]bool{}
	for _, v := range variants {
		seen[v.stOrNT] = true
	}
	for _, want := range []string{"upnp:rootdevice", r.uuid(), "urn:schemas-upnp-org:device:basic:1"} {
		if !seen[want] {
			t.Fatalf("missing expected ST/NT value %q among %v", want, variants)
		}
	}
}

func TestResponseHeadersByteExact(t *testing.T) {
	r := New("001788fffe123456", "001788123456", "192.168.1.50", 80)
	responses := r.responses()
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	msg := responses[1] // the uuid:... variant
	for _, want := range []string{
		"CACHE-CONTROL: max-age=100\r\n",
		"LOCATION: http://192.168.1.50:80/description.xml\r\n",
		"SERVER: Linux/3.14.0 UPnP/1.0 IpBridge/1.20.0\r\n",
		"hue-bridgeid: 001788FFFE123456\r\n",
		"ST: uuid:2f402f80-da50-11e1-9b23-001788123456\r\n",
		"USN: uuid:2f402f80-da50-11e1-9b23-001788123456\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("response missing header line %q:\n%s", want, msg)
		}
	}
}

func TestNotificationsCarryNTSAlive(t *testing.T) {
	r := New("001788fffe123456", "001788123456", "192.168.1.50", 80)
	for _, msg := range r.notifications() {
		if !strings.Contains(msg, "NOTIFY * HTTP/1.1\r\n") {
			t.Fatalf("expected NOTIFY start line, got:\n%s", msg)
		}
		if !strings.Contains(msg, "NTS: ssdp:alive\r\n") {
			t.Fatalf("expected NTS: ssdp:alive, got:\n%s", msg)
		}
	}
}

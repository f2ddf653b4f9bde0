package mqttbus

import (
	"strings"
	"testing"
	"time"
)

func TestNewAppliesDefaultTimeout(t *testing.T) {
	cfg := Config{Broker: "tcp://127.0.0.1:1", Timeout: 0}

	start := time.Now()
	_, err := New(cfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected connecting to an unreachable broker to fail")
	}
	if !strings.Contains(err.Error(), "connecting to broker") {
		t.Fatalf("expected wrapped connect error, got %v", err)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("expected default timeout to bound the connect attempt, took %s", elapsed)
	}
}

func TestNewHonoursExplicitTimeout(t *testing.T) {
	cfg := Config{Broker: "tcp://127.0.0.1:1", Timeout: 200 * time.Millisecond}

	start := time.Now()
	_, err := New(cfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected connecting to an unreachable broker to fail")
	}
	if elapsed > 5*time.Second {
		t.Fatalf("expected short timeout to bound the connect attempt, took %s", elapsed)
	}
}

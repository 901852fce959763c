package mqtt

import (
	"strings"
	"testing"
	"time"

	"github.com/groundloop/patchbay/internal/config"
)

func testPublisher(t *testing.T, deviceName, instanceID string) *Publisher {
	t.Helper()
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         deviceName,
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	return New(cfg, instanceID, NewDailyActivity(time.UTC), nil, nil)
}

func TestPublisher_TopicPaths(t *testing.T) {
	t.Parallel()
	p := testPublisher(t, "den-patchbay", "test-id")

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"base", p.baseTopic, "patchbay/den-patchbay"},
		{"availability", p.availabilityTopic, "patchbay/den-patchbay/availability"},
		{"command", p.commandTopic, "patchbay/den-patchbay/command"},
		{"state", func() string { return p.stateTopic("uptime") }, "patchbay/den-patchbay/uptime/state"},
		{"discovery", func() string { return p.discoveryTopic("sensor", "uptime") }, "homeassistant/sensor/den-patchbay/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	t.Parallel()
	p := testPublisher(t, "test-patchbay", "instance-123")

	wantNames := map[string]string{
		"uptime":            "Uptime",
		"version":           "Version",
		"clients_ready":     "Clients Ready",
		"clients_degraded":  "Clients Degraded",
		"capabilities":      "Capabilities",
		"invocations_today": "Invocations Today",
		"failures_today":    "Failures Today",
		"last_invocation":   "Last Invocation",
	}

	defs := p.sensorDefinitions()
	if got, want := len(defs), len(wantNames); got != want {
		t.Fatalf("got %d sensor definitions, want %d", got, want)
	}

	seen := make(map[string]bool)
	for _, d := range defs {
		if seen[d.entitySuffix] {
			t.Errorf("duplicate sensor definition %q", d.entitySuffix)
		}
		seen[d.entitySuffix] = true

		want, ok := wantNames[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
			continue
		}
		if d.config.Name != want {
			t.Errorf("sensor %s: Name = %q, want %q", d.entitySuffix, d.config.Name, want)
		}

		// A device name inside Name would make HA derive entity IDs
		// like sensor.test-patchbay_test-patchbay_uptime.
		if strings.Contains(d.config.Name, "test-patchbay") {
			t.Errorf("sensor %s: Name %q contains the device name", d.entitySuffix, d.config.Name)
		}
		if !d.config.HasEntityName {
			t.Errorf("sensor %s: HasEntityName = false, want true", d.entitySuffix)
		}
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("sensor %s: ObjectID = %q, want %q", d.entitySuffix, d.config.ObjectID, d.entitySuffix)
		}
		if got, want := d.config.UniqueID, "instance-123_"+d.entitySuffix; got != want {
			t.Errorf("sensor %s: UniqueID = %q, want %q", d.entitySuffix, got, want)
		}
		if got, want := d.config.StateTopic, "patchbay/test-patchbay/"+d.entitySuffix+"/state"; got != want {
			t.Errorf("sensor %s: StateTopic = %q, want %q", d.entitySuffix, got, want)
		}
		if got, want := d.config.AvailabilityTopic, "patchbay/test-patchbay/availability"; got != want {
			t.Errorf("sensor %s: AvailabilityTopic = %q, want %q", d.entitySuffix, got, want)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}

	for suffix := range wantNames {
		if !seen[suffix] {
			t.Errorf("missing sensor definition for %q", suffix)
		}
	}
}

func TestPublisher_DeviceGetter(t *testing.T) {
	t.Parallel()
	p := testPublisher(t, "test-device", "instance-abc")

	got := p.Device()
	if got.Name != "test-device" {
		t.Errorf("Device().Name = %q, want %q", got.Name, "test-device")
	}
	if len(got.Identifiers) != 1 || got.Identifiers[0] != "instance-abc" {
		t.Errorf("Device().Identifiers = %v, want [instance-abc]", got.Identifiers)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"broker set", config.MQTTConfig{Broker: "mqtt://localhost", DeviceName: "patchbay"}, true},
		{"broker without device name", config.MQTTConfig{Broker: "mqtt://localhost"}, true},
		{"device name without broker", config.MQTTConfig{DeviceName: "patchbay"}, false},
		{"zero value", config.MQTTConfig{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `timezone: "Europe/Madrid"
store:
  backend: "sqlite"
  path: "/var/lib/plugsched/plugsched.db"
pricing:
  token: "esios-token"
device:
  kind: "mqtt"
  mqtt:
    broker: "tcp://localhost:1883"
    client_id: "plugsched"
    ack_topic: "plug/ack"
planner:
  workers: 2
executor:
  tick_seconds: 10
  grace_minutes: 5
planning:
  generation_hour: 20
  generation_minute: 30
api:
  enabled: true
  address: ":8081"
  token: "api-token"
metrics:
  prometheus_enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"timezone", cfg.Timezone, "Europe/Madrid"},
		{"store.backend", cfg.Store.Backend, "sqlite"},
		{"store.path", cfg.Store.Path, "/var/lib/plugsched/plugsched.db"},
		{"pricing.token", cfg.Pricing.Token, "esios-token"},
		{"pricing.geo_id default", cfg.Pricing.GeoID, 8741},
		{"device.kind", cfg.Device.Kind, "mqtt"},
		{"device.broker", cfg.Device.MQTT.Broker, "tcp://localhost:1883"},
		{"device.ack_topic", cfg.Device.MQTT.AckTopic, "plug/ack"},
		{"planner.workers", cfg.Planner.Workers, 2},
		{"executor.tick", cfg.Executor.TickSeconds, 10},
		{"executor.max_attempts default", cfg.Executor.MaxAttempts, 5},
		{"planning.hour", cfg.Planning.GenerationHour, 20},
		{"planning.retry default", cfg.Planning.RetryMinutes, 30},
		{"api.address", cfg.API.Address, ":8081"},
		{"api.token", cfg.API.Token, "api-token"},
		{"metrics.prom", cfg.Metrics.PrometheusEnabled, true},
		{"metrics.prom_port default", cfg.Metrics.PrometheusPort, ":9090"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc.String() != "Europe/Madrid" {
		t.Errorf("location = %s", loc)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", `device:
  kind: "mock"
`)
	t.Setenv("PS_PRICING__TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Pricing.Token != "from-env" {
		t.Errorf("pricing.token = %q", cfg.Pricing.Token)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "config.yaml", `store:
  backend: "postgres"
device:
  kind: "mock"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadRejectsMQTTWithoutBroker(t *testing.T) {
	path := writeConfig(t, "config.json", `{"device":{"kind":"mqtt"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing broker")
	}
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	path := writeConfig(t, "config.toml", `x = 1`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, "config.yaml", `timezone: "Mars/Olympus"
device:
  kind: "mock"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

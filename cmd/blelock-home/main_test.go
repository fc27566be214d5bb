package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blelock-home/internal/coordinator"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("transport:\n  port: /dev/ttyACM0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Type != "serial" || cfg.Transport.Baud != 115200 {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Timing != coordinator.DefaultTiming() {
		t.Errorf("timing = %+v", cfg.Timing)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Web.UnlockRatePerMin != 10 || cfg.Web.UnlockBurst != 3 {
		t.Errorf("web = %+v", cfg.Web)
	}
	if cfg.Store.Path != "blelock-home.db" || cfg.Store.HistoryLimit != 1000 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.MQTT.TopicPrefix != "blelock" || cfg.ScriptsDir != "scripts" {
		t.Errorf("mqtt prefix = %q, scripts = %q", cfg.MQTT.TopicPrefix, cfg.ScriptsDir)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestParseConfigFull(t *testing.T) {
	data := `
transport:
  type: sim
  sim_devices:
    - mac: "AA:BB:CC:DD:EE:01"
      name: Porch
      auth_code: "1234"
      appear_after: 2s
timing:
  close_delay: 5s
  resolve_attempts: 20
web:
  unlock_rate_per_min: -1
locks:
  - name: Porch
    mac: aa-bb-cc-dd-ee-01
    aes_key: k
    auth_code: "1234"
    key_group_id: 7
influxdb:
  enabled: true
  url: http://localhost:8086
  flush_interval: 5s
log:
  level: debug
  format: json
`
	cfg, err := parseConfig([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Transport.Sim) != 1 || cfg.Transport.Sim[0].AppearAfter != 2*time.Second {
		t.Errorf("sim devices = %+v", cfg.Transport.Sim)
	}
	// Unset timing fields keep their defaults.
	if cfg.Timing.CloseDelay != 5*time.Second || cfg.Timing.ResolveAttempts != 20 ||
		cfg.Timing.ScanDuration != 30*time.Second || cfg.Timing.ResolveInterval != 500*time.Millisecond {
		t.Errorf("timing = %+v", cfg.Timing)
	}
	if cfg.Web.UnlockRatePerMin != -1 {
		t.Errorf("unlock rate = %v", cfg.Web.UnlockRatePerMin)
	}
	if len(cfg.Locks) != 1 || cfg.Locks[0].KeyGroupID != 7 {
		t.Errorf("locks = %+v", cfg.Locks)
	}
	if !cfg.InfluxDB.Enabled || cfg.InfluxDB.FlushInterval != 5*time.Second {
		t.Errorf("influxdb = %+v", cfg.InfluxDB)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"serial without port", "transport: {type: serial}", "transport.port"},
		{"unknown transport", "transport: {type: bluez}", "unknown transport"},
		{"zero attempts", "transport: {type: sim}\ntiming: {resolve_attempts: -1}", "resolve_attempts"},
		{"bad interval", "transport: {type: sim}\ntiming: {resolve_interval: -1s}", "resolve_interval"},
		{"negative close delay", "transport: {type: sim}\ntiming: {close_delay: -1s}", "close_delay"},
		{"mqtt without broker", "transport: {type: sim}\nmqtt: {enabled: true}", "mqtt.broker"},
		{"duplicate lock", "transport: {type: sim}\nlocks: [{name: A, mac: 'aa:bb:cc:dd:ee:01'}, {name: A, mac: 'aa:bb:cc:dd:ee:02'}]", "duplicate name"},
		{"bad lock mac", "transport: {type: sim}\nlocks: [{name: A, mac: nope}]", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestWriteTimeoutCoversSession(t *testing.T) {
	cfg, err := parseConfig([]byte("transport: {type: sim}"))
	if err != nil {
		t.Fatal(err)
	}
	session := cfg.resolveWindow() + cfg.Timing.CloseDelay
	if cfg.writeTimeout() <= session {
		t.Errorf("writeTimeout %v does not cover session %v", cfg.writeTimeout(), session)
	}
	if cfg.resolveWindow() <= cfg.Timing.ScanDuration {
		t.Errorf("default resolve window %v should outlast scan %v", cfg.resolveWindow(), cfg.Timing.ScanDuration)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("transport: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("err = %v", err)
	}
}

func TestCreateTransportSim(t *testing.T) {
	cfg, err := parseConfig([]byte("transport: {type: sim}"))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := createTransport(cfg, newLogger(&Config{}))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if tr.Info().Type != "simulator" {
		t.Errorf("info = %+v", tr.Info())
	}
}

package config

import (
	"os"
	"testing"
)

func TestLoadClient_Defaults(t *testing.T) {
	cfg, version, err := LoadClient(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version {
		t.Fatalf("expected version=false")
	}
	if cfg.Host != "127.0.0.1" || cfg.PortA != 4700 || cfg.PortB != 4500 || cfg.PortC != 4800 || cfg.PortD != 4720 {
		t.Fatalf("unexpected default ports: %+v", cfg)
	}
}

func TestLoadClient_FlagsOverrideDefaults(t *testing.T) {
	cfg, _, err := LoadClient([]string{"-host", "10.0.0.5", "-port-a", "5700"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "10.0.0.5" || cfg.PortA != 5700 {
		t.Fatalf("expected overrides to apply, got %+v", cfg)
	}
}

func TestLoadClient_InvalidLogLevel(t *testing.T) {
	if _, _, err := LoadClient([]string{"-log-level", "verbose"}); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}

func TestLoadClient_ReconnectBoundsValidated(t *testing.T) {
	if _, _, err := LoadClient([]string{"-reconnect-min-backoff", "90s", "-reconnect-max-backoff", "60s"}); err == nil {
		t.Fatal("expected validation error when min backoff exceeds max")
	}
}

func TestLoadSim_Defaults(t *testing.T) {
	cfg, _, err := LoadSim(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddrA != ":4700" || cfg.Telemetry != "synthetic" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MDNSName != cfg.DeviceName {
		t.Fatalf("expected mdns-name to default to device-name, got %q vs %q", cfg.MDNSName, cfg.DeviceName)
	}
}

func TestLoadSim_InvalidTelemetry(t *testing.T) {
	if _, _, err := LoadSim([]string{"-telemetry", "lidar"}); err == nil {
		t.Fatal("expected validation error for bad telemetry source")
	}
}

func TestLoadSim_YAMLOverlay(t *testing.T) {
	path := t.TempDir() + "/sim.yaml"
	yamlBody := "device_name: observatory-1\nlisten_a: \":9700\"\ntelemetry: host\n"
	if err := writeFile(path, yamlBody); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, _, err := LoadSim([]string{"-config", path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceName != "observatory-1" || cfg.ListenAddrA != ":9700" || cfg.Telemetry != "host" {
		t.Fatalf("expected YAML overlay to apply, got %+v", cfg)
	}
}

func TestLoadSim_FlagBeatsYAML(t *testing.T) {
	path := t.TempDir() + "/sim.yaml"
	if err := writeFile(path, "device_name: from-yaml\n"); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, _, err := LoadSim([]string{"-config", path, "-device-name", "from-flag"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceName != "from-flag" {
		t.Fatalf("expected explicit flag to win over YAML, got %q", cfg.DeviceName)
	}
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}

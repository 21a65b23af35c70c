package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.WSPort != 8080 || cfg.Server.Path != "/pgproxy" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if !cfg.Authenticate("anything") {
		t.Fatalf("default Authenticate should accept everything")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("5s")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Duration() != 5*time.Second {
		t.Fatalf("got %v, want 5s", d.Duration())
	}
}

func TestRemapMissingKeysBecomeInvalid(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.RemapHost("unknown"); got != "invalid" {
		t.Fatalf("RemapHost(unknown) = %q, want invalid", got)
	}
	if got := cfg.RemapPort(9999); got != 0 {
		t.Fatalf("RemapPort(9999) = %d, want 0", got)
	}
	if got := cfg.RemapUser("nobody"); got != "invalid" {
		t.Fatalf("RemapUser(nobody) = %q, want invalid", got)
	}
}

func TestRemapHitsConfiguredTable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remap.HostMap["public-host"] = "internal-host.local"
	cfg.Remap.PortMap["5432"] = 6543

	if got := cfg.RemapHost("public-host"); got != "internal-host.local" {
		t.Fatalf("RemapHost = %q, want internal-host.local", got)
	}
	if got := cfg.RemapPort(5432); got != 6543 {
		t.Fatalf("RemapPort = %d, want 6543", got)
	}
}

func TestLoadAppliesCLIFlagsOverDefaults(t *testing.T) {
	cfg, err := Load([]string{"-ws-port", "9090", "-path", "/custom"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.WSPort != 9090 || cfg.Server.Path != "/custom" {
		t.Fatalf("flags did not override defaults: %+v", cfg.Server)
	}
}

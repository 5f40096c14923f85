package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netgate.yaml")
	data := `
guestIP: 10.0.0.5
gatewayIP: 10.0.0.1
hostIP: 10.0.0.4
dnsIP: 1.1.1.1
dnsIntercept: true
pollInterval: 50ms
debugHTTP: "127.0.0.1:8090"
forwards:
  - hostPort: 2121
    guestPort: 21
  - hostPort: 8080
    guestPort: 80
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	conf, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	want := Config{
		GuestIP:      "10.0.0.5",
		GatewayIP:    "10.0.0.1",
		HostIP:       "10.0.0.4",
		DNSIP:        "1.1.1.1",
		DNSIntercept: true,
		PollInterval: Duration(50 * time.Millisecond),
		DebugHTTP:    "127.0.0.1:8090",
		Forwards: []Forward{
			{HostPort: 2121, GuestPort: 21},
			{HostPort: 8080, GuestPort: 80},
		},
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netgate.yaml")
	if err := os.WriteFile(path, []byte("dnsIntercept: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	conf, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	defaults := DefaultConfig()
	if conf.DNSIP != defaults.DNSIP {
		t.Fatalf("dns default lost: %q", conf.DNSIP)
	}
	if conf.PollInterval != defaults.PollInterval {
		t.Fatalf("poll interval default lost: %v", conf.PollInterval)
	}
	if diff := cmp.Diff(defaults.Forwards, conf.Forwards); diff != "" {
		t.Fatalf("forward defaults lost (-want +got):\n%s", diff)
	}
	if !conf.DNSIntercept {
		t.Fatalf("override not applied")
	}
}

func TestLoadConfigRejectsZeroPortForward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netgate.yaml")
	data := "forwards:\n  - hostPort: 0\n    guestPort: 21\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected zero-port forward to be rejected")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

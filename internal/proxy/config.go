package proxy

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "20ms"
// as well as plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Forward maps a listening port on the host to a service port on the guest.
type Forward struct {
	HostPort  uint16 `yaml:"hostPort"`
	GuestPort uint16 `yaml:"guestPort"`
}

// Config is the deploy-time configuration of the gateway, loadable from YAML.
// In the zero value New fills in the poll interval and DNS server, but there
// are no port forwards; DefaultConfig returns the shipped defaults.
type Config struct {
	// Static addressing. When GuestIP is set, the proxy is enabled immediately
	// instead of waiting for the first DHCP exchange to auto-detect.
	GuestIP   string `yaml:"guestIP"`
	GatewayIP string `yaml:"gatewayIP"`
	HostIP    string `yaml:"hostIP"`
	DNSIP     string `yaml:"dnsIP"`

	// Forwards are host-side listeners injected into the guest as inbound
	// connections.
	Forwards []Forward `yaml:"forwards"`

	// DNSIntercept answers guest DNS queries locally instead of relaying the
	// datagrams through the NAT table.
	DNSIntercept bool `yaml:"dnsIntercept"`

	// PcapPath is the path of a libpcap capture file. It is loaded but not
	// acted on: New opens no file, and capture starts only through
	// Proxy.OpenPacketCapture.
	PcapPath string `yaml:"pcapPath"`

	// DebugHTTP is a host address for the JSON status endpoint. It is loaded
	// but not acted on: New starts no server, and the endpoint starts only
	// through Proxy.EnableDebugHTTP.
	DebugHTTP string `yaml:"debugHTTP"`

	// PollInterval is the host-socket drain cadence.
	PollInterval Duration `yaml:"pollInterval"`
}

// DefaultConfig returns the configuration the gateway historically shipped
// with: one FTP forward and a 20ms poll timer.
func DefaultConfig() Config {
	return Config{
		DNSIP:        "8.8.8.8",
		Forwards:     []Forward{{HostPort: 2121, GuestPort: 21}},
		PollInterval: Duration(20 * time.Millisecond),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parse config %s: %w", path, err)
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = Duration(20 * time.Millisecond)
	}
	for _, fwd := range conf.Forwards {
		if fwd.HostPort == 0 || fwd.GuestPort == 0 {
			return conf, fmt.Errorf("config %s: forward %d->%d has a zero port", path, fwd.HostPort, fwd.GuestPort)
		}
	}
	return conf, nil
}

func parseIPv4Addr(s string) ([4]byte, bool) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, false
	}
	copy(out[:], ip4)
	return out, true
}

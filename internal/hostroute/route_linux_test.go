//go:build linux

package hostroute

import "testing"

func TestProbe(t *testing.T) {
	hostIP, gatewayIP, err := Probe()
	if err != nil {
		// Hosts without a default route (containers, CI sandboxes) are fine;
		// the gateway treats this as "auto-detection unavailable".
		t.Skipf("no usable route: %v", err)
	}
	if hostIP == ([4]byte{}) {
		t.Fatalf("probe returned zero host address")
	}
	if gatewayIP == ([4]byte{}) {
		t.Fatalf("probe returned zero gateway address")
	}
}

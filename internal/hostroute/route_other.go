//go:build !linux

package hostroute

import "errors"

// Probe is unsupported outside Linux; callers treat the error as
// "auto-detection unavailable" and leave the proxy disabled.
func Probe() (hostIP, gatewayIP [4]byte, err error) {
	return hostIP, gatewayIP, errors.New("hostroute: routing table probe not supported on this platform")
}

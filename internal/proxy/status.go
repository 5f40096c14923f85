package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Debug HTTP endpoint providing JSON status.
////////////////////////////////////////////////////////////////////////////////

// EnableDebugHTTP starts a small server exposing gateway state at /status.
func (p *Proxy) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	p.debugMu.Lock()
	defer p.debugMu.Unlock()

	if p.debugListener != nil {
		return fmt.Errorf("debug http already enabled at %s", p.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", p.handleDebugStatus)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.debugListener = ln
	p.debugAddr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			p.log.Warn("debug http serve", "err", err)
		}
	}()
	return nil
}

// DebugHTTPAddr returns the bound address of the debug server.
func (p *Proxy) DebugHTTPAddr() string {
	p.debugMu.Lock()
	defer p.debugMu.Unlock()
	return p.debugAddr
}

// debugStatus is the JSON structure exposed at /status.
type debugStatus struct {
	Enabled         bool     `json:"enabled"`
	GuestIPv4       string   `json:"guestIPv4"`
	GatewayIPv4     string   `json:"gatewayIPv4"`
	HostIPv4        string   `json:"hostIPv4"`
	DNSIPv4         string   `json:"dnsIPv4"`
	GuestMAC        string   `json:"guestMAC"`
	HostMAC         string   `json:"hostMAC"`
	UDPFlows        int      `json:"udpFlows"`
	TCPFlows        int      `json:"tcpFlows"`
	InboundFlows    int      `json:"inboundFlows"`
	Forwards        []string `json:"forwards"`
	FramesFromGuest uint64   `json:"framesFromGuest"`
	FramesToGuest   uint64   `json:"framesToGuest"`
	FramesDropped   uint64   `json:"framesDropped"`
	UDPRelayed      uint64   `json:"udpRelayed"`
	TCPRelayed      uint64   `json:"tcpRelayed"`
}

func (p *Proxy) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status := p.collectDebugStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.log.Warn("debug status encode", "err", err)
	}
}

func (p *Proxy) collectDebugStatus() debugStatus {
	p.mu.Lock()
	status := debugStatus{
		Enabled:      p.cfg.enabled,
		GuestIPv4:    ipString(p.cfg.guestIP),
		GatewayIPv4:  ipString(p.cfg.gatewayIP),
		HostIPv4:     ipString(p.cfg.hostIP),
		DNSIPv4:      ipString(p.cfg.dnsIP),
		HostMAC:      net.HardwareAddr(syntheticHostMAC[:]).String(),
		UDPFlows:     p.activeUDPFlowsLocked(),
		TCPFlows:     p.activeTCPFlowsLocked(),
		InboundFlows: p.activeInboundFlowsLocked(),
	}
	if p.cfg.hasMAC {
		status.GuestMAC = net.HardwareAddr(p.cfg.guestMAC[:]).String()
	}
	for _, fwd := range p.conf.Forwards {
		status.Forwards = append(status.Forwards,
			fmt.Sprintf("%d -> %d", fwd.HostPort, fwd.GuestPort))
	}
	p.mu.Unlock()

	status.FramesFromGuest = p.framesFromGuest.Load()
	status.FramesToGuest = p.framesToGuest.Load()
	status.FramesDropped = p.framesDropped.Load()
	status.UDPRelayed = p.udpRelayed.Load()
	status.TCPRelayed = p.tcpRelayed.Load()
	return status
}

package proxy

import "time"

////////////////////////////////////////////////////////////////////////////////
// Poll loop. All host sockets are drained non-blockingly in a fixed order:
// inbound accept/recv, UDP recvfrom, outbound TCP recv. The loop runs on a
// wall-clock timer and inline at the top of every guest TX submission; the
// inline call keeps the gateway live between ticks under bursty traffic.
////////////////////////////////////////////////////////////////////////////////

// Poll drains every host socket once. Safe to call at any time; a disabled
// gateway polls nothing.
func (p *Proxy) Poll() {
	p.mu.Lock()
	if p.cfg.enabled {
		p.pollLocked()
	}
	p.mu.Unlock()
}

func (p *Proxy) pollLocked() {
	p.pollInboundLocked()
	p.pollUDPLocked()
	p.pollTCPLocked()
}

func (p *Proxy) startPollTimerLocked() {
	if p.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	p.pollStop = stop

	interval := time.Duration(p.conf.PollInterval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Poll()
			case <-stop:
				return
			}
		}
	}()
}

func (p *Proxy) stopPollTimerLocked() {
	if p.pollStop != nil {
		close(p.pollStop)
		p.pollStop = nil
	}
}

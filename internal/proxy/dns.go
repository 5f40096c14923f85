package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

////////////////////////////////////////////////////////////////////////////////
// Optional DNS interception. When enabled, guest queries to any resolver on
// port 53 are answered locally using the host's resolver instead of being
// NATed outward. Resolution runs off the frame path; the reply is injected
// once the lookup completes.
////////////////////////////////////////////////////////////////////////////////

const dnsPort = 53

const dnsLookupTimeout = 3 * time.Second

// handleDNSLocked intercepts one guest query. Unparseable payloads fall
// through to the NAT table so non-DNS traffic on port 53 still works.
func (p *Proxy) handleDNSLocked(ip ipv4Header, udp udpHeader) bool {
	if !p.cfg.enabled {
		return false
	}
	var query dns.Msg
	if err := query.Unpack(udp.payload); err != nil {
		return false
	}

	go p.answerDNS(query, ip.dst, udp.srcPort)
	return true
}

func (p *Proxy) answerDNS(query dns.Msg, serverIP [4]byte, guestPort uint16) {
	reply := new(dns.Msg)
	reply.SetReply(&query)
	reply.RecursionAvailable = true

	for _, q := range query.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", strings.TrimSuffix(q.Name, "."))
		cancel()
		if err != nil || len(addrs) == 0 {
			p.log.Debug("dns: lookup failed", "name", q.Name, "err", err)
			reply.SetRcode(&query, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, addrs[0].String()))
		if err != nil {
			p.log.Debug("dns: create rr", "err", err)
			continue
		}
		reply.Answer = append(reply.Answer, rr)
	}

	packed, err := reply.Pack()
	if err != nil {
		p.log.Warn("dns: pack reply", "err", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.enabled {
		return
	}
	frame := buildUDPFrame(
		p.cfg.guestMAC, syntheticHostMAC,
		serverIP, dnsPort,
		p.cfg.guestIP, guestPort,
		p.ipID(), packed,
	)
	p.sendToGuestLocked(frame)
}

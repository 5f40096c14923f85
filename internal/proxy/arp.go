package proxy

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// ARP responder. The gateway claims every IPv4 address the guest asks about,
// with one exception: the guest's own address. Answering that probe would
// defeat the guest's Duplicate Address Detection and make it abandon its
// DHCP lease.
////////////////////////////////////////////////////////////////////////////////

// handleARPLocked answers ARP requests on behalf of the rest of the LAN.
func (p *Proxy) handleARPLocked(eth ethernetHeader) bool {
	if !p.cfg.enabled {
		return false
	}
	payload := eth.payload
	if len(payload) < arpPayloadLen {
		return false
	}

	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	if hwType != arpHardwareEthernet || etherType(protoType) != etherTypeIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		return false
	}
	op := binary.BigEndian.Uint16(payload[6:8])
	if op != arpOpRequest {
		return false
	}

	p.recordGuestMACLocked(eth.src)

	var targetIP [4]byte
	copy(targetIP[:], payload[24:28])

	// DAD probe for the guest's own address: consume silently.
	if targetIP == p.cfg.guestIP {
		if DEBUG {
			p.log.Debug("arp: ignoring dad probe", "target", ipString(targetIP))
		}
		return true
	}

	var senderIP [4]byte
	copy(senderIP[:], payload[14:18])

	reply := make([]byte, ethernetHeaderLen+arpPayloadLen)
	putEthernetHeader(reply, eth.src, syntheticHostMAC, etherTypeARP)

	body := reply[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(body[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(body[2:4], uint16(etherTypeIPv4))
	body[4] = 6
	body[5] = 4
	binary.BigEndian.PutUint16(body[6:8], arpOpReply)
	copy(body[8:14], syntheticHostMAC[:])
	copy(body[14:18], targetIP[:])
	copy(body[18:24], eth.src[:])
	copy(body[24:28], senderIP[:])

	p.sendToGuestLocked(reply)
	return true
}

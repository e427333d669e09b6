package wire

import "net/netip"

// Control event types carried in byte 0 of a private in-band control
// datagram's payload, per §4.1/§6. The event space is intentionally tiny:
// this channel exists only to carry signals that cannot wait for the
// portal round-trip (e.g. an immediate keepalive probe between peers that
// already share a WireGuard session).
const (
	ControlEventKeepaliveProbe uint8 = 0x01
	ControlEventKeepaliveAck   uint8 = 0x02
)

// controlReservedLen is the width of the reserved header inside the
// control payload: byte 0 is the event type, bytes 1..7 are zero.
const controlReservedLen = 8

// BuildControlPacket wraps an inner IPv6 payload announcing a control
// event: source and destination are both the unspecified address, the
// next-header is 0xFF, and the first payload byte is the event type with
// the remaining 7 reserved bytes zeroed.
func BuildControlPacket(event uint8) []byte {
	buf := make([]byte, ipv6HeaderLen+controlReservedLen)
	buf[0] = 0x60 // version 6, traffic class/flow label zero
	putBe16(buf[4:6], uint16(controlReservedLen))
	buf[6] = 0xFF // next header: private control protocol
	buf[7] = 64   // hop limit, arbitrary but non-zero

	zero := netip.IPv6Unspecified().As16()
	copy(buf[8:24], zero[:])
	copy(buf[24:40], zero[:])

	buf[ipv6HeaderLen] = event
	return buf
}

// ParseControlPacket extracts the event type from a packet already
// confirmed to be a control packet via IPv6Packet.IsControlPacket.
func ParseControlPacket(p IPv6Packet) (event uint8, ok bool) {
	payload := p.Payload()
	if len(payload) < controlReservedLen {
		return 0, false
	}
	for _, b := range payload[1:controlReservedLen] {
		if b != 0 {
			return 0, false
		}
	}
	return payload[0], true
}

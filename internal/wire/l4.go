package wire

import "encoding/binary"

// patchL4Checksum updates the L4 checksum of an IPv4 payload after its
// pseudo-header address fields changed. ICMPv4 has no pseudo-header, so it
// is a no-op there. UDP's checksum is optional under IPv4; a zero checksum
// ("disabled") is preserved rather than patched, per §4.1.
func patchL4Checksum(l4 []byte, proto uint8, oldAddr, newAddr []byte) {
	switch proto {
	case ProtoUDP:
		if len(l4) < 8 {
			return
		}
		if binary.BigEndian.Uint16(l4[6:8]) == 0 {
			return // checksum disabled, must stay disabled
		}
		patchChecksumField(l4, 6, oldAddr, newAddr)
	case ProtoTCP:
		if len(l4) < 20 {
			return
		}
		patchChecksumField(l4, 16, oldAddr, newAddr)
	case ProtoICMPv4:
		// No pseudo-header; ICMPv4 checksum covers only the ICMP message.
	}
}

// patchL4Checksum6 updates the L4 checksum of an IPv6 payload after its
// pseudo-header address fields changed. Unlike IPv4, UDP checksums are
// mandatory under IPv6 (RFC 2460 §8.1) and ICMPv6 always includes the
// pseudo-header, so every branch patches.
func patchL4Checksum6(l4 []byte, nextHeader uint8, oldAddr, newAddr []byte) {
	switch nextHeader {
	case ProtoUDP:
		if len(l4) < 8 {
			return
		}
		patchChecksumField(l4, 6, oldAddr, newAddr)
	case ProtoTCP:
		if len(l4) < 20 {
			return
		}
		patchChecksumField(l4, 16, oldAddr, newAddr)
	case ProtoICMPv6:
		if len(l4) < 4 {
			return
		}
		patchChecksumField(l4, 2, oldAddr, newAddr)
	}
}

func patchChecksumField(buf []byte, offset int, oldAddr, newAddr []byte) {
	old := binary.BigEndian.Uint16(buf[offset : offset+2])
	updated := checksumUpdateAddrBytes(old, oldAddr, newAddr)
	binary.BigEndian.PutUint16(buf[offset:offset+2], updated)
}

// UDPHeader is a thin mutable view over a UDP header for the rare cases
// where a component needs to read/rewrite ports directly (the resource
// router's NAT path, C11).
type UDPHeader struct {
	buf []byte
}

const udpHeaderLen = 8

func ParseUDP(buf []byte) (UDPHeader, error) {
	if len(buf) < udpHeaderLen {
		return UDPHeader{}, ErrPacketTooShort
	}
	return UDPHeader{buf: buf}, nil
}

func (u UDPHeader) SrcPort() uint16 { return binary.BigEndian.Uint16(u.buf[0:2]) }
func (u UDPHeader) DstPort() uint16 { return binary.BigEndian.Uint16(u.buf[2:4]) }
func (u UDPHeader) Payload() []byte { return u.buf[udpHeaderLen:] }

// SetDstPort rewrites the destination port and patches the checksum if one
// is present (non-zero).
func (u UDPHeader) SetDstPort(port uint16) {
	old := binary.BigEndian.Uint16(u.buf[2:4])
	if old == port {
		return
	}
	binary.BigEndian.PutUint16(u.buf[2:4], port)
	if cksum := binary.BigEndian.Uint16(u.buf[6:8]); cksum != 0 {
		updated := checksumUpdate(cksum, old, port)
		binary.BigEndian.PutUint16(u.buf[6:8], updated)
	}
}

// TCPHeader is a thin mutable view over a TCP header, used by the gateway
// orchestrator's filter chain (port inspection only — no option parsing).
type TCPHeader struct {
	buf []byte
}

func ParseTCP(buf []byte) (TCPHeader, error) {
	if len(buf) < 20 {
		return TCPHeader{}, ErrPacketTooShort
	}
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(buf) {
		return TCPHeader{}, ErrPacketTooShort
	}
	return TCPHeader{buf: buf}, nil
}

func (t TCPHeader) SrcPort() uint16 { return binary.BigEndian.Uint16(t.buf[0:2]) }
func (t TCPHeader) DstPort() uint16 { return binary.BigEndian.Uint16(t.buf[2:4]) }
func (t TCPHeader) Flags() uint8    { return t.buf[13] }

func (t TCPHeader) SetDstPort(port uint16) {
	old := binary.BigEndian.Uint16(t.buf[2:4])
	if old == port {
		return
	}
	binary.BigEndian.PutUint16(t.buf[2:4], port)
	cksum := binary.BigEndian.Uint16(t.buf[16:18])
	updated := checksumUpdate(cksum, old, port)
	binary.BigEndian.PutUint16(t.buf[16:18], updated)
}

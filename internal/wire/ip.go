package wire

import (
	"encoding/binary"
	"net/netip"
)

// Protocol numbers relevant to the tunnel data path (IANA assigned).
const (
	ProtoICMPv4 = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// IPv4Packet is a mutable view over an owned IPv4 datagram buffer. It
// rejects options: the header is assumed to be exactly 20 bytes, as all
// traffic on this tunnel's data path originates from the engine's own TUN
// adapters and never carries options.
type IPv4Packet struct {
	buf []byte
}

const ipv4HeaderLen = 20

// ParseIPv4 parses buf as an IPv4 datagram. It rejects packets with IHL !=
// 5 (i.e. any header options) per the codec contract in §4.1.
func ParseIPv4(buf []byte) (IPv4Packet, error) {
	if len(buf) < ipv4HeaderLen {
		return IPv4Packet{}, ErrPacketTooShort
	}
	if buf[0]>>4 != 4 {
		return IPv4Packet{}, ErrUnsupportedProto
	}
	ihl := int(buf[0]&0x0F) * 4
	if ihl != ipv4HeaderLen {
		return IPv4Packet{}, ErrUnsupportedProto
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ipv4HeaderLen || totalLen > len(buf) {
		return IPv4Packet{}, ErrPacketTooShort
	}
	return IPv4Packet{buf: buf[:totalLen]}, nil
}

func (p IPv4Packet) Bytes() []byte     { return p.buf }
func (p IPv4Packet) Protocol() uint8   { return p.buf[9] }
func (p IPv4Packet) TOS() uint8        { return p.buf[1] }
func (p IPv4Packet) HeaderChecksum() uint16 {
	return binary.BigEndian.Uint16(p.buf[10:12])
}
func (p IPv4Packet) Payload() []byte { return p.buf[ipv4HeaderLen:] }

func (p IPv4Packet) Src() netip.Addr {
	var a [4]byte
	copy(a[:], p.buf[12:16])
	return netip.AddrFrom4(a)
}

func (p IPv4Packet) Dst() netip.Addr {
	var a [4]byte
	copy(a[:], p.buf[16:20])
	return netip.AddrFrom4(a)
}

// SetSrc rewrites the source address in place, patching the IPv4 header
// checksum and any dependent L4 checksum (UDP/TCP) via RFC 1624 incremental
// update. UDP checksum 0 is left untouched per the IPv4 "checksum disabled"
// convention.
func (p IPv4Packet) SetSrc(addr netip.Addr) {
	p.rewriteAddr(12, addr)
}

// SetDst rewrites the destination address in place, with the same checksum
// patching as SetSrc.
func (p IPv4Packet) SetDst(addr netip.Addr) {
	p.rewriteAddr(16, addr)
}

func (p IPv4Packet) rewriteAddr(offset int, addr netip.Addr) {
	if !addr.Is4() {
		return
	}
	var oldAddr, newAddr [4]byte
	copy(oldAddr[:], p.buf[offset:offset+4])
	newAddr = addr.As4()
	if oldAddr == newAddr {
		return
	}
	copy(p.buf[offset:offset+4], newAddr[:])

	hc := binary.BigEndian.Uint16(p.buf[10:12])
	binary.BigEndian.PutUint16(p.buf[10:12], checksumUpdateAddr(hc, oldAddr, newAddr))

	patchL4Checksum(p.buf[ipv4HeaderLen:], p.Protocol(), oldAddr[:], newAddr[:])
}

// SetECN rewrites the two ECN bits of the TOS/Traffic-Class byte, patching
// the IPv4 header checksum. TCP/UDP checksums do not cover this byte
// independently of the whole header, so only the header checksum moves.
func (p IPv4Packet) SetECN(ecn uint8) {
	old := p.buf[1]
	newTOS := (old &^ 0x03) | (ecn & 0x03)
	if newTOS == old {
		return
	}
	p.buf[1] = newTOS
	hc := binary.BigEndian.Uint16(p.buf[10:12])
	binary.BigEndian.PutUint16(p.buf[10:12], checksumUpdate(hc, uint16(old)<<8, uint16(newTOS)<<8))
}

// IPv6Packet is a mutable view over an owned IPv6 datagram buffer. Only a
// bare fixed header is supported; any extension header causes parsing to
// fail except for the private in-band control protocol's own convention
// (next-header 0xFF carried directly in the fixed header, no extension
// chain).
type IPv6Packet struct {
	buf []byte
}

const ipv6HeaderLen = 40

// ParseIPv6 parses buf as an IPv6 datagram with no extension headers.
func ParseIPv6(buf []byte) (IPv6Packet, error) {
	if len(buf) < ipv6HeaderLen {
		return IPv6Packet{}, ErrPacketTooShort
	}
	if buf[0]>>4 != 6 {
		return IPv6Packet{}, ErrUnsupportedProto
	}
	switch buf[6] {
	case 0, 43, 44, 50, 51, 60, 135, 139, 140: // IPv6 extension headers
		return IPv6Packet{}, ErrUnsupportedProto
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
	total := ipv6HeaderLen + payloadLen
	if total > len(buf) {
		return IPv6Packet{}, ErrPacketTooShort
	}
	return IPv6Packet{buf: buf[:total]}, nil
}

func (p IPv6Packet) Bytes() []byte      { return p.buf }
func (p IPv6Packet) NextHeader() uint8  { return p.buf[6] }
func (p IPv6Packet) HopLimit() uint8    { return p.buf[7] }
func (p IPv6Packet) Payload() []byte    { return p.buf[ipv6HeaderLen:] }
func (p IPv6Packet) TrafficClass() uint8 {
	return (p.buf[0]&0x0F)<<4 | p.buf[1]>>4
}

func (p IPv6Packet) Src() netip.Addr {
	var a [16]byte
	copy(a[:], p.buf[8:24])
	return netip.AddrFrom16(a)
}

func (p IPv6Packet) Dst() netip.Addr {
	var a [16]byte
	copy(a[:], p.buf[24:40])
	return netip.AddrFrom16(a)
}

// SetSrc rewrites the IPv6 source address in place and patches any
// dependent L4 pseudo-header checksum (UDP/TCP/ICMPv6 all include the IPv6
// pseudo-header, so — unlike IPv4 — there is no "checksum disabled" case).
func (p IPv6Packet) SetSrc(addr netip.Addr) {
	p.rewriteAddr(8, addr)
}

// SetDst rewrites the IPv6 destination address in place.
func (p IPv6Packet) SetDst(addr netip.Addr) {
	p.rewriteAddr(24, addr)
}

func (p IPv6Packet) rewriteAddr(offset int, addr netip.Addr) {
	if !addr.Is6() {
		return
	}
	var oldAddr, newAddr [16]byte
	copy(oldAddr[:], p.buf[offset:offset+16])
	newAddr = addr.As16()
	if oldAddr == newAddr {
		return
	}
	copy(p.buf[offset:offset+16], newAddr[:])

	patchL4Checksum6(p.buf[ipv6HeaderLen:], p.NextHeader(), oldAddr[:], newAddr[:])
}

// SetECN rewrites the two ECN bits of the traffic-class byte pair. IPv6 has
// no header checksum of its own, and the pseudo-header used by L4
// checksums does not include the traffic class, so nothing downstream
// needs patching.
func (p IPv6Packet) SetECN(ecn uint8) {
	p.buf[1] = (p.buf[1] &^ 0x30) | (ecn&0x03)<<4
}

// IsControlPacket reports whether this is a private in-band control
// datagram per §4.1/§6: src == dst == "::" and next-header == 0xFF.
func (p IPv6Packet) IsControlPacket() bool {
	if p.NextHeader() != 0xFF {
		return false
	}
	zero := netip.IPv6Unspecified()
	return p.Src() == zero && p.Dst() == zero
}

package wire

import (
	"encoding/binary"
	"net/netip"
)

// buildIPv4 assembles a bare (no options) IPv4 header around payload,
// computing the header checksum. Used where a reply must be synthesised
// from scratch (a DNS answer, an ICMP error) with no inbound packet to
// rewrite in place the way SetSrc/SetDst do.
func buildIPv4(src, dst netip.Addr, proto uint8, payload []byte) []byte {
	buf := make([]byte, ipv4HeaderLen+len(payload))

	buf[0] = 0x45 // version 4, IHL 5 (no options)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[8] = 64 // TTL
	buf[9] = proto

	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(buf[12:16], srcBytes[:])
	copy(buf[16:20], dstBytes[:])

	binary.BigEndian.PutUint16(buf[10:12], checksum16(buf[:ipv4HeaderLen]))

	copy(buf[ipv4HeaderLen:], payload)
	return buf
}

// buildIPv6 is buildIPv4 for IPv6: no header checksum exists, but callers
// still need the pseudo-header fields (src/dst/payload length/next header)
// for their own L4 checksum.
func buildIPv6(src, dst netip.Addr, nextHeader uint8, payload []byte) []byte {
	buf := make([]byte, ipv6HeaderLen+len(payload))

	buf[0] = 0x60 // version 6, traffic class 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	buf[6] = nextHeader
	buf[7] = 64 // hop limit

	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(buf[8:24], srcBytes[:])
	copy(buf[24:40], dstBytes[:])

	copy(buf[ipv6HeaderLen:], payload)
	return buf
}

func udpPseudoHeaderV4(src, dst [4]byte, udpLen int, u []byte) uint16 {
	pseudo := make([]byte, 12+udpLen)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = ProtoUDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(udpLen))
	copy(pseudo[12:], u)
	sum := checksum16(pseudo)
	if sum == 0 {
		sum = 0xFFFF // 0 on the wire means "no checksum"; RFC 768 reserves it
	}
	return sum
}

func udpPseudoHeaderV6(src, dst [16]byte, udpLen int, u []byte) uint16 {
	pseudo := make([]byte, 40+udpLen)
	copy(pseudo[0:16], src[:])
	copy(pseudo[16:32], dst[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(udpLen))
	pseudo[39] = ProtoUDP
	copy(pseudo[40:], u)
	sum := checksum16(pseudo)
	if sum == 0 {
		sum = 0xFFFF
	}
	return sum
}

// BuildUDPv4 constructs a complete IPv4/UDP datagram from scratch. Used to
// synthesise a reply onto the TUN device (a stub DNS answer, say).
func BuildUDPv4(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	u := make([]byte, udpLen)
	binary.BigEndian.PutUint16(u[0:2], srcPort)
	binary.BigEndian.PutUint16(u[2:4], dstPort)
	binary.BigEndian.PutUint16(u[4:6], uint16(udpLen))
	copy(u[8:], payload)

	binary.BigEndian.PutUint16(u[6:8], udpPseudoHeaderV4(src.As4(), dst.As4(), udpLen, u))

	return buildIPv4(src, dst, ProtoUDP, u)
}

// BuildUDPv6 is BuildUDPv4 for IPv6: the UDP checksum is mandatory there is
// no "disabled" convention as in IPv4.
func BuildUDPv6(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	u := make([]byte, udpLen)
	binary.BigEndian.PutUint16(u[0:2], srcPort)
	binary.BigEndian.PutUint16(u[2:4], dstPort)
	binary.BigEndian.PutUint16(u[4:6], uint16(udpLen))
	copy(u[8:], payload)

	binary.BigEndian.PutUint16(u[6:8], udpPseudoHeaderV6(src.As16(), dst.As16(), udpLen, u))

	return buildIPv6(src, dst, ProtoUDP, u)
}

// icmpQuoteV4 returns the original datagram's IPv4 header plus up to the
// first 8 bytes of its payload, per RFC 792's "internet header plus 64 bits"
// quoting rule.
func icmpQuoteV4(original []byte) []byte {
	n := len(original)
	if n > ipv4HeaderLen+8 {
		n = ipv4HeaderLen + 8
	}
	return original[:n]
}

// BuildICMPv4Unreachable builds a "destination unreachable" reply (type 3)
// from src back to the sender of original, quoting enough of it for the
// sender to identify the flow. code 13 is "communication administratively
// prohibited" (§4.10's policy-drop case).
func BuildICMPv4Unreachable(src netip.Addr, original []byte, code uint8) []byte {
	orig, err := ParseIPv4(original)
	if err != nil {
		return nil
	}
	quote := icmpQuoteV4(orig.Bytes())

	icmp := make([]byte, 8+len(quote))
	icmp[0] = 3 // destination unreachable
	icmp[1] = code
	copy(icmp[8:], quote)
	binary.BigEndian.PutUint16(icmp[2:4], checksum16(icmp))

	return buildIPv4(src, orig.Src(), ProtoICMPv4, icmp)
}

// BuildICMPv6Unreachable is BuildICMPv4Unreachable for IPv6 (type 1); code 1
// is "communication with destination administratively prohibited". The
// ICMPv6 checksum covers the IPv6 pseudo-header, unlike ICMPv4.
func BuildICMPv6Unreachable(src netip.Addr, original []byte, code uint8) []byte {
	orig, err := ParseIPv6(original)
	if err != nil {
		return nil
	}
	quote := orig.Bytes()
	const maxQuote = 1232 - 8 // conservative minimum-MTU budget, §RFC 4443 minimises fragmentation risk
	if len(quote) > maxQuote {
		quote = quote[:maxQuote]
	}

	icmp := make([]byte, 8+len(quote))
	icmp[0] = 1 // destination unreachable
	icmp[1] = code
	copy(icmp[8:], quote)

	srcBytes := src.As16()
	dstBytes := orig.Src().As16()
	pseudo := make([]byte, 40+len(icmp))
	copy(pseudo[0:16], srcBytes[:])
	copy(pseudo[16:32], dstBytes[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(icmp)))
	pseudo[39] = ProtoICMPv6
	copy(pseudo[40:], icmp)
	binary.BigEndian.PutUint16(icmp[2:4], checksum16(pseudo))

	return buildIPv6(src, orig.Src(), ProtoICMPv6, icmp)
}

package wire

import (
	"net/netip"
	"testing"
)

func TestBuildUDPv4RoundTrips(t *testing.T) {
	src := netip.MustParseAddr("100.96.0.1")
	dst := netip.MustParseAddr("10.1.2.3")
	payload := []byte("hello dns")

	raw := BuildUDPv4(src, dst, 53, 54321, payload)

	pkt, err := ParseIPv4(raw)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if pkt.Src() != src || pkt.Dst() != dst {
		t.Fatalf("addresses mismatch: src=%s dst=%s", pkt.Src(), pkt.Dst())
	}
	if pkt.Protocol() != ProtoUDP {
		t.Fatalf("protocol = %d, want UDP", pkt.Protocol())
	}
	if checksum16(pkt.Bytes()[:ipv4HeaderLen]) != 0 {
		t.Fatalf("IPv4 header checksum does not verify")
	}

	udp, err := ParseUDP(pkt.Payload())
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if udp.SrcPort() != 53 || udp.DstPort() != 54321 {
		t.Fatalf("ports mismatch: src=%d dst=%d", udp.SrcPort(), udp.DstPort())
	}
	if string(udp.Payload()) != string(payload) {
		t.Fatalf("payload mismatch: got %q", udp.Payload())
	}
}

func TestBuildUDPv6RoundTrips(t *testing.T) {
	src := netip.MustParseAddr("fd00:a:b::1")
	dst := netip.MustParseAddr("fd00:a:b::2")
	payload := []byte("aaaa answer")

	raw := BuildUDPv6(src, dst, 53, 12345, payload)

	pkt, err := ParseIPv6(raw)
	if err != nil {
		t.Fatalf("ParseIPv6: %v", err)
	}
	if pkt.Src() != src || pkt.Dst() != dst {
		t.Fatalf("addresses mismatch: src=%s dst=%s", pkt.Src(), pkt.Dst())
	}
	if pkt.NextHeader() != ProtoUDP {
		t.Fatalf("next header = %d, want UDP", pkt.NextHeader())
	}

	udp, err := ParseUDP(pkt.Payload())
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if udp.SrcPort() != 53 || udp.DstPort() != 12345 {
		t.Fatalf("ports mismatch: src=%d dst=%d", udp.SrcPort(), udp.DstPort())
	}
	if string(udp.Payload()) != string(payload) {
		t.Fatalf("payload mismatch: got %q", udp.Payload())
	}
}

func TestBuildICMPv4UnreachableQuotesOriginal(t *testing.T) {
	client := netip.MustParseAddr("100.64.0.5")
	resource := netip.MustParseAddr("10.0.0.9")
	original := buildUDPv4(t, client, resource, 5000, 443, []byte("payload"))

	reply := BuildICMPv4Unreachable(resource, original, 13)
	if reply == nil {
		t.Fatal("expected a reply, got nil")
	}

	pkt, err := ParseIPv4(reply)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if pkt.Src() != resource || pkt.Dst() != client {
		t.Fatalf("addresses mismatch: src=%s dst=%s", pkt.Src(), pkt.Dst())
	}
	if pkt.Protocol() != ProtoICMPv4 {
		t.Fatalf("protocol = %d, want ICMPv4", pkt.Protocol())
	}
	icmp := pkt.Payload()
	if icmp[0] != 3 || icmp[1] != 13 {
		t.Fatalf("type/code = %d/%d, want 3/13", icmp[0], icmp[1])
	}
	if checksum16(icmp) != 0 {
		t.Fatalf("ICMP checksum does not verify")
	}
}

func TestBuildICMPv4UnreachableRejectsMalformedOriginal(t *testing.T) {
	if reply := BuildICMPv4Unreachable(netip.MustParseAddr("10.0.0.1"), []byte{0x01, 0x02}, 13); reply != nil {
		t.Fatalf("expected nil for a malformed original, got %v", reply)
	}
}

func TestBuildICMPv6UnreachableQuotesOriginal(t *testing.T) {
	client := netip.MustParseAddr("fd00:a:b::5")
	resource := netip.MustParseAddr("fd00:a:b::9")
	original := BuildUDPv6(client, resource, 5000, 443, []byte("payload"))

	reply := BuildICMPv6Unreachable(resource, original, 1)
	if reply == nil {
		t.Fatal("expected a reply, got nil")
	}

	pkt, err := ParseIPv6(reply)
	if err != nil {
		t.Fatalf("ParseIPv6: %v", err)
	}
	if pkt.Src() != resource || pkt.Dst() != client {
		t.Fatalf("addresses mismatch: src=%s dst=%s", pkt.Src(), pkt.Dst())
	}
	if pkt.NextHeader() != ProtoICMPv6 {
		t.Fatalf("next header = %d, want ICMPv6", pkt.NextHeader())
	}
	icmp := pkt.Payload()
	if icmp[0] != 1 || icmp[1] != 1 {
		t.Fatalf("type/code = %d/%d, want 1/1", icmp[0], icmp[1])
	}
}

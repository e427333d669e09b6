package clientcore

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/dnsresolver"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/wire"
)

func buildQuery(t *testing.T, id uint16, name string, qtype wire.DNSRecordType) []byte {
	t.Helper()
	msg, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagRD},
		Questions: []wire.DNSQuestion{{Name: name, Type: qtype, Class: wire.DNSClassIN}},
	})
	if err != nil {
		t.Fatalf("MarshalDNS: %v", err)
	}
	return msg
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *resource.Router) {
	t.Helper()
	router := resource.NewRouter()
	local, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	o := New(Config{
		Self:         ids.NewClientID(),
		LocalStatic:  local,
		Resources:    router,
		V4Pool:       netip.MustParsePrefix("100.96.0.0/24"),
		V6Pool:       netip.MustParsePrefix("fd00:a:b::/96"),
		Sentinel4:    netip.MustParseAddr("100.100.111.111"),
		Sentinel6:    netip.MustParseAddr("fd00:a:b:c::1"),
		DefaultRoute: true,
	})
	return o, router
}

func drainTun(o *Orchestrator) [][]byte {
	var out [][]byte
	for {
		p, ok := o.PollTunOutput()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

func TestHandleTunInput_DNSOverTunRoundTrip(t *testing.T) {
	o, router := newTestOrchestrator(t)
	now := time.Now()

	resID := ids.NewResourceID()
	router.UpsertDNSPattern(resID, ids.NewSiteID(), "app.corp.example.com", now)

	client := netip.MustParseAddr("100.64.0.2")
	query := buildQuery(t, 42, "app.corp.example.com", wire.DNSTypeA)
	pkt := wire.BuildUDPv4(client, o.sentinel4, 51000, 53, query)

	o.HandleTunInput(pkt, now)

	out := drainTun(o)
	if len(out) != 1 {
		t.Fatalf("expected one reply packet, got %d", len(out))
	}

	reply, err := wire.ParseIPv4(out[0])
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if reply.Src() != o.sentinel4 || reply.Dst() != client {
		t.Fatalf("addresses mismatch: src=%s dst=%s", reply.Src(), reply.Dst())
	}
	udp, err := wire.ParseUDP(reply.Payload())
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if udp.SrcPort() != 53 || udp.DstPort() != 51000 {
		t.Fatalf("ports mismatch: src=%d dst=%d", udp.SrcPort(), udp.DstPort())
	}
	answer, err := wire.ParseDNS(udp.Payload())
	if err != nil {
		t.Fatalf("ParseDNS: %v", err)
	}
	if answer.Header.ID != 42 || len(answer.Answers) != 1 || answer.Answers[0].Type != wire.DNSTypeA {
		t.Fatalf("unexpected answer: %+v", answer)
	}
}

func TestHandleTunInput_UnroutedWithDefaultRouteGetsICMPUnreachable(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	now := time.Now()

	client := netip.MustParseAddr("100.64.0.2")
	o.SetTunAddress(netip.MustParsePrefix("100.64.0.2/32"), netip.Prefix{})

	stranger := netip.MustParseAddr("203.0.113.9")
	pkt := wire.BuildUDPv4(client, stranger, 40000, 443, []byte("hello"))

	o.HandleTunInput(pkt, now)

	out := drainTun(o)
	if len(out) != 1 {
		t.Fatalf("expected one ICMP reply, got %d", len(out))
	}
	reply, err := wire.ParseIPv4(out[0])
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if reply.Protocol() != wire.ProtoICMPv4 {
		t.Fatalf("protocol = %d, want ICMPv4", reply.Protocol())
	}
	if reply.Src() != client {
		t.Fatalf("ICMP reply should originate from the tunnel address, got %s", reply.Src())
	}
	icmp := reply.Payload()
	if icmp[0] != 3 || icmp[1] != 13 {
		t.Fatalf("type/code = %d/%d, want 3/13 (administratively prohibited)", icmp[0], icmp[1])
	}
}

func TestHandleTunInput_UnroutedWithoutDefaultRouteIsSilentlyDropped(t *testing.T) {
	router := resource.NewRouter()
	local, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	o := New(Config{
		Self:        ids.NewClientID(),
		LocalStatic: local,
		Resources:   router,
		V4Pool:      netip.MustParsePrefix("100.96.0.0/24"),
		V6Pool:      netip.MustParsePrefix("fd00:a:b::/96"),
		Sentinel4:   netip.MustParseAddr("100.100.111.111"),
		Sentinel6:   netip.MustParseAddr("fd00:a:b:c::1"),
		// DefaultRoute left false.
	})

	client := netip.MustParseAddr("100.64.0.2")
	stranger := netip.MustParseAddr("203.0.113.9")
	pkt := wire.BuildUDPv4(client, stranger, 40000, 443, []byte("hello"))

	o.HandleTunInput(pkt, time.Now())

	if out := drainTun(o); len(out) != 0 {
		t.Fatalf("expected no output without a claimed default route, got %d packets", len(out))
	}
}

func TestRouteResourcePacket_MissingCredentialsReportsGatewayUnreachable(t *testing.T) {
	o, router := newTestOrchestrator(t)
	now := time.Now()

	resID := ids.NewResourceID()
	site := ids.NewSiteID()
	router.UpsertCIDR(resID, site, netip.MustParsePrefix("10.0.0.0/24"), now)

	gw := ids.NewGatewayID()
	o.SetGatewayCandidates(resID, []ids.GatewayID{gw})

	client := netip.MustParseAddr("100.64.0.2")
	target := netip.MustParseAddr("10.0.0.9")
	pkt := wire.BuildUDPv4(client, target, 41000, 443, []byte("hi"))

	o.HandleTunInput(pkt, now)

	ev, ok := o.PollEvent()
	var sawUnreachable bool
	for ok {
		if ev.Kind == EventGatewayUnreachable && ev.Gateway == gw {
			sawUnreachable = true
		}
		ev, ok = o.PollEvent()
	}
	if !sawUnreachable {
		t.Fatal("expected an EventGatewayUnreachable for the uncached gateway")
	}
	if out := drainTun(o); len(out) != 0 {
		t.Fatalf("a resource packet with no gateway credentials must not produce TUN output, got %d", len(out))
	}
}

func TestRouteResourcePacket_NoCandidatesDropsWithDefaultRouteReply(t *testing.T) {
	o, router := newTestOrchestrator(t)
	now := time.Now()

	resID := ids.NewResourceID()
	site := ids.NewSiteID()
	router.UpsertCIDR(resID, site, netip.MustParsePrefix("10.0.0.0/24"), now)

	client := netip.MustParseAddr("100.64.0.2")
	target := netip.MustParseAddr("10.0.0.9")
	pkt := wire.BuildUDPv4(client, target, 41000, 443, []byte("hi"))

	o.HandleTunInput(pkt, now)

	out := drainTun(o)
	if len(out) != 1 {
		t.Fatalf("expected an ICMP unreachable reply, got %d packets", len(out))
	}
	reply, err := wire.ParseIPv4(out[0])
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if reply.Protocol() != wire.ProtoICMPv4 {
		t.Fatalf("protocol = %d, want ICMPv4", reply.Protocol())
	}
}

func TestRecomputeTunConfig_OnlyEmitsOnActualChange(t *testing.T) {
	o, router := newTestOrchestrator(t)
	now := time.Now()

	o.SetTunAddress(netip.MustParsePrefix("100.64.0.2/32"), netip.Prefix{})

	var updates int
	for {
		ev, ok := o.PollEvent()
		if !ok {
			break
		}
		if ev.Kind == EventTunInterfaceUpdated {
			updates++
		}
	}
	if updates != 1 {
		t.Fatalf("expected exactly one update after the first SetTunAddress, got %d", updates)
	}

	// A timeout sweep with nothing changed must not re-emit.
	o.HandleTimeout(now)
	if _, ok := o.PollEvent(); ok {
		t.Fatal("expected no further events when nothing changed")
	}

	// Adding a resource changes the route set and must emit exactly once.
	resID := ids.NewResourceID()
	router.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)
	o.recomputeTunConfig()

	updates = 0
	for {
		ev, ok := o.PollEvent()
		if !ok {
			break
		}
		if ev.Kind == EventTunInterfaceUpdated {
			updates++
			if len(ev.Config.Routes) != 1 {
				t.Fatalf("expected the new route in the updated config, got %+v", ev.Config.Routes)
			}
		}
	}
	if updates != 1 {
		t.Fatalf("expected exactly one update after adding a resource, got %d", updates)
	}
}

func TestSetGatewayCandidates_CachesForRouting(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	resID := ids.NewResourceID()
	gw := ids.NewGatewayID()

	o.SetGatewayCandidates(resID, []ids.GatewayID{gw})
	if got := o.candidates[resID]; len(got) != 1 || got[0] != gw {
		t.Fatalf("candidates not cached: %+v", got)
	}
}

func TestForgetGateway_DropsCredentials(t *testing.T) {
	o, router := newTestOrchestrator(t)
	now := time.Now()

	resID := ids.NewResourceID()
	router.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)
	gw := ids.NewGatewayID()
	o.SetGatewayCandidates(resID, []ids.GatewayID{gw})
	o.RegisterGateway(gw, GatewayCredentials{})

	if _, ok := o.gatewayCreds[gw]; !ok {
		t.Fatal("expected credentials to be cached after RegisterGateway")
	}

	o.ForgetGateway(gw)

	if _, ok := o.gatewayCreds[gw]; ok {
		t.Fatal("expected credentials to be dropped after ForgetGateway")
	}
}

func TestHandleTimeout_SweepsExpiredDNSQueryToSERVFAIL(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	now := time.Now()

	up := dnsresolver.Upstream{Addr: netip.MustParseAddrPort("8.8.8.8:53"), Transport: dnsresolver.TransportUDP}
	o.dns = dnsresolver.NewResolver(o.resources, netip.MustParsePrefix("100.96.0.0/24"), netip.MustParsePrefix("fd00:a:b::/96"), []dnsresolver.Upstream{up})

	client := netip.MustParseAddr("100.64.0.2")
	query := buildQuery(t, 7, "example.net", wire.DNSTypeA)
	pkt := wire.BuildUDPv4(client, o.sentinel4, 51000, 53, query)
	o.HandleTunInput(pkt, now)

	// The query went upstream, so nothing should be queued back to the TUN yet.
	if out := drainTun(o); len(out) != 0 {
		t.Fatalf("expected no immediate reply for an upstream-bound query, got %d", len(out))
	}

	later := now.Add(3 * time.Second)
	o.HandleTimeout(later)

	out := drainTun(o)
	if len(out) != 1 {
		t.Fatalf("expected a SERVFAIL reply after the query budget elapsed, got %d", len(out))
	}
	reply, err := wire.ParseIPv4(out[0])
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	udp, err := wire.ParseUDP(reply.Payload())
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	answer, err := wire.ParseDNS(udp.Payload())
	if err != nil {
		t.Fatalf("ParseDNS: %v", err)
	}
	if wire.DNSRCodeFromFlags(answer.Header.Flags) != wire.DNSRCodeServFail {
		t.Fatalf("expected SERVFAIL rcode, got %#x", answer.Header.Flags)
	}
}

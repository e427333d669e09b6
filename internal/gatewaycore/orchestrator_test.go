package gatewaycore

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/wire"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	local, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return New(Config{LocalStatic: local, Resources: resource.NewRouter()})
}

func TestFilterClientPacket_NoGrantIsRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	o.resources.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)

	src := netip.MustParseAddr("100.64.0.2")
	target := netip.MustParseAddr("10.0.0.9")
	pkt := wire.BuildUDPv4(src, target, 41000, 443, []byte("hi"))

	o.filterClientPacket(client, pkt, now)

	if out, ok := o.PollResourceOutput(); ok {
		t.Fatalf("expected no output for an ungranted flow, got %v", out)
	}
	if got := o.violations[src]; got != 1 {
		t.Fatalf("violations[%s] = %d, want 1", src, got)
	}
}

func TestFilterClientPacket_GrantedFlowIsForwarded(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	o.resources.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)

	src := netip.MustParseAddr("100.64.0.2")
	target := netip.MustParseAddr("10.0.0.9")
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: src,
		ExpiresAt:      now.Add(time.Hour),
	})

	pkt := wire.BuildUDPv4(src, target, 41000, 443, []byte("hi"))
	o.filterClientPacket(client, pkt, now)

	out, ok := o.PollResourceOutput()
	if !ok {
		t.Fatal("expected the granted flow's packet to be forwarded")
	}
	reply, err := wire.ParseIPv4(out)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if reply.Src() != src || reply.Dst() != target {
		t.Fatalf("addresses mismatch: src=%s dst=%s", reply.Src(), reply.Dst())
	}
}

func TestFilterClientPacket_WrongSourceIsRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	o.resources.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)

	grantedSrc := netip.MustParseAddr("100.64.0.2")
	spoofedSrc := netip.MustParseAddr("100.64.0.3")
	target := netip.MustParseAddr("10.0.0.9")
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: grantedSrc,
		ExpiresAt:      now.Add(time.Hour),
	})

	pkt := wire.BuildUDPv4(spoofedSrc, target, 41000, 443, []byte("hi"))
	o.filterClientPacket(client, pkt, now)

	if _, ok := o.PollResourceOutput(); ok {
		t.Fatal("expected a spoofed-source packet to be rejected")
	}
}

func TestFilterClientPacket_ExpiredGrantIsRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	o.resources.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)

	src := netip.MustParseAddr("100.64.0.2")
	target := netip.MustParseAddr("10.0.0.9")
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: src,
		ExpiresAt:      now.Add(-time.Minute),
	})

	pkt := wire.BuildUDPv4(src, target, 41000, 443, []byte("hi"))
	o.filterClientPacket(client, pkt, now)

	if _, ok := o.PollResourceOutput(); ok {
		t.Fatal("expected an expired grant to reject the packet")
	}
}

func TestFilterClientPacket_FilterChainRejectsDisallowedPort(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	o.resources.UpsertCIDR(resID, ids.NewSiteID(), netip.MustParsePrefix("10.0.0.0/24"), now)

	src := netip.MustParseAddr("100.64.0.2")
	target := netip.MustParseAddr("10.0.0.9")
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: src,
		ExpiresAt:      now.Add(time.Hour),
		Filters:        []Filter{{Protocol: wire.ProtoTCP, PortLow: 443, PortHigh: 443}},
	})

	// UDP/41000 is outside the TCP/443-only filter chain.
	pkt := wire.BuildUDPv4(src, target, 41000, 41000, []byte("hi"))
	o.filterClientPacket(client, pkt, now)

	if _, ok := o.PollResourceOutput(); ok {
		t.Fatal("expected the filter chain to reject a non-admitted protocol/port")
	}
}

func TestReject_EmitsNotAllowedResourceEveryThreshold(t *testing.T) {
	o := newTestOrchestrator(t)
	src := netip.MustParseAddr("203.0.113.5")

	for i := 0; i < violationThreshold-1; i++ {
		o.reject(src)
	}
	if _, ok := o.PollEvent(); ok {
		t.Fatal("expected no event before the threshold is reached")
	}

	o.reject(src)
	ev, ok := o.PollEvent()
	if !ok {
		t.Fatal("expected an event once the threshold is reached")
	}
	if ev.Kind != EventNotAllowedResource || ev.Src != src {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestGrant_RemembersOwningClientForReturnTraffic(t *testing.T) {
	o := newTestOrchestrator(t)

	client := ids.NewClientID()
	clientTunnelIP := netip.MustParseAddr("100.64.0.2")
	resID := ids.NewResourceID()
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: clientTunnelIP,
		ExpiresAt:      time.Now().Add(time.Hour),
	})

	if got, ok := o.tunnelToOwner[clientTunnelIP]; !ok || got != client {
		t.Fatalf("expected Grant to remember the owning client, got %v/%v", got, ok)
	}
}

func TestHandleResourceInput_UnknownDestinationIsDropped(t *testing.T) {
	o := newTestOrchestrator(t)

	target := netip.MustParseAddr("10.0.0.9")
	unrelated := netip.MustParseAddr("10.0.0.1")
	pkt := wire.BuildUDPv4(unrelated, target, 443, 41000, []byte("reply"))

	o.HandleResourceInput(pkt, time.Now())

	if _, ok := o.PollTransmit(); ok {
		t.Fatal("expected no transmit for a destination with no owning client")
	}
}

func TestForgetClient_RevokesGrantsAndRouting(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	clientTunnelIP := netip.MustParseAddr("100.64.0.2")
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: clientTunnelIP,
		ExpiresAt:      now.Add(time.Hour),
	})

	o.ForgetClient(client)

	if _, ok := o.grants[grantKey{client: client, resource: resID}]; ok {
		t.Fatal("expected the grant to be revoked")
	}
	if _, ok := o.tunnelToOwner[clientTunnelIP]; ok {
		t.Fatal("expected the reverse-routing entry to be revoked")
	}
}

func TestHandleTimeout_SweepsExpiredGrants(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now()

	client := ids.NewClientID()
	resID := ids.NewResourceID()
	o.Grant(AllowAccess{
		Client:         client,
		Resource:       resID,
		ClientTunnelIP: netip.MustParseAddr("100.64.0.2"),
		ExpiresAt:      now.Add(time.Second),
	})

	o.HandleTimeout(now.Add(2 * time.Second))

	if _, ok := o.grants[grantKey{client: client, resource: resID}]; ok {
		t.Fatal("expected the expired grant to be swept")
	}
}

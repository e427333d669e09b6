package stunclient

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/wire"
)

func TestNewEmitsImmediateBindingRequest(t *testing.T) {
	t.Parallel()

	server := netip.MustParseAddrPort("198.51.100.1:3478")
	base := netip.MustParseAddrPort("10.0.0.1:51820")
	now := time.Now()

	c := New([]netip.AddrPort{server}, base, now)

	tx, ok := c.PollTransmit()
	if !ok {
		t.Fatal("expected an immediate binding request")
	}
	if tx.Dst != server {
		t.Errorf("dst: got %s, want %s", tx.Dst, server)
	}
	msg, err := wire.ParseStun(tx.Payload)
	if err != nil {
		t.Fatalf("ParseStun: %v", err)
	}
	if msg.Method != wire.MethodBinding || msg.Class != wire.ClassRequest {
		t.Errorf("unexpected method/class: %d/%d", msg.Method, msg.Class)
	}
}

func TestHandleResponseEmitsNewCandidateOnce(t *testing.T) {
	t.Parallel()

	server := netip.MustParseAddrPort("198.51.100.1:3478")
	base := netip.MustParseAddrPort("10.0.0.1:51820")
	now := time.Now()

	c := New([]netip.AddrPort{server}, base, now)
	req, _ := c.PollTransmit()
	reqMsg, _ := wire.ParseStun(req.Payload)

	mapped := netip.MustParseAddr("203.0.113.9")
	resp := wire.NewStunResponse(&reqMsg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORMappedAddress, mapped, 40000).
		Build(nil)

	if !c.HandleResponse(server, resp, now) {
		t.Fatal("expected response to be accepted")
	}
	ev, ok := c.PollEvent()
	if !ok {
		t.Fatal("expected a NewServerReflexiveCandidate event")
	}
	if ev.Kind != EventNewServerReflexiveCandidate || ev.Mapped.Addr() != mapped {
		t.Errorf("unexpected event: %+v", ev)
	}

	// A second identical response must not re-emit the event.
	if !c.HandleResponse(server, resp, now) {
		t.Fatal("expected duplicate response to be accepted (idempotent)")
	}
	if _, ok := c.PollEvent(); ok {
		t.Fatal("duplicate mapped address should not re-emit an event")
	}
}

func TestRetransmissionExhaustionEmitsUnreachable(t *testing.T) {
	t.Parallel()

	server := netip.MustParseAddrPort("198.51.100.1:3478")
	base := netip.MustParseAddrPort("10.0.0.1:51820")
	now := time.Now()

	c := New([]netip.AddrPort{server}, base, now)
	c.PollTransmit() // drain the initial request

	for i := 0; i < maxAttempts; i++ {
		st := c.servers[server]
		now = st.deadline.Add(time.Millisecond)
		c.HandleTimeout(now)
		if i < maxAttempts-1 {
			if _, ok := c.PollTransmit(); !ok {
				t.Fatalf("expected retransmission %d", i+1)
			}
		}
	}

	ev, ok := c.PollEvent()
	if !ok || ev.Kind != EventStunServerUnreachable {
		t.Fatalf("expected StunServerUnreachable, got %+v (ok=%v)", ev, ok)
	}
}

package relay

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/wire"
)

const testRealm = "zerogate.relay"

var testSecret = []byte("relay-shared-secret")

// authedRequest builds a fully-authenticated request: valid long-term
// credentials under testSecret, MESSAGE-INTEGRITY computed the same way a
// real client would from GenerateCredentials' output.
func authedRequest(t *testing.T, method int, now time.Time, txID byte, extra func(*wire.StunBuilder) *wire.StunBuilder) []byte {
	t.Helper()
	username, password := GenerateCredentials(testSecret, "test-client", time.Hour, now)
	key := wire.DeriveAuthKey(username, testRealm, password)

	var id [12]byte
	id[0] = txID
	b := wire.NewStunBuilder(method, wire.ClassRequest, id).
		AddUsername(username).
		AddRealm(testRealm).
		AddNonce("n")
	if extra != nil {
		b = extra(b)
	}
	return b.Build(key)
}

func drainTransmits(s *Server) []Transmit {
	var out []Transmit
	for {
		tx, ok := s.PollTransmit()
		if !ok {
			return out
		}
		out = append(out, tx)
	}
}

func mustParseStun(t *testing.T, data []byte) wire.StunMessage {
	t.Helper()
	msg, err := wire.ParseStun(data)
	if err != nil {
		t.Fatalf("ParseStun: %v", err)
	}
	return msg
}

func newTestServer() *Server {
	return NewServer(
		netip.MustParseAddrPort("203.0.113.1:3478"),
		netip.MustParseAddr("198.51.100.9"),
		netip.Addr{},
		49152, 49160,
		testSecret, testRealm,
	)
}

func TestHandleAllocate_RejectsUnauthenticated(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	now := time.Now()

	var id [12]byte
	req := wire.NewStunBuilder(wire.MethodAllocate, wire.ClassRequest, id).
		AddRequestedTransport(17).
		Build(nil)
	s.HandleClientMessage(client, req, now)

	txs := drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	resp := mustParseStun(t, txs[0].Payload)
	if resp.Class != wire.ClassErrorResponse {
		t.Fatalf("expected error response, got class %d", resp.Class)
	}
	if resp.GetNonce() == "" {
		t.Fatal("expected a fresh nonce on 401")
	}
	if s.StatsSnapshot().ActiveAllocations != 0 {
		t.Fatal("unauthenticated allocate must not create an allocation")
	}
}

func TestHandleAllocate_Success(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	now := time.Now()

	req := authedRequest(t, wire.MethodAllocate, now, 1, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddRequestedTransport(17)
	})
	s.HandleClientMessage(client, req, now)

	txs := drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	resp := mustParseStun(t, txs[0].Payload)
	if resp.Class != wire.ClassSuccessResponse {
		t.Fatalf("expected success, got class %d", resp.Class)
	}
	relayed, ok := resp.GetXORRelayedAddress()
	if !ok {
		t.Fatal("missing XOR-RELAYED-ADDRESS")
	}
	if relayed.Addr.String() != "198.51.100.9" {
		t.Fatalf("unexpected relayed host: %s", relayed.Addr)
	}
	if relayed.Port < 49152 || relayed.Port > 49160 {
		t.Fatalf("relayed port %d out of configured range", relayed.Port)
	}

	ev, ok := s.PollEvent()
	if !ok || ev.Kind != EventBindRelayPort {
		t.Fatalf("expected EventBindRelayPort, got %+v (ok=%v)", ev, ok)
	}
	if ev.Port != relayed.Port {
		t.Fatalf("event port %d != relayed port %d", ev.Port, relayed.Port)
	}
	if s.StatsSnapshot().ActiveAllocations != 1 {
		t.Fatalf("expected 1 active allocation, got %d", s.StatsSnapshot().ActiveAllocations)
	}
}

func TestHandleAllocate_UnsupportedFamily(t *testing.T) {
	t.Parallel()
	// relayHostV6 left zero, so an IPv6 request must fail even though the
	// credentials check passes.
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	now := time.Now()

	req := authedRequest(t, wire.MethodAllocate, now, 1, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddRequestedAddressFamily(wire.FamilyIPv6)
	})
	s.HandleClientMessage(client, req, now)

	txs := drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	resp := mustParseStun(t, txs[0].Payload)
	if resp.Class != wire.ClassErrorResponse {
		t.Fatal("expected error response for unsupported family")
	}
}

func TestHandleRefresh_ZeroLifetimeDeallocates(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	now := time.Now()

	allocReq := authedRequest(t, wire.MethodAllocate, now, 1, nil)
	s.HandleClientMessage(client, allocReq, now)
	drainTransmits(s)
	if _, ok := s.PollEvent(); !ok {
		t.Fatal("expected bind event after allocate")
	}

	refreshReq := authedRequest(t, wire.MethodRefresh, now, 2, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddLifetime(0)
	})
	s.HandleClientMessage(client, refreshReq, now)

	txs := drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	resp := mustParseStun(t, txs[0].Payload)
	if resp.Class != wire.ClassSuccessResponse || resp.GetLifetime() != 0 {
		t.Fatalf("expected success with lifetime=0, got class=%d lifetime=%d", resp.Class, resp.GetLifetime())
	}

	ev, ok := s.PollEvent()
	if !ok || ev.Kind != EventUnbindRelayPort {
		t.Fatalf("expected EventUnbindRelayPort, got %+v (ok=%v)", ev, ok)
	}
	if s.StatsSnapshot().ActiveAllocations != 0 {
		t.Fatal("deallocate must drop the active allocation count")
	}
}

func TestCreatePermissionAndSend_Forwarding(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	peer := netip.MustParseAddrPort("192.0.2.200:9000")
	now := time.Now()

	s.HandleClientMessage(client, authedRequest(t, wire.MethodAllocate, now, 1, nil), now)
	txs := drainTransmits(s)
	allocResp := mustParseStun(t, txs[0].Payload)
	relayed, _ := allocResp.GetXORRelayedAddress()
	s.PollEvent()

	permReq := authedRequest(t, wire.MethodCreatePermission, now, 2, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddXORAddress(wire.AttrXORPeerAddress, peer.Addr(), peer.Port())
	})
	s.HandleClientMessage(client, permReq, now)
	txs = drainTransmits(s)
	if len(txs) != 1 || mustParseStun(t, txs[0].Payload).Class != wire.ClassSuccessResponse {
		t.Fatal("expected successful CreatePermission response")
	}

	payload := []byte("hello peer")
	sendInd := authedRequest(t, wire.MethodSend, now, 3, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddXORAddress(wire.AttrXORPeerAddress, peer.Addr(), peer.Port()).AddData(payload)
	})
	s.HandleClientMessage(client, sendInd, now)

	txs = drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 forwarded datagram, got %d", len(txs))
	}
	if txs[0].From.Port() != relayed.Port || txs[0].Dst != peer {
		t.Fatalf("unexpected forwarding: from=%s dst=%s", txs[0].From, txs[0].Dst)
	}
	if string(txs[0].Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %q", txs[0].Payload)
	}

	// Without a permission, Send must be silently dropped.
	otherPeer := netip.MustParseAddrPort("192.0.2.201:9000")
	sendInd2 := authedRequest(t, wire.MethodSend, now, 4, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddXORAddress(wire.AttrXORPeerAddress, otherPeer.Addr(), otherPeer.Port()).AddData(payload)
	})
	s.HandleClientMessage(client, sendInd2, now)
	if len(drainTransmits(s)) != 0 {
		t.Fatal("expected no forwarding without an active permission")
	}
}

func TestChannelBind_ConflictAndGraceReclaim(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	peerA := netip.MustParseAddrPort("192.0.2.200:9000")
	peerB := netip.MustParseAddrPort("192.0.2.201:9000")
	now := time.Now()
	const channel = channelBase

	s.HandleClientMessage(client, authedRequest(t, wire.MethodAllocate, now, 1, nil), now)
	drainTransmits(s)
	s.PollEvent()

	// Refresh to the maximum lifetime so the allocation itself outlives the
	// channel-binding grace window this test advances through below.
	refreshReq := authedRequest(t, wire.MethodRefresh, now, 10, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddLifetime(uint32(maxLifetime.Seconds()))
	})
	s.HandleClientMessage(client, refreshReq, now)
	drainTransmits(s)

	bindA := authedRequest(t, wire.MethodChannelBind, now, 2, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddChannelNumber(channel).AddXORAddress(wire.AttrXORPeerAddress, peerA.Addr(), peerA.Port())
	})
	s.HandleClientMessage(client, bindA, now)
	if resp := mustParseStun(t, drainTransmits(s)[0].Payload); resp.Class != wire.ClassSuccessResponse {
		t.Fatal("expected first channel bind to succeed")
	}

	// Rebinding the same (channel, peer) pair is always fine.
	s.HandleClientMessage(client, bindA, now)
	if resp := mustParseStun(t, drainTransmits(s)[0].Payload); resp.Class != wire.ClassSuccessResponse {
		t.Fatal("expected rebind of the same pair to succeed")
	}

	// Binding the same channel number to a different peer before the
	// binding (and its grace window) has lapsed must fail.
	bindB := authedRequest(t, wire.MethodChannelBind, now, 3, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddChannelNumber(channel).AddXORAddress(wire.AttrXORPeerAddress, peerB.Addr(), peerB.Port())
	})
	s.HandleClientMessage(client, bindB, now)
	if resp := mustParseStun(t, drainTransmits(s)[0].Payload); resp.Class != wire.ClassErrorResponse {
		t.Fatal("expected channel reuse by a different peer to be rejected while still live")
	}

	// HandleTimeout only starts the grace window on the poll where it
	// first observes the binding past its lifetime; reclaiming the channel
	// number takes a second poll once that window itself has elapsed.
	pastLifetime := now.Add(channelLifetime + time.Second)
	s.HandleTimeout(pastLifetime)
	later := pastLifetime.Add(channelGrace + time.Second)
	s.HandleTimeout(later)
	for {
		if _, ok := s.PollEvent(); !ok {
			break
		}
	}

	// Credentials are regenerated from the original allocation time: the
	// request's signing key must still match alloc.authKey, which a
	// Refresh never rotates; only the delivery time (later) matters for
	// the server's internal expiry bookkeeping.
	bindB2 := authedRequest(t, wire.MethodChannelBind, now, 4, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddChannelNumber(channel).AddXORAddress(wire.AttrXORPeerAddress, peerB.Addr(), peerB.Port())
	})
	s.HandleClientMessage(client, bindB2, later)
	if resp := mustParseStun(t, drainTransmits(s)[0].Payload); resp.Class != wire.ClassSuccessResponse {
		t.Fatal("expected channel to be reusable once its grace window elapsed")
	}
}

func TestHandleRelayedDatagram_ChannelDataVsIndication(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	peer := netip.MustParseAddrPort("192.0.2.200:9000")
	now := time.Now()

	s.HandleClientMessage(client, authedRequest(t, wire.MethodAllocate, now, 1, nil), now)
	allocTxs := drainTransmits(s)
	allocResp := mustParseStun(t, allocTxs[0].Payload)
	relayed, _ := allocResp.GetXORRelayedAddress()
	s.PollEvent()

	permReq := authedRequest(t, wire.MethodCreatePermission, now, 2, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddXORAddress(wire.AttrXORPeerAddress, peer.Addr(), peer.Port())
	})
	s.HandleClientMessage(client, permReq, now)
	drainTransmits(s)

	// No channel bound yet: a relayed datagram must arrive as a Data
	// indication.
	s.HandleRelayedDatagram(relayed.Port, peer, []byte("via indication"), now)
	txs := drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	ind := mustParseStun(t, txs[0].Payload)
	if ind.Method != wire.MethodData || ind.Class != wire.ClassIndication {
		t.Fatalf("expected a Data indication, got method=%d class=%d", ind.Method, ind.Class)
	}
	if string(ind.GetData()) != "via indication" {
		t.Fatalf("unexpected indication payload: %q", ind.GetData())
	}

	// Bind a channel for the same peer; subsequent datagrams must arrive as
	// raw channel-data frames instead.
	bindReq := authedRequest(t, wire.MethodChannelBind, now, 3, func(b *wire.StunBuilder) *wire.StunBuilder {
		return b.AddChannelNumber(channelBase).AddXORAddress(wire.AttrXORPeerAddress, peer.Addr(), peer.Port())
	})
	s.HandleClientMessage(client, bindReq, now)
	drainTransmits(s)

	s.HandleRelayedDatagram(relayed.Port, peer, []byte("via channel"), now)
	txs = drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	cd, err := wire.ParseChannelData(txs[0].Payload)
	if err != nil {
		t.Fatalf("ParseChannelData: %v", err)
	}
	if cd.ChannelNumber != channelBase || string(cd.Data) != "via channel" {
		t.Fatalf("unexpected channel-data frame: %+v", cd)
	}
}

func TestHandleTimeout_ExpiresAllocation(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	now := time.Now()

	s.HandleClientMessage(client, authedRequest(t, wire.MethodAllocate, now, 1, nil), now)
	drainTransmits(s)
	s.PollEvent()

	later := now.Add(defaultLifetime + time.Second)
	s.HandleTimeout(later)

	ev, ok := s.PollEvent()
	if !ok || ev.Kind != EventAllocationExpired {
		t.Fatalf("expected EventAllocationExpired, got %+v (ok=%v)", ev, ok)
	}
	if _, ok := s.PollEvent(); !ok {
		t.Fatal("expected a following EventUnbindRelayPort from removeAllocation")
	}
	if s.StatsSnapshot().ActiveAllocations != 0 {
		t.Fatal("expired allocation must no longer be active")
	}
}

func TestAuthenticate_StaleNonceOnBadIntegrity(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	client := netip.MustParseAddrPort("192.0.2.1:4000")
	now := time.Now()

	username, _ := GenerateCredentials(testSecret, "test-client", time.Hour, now)
	wrongKey := wire.DeriveAuthKey(username, testRealm, "not-the-real-password")

	var id [12]byte
	id[0] = 9
	req := wire.NewStunBuilder(wire.MethodAllocate, wire.ClassRequest, id).
		AddUsername(username).
		AddRealm(testRealm).
		AddNonce("n").
		Build(wrongKey)

	s.HandleClientMessage(client, req, now)
	txs := drainTransmits(s)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transmit, got %d", len(txs))
	}
	resp := mustParseStun(t, txs[0].Payload)
	if resp.Class != wire.ClassErrorResponse {
		t.Fatal("expected an error response for bad MESSAGE-INTEGRITY")
	}
}

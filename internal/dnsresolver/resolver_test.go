package dnsresolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/wire"
)

var (
	testClient = netip.MustParseAddrPort("100.64.0.2:51000")
	testV4Pool = netip.MustParsePrefix("100.96.0.0/24")
	testV6Pool = netip.MustParsePrefix("fd00:a:b::/96")
)

func buildQuery(id uint16, name string, qtype wire.DNSRecordType) []byte {
	msg, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagRD},
		Questions: []wire.DNSQuestion{{Name: name, Type: qtype, Class: wire.DNSClassIN}},
	})
	if err != nil {
		panic(err)
	}
	return msg
}

func mustParseDNS(t *testing.T, msg []byte) wire.DNSPacket {
	t.Helper()
	pkt, err := wire.ParseDNS(msg)
	if err != nil {
		t.Fatalf("ParseDNS: %v", err)
	}
	return pkt
}

func newTestResolverWithUpstreams(t *testing.T, upstreams []Upstream) (*Resolver, *resource.Router, ids.ResourceID) {
	t.Helper()
	router := resource.NewRouter()
	res := ids.NewResourceID()
	site := ids.NewSiteID()
	router.UpsertDNSPattern(res, site, "app.corp.example.com", time.Now())
	return NewResolver(router, testV4Pool, testV6Pool, upstreams), router, res
}

func TestHandleQuery_SynthesizesStableA(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestResolverWithUpstreams(t, nil)
	now := time.Now()

	r.HandleQuery(testClient, TransportUDP, buildQuery(1, "app.corp.example.com", wire.DNSTypeA), now)
	tx1, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected an answer")
	}
	pkt1 := mustParseDNS(t, tx1.Payload)
	if len(pkt1.Answers) != 1 || pkt1.Answers[0].Type != wire.DNSTypeA {
		t.Fatalf("expected a single A answer, got %+v", pkt1.Answers)
	}

	r.HandleQuery(testClient, TransportUDP, buildQuery(2, "app.corp.example.com", wire.DNSTypeA), now)
	tx2, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected a second answer")
	}
	pkt2 := mustParseDNS(t, tx2.Payload)

	addr1 := pkt1.Answers[0].Data.([]byte)
	addr2 := pkt2.Answers[0].Data.([]byte)
	if string(addr1) != string(addr2) {
		t.Fatalf("expected the same synthesised address across resolutions, got %v vs %v", addr1, addr2)
	}
	if pkt2.Header.ID != 2 {
		t.Fatalf("expected the response ID to match the query ID, got %d", pkt2.Header.ID)
	}
}

func TestHandleQuery_SynthesizesAAAA(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestResolverWithUpstreams(t, nil)
	now := time.Now()

	r.HandleQuery(testClient, TransportUDP, buildQuery(1, "app.corp.example.com", wire.DNSTypeAAAA), now)
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected an answer")
	}
	pkt := mustParseDNS(t, tx.Payload)
	if len(pkt.Answers) != 1 || pkt.Answers[0].Type != wire.DNSTypeAAAA {
		t.Fatalf("expected a single AAAA answer, got %+v", pkt.Answers)
	}
	addr := pkt.Answers[0].Data.([]byte)
	if len(addr) != 16 {
		t.Fatalf("expected a 16-byte address, got %d bytes", len(addr))
	}
}

func TestHandleQuery_PTRResolvesSynthesisedAddress(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestResolverWithUpstreams(t, nil)
	now := time.Now()

	r.HandleQuery(testClient, TransportUDP, buildQuery(1, "app.corp.example.com", wire.DNSTypeA), now)
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected an A answer")
	}
	pkt := mustParseDNS(t, tx.Payload)
	addrBytes := pkt.Answers[0].Data.([]byte)
	addr := netip.AddrFrom4([4]byte(addrBytes))

	ptrName := reverseV4Name(addr)
	r.HandleQuery(testClient, TransportUDP, buildQuery(2, ptrName, wire.DNSTypePTR), now)
	ptrTx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected a PTR answer")
	}
	ptrPkt := mustParseDNS(t, ptrTx.Payload)
	if len(ptrPkt.Answers) != 1 || ptrPkt.Answers[0].Data.(string) != "app.corp.example.com" {
		t.Fatalf("expected PTR to resolve back to the pattern, got %+v", ptrPkt.Answers)
	}
}

func reverseV4Name(addr netip.Addr) string {
	b := addr.As4()
	return reverseLabel(b[3]) + "." + reverseLabel(b[2]) + "." + reverseLabel(b[1]) + "." + reverseLabel(b[0]) + ".in-addr.arpa"
}

func reverseLabel(b byte) string {
	const digits = "0123456789"
	if b >= 100 {
		return string([]byte{digits[b/100], digits[b/10%10], digits[b%10]})
	}
	if b >= 10 {
		return string([]byte{digits[b/10], digits[b%10]})
	}
	return string([]byte{digits[b]})
}

func TestHandleQuery_UnmatchedNameWithoutUpstreamsGetsServfail(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestResolverWithUpstreams(t, nil)

	r.HandleQuery(testClient, TransportUDP, buildQuery(7, "example.net", wire.DNSTypeA), time.Now())
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected a SERVFAIL reply")
	}
	pkt := mustParseDNS(t, tx.Payload)
	if wire.DNSRCodeFromFlags(pkt.Header.Flags) != wire.DNSRCodeServFail {
		t.Fatalf("expected SERVFAIL, got rcode %d", wire.DNSRCodeFromFlags(pkt.Header.Flags))
	}
	if _, ok := r.PollDispatch(); ok {
		t.Fatal("expected no dispatch without any configured upstream")
	}
}

func TestHandleQuery_ForwardsAndTranslatesUpstreamResponse(t *testing.T) {
	t.Parallel()
	upstream := Upstream{Addr: netip.MustParseAddrPort("8.8.8.8:53"), Transport: TransportUDP}
	r, _, _ := newTestResolverWithUpstreams(t, []Upstream{upstream})
	now := time.Now()

	r.HandleQuery(testClient, TransportUDP, buildQuery(42, "example.net", wire.DNSTypeA), now)

	d, ok := r.PollDispatch()
	if !ok {
		t.Fatal("expected an upstream dispatch")
	}
	if d.Upstream.Addr != upstream.Addr {
		t.Fatalf("expected dispatch to the configured upstream, got %s", d.Upstream.Addr)
	}

	upstreamResp, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: 999, Flags: wire.DNSFlagQR},
		Questions: []wire.DNSQuestion{{Name: "example.net", Type: wire.DNSTypeA, Class: wire.DNSClassIN}},
		Answers:   []wire.DNSRecord{{Name: "example.net", Type: wire.DNSTypeA, Class: wire.DNSClassIN, TTL: 30, Data: []byte{93, 184, 216, 34}}},
	})
	if err != nil {
		t.Fatalf("MarshalDNS: %v", err)
	}

	r.HandleUpstreamResponse(d.Correlation, upstreamResp, now)
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected the translated answer to reach the client")
	}
	if tx.Dst != testClient {
		t.Fatalf("expected the answer addressed back to the querying client, got %s", tx.Dst)
	}
	pkt := mustParseDNS(t, tx.Payload)
	if pkt.Header.ID != 42 {
		t.Fatalf("expected the upstream's own id (999) translated back to 42, got %d", pkt.Header.ID)
	}
}

func TestHandleUpstreamResponse_TruncatedRetriesOverTCP(t *testing.T) {
	t.Parallel()
	upstream := Upstream{Addr: netip.MustParseAddrPort("8.8.8.8:53"), Transport: TransportUDP}
	r, _, _ := newTestResolverWithUpstreams(t, []Upstream{upstream})
	now := time.Now()

	r.HandleQuery(testClient, TransportUDP, buildQuery(5, "big.example.net", wire.DNSTypeA), now)
	first, ok := r.PollDispatch()
	if !ok {
		t.Fatal("expected the first dispatch")
	}

	truncated, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: 5, Flags: wire.DNSFlagQR | wire.DNSFlagTC},
		Questions: []wire.DNSQuestion{{Name: "big.example.net", Type: wire.DNSTypeA, Class: wire.DNSClassIN}},
	})
	if err != nil {
		t.Fatalf("MarshalDNS: %v", err)
	}
	r.HandleUpstreamResponse(first.Correlation, truncated, now)

	retry, ok := r.PollDispatch()
	if !ok {
		t.Fatal("expected a retry dispatch after TC=1")
	}
	if retry.Upstream.Transport != TransportTCP {
		t.Fatalf("expected the retry to go out over TCP, got transport %d", retry.Upstream.Transport)
	}
	if _, ok := r.PollClientTransmit(); ok {
		t.Fatal("expected no client answer yet: the truncated response must not be forwarded")
	}

	full, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: 5, Flags: wire.DNSFlagQR},
		Questions: []wire.DNSQuestion{{Name: "big.example.net", Type: wire.DNSTypeA, Class: wire.DNSClassIN}},
		Answers:   []wire.DNSRecord{{Name: "big.example.net", Type: wire.DNSTypeA, Class: wire.DNSClassIN, TTL: 30, Data: []byte{1, 2, 3, 4}}},
	})
	if err != nil {
		t.Fatalf("MarshalDNS: %v", err)
	}
	r.HandleUpstreamResponse(retry.Correlation, full, now)

	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected the retried answer to finally reach the client")
	}
	if tx.Proto != TransportUDP {
		t.Fatalf("expected the reply framed for the client's original UDP query, got %d", tx.Proto)
	}
}

func TestHandleTimeout_SweepsExpiredQueryToServfail(t *testing.T) {
	t.Parallel()
	upstream := Upstream{Addr: netip.MustParseAddrPort("8.8.8.8:53"), Transport: TransportUDP}
	r, _, _ := newTestResolverWithUpstreams(t, []Upstream{upstream})
	now := time.Now()

	r.HandleQuery(testClient, TransportUDP, buildQuery(9, "slow.example.net", wire.DNSTypeA), now)
	if _, ok := r.PollDispatch(); !ok {
		t.Fatal("expected a dispatch")
	}

	next, ok := r.HandleTimeout(now.Add(queryBudget - time.Millisecond))
	if !ok {
		t.Fatal("expected a pending deadline before the budget elapses")
	}
	if _, ok := r.PollClientTransmit(); ok {
		t.Fatal("expected no SERVFAIL before the budget elapses")
	}
	_ = next

	if _, ok := r.HandleTimeout(now.Add(queryBudget + time.Millisecond)); ok {
		t.Fatal("expected no remaining deadline once the only query is swept")
	}
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected a SERVFAIL once the budget elapses")
	}
	pkt := mustParseDNS(t, tx.Payload)
	if wire.DNSRCodeFromFlags(pkt.Header.Flags) != wire.DNSRCodeServFail {
		t.Fatal("expected SERVFAIL rcode")
	}
	if pkt.Header.ID != 9 {
		t.Fatalf("expected SERVFAIL addressed to the original query id, got %d", pkt.Header.ID)
	}
}

func TestUpstreamHealth_EvictsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	upstream := Upstream{Addr: netip.MustParseAddrPort("8.8.8.8:53"), Transport: TransportUDP}
	r, _, _ := newTestResolverWithUpstreams(t, []Upstream{upstream})
	now := time.Now()

	for i := 0; i < failureThreshold; i++ {
		r.HandleQuery(testClient, TransportUDP, buildQuery(uint16(100+i), "fail.example.net", wire.DNSTypeA), now)
		d, ok := r.PollDispatch()
		if !ok {
			t.Fatalf("expected dispatch %d", i)
		}
		r.HandleUpstreamFailure(d.Correlation, now)
		if _, ok := r.PollClientTransmit(); !ok {
			t.Fatalf("expected an immediate SERVFAIL for failure %d", i)
		}
	}

	// The single upstream is now within its cooldown: a fresh query must
	// SERVFAIL immediately rather than dispatching to a known-down upstream.
	r.HandleQuery(testClient, TransportUDP, buildQuery(200, "fail.example.net", wire.DNSTypeA), now)
	if _, ok := r.PollDispatch(); ok {
		t.Fatal("expected no dispatch while the only upstream is in cooldown")
	}
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected a SERVFAIL while no upstream is healthy")
	}
	pkt := mustParseDNS(t, tx.Payload)
	if wire.DNSRCodeFromFlags(pkt.Header.Flags) != wire.DNSRCodeServFail {
		t.Fatal("expected SERVFAIL rcode")
	}
}

func TestHandleQuery_MatchedNameWrongTypeIsEmptyNotForwarded(t *testing.T) {
	t.Parallel()
	upstream := Upstream{Addr: netip.MustParseAddrPort("8.8.8.8:53"), Transport: TransportUDP}
	r, _, _ := newTestResolverWithUpstreams(t, []Upstream{upstream})

	r.HandleQuery(testClient, TransportUDP, buildQuery(3, "app.corp.example.com", wire.DNSTypeTXT), time.Now())
	tx, ok := r.PollClientTransmit()
	if !ok {
		t.Fatal("expected a direct reply")
	}
	pkt := mustParseDNS(t, tx.Payload)
	if len(pkt.Answers) != 0 {
		t.Fatalf("expected no answers for an unsupported type on a managed name, got %+v", pkt.Answers)
	}
	if _, ok := r.PollDispatch(); ok {
		t.Fatal("a policy-managed name must never be forwarded upstream")
	}
}

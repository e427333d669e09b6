// Package dnsresolver implements the stub DNS responder of §4.9: a
// sans-io state machine that answers A/AAAA/PTR queries for policy-managed
// resources from a local table and forwards everything else upstream. The
// host owns every socket (and, for DoH, the HTTP client); Resolver only
// decides what to answer, what to dispatch, and when a query has timed
// out, handing work back as ClientTransmit/Dispatch values the same way
// internal/relay hands back Transmit/Event values.
package dnsresolver

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/wire"
)

const (
	queryBudget           = 2 * time.Second
	failureThreshold      = 3
	downCooldown          = 30 * time.Second
	defaultSynthesizedTTL = 60 * time.Second
)

// Transport is the protocol a query arrived on, or an upstream is
// reached over.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportDoH
)

// Upstream is one configured resolver to forward non-resource queries to.
type Upstream struct {
	Addr      netip.AddrPort // unused when Transport is TransportDoH
	URL       string         // DoH endpoint; unused otherwise
	Transport Transport
}

type upstreamState struct {
	upstream       Upstream
	consecFailures int
	downUntil      time.Time
}

// ClientTransmit is an answer the host must send back to the querying
// client, framed according to the transport the query arrived on (the
// host applies wire.FrameDNSTCP itself for Proto == TransportTCP).
type ClientTransmit struct {
	Dst     netip.AddrPort
	Proto   Transport
	Payload []byte
}

// Dispatch is an upstream query the host must actually perform: send
// Payload over UDP/TCP to Upstream.Addr, or POST it as
// application/dns-message to Upstream.URL for DoH. The host reports the
// outcome back via HandleUpstreamResponse or HandleUpstreamFailure,
// quoting Correlation.
type Dispatch struct {
	Correlation uint64
	Upstream    Upstream
	Payload     []byte
}

type pendingQuery struct {
	client      netip.AddrPort
	clientProto Transport
	originalID  uint16
	name        string
	qtype       wire.DNSRecordType
	upstreamIdx int
	triedTCP    bool
	deadline    time.Time
}

// Resolver is one client's stub DNS responder. It is not goroutine-safe.
type Resolver struct {
	resources *resource.Router
	pool      *addressPool
	ttl       time.Duration

	upstreams []upstreamState
	rrNext    int

	pending         map[uint64]*pendingQuery
	nextCorrelation uint64

	outClient   []ClientTransmit
	outDispatch []Dispatch
}

// NewResolver builds a resolver that synthesises answers for resources
// known to resources, allocating A answers from v4Pool and AAAA answers
// from v6Pool (sized as the client's own /96, per §4.9), and forwards
// everything else to upstreams in round-robin order.
func NewResolver(resources *resource.Router, v4Pool, v6Pool netip.Prefix, upstreams []Upstream) *Resolver {
	states := make([]upstreamState, len(upstreams))
	for i, u := range upstreams {
		states[i] = upstreamState{upstream: u}
	}
	return &Resolver{
		resources: resources,
		pool:      newAddressPool(v4Pool, v6Pool),
		ttl:       defaultSynthesizedTTL,
		upstreams: states,
		pending:   make(map[uint64]*pendingQuery),
	}
}

// HandleQuery processes one inbound DNS message arriving on the sentinel
// address over proto. Only the first question is answered, matching how
// every resolver client actually behaves in practice.
func (r *Resolver) HandleQuery(from netip.AddrPort, proto Transport, msg []byte, now time.Time) {
	pkt, err := wire.ParseDNS(msg)
	if err != nil || len(pkt.Questions) == 0 {
		return
	}
	q := pkt.Questions[0]

	if addr, ok := parsePTRQuestion(q); ok {
		r.answerPTR(from, proto, pkt.Header.ID, q, addr)
		return
	}

	if resID, _, ok := r.resources.MatchName(q.Name); ok {
		r.answerResource(from, proto, pkt.Header.ID, q, resID)
		return
	}

	r.dispatchUpstream(from, proto, pkt.Header.ID, q, msg, now)
}

func (r *Resolver) answerResource(from netip.AddrPort, proto Transport, id uint16, q wire.DNSQuestion, resID ids.ResourceID) {
	switch q.Type {
	case wire.DNSTypeA:
		addr, ok := r.pool.allocate(resID, false)
		if !ok {
			r.reply(from, proto, r.servfail(id, q))
			return
		}
		r.reply(from, proto, r.answer(id, q, addr, r.ttl))
	case wire.DNSTypeAAAA:
		addr, ok := r.pool.allocate(resID, true)
		if !ok {
			r.reply(from, proto, r.servfail(id, q))
			return
		}
		r.reply(from, proto, r.answer(id, q, addr, r.ttl))
	default:
		// A policy-managed name exists, but not with this record type:
		// answer authoritatively empty rather than leaking the query
		// upstream.
		r.reply(from, proto, r.noData(id, q))
	}
}

func (r *Resolver) answerPTR(from netip.AddrPort, proto Transport, id uint16, q wire.DNSQuestion, addr netip.Addr) {
	resID, ok := r.pool.lookup(addr)
	if !ok {
		r.reply(from, proto, r.nxdomain(id, q))
		return
	}
	pattern, ok := r.resources.PatternFor(resID)
	if !ok {
		r.reply(from, proto, r.nxdomain(id, q))
		return
	}
	payload, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagQR | wire.DNSFlagAA, QDCount: 1, ANCount: 1},
		Questions: []wire.DNSQuestion{q},
		Answers: []wire.DNSRecord{{
			Name: q.Name, Type: wire.DNSTypePTR, Class: wire.DNSClassIN, TTL: uint32(r.ttl.Seconds()), Data: pattern,
		}},
	})
	if err != nil {
		return
	}
	r.reply(from, proto, payload)
}

func (r *Resolver) dispatchUpstream(from netip.AddrPort, proto Transport, id uint16, q wire.DNSQuestion, msg []byte, now time.Time) {
	idx, ok := r.pickUpstream(now)
	if !ok {
		r.reply(from, proto, r.servfail(id, q))
		return
	}

	correlation := r.nextCorrelation
	r.nextCorrelation++
	r.pending[correlation] = &pendingQuery{
		client: from, clientProto: proto, originalID: id,
		name: q.Name, qtype: q.Type, upstreamIdx: idx,
		deadline: now.Add(queryBudget),
	}
	r.outDispatch = append(r.outDispatch, Dispatch{
		Correlation: correlation,
		Upstream:    r.upstreams[idx].upstream,
		Payload:     msg,
	})
}

// HandleUpstreamResponse processes a completed upstream round trip. On a
// truncated (TC=1) UDP response it re-dispatches the same query over TCP
// to the same upstream instead of forwarding the truncated answer, per
// §4.9.
func (r *Resolver) HandleUpstreamResponse(correlation uint64, payload []byte, now time.Time) {
	pend, ok := r.pending[correlation]
	if !ok {
		return
	}
	delete(r.pending, correlation)
	r.markHealthy(pend.upstreamIdx)

	resp, err := wire.ParseDNS(payload)
	if err != nil {
		r.reply(pend.client, pend.clientProto, r.servfailFor(pend))
		return
	}

	if resp.Header.Flags&wire.DNSFlagTC != 0 && !pend.triedTCP {
		r.retryOverTCP(pend, now)
		return
	}

	resp.Header.ID = pend.originalID
	out, err := wire.MarshalDNS(resp)
	if err != nil {
		r.reply(pend.client, pend.clientProto, r.servfailFor(pend))
		return
	}
	r.reply(pend.client, pend.clientProto, out)
}

func (r *Resolver) retryOverTCP(pend *pendingQuery, now time.Time) {
	query, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: pend.originalID, Flags: wire.DNSFlagRD},
		Questions: []wire.DNSQuestion{{Name: pend.name, Type: pend.qtype, Class: wire.DNSClassIN}},
	})
	if err != nil {
		r.reply(pend.client, pend.clientProto, r.servfailFor(pend))
		return
	}

	correlation := r.nextCorrelation
	r.nextCorrelation++
	retry := *pend
	retry.triedTCP = true
	retry.deadline = now.Add(queryBudget)
	r.pending[correlation] = &retry

	up := r.upstreams[pend.upstreamIdx].upstream
	up.Transport = TransportTCP
	r.outDispatch = append(r.outDispatch, Dispatch{Correlation: correlation, Upstream: up, Payload: query})
}

// HandleUpstreamFailure records an I/O failure the host observed while
// performing a dispatched query (connection refused, DoH non-2xx, etc.),
// counting it against the upstream's health and answering the client
// with SERVFAIL immediately rather than waiting out the budget.
func (r *Resolver) HandleUpstreamFailure(correlation uint64, now time.Time) {
	pend, ok := r.pending[correlation]
	if !ok {
		return
	}
	delete(r.pending, correlation)
	r.markFailed(pend.upstreamIdx, now)
	r.reply(pend.client, pend.clientProto, r.servfailFor(pend))
}

// HandleTimeout answers SERVFAIL for any query that has exceeded its
// per-query budget and reports the next deadline to wake up for.
func (r *Resolver) HandleTimeout(now time.Time) (time.Time, bool) {
	var next time.Time
	haveNext := false

	for correlation, pend := range r.pending {
		if !now.Before(pend.deadline) {
			delete(r.pending, correlation)
			r.markFailed(pend.upstreamIdx, now)
			r.reply(pend.client, pend.clientProto, r.servfailFor(pend))
			continue
		}
		if !haveNext || pend.deadline.Before(next) {
			next, haveNext = pend.deadline, true
		}
	}
	return next, haveNext
}

func (r *Resolver) markHealthy(idx int) {
	r.upstreams[idx].consecFailures = 0
	r.upstreams[idx].downUntil = time.Time{}
}

func (r *Resolver) markFailed(idx int, now time.Time) {
	st := &r.upstreams[idx]
	st.consecFailures++
	if st.consecFailures >= failureThreshold {
		st.downUntil = now.Add(downCooldown)
	}
}

// pickUpstream returns the next healthy upstream in round-robin order,
// skipping any still within its failure cooldown.
func (r *Resolver) pickUpstream(now time.Time) (int, bool) {
	n := len(r.upstreams)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < n; i++ {
		idx := (r.rrNext + i) % n
		if r.upstreams[idx].downUntil.IsZero() || now.After(r.upstreams[idx].downUntil) {
			r.rrNext = (idx + 1) % n
			return idx, true
		}
	}
	return 0, false
}

func (r *Resolver) reply(dst netip.AddrPort, proto Transport, payload []byte) {
	if payload == nil {
		return
	}
	r.outClient = append(r.outClient, ClientTransmit{Dst: dst, Proto: proto, Payload: payload})
}

func (r *Resolver) answer(id uint16, q wire.DNSQuestion, addr netip.Addr, ttl time.Duration) []byte {
	var rrType wire.DNSRecordType
	var data any
	if addr.Is6() {
		rrType = wire.DNSTypeAAAA
		b16 := addr.As16()
		data = b16[:]
	} else {
		rrType = wire.DNSTypeA
		b4 := addr.As4()
		data = b4[:]
	}
	out, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagQR | wire.DNSFlagAA, QDCount: 1, ANCount: 1},
		Questions: []wire.DNSQuestion{q},
		Answers:   []wire.DNSRecord{{Name: q.Name, Type: rrType, Class: wire.DNSClassIN, TTL: uint32(ttl.Seconds()), Data: data}},
	})
	if err != nil {
		return r.servfail(id, q)
	}
	return out
}

func (r *Resolver) noData(id uint16, q wire.DNSQuestion) []byte {
	out, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagQR | wire.DNSFlagAA, QDCount: 1},
		Questions: []wire.DNSQuestion{q},
	})
	if err != nil {
		return nil
	}
	return out
}

func (r *Resolver) nxdomain(id uint16, q wire.DNSQuestion) []byte {
	out, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagQR | wire.DNSFlagAA | uint16(wire.DNSRCodeNXDomain), QDCount: 1},
		Questions: []wire.DNSQuestion{q},
	})
	if err != nil {
		return nil
	}
	return out
}

func (r *Resolver) servfail(id uint16, q wire.DNSQuestion) []byte {
	out, err := wire.MarshalDNS(wire.DNSPacket{
		Header:    wire.DNSHeader{ID: id, Flags: wire.DNSFlagQR | uint16(wire.DNSRCodeServFail), QDCount: 1},
		Questions: []wire.DNSQuestion{q},
	})
	if err != nil {
		return nil
	}
	return out
}

func (r *Resolver) servfailFor(pend *pendingQuery) []byte {
	return r.servfail(pend.originalID, wire.DNSQuestion{Name: pend.name, Type: pend.qtype, Class: wire.DNSClassIN})
}

// PollClientTransmit drains one queued answer for the host to send.
func (r *Resolver) PollClientTransmit() (ClientTransmit, bool) {
	if len(r.outClient) == 0 {
		return ClientTransmit{}, false
	}
	t := r.outClient[0]
	r.outClient = r.outClient[1:]
	return t, true
}

// PollDispatch drains one queued upstream query for the host to perform.
func (r *Resolver) PollDispatch() (Dispatch, bool) {
	if len(r.outDispatch) == 0 {
		return Dispatch{}, false
	}
	d := r.outDispatch[0]
	r.outDispatch = r.outDispatch[1:]
	return d, true
}

// parsePTRQuestion extracts the address a PTR question names, if q is a
// well-formed in-addr.arpa/ip6.arpa reverse-lookup question.
func parsePTRQuestion(q wire.DNSQuestion) (netip.Addr, bool) {
	if q.Type != wire.DNSTypePTR {
		return netip.Addr{}, false
	}
	name := strings.TrimSuffix(q.Name, ".")
	switch {
	case strings.HasSuffix(name, ".in-addr.arpa"):
		return parseV4PTR(strings.TrimSuffix(name, ".in-addr.arpa"))
	case strings.HasSuffix(name, ".ip6.arpa"):
		return parseV6PTR(strings.TrimSuffix(name, ".ip6.arpa"))
	default:
		return netip.Addr{}, false
	}
}

func parseV4PTR(reversed string) (netip.Addr, bool) {
	labels := strings.Split(reversed, ".")
	if len(labels) != 4 {
		return netip.Addr{}, false
	}
	var octets [4]byte
	for i, label := range labels {
		v, err := strconv.Atoi(label)
		if err != nil || v < 0 || v > 255 {
			return netip.Addr{}, false
		}
		octets[3-i] = byte(v)
	}
	return netip.AddrFrom4(octets), true
}

func parseV6PTR(reversed string) (netip.Addr, bool) {
	nibbles := strings.Split(reversed, ".")
	if len(nibbles) != 32 {
		return netip.Addr{}, false
	}
	var b [16]byte
	for i, nibble := range nibbles {
		if len(nibble) != 1 {
			return netip.Addr{}, false
		}
		v, err := strconv.ParseUint(nibble, 16, 8)
		if err != nil {
			return netip.Addr{}, false
		}
		byteIdx := 15 - i/2
		if i%2 == 0 {
			b[byteIdx] |= byte(v)
		} else {
			b[byteIdx] |= byte(v) << 4
		}
	}
	return netip.AddrFrom16(b), true
}

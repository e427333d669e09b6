// Package clientcore implements the client tunnel orchestrator of §4.10: the
// glue that owns the connection pool (C6), the resource router (C8), and the
// stub DNS resolver (C9), converting TUN packets into encrypted datagrams
// and vice versa. It generalizes internal/agent/agent.go's goroutine-driven
// Run() loop into the same sans-io handle/poll discipline as the rest of the
// engine: the host owns the TUN device and every socket, and drives this
// type with handle_tun_input/handle_network_input/handle_timeout, draining
// PollTun/PollTransmit/PollEvent/PollDNSDispatch to fixed point between
// suspension points.
package clientcore

import (
	"net/netip"
	"sort"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/dnsresolver"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/pool"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/wire"
)

// GatewayCredentials are the WireGuard and ICE parameters needed to upsert a
// connection to a gateway, as delivered by the portal's connect/allow_access
// signalling. The orchestrator caches these per gateway so a resource lookup
// can lazily establish the connection on first use (§4.10).
type GatewayCredentials struct {
	RemoteStatic config.Key
	PSK          [32]byte
	LocalCreds   ice.Credentials
	RemoteCreds  ice.Credentials
}

// TunConfig is the TUN interface configuration the orchestrator wants
// applied: its own tunnel addresses, the routes that must exist for
// resource traffic to reach it, and the sentinel addresses C9 answers DNS
// on. Equal ignores route ordering, since route recomputation rebuilds the
// slice from map iteration and callers must not see spurious diffs.
type TunConfig struct {
	Address4     netip.Prefix
	Address6     netip.Prefix
	Routes       []netip.Prefix
	DNSSentinels []netip.Addr
}

// Equal reports whether c and other describe the same effective interface
// configuration, order-independently over Routes/DNSSentinels.
func (c TunConfig) Equal(other TunConfig) bool {
	if c.Address4 != other.Address4 || c.Address6 != other.Address6 {
		return false
	}
	return samePrefixSet(c.Routes, other.Routes) && sameAddrSet(c.DNSSentinels, other.DNSSentinels)
}

func samePrefixSet(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]netip.Prefix(nil), a...)
	bs := append([]netip.Prefix(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i].String() < as[j].String() })
	sort.Slice(bs, func(i, j int) bool { return bs[i].String() < bs[j].String() })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sameAddrSet(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]netip.Addr(nil), a...)
	bs := append([]netip.Addr(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i].String() < as[j].String() })
	sort.Slice(bs, func(i, j int) bool { return bs[i].String() < bs[j].String() })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// EventKind discriminates events the orchestrator emits.
type EventKind int

const (
	// EventTunInterfaceUpdated carries the new TunConfig to apply; emitted
	// only when it differs from the last one applied (§4.10, §9).
	EventTunInterfaceUpdated EventKind = iota
	// EventGatewayUnreachable reports that a resource's selected gateway
	// has no cached credentials yet, so its traffic is being dropped.
	EventGatewayUnreachable
)

// Event is a single poll-able outcome.
type Event struct {
	Kind    EventKind
	Config  TunConfig
	Gateway ids.GatewayID
}

// Transmit is an outbound network datagram the host must send to a gateway
// or relay address (as opposed to a packet written back onto the TUN
// device, which goes through PollTunOutput instead).
type Transmit struct {
	From    netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Orchestrator is one client's tunnel core: C6 (pool), C8 (router), and C9
// (resolver), plus the TUN/DNS-sentinel decision layer described in §4.10.
// It is not goroutine-safe; the host serializes calls the same way it does
// for every other sans-io component in this engine.
type Orchestrator struct {
	self ids.ClientID

	pool      *pool.Pool[ids.GatewayID]
	resources *resource.Router
	dns       *dnsresolver.Resolver

	sentinel4 netip.Addr
	sentinel6 netip.Addr

	tunAddr4 netip.Prefix
	tunAddr6 netip.Prefix

	defaultRouteClaimed bool

	gatewayCreds map[ids.GatewayID]GatewayCredentials
	candidates   map[ids.ResourceID][]ids.GatewayID

	applied     TunConfig
	haveApplied bool

	outTun [][]byte
	outNet []Transmit
	events []Event
}

// Config bundles the fixed parameters used to build an Orchestrator.
type Config struct {
	Self         ids.ClientID
	LocalStatic  config.Key
	Resources    *resource.Router
	V4Pool       netip.Prefix
	V6Pool       netip.Prefix
	DNSUpstreams []dnsresolver.Upstream
	Sentinel4    netip.Addr
	Sentinel6    netip.Addr
	DefaultRoute bool
}

// New builds an Orchestrator. Resources is shared with the resolver: a DNS
// answer's synthesised address and a tunnel packet's destination resolve
// through the exact same routing table (§4.8/§4.9's coupling).
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		self:                cfg.Self,
		pool:                pool.New[ids.GatewayID](cfg.LocalStatic),
		resources:           cfg.Resources,
		dns:                 dnsresolver.NewResolver(cfg.Resources, cfg.V4Pool, cfg.V6Pool, cfg.DNSUpstreams),
		sentinel4:           cfg.Sentinel4,
		sentinel6:           cfg.Sentinel6,
		defaultRouteClaimed: cfg.DefaultRoute,
		gatewayCreds:        make(map[ids.GatewayID]GatewayCredentials),
		candidates:          make(map[ids.ResourceID][]ids.GatewayID),
	}
}

// RegisterGateway caches the credentials needed to reach gw, as delivered by
// the portal. A subsequent packet destined to a resource behind gw lazily
// upserts the connection using these.
func (o *Orchestrator) RegisterGateway(gw ids.GatewayID, creds GatewayCredentials) {
	o.gatewayCreds[gw] = creds
}

// ForgetGateway drops cached credentials and tears down any live connection
// to gw, e.g. on the gateway disconnecting (mirrors resource.Router's
// DropGateway, which the host calls alongside this one).
func (o *Orchestrator) ForgetGateway(gw ids.GatewayID) {
	delete(o.gatewayCreds, gw)
	o.pool.Remove(gw)
	o.resources.DropGateway(gw)
}

// SetGatewayCandidates records the portal's current candidate set for a
// resource's site, consumed by resource.Router.SelectGateway on the next
// packet destined to that resource (§4.8).
func (o *Orchestrator) SetGatewayCandidates(resourceID ids.ResourceID, candidates []ids.GatewayID) {
	o.candidates[resourceID] = candidates
	o.recomputeTunConfig()
}

// AddGatewayCandidate feeds one trickled ICE transport candidate (§6's
// candidate message, decoded by GatewayCandidateFromMessage) into gw's
// connection. A candidate for a gateway with no live connection yet is
// silently ignored by the pool, since nothing is waiting for it.
func (o *Orchestrator) AddGatewayCandidate(gw ids.GatewayID, cand ice.Candidate, now time.Time) {
	o.pool.AddRemoteCandidate(gw, cand, now)
	o.drainPoolTransmits()
}

// AddLocalCandidate feeds one of the host's own gathered transport
// candidates (a bound UDP socket's local address, or a server-reflexive
// address learned via STUN) into gw's connection, for it to be trickled out
// to the portal once ICE starts gathering (§4.6's AddLocalCandidate).
func (o *Orchestrator) AddLocalCandidate(gw ids.GatewayID, cand ice.Candidate) {
	o.pool.AddLocalCandidate(gw, cand)
	o.drainPoolTransmits()
}

// SetTunAddress records the client's own tunnel addresses, as assigned by
// the portal, used both for TunConfig.Address4/6 and as the source address
// on a synthesised ICMP unreachable reply.
func (o *Orchestrator) SetTunAddress(v4, v6 netip.Prefix) {
	o.tunAddr4 = v4
	o.tunAddr6 = v6
	o.recomputeTunConfig()
}

// HandleTunInput processes one IP packet read from the TUN device (§4.10).
func (o *Orchestrator) HandleTunInput(packet []byte, now time.Time) {
	if len(packet) == 0 {
		return
	}

	switch packet[0] >> 4 {
	case 4:
		o.handleTunInputV4(packet, now)
	case 6:
		o.handleTunInputV6(packet, now)
	}
}

func (o *Orchestrator) handleTunInputV4(packet []byte, now time.Time) {
	ip, err := wire.ParseIPv4(packet)
	if err != nil {
		return
	}
	dst := ip.Dst()

	if o.sentinel4.IsValid() && dst == o.sentinel4 {
		o.handleDNSOverTun(ip.Src(), dst, ip.Protocol(), ip.Payload(), false, now)
		return
	}

	o.routeResourcePacket(ip.Src(), dst, packet, now)
}

func (o *Orchestrator) handleTunInputV6(packet []byte, now time.Time) {
	ip, err := wire.ParseIPv6(packet)
	if err != nil {
		return
	}
	dst := ip.Dst()

	if o.sentinel6.IsValid() && dst == o.sentinel6 {
		o.handleDNSOverTun(ip.Src(), dst, ip.NextHeader(), ip.Payload(), true, now)
		return
	}

	o.routeResourcePacket(ip.Src(), dst, packet, now)
}

// handleDNSOverTun answers the client-facing stub resolver surface. Only
// UDP is synthesised onto the TUN device: a client that gets TC=1 back
// falls back to TCP against a real resolver address elsewhere in its
// search list, not against this sentinel, so a client-facing TCP listener
// has no observable use here and is intentionally not implemented. TCP
// framing (wire.FrameDNSTCP / TCPFramer) is exercised on the upstream side
// of C9 instead, by its own TC=1 retry path.
func (o *Orchestrator) handleDNSOverTun(clientAddr, sentinel netip.Addr, proto uint8, l4 []byte, isV6 bool, now time.Time) {
	if proto != wire.ProtoUDP {
		return
	}
	udp, err := wire.ParseUDP(l4)
	if err != nil {
		return
	}
	clientAddrPort := netip.AddrPortFrom(clientAddr, udp.SrcPort())
	o.dns.HandleQuery(clientAddrPort, dnsresolver.TransportUDP, udp.Payload(), now)
	o.drainDNSClientReplies(sentinel, isV6)
}

func (o *Orchestrator) drainDNSClientReplies(sentinel netip.Addr, isV6 bool) {
	for {
		ct, ok := o.dns.PollClientTransmit()
		if !ok {
			return
		}
		if ct.Proto != dnsresolver.TransportUDP {
			continue // TCP replies belong to the upstream side, not a TUN write
		}
		var pkt []byte
		if isV6 {
			pkt = wire.BuildUDPv6(sentinel, ct.Dst.Addr(), 53, ct.Dst.Port(), ct.Payload)
		} else {
			pkt = wire.BuildUDPv4(sentinel, ct.Dst.Addr(), 53, ct.Dst.Port(), ct.Payload)
		}
		o.outTun = append(o.outTun, pkt)
	}
}

// routeResourcePacket implements §4.10's non-DNS decision: look up the
// owning resource, select (or reuse) its gateway, lazily establish a
// connection, and encapsulate. Anything unmatched is dropped, with an ICMP
// "administratively prohibited" reply only if this client claims the
// default route (otherwise the OS's own routing means the packet should
// never have reached us, and staying silent matches normal IP behaviour
// for a route nobody advertised).
func (o *Orchestrator) routeResourcePacket(src, dst netip.Addr, packet []byte, now time.Time) {
	match, ok := o.resources.Lookup(dst)
	if !ok {
		o.dropUnroutable(src, dst, packet)
		return
	}

	candidates := o.candidates[match.Resource]
	if len(candidates) == 0 {
		o.dropUnroutable(src, dst, packet)
		return
	}

	gw, ok := o.resources.SelectGateway(match.Resource, o.self, candidates)
	if !ok {
		o.dropUnroutable(src, dst, packet)
		return
	}

	if !o.pool.Connected(gw) {
		creds, ok := o.gatewayCreds[gw]
		if !ok {
			o.events = append(o.events, Event{Kind: EventGatewayUnreachable, Gateway: gw})
			return
		}
		o.pool.Upsert(gw, true, creds.RemoteStatic, creds.PSK, creds.LocalCreds, creds.RemoteCreds, now)
		// The handshake has only just been initiated: this first packet is
		// dropped, same as real WireGuard's "no session yet" behaviour.
		// Subsequent packets succeed once HandleNetworkInput completes it.
	}

	// Drain unconditionally: Upsert above may have just queued a fresh
	// handshake initiation even though this packet itself gets dropped.
	err := o.pool.Encapsulate(gw, packet, now)
	o.drainPoolTransmits()
	if err != nil {
		return
	}
}

func (o *Orchestrator) dropUnroutable(_, dst netip.Addr, packet []byte) {
	if !o.defaultRouteClaimed {
		return
	}
	var reply []byte
	if dst.Is6() {
		replySrc := dst
		if o.tunAddr6.IsValid() {
			replySrc = o.tunAddr6.Addr()
		}
		reply = wire.BuildICMPv6Unreachable(replySrc, packet, 1)
	} else {
		replySrc := dst
		if o.tunAddr4.IsValid() {
			replySrc = o.tunAddr4.Addr()
		}
		reply = wire.BuildICMPv4Unreachable(replySrc, packet, 13)
	}
	if reply != nil {
		o.outTun = append(o.outTun, reply)
	}
}

// HandleNetworkInput processes one inbound datagram from the network
// socket: pool demultiplexing per §4.6 handles ICE/STUN/WireGuard, and a
// decrypted transport packet is queued for the TUN device.
func (o *Orchestrator) HandleNetworkInput(from, local netip.AddrPort, payload []byte, now time.Time) {
	o.pool.HandleDatagram(from, local, payload, now)
	o.drainPoolTransmits()
	o.drainPoolEvents()
}

// HandleDNSUpstreamResponse forwards a completed upstream DNS round trip
// (the host dispatched it via PollDNSDispatch) back into C9.
func (o *Orchestrator) HandleDNSUpstreamResponse(correlation uint64, payload []byte, now time.Time) {
	o.dns.HandleUpstreamResponse(correlation, payload, now)
	o.drainDNSClientRepliesBothFamilies(now)
}

// HandleDNSUpstreamFailure reports an I/O failure observed while performing
// a dispatched upstream query.
func (o *Orchestrator) HandleDNSUpstreamFailure(correlation uint64, now time.Time) {
	o.dns.HandleUpstreamFailure(correlation, now)
	o.drainDNSClientRepliesBothFamilies(now)
}

// drainDNSClientRepliesBothFamilies is used on the upstream-forwarding
// paths, where the reply's family (and thus which sentinel address to
// answer from) is determined by the destination address already carried
// in the queued ClientTransmit rather than by the caller.
func (o *Orchestrator) drainDNSClientRepliesBothFamilies(now time.Time) {
	for {
		ct, ok := o.dns.PollClientTransmit()
		if !ok {
			return
		}
		if ct.Proto != dnsresolver.TransportUDP {
			continue
		}
		var pkt []byte
		if ct.Dst.Addr().Is6() {
			pkt = wire.BuildUDPv6(o.sentinel6, ct.Dst.Addr(), 53, ct.Dst.Port(), ct.Payload)
		} else {
			pkt = wire.BuildUDPv4(o.sentinel4, ct.Dst.Addr(), 53, ct.Dst.Port(), ct.Payload)
		}
		o.outTun = append(o.outTun, pkt)
	}
}

// HandleTimeout advances the pool and resolver, returning the earliest
// deadline across both (§4.6/§4.9's poll_timeout contract).
func (o *Orchestrator) HandleTimeout(now time.Time) (time.Time, bool) {
	var next time.Time
	haveNext := false
	consider := func(t time.Time, ok bool) {
		if !ok {
			return
		}
		if !haveNext || t.Before(next) {
			next, haveNext = t, true
		}
	}

	t, ok := o.pool.HandleTimeout(now)
	consider(t, ok)
	o.drainPoolTransmits()
	o.drainPoolEvents()

	t, ok = o.dns.HandleTimeout(now)
	consider(t, ok)
	o.drainDNSClientRepliesBothFamilies(now)

	o.resources.PurgeExpired(now)
	o.recomputeTunConfig()

	return next, haveNext
}

func (o *Orchestrator) drainPoolTransmits() {
	for {
		tx, ok := o.pool.PollTransmit()
		if !ok {
			return
		}
		o.outNet = append(o.outNet, Transmit{From: tx.From, Dst: tx.Dst, Payload: tx.Payload})
	}
}

func (o *Orchestrator) drainPoolEvents() {
	for {
		ev, ok := o.pool.PollEvent()
		if !ok {
			return
		}
		if ev.Kind == pool.EventReceivedPacket {
			o.outTun = append(o.outTun, ev.Packet)
		}
		// Connection lifecycle events (handshake complete, ICE candidates,
		// connection failed) are the host's concern for signalling and
		// status reporting, not this orchestrator's; it only needs the
		// decrypted packets.
	}
}

// recomputeTunConfig rebuilds the desired TunConfig from the current
// routing table and emits EventTunInterfaceUpdated only if it changed
// since the last call (§4.10, §9's "no update unless the effective
// configuration differs" rule).
func (o *Orchestrator) recomputeTunConfig() {
	cfg := TunConfig{
		Address4: o.tunAddr4,
		Address6: o.tunAddr6,
		Routes:   o.resources.StaticPrefixes(),
	}
	if o.sentinel4.IsValid() {
		cfg.DNSSentinels = append(cfg.DNSSentinels, o.sentinel4)
	}
	if o.sentinel6.IsValid() {
		cfg.DNSSentinels = append(cfg.DNSSentinels, o.sentinel6)
	}

	if o.haveApplied && o.applied.Equal(cfg) {
		return
	}
	o.applied = cfg
	o.haveApplied = true
	o.events = append(o.events, Event{Kind: EventTunInterfaceUpdated, Config: cfg})
}

// PollTunOutput drains one packet the host must write to the TUN device.
func (o *Orchestrator) PollTunOutput() ([]byte, bool) {
	if len(o.outTun) == 0 {
		return nil, false
	}
	p := o.outTun[0]
	o.outTun = o.outTun[1:]
	return p, true
}

// PollTransmit drains one datagram the host must send to a peer/relay
// address.
func (o *Orchestrator) PollTransmit() (Transmit, bool) {
	if len(o.outNet) == 0 {
		return Transmit{}, false
	}
	t := o.outNet[0]
	o.outNet = o.outNet[1:]
	return t, true
}

// PollEvent drains one orchestrator-level event.
func (o *Orchestrator) PollEvent() (Event, bool) {
	if len(o.events) == 0 {
		return Event{}, false
	}
	e := o.events[0]
	o.events = o.events[1:]
	return e, true
}

// PollDNSDispatch drains one upstream DNS query the host must perform
// (§4.9); the host reports the outcome via HandleDNSUpstreamResponse/
// HandleDNSUpstreamFailure.
func (o *Orchestrator) PollDNSDispatch() (dnsresolver.Dispatch, bool) {
	return o.dns.PollDispatch()
}

// UpsertResource mirrors resource.Router.UpsertCIDR and recomputes the TUN
// route set, so the host never has to remember to call both.
func (o *Orchestrator) UpsertResource(id ids.ResourceID, site ids.SiteID, prefix netip.Prefix, now time.Time) {
	o.resources.UpsertCIDR(id, site, prefix, now)
	o.recomputeTunConfig()
}

// UpsertDNSResource mirrors resource.Router.UpsertDNSPattern and
// recomputes the TUN config.
func (o *Orchestrator) UpsertDNSResource(id ids.ResourceID, site ids.SiteID, pattern string, now time.Time) {
	o.resources.UpsertDNSPattern(id, site, pattern, now)
	o.recomputeTunConfig()
}

// RemoveResource mirrors resource.Router.RemoveResource and recomputes the
// TUN config.
func (o *Orchestrator) RemoveResource(id ids.ResourceID) {
	o.resources.RemoveResource(id)
	o.recomputeTunConfig()
}

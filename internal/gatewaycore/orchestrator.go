// Package gatewaycore implements the gateway tunnel orchestrator of §4.11:
// the policy-enforcement point sitting between a gateway's pool of client
// connections (C6, keyed by client rather than gateway) and the local
// network the resources actually live on. It generalizes
// internal/agent/agent.go's peer-message loop the same way
// internal/clientcore does on the client side, but the decision it makes
// per packet is authorization, not routing: every decrypted packet from a
// client is checked against the access grants the portal pushed down
// before it is allowed back onto the local network.
package gatewaycore

import (
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/pool"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/wire"
)

// violationThreshold is how many consecutive rejected packets from the same
// source address are counted before EventNotAllowedResource is (re-)emitted.
// §4.11 only says "repeated violations emit NotAllowedResource(src_ip)"
// without naming a count; 5 is picked the same way C9 picked its
// failureThreshold: low enough to flag an actual policy violation quickly,
// high enough that one stray late packet from a just-revoked grant doesn't
// page anyone.
const violationThreshold = 5

// ClientCredentials are the WireGuard and ICE parameters needed to accept a
// connection from a client, as delivered by the portal's connect/offer
// signalling (mirrors clientcore.GatewayCredentials on the other end of the
// same handshake).
type ClientCredentials struct {
	RemoteStatic config.Key
	PSK          [32]byte
	LocalCreds   ice.Credentials
	RemoteCreds  ice.Credentials
}

// Filter is one admitted protocol/port-range pair of an AllowAccess grant.
// Protocol 0 matches any protocol; an empty Filters slice on the owning
// grant matches any protocol and port (the CIDR/DNS-IP check is the only
// gate in that case).
type Filter struct {
	Protocol uint8
	PortLow  uint16
	PortHigh uint16
}

func (f Filter) admits(proto uint8, port uint16) bool {
	if f.Protocol != 0 && f.Protocol != proto {
		return false
	}
	return port >= f.PortLow && port <= f.PortHigh
}

// AllowAccess is one portal-authorised flow: client may reach resource
// through its tunnel address clientTunnelIP, subject to Filters, until
// ExpiresAt (§4.11).
type AllowAccess struct {
	Client         ids.ClientID
	Resource       ids.ResourceID
	ClientTunnelIP netip.Addr
	ExpiresAt      time.Time
	Filters        []Filter
}

type grantKey struct {
	client   ids.ClientID
	resource ids.ResourceID
}

// EventKind discriminates events the orchestrator emits.
type EventKind int

const (
	// EventNotAllowedResource reports repeated rejected packets from
	// src_ip, per §4.11.
	EventNotAllowedResource EventKind = iota
)

// Event is a single poll-able outcome.
type Event struct {
	Kind EventKind
	Src  netip.Addr
}

// Transmit is an outbound network datagram the host must send to a client.
type Transmit struct {
	From    netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Orchestrator is one gateway's tunnel core: C6 (pool, keyed by client) plus
// the access-grant filter chain described in §4.11. It is not
// goroutine-safe; the host serializes calls the same way it does for every
// other sans-io component in this engine.
type Orchestrator struct {
	pool      *pool.Pool[ids.ClientID]
	resources *resource.Router

	clientCreds map[ids.ClientID]ClientCredentials

	grants        map[grantKey]AllowAccess
	tunnelToOwner map[netip.Addr]ids.ClientID

	violations map[netip.Addr]int

	outNet      []Transmit
	outResource [][]byte
	events      []Event
}

// Config bundles the fixed parameters used to build an Orchestrator.
type Config struct {
	LocalStatic config.Key
	Resources   *resource.Router
}

// New builds an Orchestrator. Resources holds the CIDR/DNS-IP table for
// every resource this gateway serves, the same structure C8 uses on the
// client side, just populated with this site's resources instead of the
// routes a single client needs.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		pool:          pool.New[ids.ClientID](cfg.LocalStatic),
		resources:     cfg.Resources,
		clientCreds:   make(map[ids.ClientID]ClientCredentials),
		grants:        make(map[grantKey]AllowAccess),
		tunnelToOwner: make(map[netip.Addr]ids.ClientID),
		violations:    make(map[netip.Addr]int),
	}
}

// RegisterClient caches the credentials needed to accept a connection from
// client, as delivered by the portal, and upserts it into the pool
// immediately rather than lazily: unlike the client side (which meets a new
// gateway by sending to it), the pool only recognises an inbound handshake
// initiation from a remote static key it already has an index entry for
// (pool.Pool.routeInitiation), so the gateway must know about a client
// before that client's own handshake can arrive.
func (o *Orchestrator) RegisterClient(client ids.ClientID, creds ClientCredentials, now time.Time) {
	o.clientCreds[client] = creds
	if !o.pool.Connected(client) {
		o.pool.Upsert(client, false, creds.RemoteStatic, creds.PSK, creds.LocalCreds, creds.RemoteCreds, now)
	}
}

// ForgetClient drops cached credentials, tears down any live connection to
// client, and revokes every grant and reverse-routing entry it owned.
func (o *Orchestrator) ForgetClient(client ids.ClientID) {
	delete(o.clientCreds, client)
	o.pool.Remove(client)
	for key := range o.grants {
		if key.client == client {
			delete(o.grants, key)
		}
	}
	for addr, owner := range o.tunnelToOwner {
		if owner == client {
			delete(o.tunnelToOwner, addr)
		}
	}
}

// AddClientCandidate feeds one trickled ICE transport candidate (§6's
// candidate message, decoded by ClientCandidateFromMessage) into client's
// connection.
func (o *Orchestrator) AddClientCandidate(client ids.ClientID, cand ice.Candidate, now time.Time) {
	o.pool.AddRemoteCandidate(client, cand, now)
	o.drainPoolTransmits()
}

// AddLocalCandidate feeds one of the gateway's own gathered transport
// candidates into client's connection, for it to be trickled back to the
// portal once ICE starts gathering.
func (o *Orchestrator) AddLocalCandidate(client ids.ClientID, cand ice.Candidate) {
	o.pool.AddLocalCandidate(client, cand)
	o.drainPoolTransmits()
}

// Grant installs or replaces an access grant (§4.11). A client's tunnel
// address is remembered so return traffic from the resource can be routed
// back without re-deriving it from the (now consumed) request packet.
func (o *Orchestrator) Grant(aa AllowAccess) {
	o.grants[grantKey{client: aa.Client, resource: aa.Resource}] = aa
	if aa.ClientTunnelIP.IsValid() {
		o.tunnelToOwner[aa.ClientTunnelIP] = aa.Client
	}
}

// Revoke removes a single (client, resource) grant, e.g. on the portal
// narrowing or cancelling access without disconnecting the client entirely.
func (o *Orchestrator) Revoke(client ids.ClientID, resourceID ids.ResourceID) {
	delete(o.grants, grantKey{client: client, resource: resourceID})
}

// HandleNetworkInput processes one inbound datagram from the network
// socket: pool demultiplexing per §4.6 handles ICE/STUN/WireGuard, and a
// decrypted packet from a client is checked against that client's grants
// before being queued for the local network (§4.11).
func (o *Orchestrator) HandleNetworkInput(from, local netip.AddrPort, payload []byte, now time.Time) {
	o.pool.HandleDatagram(from, local, payload, now)
	o.drainPoolTransmits()
	o.drainPoolEvents(now)
}

// HandleResourceInput processes one inbound packet arriving from the local
// network (a resource's reply). It is routed back to the client whose
// tunnel address owns the destination and encapsulated; a destination that
// is no client's registered tunnel address is dropped silently, since
// nothing on the tunnel side is waiting for it. The address is registered by
// Grant and cleared only by ForgetClient, so Revoke and grant expiry alone
// do not stop return traffic. Return traffic is not re-checked against Filters: the
// filter chain governs what a client may originate, not what a resource may
// answer with, matching the stateful-firewall shape §4.11 describes for the
// request direction only.
func (o *Orchestrator) HandleResourceInput(packet []byte, now time.Time) {
	if len(packet) == 0 {
		return
	}
	var dst netip.Addr
	switch packet[0] >> 4 {
	case 4:
		ip, err := wire.ParseIPv4(packet)
		if err != nil {
			return
		}
		dst = ip.Dst()
	case 6:
		ip, err := wire.ParseIPv6(packet)
		if err != nil {
			return
		}
		dst = ip.Dst()
	default:
		return
	}

	client, ok := o.tunnelToOwner[dst]
	if !ok {
		return
	}
	if err := o.pool.Encapsulate(client, packet, now); err != nil {
		return
	}
	o.drainPoolTransmits()
}

// drainPoolEvents forwards decrypted client packets through the access
// filter and routes connection-lifecycle events nowhere (the host's
// concern for status reporting, same as clientcore).
func (o *Orchestrator) drainPoolEvents(now time.Time) {
	for {
		ev, ok := o.pool.PollEvent()
		if !ok {
			return
		}
		if ev.Kind == pool.EventReceivedPacket {
			o.filterClientPacket(ev.ID, ev.Packet, now)
		}
	}
}

// filterClientPacket implements §4.11's three-part admission check: source
// equals the client's own tunnel address, destination matches a resource
// this client holds a grant for, and the grant's filter chain admits the
// protocol/port. Anything failing is dropped and counted against its
// source address.
func (o *Orchestrator) filterClientPacket(client ids.ClientID, packet []byte, now time.Time) {
	if len(packet) == 0 {
		return
	}

	var src, dst netip.Addr
	var proto uint8
	var l4 []byte
	switch packet[0] >> 4 {
	case 4:
		ip, err := wire.ParseIPv4(packet)
		if err != nil {
			return
		}
		src, dst, proto, l4 = ip.Src(), ip.Dst(), ip.Protocol(), ip.Payload()
	case 6:
		ip, err := wire.ParseIPv6(packet)
		if err != nil {
			return
		}
		src, dst, proto, l4 = ip.Src(), ip.Dst(), ip.NextHeader(), ip.Payload()
	default:
		return
	}

	match, ok := o.resources.Lookup(dst)
	if !ok {
		o.reject(src)
		return
	}
	grant, ok := o.grants[grantKey{client: client, resource: match.Resource}]
	if !ok {
		o.reject(src)
		return
	}
	if !now.Before(grant.ExpiresAt) {
		o.reject(src)
		return
	}
	if grant.ClientTunnelIP.IsValid() && src != grant.ClientTunnelIP {
		o.reject(src)
		return
	}
	if !filtersAdmit(grant.Filters, proto, l4) {
		o.reject(src)
		return
	}

	delete(o.violations, src)
	o.outResource = append(o.outResource, packet)
}

func filtersAdmit(filters []Filter, proto uint8, l4 []byte) bool {
	if len(filters) == 0 {
		return true
	}
	port, ok := destPort(proto, l4)
	if !ok {
		return false
	}
	for _, f := range filters {
		if f.admits(proto, port) {
			return true
		}
	}
	return false
}

func destPort(proto uint8, l4 []byte) (uint16, bool) {
	switch proto {
	case wire.ProtoUDP:
		udp, err := wire.ParseUDP(l4)
		if err != nil {
			return 0, false
		}
		return udp.DstPort(), true
	case wire.ProtoTCP:
		tcp, err := wire.ParseTCP(l4)
		if err != nil {
			return 0, false
		}
		return tcp.DstPort(), true
	default:
		return 0, false
	}
}

func (o *Orchestrator) reject(src netip.Addr) {
	o.violations[src]++
	if o.violations[src]%violationThreshold == 0 {
		o.events = append(o.events, Event{Kind: EventNotAllowedResource, Src: src})
	}
}

// HandleTimeout advances the pool, returning its next deadline (§4.6's
// poll_timeout contract). It also removes expired grants from the grant
// table; filterClientPacket rejects a packet against an expired grant
// whether or not the sweep has run yet.
func (o *Orchestrator) HandleTimeout(now time.Time) (time.Time, bool) {
	for key, grant := range o.grants {
		if !now.Before(grant.ExpiresAt) {
			delete(o.grants, key)
		}
	}

	next, ok := o.pool.HandleTimeout(now)
	o.drainPoolTransmits()
	o.drainPoolEvents(now)
	return next, ok
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

// PollResourceOutput drains one packet the host must write onto the local
// network (the OS routes and, per internal/tunnel.NATManager, masquerades
// it from there — this orchestrator only decides admission, not egress).
func (o *Orchestrator) PollResourceOutput() ([]byte, bool) {
	if len(o.outResource) == 0 {
		return nil, false
	}
	p := o.outResource[0]
	o.outResource = o.outResource[1:]
	return p, true
}

// PollTransmit drains one datagram the host must send to a client.
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

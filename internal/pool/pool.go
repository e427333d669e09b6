// Package pool implements the connection pool / node of §4.6: a single
// mutable owner of every peer connection and TURN allocation for one
// endpoint, keyed by a caller-supplied identifier type. It is generalized
// from internal/agent/agent.go's goroutine-driven peer map into a
// poll/advance state machine the host drives explicitly, matching the
// rest of the engine's sans-io discipline.
package pool

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/noise"
	"github.com/kuuji/zerogate/internal/peerconn"
	"github.com/kuuji/zerogate/internal/turnclient"
	"github.com/kuuji/zerogate/internal/wire"
)

// Transmit is an outbound datagram the host must send.
type Transmit struct {
	From    netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// EventKind discriminates events the pool emits, fanned out from its peer
// connections and TURN allocations.
type EventKind int

const (
	EventSignalIceCandidate EventKind = iota
	EventConnectionFailed
	EventHandshakeComplete
	EventReceivedPacket
	EventAllocationUpdated
)

// Event is a single poll-able outcome, tagged with the connection id it
// originated from where applicable (allocation events carry a RelayID
// instead, in AllocationID).
type Event[T any] struct {
	ID         T
	Kind       EventKind
	Candidate  ice.Candidate
	Packet     []byte
	AllocationID ids.RelayID
	Allocation turnclient.Event
}

// Stats accumulates pool-wide counters exposed by the host's status
// surface.
type Stats struct {
	UnknownPackets uint64
}

// Pool owns every peer connection and TURN allocation for one endpoint.
// T is the caller id type the connections are keyed by (e.g. ids.GatewayID
// on a client node, ids.ClientID on a gateway node).
type Pool[T comparable] struct {
	localStatic config.Key

	connections map[T]*peerconn.Connection

	byReceiverIndex map[uint32]T
	byRemoteAddr    map[netip.AddrPort]T
	byRemoteStatic  map[config.Key]T

	allocations     map[ids.RelayID]*turnclient.Client
	allocServerAddr map[netip.AddrPort]ids.RelayID
	connAllocations map[T]map[ids.RelayID]struct{}

	out    []Transmit
	events []Event[T]
	stats  Stats
}

// New creates an empty pool for a node whose own static WireGuard key is
// localStatic: every incoming handshake initiation is decrypted against
// this single key regardless of which connection it ultimately belongs to,
// matching real WireGuard's one-interface-key, many-peers model.
func New[T comparable](localStatic config.Key) *Pool[T] {
	return &Pool[T]{
		localStatic:     localStatic,
		connections:     make(map[T]*peerconn.Connection),
		byReceiverIndex: make(map[uint32]T),
		byRemoteAddr:    make(map[netip.AddrPort]T),
		byRemoteStatic:  make(map[config.Key]T),
		allocations:     make(map[ids.RelayID]*turnclient.Client),
		allocServerAddr: make(map[netip.AddrPort]ids.RelayID),
		connAllocations: make(map[T]map[ids.RelayID]struct{}),
	}
}

// Upsert reconfigures or creates the connection for id, per §4.5's
// upsert_connection contract.
func (p *Pool[T]) Upsert(id T, controlling bool, remoteStatic config.Key, psk [32]byte, localCreds, remoteCreds ice.Credentials, now time.Time) {
	existing := p.connections[id]
	conn := peerconn.Upsert(existing, controlling, p.localStatic, remoteStatic, psk, localCreds, remoteCreds, now)
	p.connections[id] = conn
	p.byRemoteStatic[remoteStatic] = id
}

// Remove tears down a connection and every index entry pointing at it,
// cancelling its pending ICE checks and WireGuard session synchronously;
// no further events for id are emitted after this call (§4.6).
func (p *Pool[T]) Remove(id T) {
	conn, ok := p.connections[id]
	if !ok {
		return
	}
	delete(p.connections, id)
	delete(p.byRemoteStatic, conn.RemoteStaticKey())
	for addr, owner := range p.byRemoteAddr {
		if owner == id {
			delete(p.byRemoteAddr, addr)
		}
	}
	for idx, owner := range p.byReceiverIndex {
		if owner == id {
			delete(p.byReceiverIndex, idx)
		}
	}
	for relay := range p.connAllocations[id] {
		delete(p.allocations, relay)
		for addr, r := range p.allocServerAddr {
			if r == relay {
				delete(p.allocServerAddr, addr)
			}
		}
	}
	delete(p.connAllocations, id)
	kept := p.events[:0]
	for _, ev := range p.events {
		if ev.Kind == EventAllocationUpdated || ev.ID != id {
			kept = append(kept, ev)
		}
	}
	p.events = kept
}

// AddLocalCandidate forwards a gathered candidate to the named connection's
// ICE agent.
func (p *Pool[T]) AddLocalCandidate(id T, cand ice.Candidate) {
	conn, ok := p.connections[id]
	if !ok {
		return
	}
	conn.AddLocalCandidate(cand)
	p.drainConnection(id, conn)
}

// AddRemoteCandidate forwards a signalled candidate to the named
// connection's ICE agent and indexes it for inbound STUN demultiplexing.
func (p *Pool[T]) AddRemoteCandidate(id T, cand ice.Candidate, now time.Time) {
	conn, ok := p.connections[id]
	if !ok {
		return
	}
	conn.AddRemoteCandidate(cand, now)
	p.byRemoteAddr[cand.Addr] = id
	p.drainConnection(id, conn)
}

// AddAllocation registers a TURN allocation client as belonging to
// connection id, under relay. The pool is the sole owner of the client;
// the connection holds only a reference by RelayID (§4.3's ownership
// rule), so Remove tears the allocation down with its owning connection.
func (p *Pool[T]) AddAllocation(id T, relay ids.RelayID, client *turnclient.Client) {
	p.allocations[relay] = client
	p.allocServerAddr[client.Server()] = relay
	if p.connAllocations[id] == nil {
		p.connAllocations[id] = make(map[ids.RelayID]struct{})
	}
	p.connAllocations[id][relay] = struct{}{}
	p.drainAllocation(relay, client)
}

// Encapsulate encrypts an outbound IP packet for the named connection and
// queues it for transmission.
func (p *Pool[T]) Encapsulate(id T, plaintext []byte, now time.Time) error {
	conn, ok := p.connections[id]
	if !ok {
		return peerconn.ErrNotConnected
	}
	tx, err := conn.Encapsulate(plaintext, now)
	if err != nil {
		return err
	}
	p.out = append(p.out, Transmit{From: tx.From, Dst: tx.Dst, Payload: tx.Payload})
	return nil
}

// HandleDatagram demultiplexes one inbound UDP datagram per §4.6's
// decision order: channel-data/Data-indication from a live allocation is
// unwrapped and recursed on; STUN is dispatched by the remote address that
// owns it; a WireGuard message is routed by receiver index, or by
// decrypting against this node's own static key for a fresh handshake
// initiation. Anything else is dropped and counted.
func (p *Pool[T]) HandleDatagram(from, local netip.AddrPort, data []byte, now time.Time) {
	if relay, ok := p.allocServerAddr[from]; ok {
		client := p.allocations[relay]
		if peer, inner, ok := client.HandleIncomingData(data, now); ok {
			p.drainAllocation(relay, client)
			p.HandleDatagram(peer, local, inner, now)
			return
		}
		if client.HandleMessage(data, now) {
			p.drainAllocation(relay, client)
			return
		}
		p.stats.UnknownPackets++
		return
	}

	if wire.IsStun(data) {
		if id, ok := p.byRemoteAddr[from]; ok {
			conn := p.connections[id]
			if conn.HandleStunMessage(from, data, now) {
				p.drainConnection(id, conn)
				return
			}
		}
		p.stats.UnknownPackets++
		return
	}

	if len(data) < 1 {
		p.stats.UnknownPackets++
		return
	}

	switch data[0] {
	case noise.MessageInitiationType:
		p.routeInitiation(data, now)
	case noise.MessageResponseType:
		p.routeByReceiverIndex(data, 8, now)
	case noise.MessageTransportType:
		p.routeByReceiverIndex(data, 4, now)
	default:
		p.stats.UnknownPackets++
	}
}

func (p *Pool[T]) routeInitiation(data []byte, now time.Time) {
	msg, err := noise.ParseInitiation(data)
	if err != nil {
		p.stats.UnknownPackets++
		return
	}
	_, remoteStatic, _, err := noise.ConsumeInitiation(p.localStatic, msg)
	if err != nil {
		p.stats.UnknownPackets++
		return
	}
	id, ok := p.byRemoteStatic[remoteStatic]
	if !ok {
		p.stats.UnknownPackets++
		return
	}
	conn := p.connections[id]
	if _, err := conn.HandleNoiseMessage(data, now); err != nil {
		p.stats.UnknownPackets++
		return
	}
	p.drainConnection(id, conn)
}

func (p *Pool[T]) routeByReceiverIndex(data []byte, offset int, now time.Time) {
	if len(data) < offset+4 {
		p.stats.UnknownPackets++
		return
	}
	idx := binary.LittleEndian.Uint32(data[offset : offset+4])
	id, ok := p.byReceiverIndex[idx]
	if !ok {
		p.stats.UnknownPackets++
		return
	}
	conn := p.connections[id]
	pt, err := conn.HandleNoiseMessage(data, now)
	if err != nil {
		p.stats.UnknownPackets++
		return
	}
	if pt != nil {
		p.events = append(p.events, Event[T]{ID: id, Kind: EventReceivedPacket, Packet: pt})
	}
	p.drainConnection(id, conn)
}

// HandleTimeout advances every connection and allocation, returning the
// minimum of their reported deadlines (§4.6: the pool never sleeps past
// it).
func (p *Pool[T]) HandleTimeout(now time.Time) (time.Time, bool) {
	var next time.Time
	haveNext := false
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !haveNext || t.Before(next) {
			next, haveNext = t, true
		}
	}

	for id, conn := range p.connections {
		if d, ok := conn.HandleTimeout(now); ok {
			consider(d)
		}
		p.drainConnection(id, conn)
	}
	for relay, client := range p.allocations {
		if d, ok := client.HandleTimeout(now); ok {
			consider(d)
		}
		p.drainAllocation(relay, client)
	}
	return next, haveNext
}

func (p *Pool[T]) drainConnection(id T, conn *peerconn.Connection) {
	for {
		tx, ok := conn.PollTransmit()
		if !ok {
			break
		}
		p.out = append(p.out, Transmit{From: tx.From, Dst: tx.Dst, Payload: tx.Payload})
	}
	for {
		ev, ok := conn.PollEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case peerconn.EventSignalIceCandidate:
			p.events = append(p.events, Event[T]{ID: id, Kind: EventSignalIceCandidate, Candidate: ev.Candidate})
		case peerconn.EventConnectionFailed:
			p.events = append(p.events, Event[T]{ID: id, Kind: EventConnectionFailed})
		case peerconn.EventHandshakeComplete:
			p.events = append(p.events, Event[T]{ID: id, Kind: EventHandshakeComplete})
		}
	}
	p.resyncIndex(id, conn)
}

func (p *Pool[T]) drainAllocation(relay ids.RelayID, client *turnclient.Client) {
	for {
		tx, ok := client.PollTransmit()
		if !ok {
			break
		}
		p.out = append(p.out, Transmit{Dst: tx.Dst, Payload: tx.Payload})
	}
	for {
		ev, ok := client.PollEvent()
		if !ok {
			break
		}
		p.events = append(p.events, Event[T]{Kind: EventAllocationUpdated, AllocationID: relay, Allocation: ev})
	}
}

// resyncIndex keeps byReceiverIndex current for a connection that may have
// just completed a handshake or sent a fresh initiation on its own
// initiative (ICE nomination, rekey): entries are only ever added, never
// evicted here, since Remove already scrubs every index pointing at a torn
// down connection.
func (p *Pool[T]) resyncIndex(id T, conn *peerconn.Connection) {
	if idx, ok := conn.WireGuardReceiverIndex(); ok {
		p.byReceiverIndex[idx] = id
		return
	}
	if idx, ok := conn.PendingHandshakeIndex(); ok {
		p.byReceiverIndex[idx] = id
	}
}

func (p *Pool[T]) PollTransmit() (Transmit, bool) {
	if len(p.out) == 0 {
		return Transmit{}, false
	}
	t := p.out[0]
	p.out = p.out[1:]
	return t, true
}

func (p *Pool[T]) PollEvent() (Event[T], bool) {
	if len(p.events) == 0 {
		return Event[T]{}, false
	}
	e := p.events[0]
	p.events = p.events[1:]
	return e, true
}

// StatsSnapshot returns the pool's counters, including unknown_packets
// (§4.6).
func (p *Pool[T]) StatsSnapshot() Stats { return p.stats }

// Connected reports whether the named connection has a live WireGuard
// session.
func (p *Pool[T]) Connected(id T) bool {
	conn, ok := p.connections[id]
	return ok && conn.Connected()
}

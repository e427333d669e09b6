// Package peerconn implements the per-peer connection object of §4.5: an
// ICE agent, a native WireGuard noise session, and the selected-transport
// pointer, all driven by the same poll/advance discipline. It is
// generalized from internal/bridge/bridge.go's pattern of adapting a
// non-socket transport (there, a WebRTC DataChannel) to the
// golang.zx2c4.com/wireguard conn.Bind/conn.Endpoint interfaces — here the
// transport is this engine's own shared UDP queues instead of a
// DataChannel, and the cryptography is internal/noise instead of
// wireguard-go's device.Device, but the adaptation shape is the same.
package peerconn

import (
	"errors"
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/noise"
	"github.com/kuuji/zerogate/internal/wire"
)

const (
	rekeyAfter     = 120 * time.Second
	rejectAfter    = 180 * time.Second
	keepaliveEvery = 10 * time.Second
)

var ErrNotConnected = errors.New("peerconn: no selected transport")

// EventKind discriminates events this connection emits.
type EventKind int

const (
	EventSignalIceCandidate EventKind = iota
	EventConnectionFailed
	EventHandshakeComplete
)

// Event is a single poll-able outcome.
type Event struct {
	Kind      EventKind
	Candidate ice.Candidate
}

// Transmit is an outbound datagram, tagged with which shared socket to
// send it from (a peer connection may have candidates on more than one
// local socket, e.g. IPv4 and IPv6).
type Transmit struct {
	From    netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Connection is one upserted peer connection (§4.5): Client is always the
// handshake initiator, Gateway is always the responder, matching ICE's own
// controlling/controlled split.
type Connection struct {
	isInitiator  bool
	localStatic  config.Key
	remoteStatic config.Key
	presharedKey [32]byte

	agent *ice.Agent

	pendingInitiator *noise.HandshakeState // set while awaiting a type-2 response
	session          *noise.Session

	lastHandshakeSent time.Time
	lastRecv          time.Time
	nextKeepalive     time.Time

	out    []Transmit
	events []Event
}

// Upsert reconfigures a connection in place, matching §4.5's
// upsert_connection contract: idempotent if credentials are unchanged; a
// change in the remote ICE credentials forces a fresh ICE agent (the
// peer's own state having reset is the signal an implicit restart
// responds to).
func Upsert(existing *Connection, controlling bool, localStatic, remoteStatic config.Key, psk [32]byte, localCreds, remoteCreds ice.Credentials, now time.Time) *Connection {
	if existing == nil {
		c := &Connection{
			isInitiator:  controlling,
			localStatic:  localStatic,
			remoteStatic: remoteStatic,
			presharedKey: psk,
			agent:        ice.New(controlling, localCreds),
		}
		c.agent.SetRemoteCredentials(remoteCreds)
		return c
	}
	credsChanged := existing.agent.RemoteCredentials() != remoteCreds
	existing.remoteStatic = remoteStatic
	existing.presharedKey = psk
	existing.agent.SetRemoteCredentials(remoteCreds)
	if credsChanged {
		existing.agent.Restart(now)
		existing.session = nil
		existing.pendingInitiator = nil
	}
	return existing
}

// AddLocalCandidate forwards to the underlying ICE agent and mirrors its
// emitted signalling events.
func (c *Connection) AddLocalCandidate(cand ice.Candidate) {
	c.agent.AddLocalCandidate(cand)
	c.drainAgentEvents(time.Now())
}

// AddRemoteCandidate forwards to the underlying ICE agent.
func (c *Connection) AddRemoteCandidate(cand ice.Candidate, now time.Time) {
	c.agent.AddRemoteCandidate(cand, now)
	c.drainAgentEvents(now)
}

// HandleStunMessage forwards an inbound STUN datagram (identified by the
// pool's demultiplexer, §4.6) to the ICE agent and queues any response it
// produces for transmission.
func (c *Connection) HandleStunMessage(from netip.AddrPort, data []byte, now time.Time) bool {
	accepted, resp := c.agent.HandleStunMessage(from, data, now)
	if resp != nil {
		c.out = append(c.out, Transmit{From: resp.From, Dst: resp.Dst, Payload: resp.Payload})
	}
	c.drainAgentEvents(now)
	return accepted
}

func (c *Connection) drainAgentEvents(now time.Time) {
	for {
		ev, ok := c.agent.PollEvent()
		if !ok {
			return
		}
		switch ev.Kind {
		case ice.EventNewLocalCandidate:
			c.events = append(c.events, Event{Kind: EventSignalIceCandidate, Candidate: ev.Candidate})
		case ice.EventConnected:
			if c.isInitiator {
				c.sendInitiation(now)
			}
		case ice.EventConnectionFailed, ice.EventRestarted:
			c.session = nil
			c.pendingInitiator = nil
			if ev.Kind == ice.EventConnectionFailed {
				c.events = append(c.events, Event{Kind: EventConnectionFailed})
			}
		}
	}
}

func (c *Connection) sendInitiation(now time.Time) {
	local, remote, ok := c.agent.SelectedPair()
	if !ok {
		return
	}
	hs, msg, err := noise.CreateInitiation(c.localStatic, c.remoteStatic, c.presharedKey, now)
	if err != nil {
		return
	}
	c.pendingInitiator = hs
	c.lastHandshakeSent = now
	c.out = append(c.out, Transmit{From: local.Base, Dst: remote.Addr, Payload: noise.MarshalInitiation(msg)})
}

// HandleNoiseMessage dispatches a received WireGuard message by its type
// octet (data[0]): handshake initiation (responder side), handshake
// response (initiator side), or transport data.
func (c *Connection) HandleNoiseMessage(data []byte, now time.Time) ([]byte, error) {
	if len(data) < 1 {
		return nil, noise.ErrHandshakeInvalid
	}
	switch data[0] {
	case noise.MessageInitiationType:
		return nil, c.handleInitiation(data, now)
	case noise.MessageResponseType:
		return nil, c.handleResponse(data, now)
	case noise.MessageTransportType:
		pt, err := c.Decapsulate(data, now)
		return pt, err
	default:
		return nil, noise.ErrHandshakeInvalid
	}
}

func (c *Connection) handleInitiation(data []byte, now time.Time) error {
	msg, err := noise.ParseInitiation(data)
	if err != nil {
		return err
	}
	hs, remoteStatic, _, err := noise.ConsumeInitiation(c.localStatic, msg)
	if err != nil {
		return err
	}
	if remoteStatic != c.remoteStatic {
		return noise.ErrHandshakeInvalid
	}
	respMsg, err := hs.CreateResponse(c.presharedKey)
	if err != nil {
		return err
	}
	c.session = noise.NewSession(hs)
	c.lastRecv = now
	c.nextKeepalive = now.Add(keepaliveEvery)

	local, remote, ok := c.agent.SelectedPair()
	if !ok {
		return nil
	}
	c.out = append(c.out, Transmit{From: local.Base, Dst: remote.Addr, Payload: noise.MarshalResponse(respMsg)})
	c.events = append(c.events, Event{Kind: EventHandshakeComplete})
	return nil
}

func (c *Connection) handleResponse(data []byte, now time.Time) error {
	if c.pendingInitiator == nil {
		return noise.ErrHandshakeState
	}
	msg, err := noise.ParseResponse(data)
	if err != nil {
		return err
	}
	if err := c.pendingInitiator.ConsumeResponse(msg); err != nil {
		return err
	}
	c.session = noise.NewSession(c.pendingInitiator)
	c.pendingInitiator = nil
	c.lastRecv = now
	c.nextKeepalive = now.Add(keepaliveEvery)
	c.events = append(c.events, Event{Kind: EventHandshakeComplete})
	return nil
}

// Encapsulate encrypts an outbound IP packet for transmission over the
// currently selected transport. Returns ErrNotConnected if the handshake
// has not completed or no pair has been nominated.
func (c *Connection) Encapsulate(plaintext []byte, now time.Time) (Transmit, error) {
	if c.session == nil {
		return Transmit{}, ErrNotConnected
	}
	local, remote, ok := c.agent.SelectedPair()
	if !ok {
		return Transmit{}, ErrNotConnected
	}
	ciphertext, err := c.session.Encapsulate(plaintext)
	if err != nil {
		return Transmit{}, err
	}
	c.nextKeepalive = now.Add(keepaliveEvery)
	return Transmit{From: local.Base, Dst: remote.Addr, Payload: ciphertext}, nil
}

// Decapsulate processes an inbound WireGuard transport datagram.
func (c *Connection) Decapsulate(data []byte, now time.Time) ([]byte, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	pt, err := c.session.Decapsulate(data)
	if err != nil {
		return nil, err
	}
	c.lastRecv = now
	return pt, nil
}

// HandleControlPacket recognizes and answers the private in-band control
// protocol's keepalive probe (§4.1/§6), used to keep NAT bindings warm
// without waiting on actual IP traffic.
func (c *Connection) HandleControlPacket(pkt wire.IPv6Packet) (reply []byte, handled bool) {
	event, ok := wire.ParseControlPacket(pkt)
	if !ok || event != wire.ControlEventKeepaliveProbe {
		return nil, false
	}
	return wire.BuildControlPacket(wire.ControlEventKeepaliveAck), true
}

// HandleTimeout advances the ICE agent and the WireGuard rekey/reject/
// keepalive timers (§4.5: rekey after 120s, reject after 180s, keepalive
// every 10s), returning the next deadline this connection cares about.
func (c *Connection) HandleTimeout(now time.Time) (time.Time, bool) {
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

	if d, ok := c.agent.HandleTimeout(now); ok {
		consider(d)
	}
	c.drainAgentEvents(now)

	if c.session == nil {
		return next, haveNext
	}

	if !c.lastRecv.IsZero() && now.Sub(c.lastRecv) > rejectAfter {
		c.session = nil
		c.pendingInitiator = nil
		c.agent.NotifyPairFailure(now)
		c.events = append(c.events, Event{Kind: EventConnectionFailed})
		return next, haveNext
	}

	if c.isInitiator && c.pendingInitiator == nil && !now.Before(c.lastHandshakeSent.Add(rekeyAfter)) {
		c.sendInitiation(now)
	}
	if !c.nextKeepalive.IsZero() && !now.Before(c.nextKeepalive) {
		if tx, err := c.Encapsulate(nil, now); err == nil {
			c.out = append(c.out, tx)
		}
	}
	consider(c.lastHandshakeSent.Add(rekeyAfter))
	consider(c.nextKeepalive)
	return next, haveNext
}

func (c *Connection) PollTransmit() (Transmit, bool) {
	for {
		tx, ok := c.agent.PollTransmit()
		if !ok {
			break
		}
		c.out = append(c.out, Transmit{From: tx.From, Dst: tx.Dst, Payload: tx.Payload})
	}
	if len(c.out) == 0 {
		return Transmit{}, false
	}
	t := c.out[0]
	c.out = c.out[1:]
	return t, true
}

func (c *Connection) PollEvent() (Event, bool) {
	if len(c.events) == 0 {
		return Event{}, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}

// Connected reports whether a WireGuard session has completed handshake.
func (c *Connection) Connected() bool { return c.session != nil }

// WireGuardReceiverIndex returns this connection's locally assigned
// receiver index once a session exists, for the connection pool's
// secondary index (§4.6).
func (c *Connection) WireGuardReceiverIndex() (uint32, bool) {
	if c.session == nil {
		return 0, false
	}
	return c.session.LocalIndex(), true
}

// PendingHandshakeIndex returns the local index claimed by an in-flight
// initiation this connection is awaiting a response to, letting the pool
// route that response before a transport session exists.
func (c *Connection) PendingHandshakeIndex() (uint32, bool) {
	if c.pendingInitiator == nil {
		return 0, false
	}
	return c.pendingInitiator.LocalIndex(), true
}

// RemoteStaticKey returns the peer's configured static public key, for the
// pool's by-identity index used to route a fresh handshake initiation that
// has not yet produced a receiver index.
func (c *Connection) RemoteStaticKey() config.Key { return c.remoteStatic }

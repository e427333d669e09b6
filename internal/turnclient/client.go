// Package turnclient implements the TURN allocation client of §4.3: the
// long-term credential flow, lifetime refresh, and channel binding subset
// of RFC 5766 + RFC 8656 needed for peer-to-peer relaying. Credential
// derivation follows internal/relay's server-side scheme exactly, since
// both sides must agree on the HMAC-SHA1 long-term key.
package turnclient

import (
	"crypto/rand"
	"errors"
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/wire"
)

// Errors surfaced to the ICE agent (§4.3).
var (
	ErrNoTurnServers      = errors.New("turnclient: no TURN servers configured")
	ErrAllocationMismatch = errors.New("turnclient: relayed address family mismatch")
	ErrAllocationFailed   = errors.New("turnclient: allocation failed")
)

const (
	defaultLifetime    = 600 * time.Second
	channelRebindEvery = 9 * time.Minute
	channelUseThresh   = 3 // switch to channel-bind after this many sends to a peer
	channelBase        = uint16(0x4000)
	channelMax         = uint16(0x4FFF)
)

// Transmit is an outbound datagram the host must send to the TURN server.
type Transmit struct {
	Dst     netip.AddrPort
	Payload []byte
}

// EventKind discriminates client events.
type EventKind int

const (
	EventAllocated EventKind = iota
	EventAllocationFailed
	EventChannelBound
)

// Event is a single poll-able outcome.
type Event struct {
	Kind      EventKind
	Family    uint8 // wire.FamilyIPv4 / wire.FamilyIPv6
	Relayed   netip.AddrPort
	Peer      netip.AddrPort
	ChannelNo uint16
	Err       error
}

// Stats accumulates byte counters the caller exposes as
// ConnectionStats.stun_bytes_to_peer_relayed / NodeStats.stun_bytes_to_relays.
type Stats struct {
	BytesToPeerRelayed uint64
	BytesToRelay       uint64
}

type allocState int

const (
	stateIdle allocState = iota
	stateRequestedUnauth
	stateRequestedAuth
	stateAllocated
	stateFailed
)

// peerChannel tracks a single peer socket's channel-binding state.
type peerChannel struct {
	peer         netip.AddrPort
	useCount     int
	channelNo    uint16
	bound        bool
	nextRebind   time.Time
	pendingBind  bool
	bindTxID     [12]byte
}

// Client drives one TURN allocation against one server for one address
// family. A dual-stack peer connection owns two Clients (see C5).
type Client struct {
	server   netip.AddrPort
	username string
	password string
	realm    string
	nonce    string
	staleNonceRetried bool

	family   uint8
	state    allocState
	txID     [12]byte

	relayed          netip.AddrPort
	lifetimeDeadline time.Time
	lifetimeGranted  time.Duration
	refreshTxID      [12]byte
	refreshPending   bool

	nextChannelNo uint16
	channels      map[netip.AddrPort]*peerChannel

	out    []Transmit
	events []Event
	stats  Stats
}

// New creates a TURN client for one server/family pair and immediately
// emits the first (unauthenticated) Allocate request.
func New(server netip.AddrPort, username, password string, family uint8, now time.Time) *Client {
	c := &Client{
		server:        server,
		username:      username,
		password:      password,
		family:        family,
		nextChannelNo: channelBase,
		channels:      make(map[netip.AddrPort]*peerChannel),
	}
	c.sendAllocate(nil, now)
	return c
}

func (c *Client) sendAllocate(authKey []byte, now time.Time) {
	_ = now
	c.txID = newTransactionID()
	b := wire.NewStunBuilder(wire.MethodAllocate, wire.ClassRequest, c.txID).
		AddRequestedTransport(17).
		AddRequestedAddressFamily(c.family)

	c.state = stateRequestedUnauth
	if authKey != nil {
		b.AddUsername(c.username).AddRealm(c.realm).AddNonce(c.nonce)
		c.state = stateRequestedAuth
	}
	payload := b.Build(authKey)

	c.out = append(c.out, Transmit{Dst: c.server, Payload: payload})
	c.stats.BytesToRelay += uint64(len(payload))
}

func newTransactionID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}

// HandleMessage processes a STUN/TURN message received from the server.
// Returns false if the message was not recognized as belonging to this
// client's outstanding transaction.
func (c *Client) HandleMessage(data []byte, now time.Time) bool {
	msg, err := wire.ParseStun(data)
	if err != nil {
		return false
	}

	switch {
	case msg.Method == wire.MethodAllocate && msg.TransactionID == c.txID:
		return c.handleAllocateResponse(msg, now)
	case msg.Method == wire.MethodRefresh && msg.TransactionID == c.refreshTxID:
		return c.handleRefreshResponse(msg, now)
	case msg.Method == wire.MethodChannelBind:
		return c.handleChannelBindResponse(msg, now)
	}
	return false
}

func (c *Client) handleAllocateResponse(msg wire.StunMessage, now time.Time) bool {
	if msg.Class == wire.ClassErrorResponse {
		code := errorCode(msg)
		switch code {
		case 401:
			c.realm = msg.GetRealm()
			c.nonce = msg.GetNonce()
			authKey := wire.DeriveAuthKey(c.username, c.realm, c.password)
			c.sendAllocate(authKey, now)
			return true
		case 438:
			if c.staleNonceRetried {
				c.fail(errors.New("turnclient: repeated stale nonce"))
				return true
			}
			c.staleNonceRetried = true
			c.nonce = msg.GetNonce()
			authKey := wire.DeriveAuthKey(c.username, c.realm, c.password)
			c.sendAllocate(authKey, now)
			return true
		default:
			c.fail(ErrAllocationFailed)
			return true
		}
	}

	relayed, ok := msg.GetXORRelayedAddress()
	if !ok {
		c.fail(ErrAllocationFailed)
		return true
	}
	gotFamily := wire.FamilyIPv4
	if relayed.Addr.Is6() {
		gotFamily = wire.FamilyIPv6
	}
	if uint8(gotFamily) != c.family {
		c.fail(ErrAllocationMismatch)
		return true
	}

	lifetime := msg.GetLifetime()
	if lifetime == 0 {
		lifetime = uint32(defaultLifetime.Seconds())
	}
	c.relayed = netip.AddrPortFrom(relayed.Addr, relayed.Port)
	c.lifetimeGranted = time.Duration(lifetime) * time.Second
	c.lifetimeDeadline = now.Add(c.lifetimeGranted)
	c.state = stateAllocated

	c.events = append(c.events, Event{Kind: EventAllocated, Family: c.family, Relayed: c.relayed})
	return true
}

func (c *Client) handleRefreshResponse(msg wire.StunMessage, now time.Time) bool {
	c.refreshPending = false
	if msg.Class == wire.ClassErrorResponse {
		c.fail(ErrAllocationFailed)
		return true
	}
	lifetime := msg.GetLifetime()
	if lifetime == 0 {
		lifetime = uint32(defaultLifetime.Seconds())
	}
	c.lifetimeGranted = time.Duration(lifetime) * time.Second
	c.lifetimeDeadline = now.Add(c.lifetimeGranted)
	return true
}

func (c *Client) handleChannelBindResponse(msg wire.StunMessage, now time.Time) bool {
	for _, pc := range c.channels {
		if pc.pendingBind && pc.bindTxID == msg.TransactionID {
			pc.pendingBind = false
			if msg.Class == wire.ClassSuccessResponse {
				pc.bound = true
				pc.nextRebind = now.Add(channelRebindEvery)
				c.events = append(c.events, Event{
					Kind:      EventChannelBound,
					ChannelNo: pc.channelNo,
					Peer:      pc.peer,
				})
			}
			return true
		}
	}
	return false
}

func errorCode(msg wire.StunMessage) int {
	v := msg.GetAttr(wire.AttrErrorCode)
	if v == nil || len(v) < 4 {
		return 0
	}
	return int(v[2])*100 + int(v[3])
}

func (c *Client) fail(err error) {
	c.state = stateFailed
	c.events = append(c.events, Event{Kind: EventAllocationFailed, Err: err})
}

// IsAllocated reports whether this client currently owns a live allocation.
func (c *Client) IsAllocated() bool { return c.state == stateAllocated }

// RelayedAddress returns the allocated relay address, valid only when
// IsAllocated is true.
func (c *Client) RelayedAddress() netip.AddrPort { return c.relayed }

// SendToPeer relays payload to peer, using channel-data if a binding is
// active, otherwise a Send indication. It tracks per-peer use count so the
// channel-bind threshold (3 uses) can trigger automatically.
func (c *Client) SendToPeer(peer netip.AddrPort, payload []byte, now time.Time) {
	pc, ok := c.channels[peer]
	if !ok {
		pc = &peerChannel{peer: peer}
		c.channels[peer] = pc
	}
	pc.useCount++

	if pc.bound {
		frame := wire.BuildChannelData(pc.channelNo, payload)
		c.out = append(c.out, Transmit{Dst: c.server, Payload: frame})
		c.stats.BytesToPeerRelayed += uint64(len(payload))
		return
	}

	if pc.useCount >= channelUseThresh && !pc.pendingBind {
		c.requestChannelBind(pc, now)
	}

	txID := newTransactionID()
	b := wire.NewStunBuilder(wire.MethodSend, wire.ClassIndication, txID).
		AddXORAddress(wire.AttrXORPeerAddress, peer.Addr(), peer.Port()).
		AddData(payload)
	msg := b.BuildNoFingerprint(nil)
	c.out = append(c.out, Transmit{Dst: c.server, Payload: msg})
	c.stats.BytesToPeerRelayed += uint64(len(payload))
}

// requestChannelBind allocates the next available channel number (wrapping
// detection: if the counter would exceed channelMax it resets to
// channelBase, skipping numbers still in use) and sends CHANNEL-BIND.
func (c *Client) requestChannelBind(pc *peerChannel, now time.Time) {
	authKey := wire.DeriveAuthKey(c.username, c.realm, c.password)

	num := c.nextChannelNo
	for used := true; used; {
		used = false
		for _, other := range c.channels {
			if other.bound && other.channelNo == num {
				used = true
				num++
				if num > channelMax {
					num = channelBase
				}
				break
			}
		}
	}
	c.nextChannelNo = num + 1
	if c.nextChannelNo > channelMax {
		c.nextChannelNo = channelBase
	}

	pc.channelNo = num
	pc.pendingBind = true
	pc.bindTxID = newTransactionID()

	b := wire.NewStunBuilder(wire.MethodChannelBind, wire.ClassRequest, pc.bindTxID).
		AddChannelNumber(num).
		AddXORAddress(wire.AttrXORPeerAddress, pc.peer.Addr(), pc.peer.Port()).
		AddUsername(c.username).AddRealm(c.realm).AddNonce(c.nonce)
	c.out = append(c.out, Transmit{Dst: c.server, Payload: b.Build(authKey)})
}

// HandleTimeout advances refresh and channel-rebind schedules, returning
// the next deadline this client cares about.
func (c *Client) HandleTimeout(now time.Time) (time.Time, bool) {
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

	if c.state == stateAllocated {
		refreshAt := c.lifetimeDeadline.Add(-c.lifetimeGranted / 2)
		if !c.refreshPending && !now.Before(refreshAt) {
			c.sendRefresh(now)
		}
		if !c.refreshPending {
			consider(refreshAt)
		}
		consider(c.lifetimeDeadline)
	}

	for _, pc := range c.channels {
		if pc.bound && !now.Before(pc.nextRebind) {
			c.requestChannelBind(pc, now)
		}
		consider(pc.nextRebind)
	}
	return next, haveNext
}

func (c *Client) sendRefresh(now time.Time) {
	authKey := wire.DeriveAuthKey(c.username, c.realm, c.password)
	c.refreshTxID = newTransactionID()
	lifetime := uint32(defaultLifetime.Seconds())
	b := wire.NewStunBuilder(wire.MethodRefresh, wire.ClassRequest, c.refreshTxID).
		AddLifetime(lifetime).
		AddUsername(c.username).AddRealm(c.realm).AddNonce(c.nonce)
	c.out = append(c.out, Transmit{Dst: c.server, Payload: b.Build(authKey)})
	c.refreshPending = true
	_ = now
}

// Server returns the TURN server address this client allocates against,
// used by the connection pool (§4.6) to recognize which datagrams arrived
// from a live allocation.
func (c *Client) Server() netip.AddrPort { return c.server }

// HandleIncomingData recognizes a datagram relayed by the TURN server as
// either bound channel-data or an unbound Data indication, and returns the
// original peer address plus the inner payload. It does not handle
// allocation/refresh/channel-bind responses; callers should fall back to
// HandleMessage when ok is false.
func (c *Client) HandleIncomingData(data []byte, now time.Time) (peer netip.AddrPort, payload []byte, ok bool) {
	_ = now
	if wire.IsChannelData(data) {
		cd, err := wire.ParseChannelData(data)
		if err != nil {
			return netip.AddrPort{}, nil, false
		}
		for _, pc := range c.channels {
			if pc.channelNo == cd.ChannelNumber {
				c.stats.BytesToPeerRelayed += uint64(len(cd.Data))
				return pc.peer, cd.Data, true
			}
		}
		return netip.AddrPort{}, nil, false
	}

	msg, err := wire.ParseStun(data)
	if err != nil || msg.Method != wire.MethodData || msg.Class != wire.ClassIndication {
		return netip.AddrPort{}, nil, false
	}
	xorPeer, ok := msg.GetXORPeerAddress()
	if !ok {
		return netip.AddrPort{}, nil, false
	}
	inner := msg.GetData()
	if inner == nil {
		return netip.AddrPort{}, nil, false
	}
	c.stats.BytesToPeerRelayed += uint64(len(inner))
	return netip.AddrPortFrom(xorPeer.Addr, xorPeer.Port), inner, true
}

func (c *Client) PollTransmit() (Transmit, bool) {
	if len(c.out) == 0 {
		return Transmit{}, false
	}
	t := c.out[0]
	c.out = c.out[1:]
	return t, true
}

func (c *Client) PollEvent() (Event, bool) {
	if len(c.events) == 0 {
		return Event{}, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}

func (c *Client) StatsSnapshot() Stats { return c.stats }

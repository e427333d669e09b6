// Package relay implements the TURN allocation server of §4.7: a sans-io
// state machine restricted to UDP peer transport. The host owns every
// socket; Server only decides what to allocate, permit, bind, and forward,
// handing datagrams back as Transmit values for the host to send. Grounded
// on worker/turn.go's allocation/permission/channel-binding state machine
// and internal/turn/credentials.go's long-term credential derivation,
// generalized from a single Cloudflare Worker connection's map to a
// multi-client, multi-port relay.
package relay

import (
	"crypto/rand"
	"encoding/hex"
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/wire"
)

const (
	defaultLifetime    = 600 * time.Second
	maxLifetime        = 3600 * time.Second
	permissionLifetime = 5 * time.Minute
	channelLifetime    = 10 * time.Minute
	channelGrace       = 5 * time.Minute
	channelBase        = uint16(0x4000)
	channelMax         = uint16(0x7FFF)
)

// Transmit is an outbound datagram the host must send. From identifies
// which local socket to send it from: either the control-plane listener
// (for STUN responses to the client) or a specific allocated relay port
// (for forwarding client traffic out to a peer).
type Transmit struct {
	From    netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// EventKind discriminates server events. EventBindRelayPort/
// EventUnbindRelayPort tell the host to open or close the actual UDP
// socket backing an allocation; everything arriving on a bound port must
// be fed to HandleRelayedDatagram.
type EventKind int

const (
	EventBindRelayPort EventKind = iota
	EventUnbindRelayPort
	EventAllocationExpired
)

// Event is a single poll-able outcome.
type Event struct {
	Kind   EventKind
	Client netip.AddrPort
	Port   uint16
	Host   netip.Addr // local address to bind/unbind Port on, set for
	                   // EventBindRelayPort/EventUnbindRelayPort
}

// Stats accumulates counters exposed by the control surface (§6 /healthz).
type Stats struct {
	BytesRelayed      uint64
	ActiveAllocations uint64
	UnknownPackets    uint64
}

// OffloadHook lets a host install a kernel/XDP fast path that rewrites
// channel-data packets for a bound channel without crossing back into
// userspace. The server must behave correctly with a no-op hook; the hook
// only changes where bytes get forwarded, never whether they do.
type OffloadHook interface {
	AddChannelBinding(client, peer netip.AddrPort, channel uint16, relayedPort uint16)
	RemoveChannelBinding(client netip.AddrPort, channel uint16)
}

type noopOffload struct{}

func (noopOffload) AddChannelBinding(netip.AddrPort, netip.AddrPort, uint16, uint16) {}
func (noopOffload) RemoveChannelBinding(netip.AddrPort, uint16)                      {}

type channelBinding struct {
	number     uint16
	peer       netip.AddrPort
	expiresAt  time.Time
	graceUntil time.Time // zero while still within expiresAt; set once it lapses
}

type allocation struct {
	family      uint8
	relayedPort uint16
	authKey     []byte
	nonce       string
	expiresAt   time.Time

	permissions map[netip.Addr]time.Time // peer address -> permission expiry
	channels    map[uint16]*channelBinding
	byPeer      map[netip.AddrPort]uint16
}

// Server is one relay node's allocation table. It holds no opinion about
// which interface addresses it owns beyond relayHostV4/relayHostV6, which
// are reported back to clients in XOR-RELAYED-ADDRESS.
type Server struct {
	listen      netip.AddrPort
	relayHostV4 netip.Addr
	relayHostV6 netip.Addr
	portLo      uint16
	portHi      uint16
	secret      []byte
	realm       string

	allocations map[netip.AddrPort]*allocation
	portOwner   map[uint16]netip.AddrPort
	nextPort    uint16

	offload OffloadHook

	out    []Transmit
	events []Event
	stats  Stats
}

// NewServer creates a relay listening for control-plane STUN/TURN traffic
// on listen, handing out relayed ports in [portLo, portHi] on relayHostV4/
// relayHostV6 (either may be the zero Addr if that family isn't offered).
func NewServer(listen netip.AddrPort, relayHostV4, relayHostV6 netip.Addr, portLo, portHi uint16, secret []byte, realm string) *Server {
	return &Server{
		listen:      listen,
		relayHostV4: relayHostV4,
		relayHostV6: relayHostV6,
		portLo:      portLo,
		portHi:      portHi,
		nextPort:    portLo,
		secret:      secret,
		realm:       realm,
		allocations: make(map[netip.AddrPort]*allocation),
		portOwner:   make(map[uint16]netip.AddrPort),
		offload:     noopOffload{},
	}
}

// SetOffloadHook installs a kernel-offload hook; passing nil restores the
// no-op default.
func (s *Server) SetOffloadHook(h OffloadHook) {
	if h == nil {
		h = noopOffload{}
	}
	s.offload = h
}

func generateNonce() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func errorResponse(msg wire.StunMessage, code int, reason string, authKey []byte) []byte {
	return wire.NewStunResponse(&msg, wire.ClassErrorResponse).
		AddErrorCode(code, reason).
		Build(authKey)
}

func unauthorizedResponse(msg wire.StunMessage, realm, nonce string) []byte {
	return wire.NewStunResponse(&msg, wire.ClassErrorResponse).
		AddErrorCode(401, "Unauthorized").
		AddRealm(realm).
		AddNonce(nonce).
		Build(nil)
}

func staleNonceResponse(msg wire.StunMessage, realm, nonce string) []byte {
	return wire.NewStunResponse(&msg, wire.ClassErrorResponse).
		AddErrorCode(438, "Stale Nonce").
		AddRealm(realm).
		AddNonce(nonce).
		Build(nil)
}

// HandleClientMessage processes a STUN/TURN message arriving on the
// control-plane socket from a client identified by its 5-tuple (from).
func (s *Server) HandleClientMessage(from netip.AddrPort, data []byte, now time.Time) {
	msg, err := wire.ParseStun(data)
	if err != nil {
		s.stats.UnknownPackets++
		return
	}

	switch msg.Method {
	case wire.MethodBinding:
		s.handleBinding(from, msg)
	case wire.MethodAllocate:
		s.handleAllocate(from, msg, data, now)
	case wire.MethodRefresh:
		s.handleRefresh(from, msg, data, now)
	case wire.MethodCreatePermission:
		s.handleCreatePermission(from, msg, data, now)
	case wire.MethodChannelBind:
		s.handleChannelBind(from, msg, data, now)
	case wire.MethodSend:
		s.handleSend(from, msg, now)
	default:
		s.stats.UnknownPackets++
	}
}

func (s *Server) handleBinding(from netip.AddrPort, msg wire.StunMessage) {
	resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORMappedAddress, from.Addr(), from.Port()).
		Build(nil)
	s.send(s.listen, from, resp)
}

// authenticate runs the long-term credential dance shared by every
// non-Binding request: an unauthenticated request is rejected with 401 +
// fresh nonce; an expired or malformed username gets the same treatment;
// a well-formed one is checked against MESSAGE-INTEGRITY computed from the
// recomputed password for the current or immediately prior rotation
// bucket (438 Stale Nonce on mismatch, matching worker/turn.go's
// treatment of a bad integrity check as a nonce problem rather than a
// flat rejection, since the client's only recourse is to retry with the
// fresh nonce this response carries). Returns the derived auth key on
// success.
func (s *Server) authenticate(from netip.AddrPort, msg wire.StunMessage, rawData []byte, now time.Time) (authKey []byte, ok bool) {
	alloc := s.allocations[from]
	refreshNonce := func() string {
		nonce := generateNonce()
		if alloc != nil {
			alloc.nonce = nonce
		}
		return nonce
	}

	username := msg.GetUsername()
	if username == "" {
		s.send(s.listen, from, unauthorizedResponse(msg, s.realm, refreshNonce()))
		return nil, false
	}

	expiry, _, valid := splitUsername(username)
	if !valid || now.Unix() > expiry+int64(skewTolerance.Seconds()) {
		s.send(s.listen, from, unauthorizedResponse(msg, s.realm, refreshNonce()))
		return nil, false
	}

	current := dayBucket(now)
	for _, bucket := range [2]int64{current, current - 1} {
		password := computePassword(s.secret, username, bucket)
		key := wire.DeriveAuthKey(username, s.realm, password)
		if wire.CheckStunIntegrity(rawData, key) == nil {
			return key, true
		}
	}

	s.send(s.listen, from, staleNonceResponse(msg, s.realm, refreshNonce()))
	return nil, false
}

// splitUsername parses the "<expiry_unix>:<salt>" username format.
func splitUsername(username string) (expiry int64, salt string, ok bool) {
	for i := 0; i < len(username); i++ {
		if username[i] != ':' {
			continue
		}
		e, err := parseUnixSeconds(username[:i])
		if err != nil {
			return 0, "", false
		}
		return e, username[i+1:], true
	}
	return 0, "", false
}

func parseUnixSeconds(s string) (int64, error) {
	if s == "" {
		return 0, wire.ErrMalformed
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, wire.ErrMalformed
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

func (s *Server) send(from, dst netip.AddrPort, payload []byte) {
	s.out = append(s.out, Transmit{From: from, Dst: dst, Payload: payload})
}

func (s *Server) relayHostFor(family uint8) (netip.Addr, bool) {
	switch family {
	case wire.FamilyIPv6:
		return s.relayHostV6, s.relayHostV6.IsValid()
	default:
		return s.relayHostV4, s.relayHostV4.IsValid()
	}
}

// pickPort finds the next free relay port, wrapping around the configured
// range. Returns false if every port in the range is already owned.
func (s *Server) pickPort() (uint16, bool) {
	start := s.nextPort
	for {
		port := s.nextPort
		if _, taken := s.portOwner[port]; !taken {
			s.nextPort++
			if s.nextPort > s.portHi || s.nextPort < s.portLo {
				s.nextPort = s.portLo
			}
			return port, true
		}
		s.nextPort++
		if s.nextPort > s.portHi || s.nextPort < s.portLo {
			s.nextPort = s.portLo
		}
		if s.nextPort == start {
			return 0, false
		}
	}
}

func (s *Server) handleAllocate(from netip.AddrPort, msg wire.StunMessage, rawData []byte, now time.Time) {
	if existing := s.allocations[from]; existing != nil && existing.authKey != nil {
		key, ok := s.authenticate(from, msg, rawData, now)
		if !ok {
			return
		}
		s.send(s.listen, from, errorResponse(msg, 437, "Allocation Mismatch", key))
		return
	}

	key, ok := s.authenticate(from, msg, rawData, now)
	if !ok {
		return
	}

	family := msg.GetRequestedAddressFamily()
	if family == 0 {
		family = wire.FamilyIPv4
	}
	host, has := s.relayHostFor(family)
	if !has {
		s.send(s.listen, from, errorResponse(msg, 440, "Address Family not Supported", key))
		return
	}

	port, ok := s.pickPort()
	if !ok {
		s.send(s.listen, from, errorResponse(msg, 508, "Insufficient Capacity", key))
		return
	}

	alloc := &allocation{
		family:      family,
		relayedPort: port,
		authKey:     key,
		expiresAt:   now.Add(defaultLifetime),
		permissions: make(map[netip.Addr]time.Time),
		channels:    make(map[uint16]*channelBinding),
		byPeer:      make(map[netip.AddrPort]uint16),
	}
	s.allocations[from] = alloc
	s.portOwner[port] = from
	s.stats.ActiveAllocations++

	relayed := netip.AddrPortFrom(host, port)
	s.events = append(s.events, Event{Kind: EventBindRelayPort, Client: from, Port: port, Host: host})

	resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORRelayedAddress, relayed.Addr(), relayed.Port()).
		AddXORAddress(wire.AttrXORMappedAddress, from.Addr(), from.Port()).
		AddLifetime(uint32(defaultLifetime.Seconds())).
		Build(key)
	s.send(s.listen, from, resp)
}

func (s *Server) handleRefresh(from netip.AddrPort, msg wire.StunMessage, rawData []byte, now time.Time) {
	alloc := s.allocations[from]
	if alloc == nil || alloc.authKey == nil {
		s.send(s.listen, from, errorResponse(msg, 437, "Allocation Mismatch", nil))
		return
	}

	if err := wire.CheckStunIntegrity(rawData, alloc.authKey); err != nil {
		nonce := generateNonce()
		alloc.nonce = nonce
		s.send(s.listen, from, staleNonceResponse(msg, s.realm, nonce))
		return
	}

	requested := time.Duration(msg.GetLifetime()) * time.Second
	if requested == 0 {
		s.removeAllocation(from)
		resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).
			AddLifetime(0).
			Build(alloc.authKey)
		s.send(s.listen, from, resp)
		return
	}
	if requested > maxLifetime {
		requested = maxLifetime
	}
	alloc.expiresAt = now.Add(requested)

	resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).
		AddLifetime(uint32(requested.Seconds())).
		Build(alloc.authKey)
	s.send(s.listen, from, resp)
}

func (s *Server) handleCreatePermission(from netip.AddrPort, msg wire.StunMessage, rawData []byte, now time.Time) {
	alloc := s.allocations[from]
	if alloc == nil || alloc.authKey == nil {
		s.send(s.listen, from, errorResponse(msg, 437, "Allocation Mismatch", nil))
		return
	}
	if err := wire.CheckStunIntegrity(rawData, alloc.authKey); err != nil {
		nonce := generateNonce()
		alloc.nonce = nonce
		s.send(s.listen, from, staleNonceResponse(msg, s.realm, nonce))
		return
	}

	for _, addr := range msg.GetXORPeerAddresses() {
		alloc.permissions[addr.Addr] = now.Add(permissionLifetime)
	}

	resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).Build(alloc.authKey)
	s.send(s.listen, from, resp)
}

func (s *Server) handleChannelBind(from netip.AddrPort, msg wire.StunMessage, rawData []byte, now time.Time) {
	alloc := s.allocations[from]
	if alloc == nil || alloc.authKey == nil {
		s.send(s.listen, from, errorResponse(msg, 437, "Allocation Mismatch", nil))
		return
	}
	if err := wire.CheckStunIntegrity(rawData, alloc.authKey); err != nil {
		nonce := generateNonce()
		alloc.nonce = nonce
		s.send(s.listen, from, staleNonceResponse(msg, s.realm, nonce))
		return
	}

	num := msg.GetChannelNumber()
	if num < channelBase || num > channelMax {
		s.send(s.listen, from, errorResponse(msg, 400, "Bad Request", alloc.authKey))
		return
	}
	peerAddr, ok := msg.GetXORPeerAddress()
	if !ok {
		s.send(s.listen, from, errorResponse(msg, 400, "Bad Request", alloc.authKey))
		return
	}
	peer := netip.AddrPortFrom(peerAddr.Addr, peerAddr.Port)

	// A rebind of the same (channel, peer) pair is always fine (refresh); a
	// channel number bound to a different peer is only reusable once its
	// post-expiry grace window has fully elapsed (§4.7).
	if existing, bound := alloc.channels[num]; bound && existing.peer != peer {
		if existing.graceUntil.IsZero() || now.Before(existing.graceUntil) {
			s.send(s.listen, from, errorResponse(msg, 400, "Bad Request", alloc.authKey))
			return
		}
		delete(alloc.byPeer, existing.peer)
		s.offload.RemoveChannelBinding(from, num)
	}
	if existingNum, bound := alloc.byPeer[peer]; bound && existingNum != num {
		s.send(s.listen, from, errorResponse(msg, 400, "Bad Request", alloc.authKey))
		return
	}

	alloc.channels[num] = &channelBinding{number: num, peer: peer, expiresAt: now.Add(channelLifetime)}
	alloc.byPeer[peer] = num
	alloc.permissions[peer.Addr()] = now.Add(permissionLifetime)
	s.offload.AddChannelBinding(from, peer, num, alloc.relayedPort)

	resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).Build(alloc.authKey)
	s.send(s.listen, from, resp)
}

// handleSend relays a Send indication's payload to the peer, subject to an
// active permission. Indications get no response either way.
func (s *Server) handleSend(from netip.AddrPort, msg wire.StunMessage, now time.Time) {
	alloc := s.allocations[from]
	if alloc == nil || alloc.authKey == nil {
		return
	}
	peerAddr, ok := msg.GetXORPeerAddress()
	if !ok {
		return
	}
	data := msg.GetData()
	if data == nil {
		return
	}
	if !s.hasPermission(alloc, peerAddr.Addr, now) {
		return
	}

	peer := netip.AddrPortFrom(peerAddr.Addr, peerAddr.Port)
	host, _ := s.relayHostFor(alloc.family)
	s.send(netip.AddrPortFrom(host, alloc.relayedPort), peer, data)
	s.stats.BytesRelayed += uint64(len(data))
}

// HandleRelayedDatagram processes a datagram the host received on one of
// the relay ports it was told to bind (EventBindRelayPort), forwarding it
// to the owning client as channel-data or a Data indication depending on
// whether the sending peer has a live channel binding.
func (s *Server) HandleRelayedDatagram(relayedPort uint16, peer netip.AddrPort, data []byte, now time.Time) {
	clientAddr, ok := s.portOwner[relayedPort]
	if !ok {
		s.stats.UnknownPackets++
		return
	}
	alloc := s.allocations[clientAddr]
	if alloc == nil {
		s.stats.UnknownPackets++
		return
	}
	if !s.hasPermission(alloc, peer.Addr(), now) {
		s.stats.UnknownPackets++
		return
	}

	if num, bound := alloc.byPeer[peer]; bound {
		if binding := alloc.channels[num]; binding != nil && (binding.graceUntil.IsZero() || now.Before(binding.graceUntil)) {
			frame := wire.BuildChannelData(num, data)
			s.send(s.listen, clientAddr, frame)
			s.stats.BytesRelayed += uint64(len(data))
			return
		}
	}

	txID := [12]byte{}
	ind := wire.NewStunBuilder(wire.MethodData, wire.ClassIndication, txID).
		AddXORAddress(wire.AttrXORPeerAddress, peer.Addr(), peer.Port()).
		AddData(data).
		BuildNoFingerprint(nil)
	s.send(s.listen, clientAddr, ind)
	s.stats.BytesRelayed += uint64(len(data))
}

func (s *Server) hasPermission(alloc *allocation, peer netip.Addr, now time.Time) bool {
	expiry, ok := alloc.permissions[peer]
	return ok && now.Before(expiry)
}

func (s *Server) removeAllocation(client netip.AddrPort) {
	alloc := s.allocations[client]
	if alloc == nil {
		return
	}
	for num := range alloc.channels {
		s.offload.RemoveChannelBinding(client, num)
	}
	delete(s.portOwner, alloc.relayedPort)
	delete(s.allocations, client)
	s.stats.ActiveAllocations--
	host, _ := s.relayHostFor(alloc.family)
	s.events = append(s.events, Event{Kind: EventUnbindRelayPort, Client: client, Port: alloc.relayedPort, Host: host})
}

// HandleTimeout expires allocations past their lifetime and channel
// bindings past their post-expiry grace window, returning the minimum
// deadline across everything still live.
func (s *Server) HandleTimeout(now time.Time) (time.Time, bool) {
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

	for client, alloc := range s.allocations {
		if !now.Before(alloc.expiresAt) {
			s.events = append(s.events, Event{Kind: EventAllocationExpired, Client: client})
			s.removeAllocation(client)
			continue
		}
		consider(alloc.expiresAt)

		for num, binding := range alloc.channels {
			switch {
			case binding.graceUntil.IsZero() && !now.Before(binding.expiresAt):
				binding.graceUntil = now.Add(channelGrace)
				consider(binding.graceUntil)
			case !binding.graceUntil.IsZero() && !now.Before(binding.graceUntil):
				delete(alloc.byPeer, binding.peer)
				delete(alloc.channels, num)
				s.offload.RemoveChannelBinding(client, num)
			default:
				if binding.graceUntil.IsZero() {
					consider(binding.expiresAt)
				} else {
					consider(binding.graceUntil)
				}
			}
		}
		for peer, expiry := range alloc.permissions {
			if !now.Before(expiry) {
				delete(alloc.permissions, peer)
				continue
			}
			consider(expiry)
		}
	}
	return next, haveNext
}

func (s *Server) PollTransmit() (Transmit, bool) {
	if len(s.out) == 0 {
		return Transmit{}, false
	}
	t := s.out[0]
	s.out = s.out[1:]
	return t, true
}

func (s *Server) PollEvent() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, true
}

// StatsSnapshot returns the relay's counters.
func (s *Server) StatsSnapshot() Stats { return s.stats }

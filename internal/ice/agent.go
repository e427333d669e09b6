// Package ice implements the connectivity-establishment agent of §4.4: a
// reduced RFC 8445 state machine driven entirely by poll/advance, with no
// goroutines of its own. The Client role is always controlling and the
// Gateway role is always controlled (§4.4); both run the same code with
// the role flag flipped.
//
// There is no teacher equivalent for this component — the donor codebase
// delegates connectivity establishment to a third-party WebRTC stack. The
// state names and check logic below follow RFC 8445 directly, styled
// after the poll/advance shape used throughout this package tree.
package ice

import (
	"crypto/rand"
	"encoding/base64"
	"net/netip"
	"sort"
	"time"

	"github.com/kuuji/zerogate/internal/wire"
)

// CandidateKind tags the three candidate types §3 distinguishes.
type CandidateKind int

const (
	CandidateHost CandidateKind = iota
	CandidateServerReflexive
	CandidateRelayed
)

// Candidate is an ICE transport address, equal by structural value (§3).
type Candidate struct {
	Kind CandidateKind
	Addr netip.AddrPort
	Base netip.AddrPort
}

func (c Candidate) typePreference() uint32 {
	switch c.Kind {
	case CandidateHost:
		return 126
	case CandidateServerReflexive:
		return 100
	default:
		return 0
	}
}

// priority computes the RFC 8445 §5.1.2 candidate priority with a fixed
// component id of 1 (this engine has exactly one component per pair).
func (c Candidate) priority() uint32 {
	const componentID = 1
	return (c.typePreference() << 24) | (uint32(65535) << 8) | uint32(256-componentID)
}

func (c Candidate) equal(o Candidate) bool {
	return c.Kind == o.Kind && c.Addr == o.Addr && c.Base == o.Base
}

// Credentials is an ICE ufrag/password pair (§4.4, carried as
// ice_parameters in the signalling contract of §6).
type Credentials struct {
	Ufrag string
	Pwd   string
}

// NewCredentials generates a fresh random ufrag/password pair, used both
// on first gathering and on ICE restart.
func NewCredentials() Credentials {
	return Credentials{Ufrag: randToken(8), Pwd: randToken(24)}
}

func randToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)[:n]
}

// PairState mirrors the RFC 8445 candidate-pair check states (§3).
type PairState int

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
)

// pair is one local/remote candidate combination under check.
type pair struct {
	local, remote Candidate
	state         PairState
	priority      uint64
	rtt           time.Duration
	txID          [12]byte
	sentAt        time.Time
	nominated     bool
}

func pairPriority(controllingPri, controlledPri uint32, isControlling bool) uint64 {
	g, d := controllingPri, controlledPri
	if !isControlling {
		g, d = controlledPri, controllingPri
	}
	min64, max64 := uint64(g), uint64(d)
	if min64 > max64 {
		min64, max64 = max64, min64
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return (min64 << 32) + 2*max64 + extra
}

// EventKind discriminates events emitted by an Agent.
type EventKind int

const (
	EventNewLocalCandidate EventKind = iota
	EventConnected
	EventConnectionFailed
	EventRestarted
)

// Event is a single poll-able outcome.
type Event struct {
	Kind      EventKind
	Candidate Candidate // valid for EventNewLocalCandidate
	Selected  Candidate // valid for EventConnected, the winning remote candidate
	Local     Candidate // valid for EventConnected
}

// Transmit is a STUN connectivity-check datagram the host must send from
// the given local socket (identified by its base address, since this
// engine's sockets are shared — there is no per-candidate dialed socket).
type Transmit struct {
	From    netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

const (
	checkRetryInterval = 500 * time.Millisecond
	handshakeTimeout   = 10 * time.Second
	nominationWindow   = 1.5 // RTT multiplier for aggressive nomination
	maxConsecutiveFail = 3
)

type agentState int

const (
	stateGathering agentState = iota
	stateChecking
	stateConnected
	stateFailed
)

// Agent runs one peer connection's connectivity establishment.
type Agent struct {
	controlling bool

	localCreds  Credentials
	remoteCreds Credentials

	localCandidates  []Candidate
	remoteCandidates []Candidate
	pairs            []*pair

	nominated      *pair
	bestRTT        time.Duration
	firstExchange  time.Time
	haveFirstExch  bool
	consecutiveFailures int
	state          agentState

	out    []Transmit
	events []Event
}

// New creates an agent for one peer connection. controlling must be true
// for the Client role and false for the Gateway role (§4.4).
func New(controlling bool, localCreds Credentials) *Agent {
	return &Agent{controlling: controlling, localCreds: localCreds, state: stateGathering}
}

// SetRemoteCredentials installs the remote ufrag/password pair received
// via signalling. Changing it after candidates are already paired
// triggers an implicit restart via upsert_connection's caller-level logic
// (peerconn handles that comparison); this package only stores the value.
func (a *Agent) SetRemoteCredentials(c Credentials) { a.remoteCreds = c }

// RemoteCredentials returns the currently configured remote ufrag/pwd, so
// callers reconfiguring a connection in place (§4.5's upsert_connection)
// can detect a credential change and trigger a restart.
func (a *Agent) RemoteCredentials() Credentials { return a.remoteCreds }

// AddLocalCandidate registers a newly gathered local candidate (host from
// a configured socket, server-reflexive from C2, relayed from C3) and
// emits it for signalling to the remote peer.
func (a *Agent) AddLocalCandidate(c Candidate) {
	for _, existing := range a.localCandidates {
		if existing.equal(c) {
			return
		}
	}
	a.localCandidates = append(a.localCandidates, c)
	a.events = append(a.events, Event{Kind: EventNewLocalCandidate, Candidate: c})
	for _, r := range a.remoteCandidates {
		a.addPair(c, r)
	}
}

// AddRemoteCandidate registers a candidate received from the remote peer
// via signalling and pairs it against every known local candidate.
func (a *Agent) AddRemoteCandidate(c Candidate, now time.Time) {
	for _, existing := range a.remoteCandidates {
		if existing.equal(c) {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	if !a.haveFirstExch {
		a.firstExchange = now
		a.haveFirstExch = true
	}
	for _, l := range a.localCandidates {
		a.addPair(l, c)
	}
	a.state = stateChecking
}

func (a *Agent) addPair(l, r Candidate) {
	for _, p := range a.pairs {
		if p.local.equal(l) && p.remote.equal(r) {
			return
		}
	}
	pri := pairPriority(l.priority(), r.priority(), a.controlling)
	a.pairs = append(a.pairs, &pair{local: l, remote: r, state: PairWaiting, priority: pri})
	sort.Slice(a.pairs, func(i, j int) bool { return a.pairs[i].priority > a.pairs[j].priority })
}

// HandleTimeout drives connectivity checks, the 10s handshake timeout, and
// restart-on-failure bookkeeping. Returns the next deadline this agent
// cares about.
func (a *Agent) HandleTimeout(now time.Time) (time.Time, bool) {
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

	if a.haveFirstExch && a.state != stateConnected && a.state != stateFailed {
		deadline := a.firstExchange.Add(handshakeTimeout)
		if !now.Before(deadline) {
			a.state = stateFailed
			a.events = append(a.events, Event{Kind: EventConnectionFailed})
			return next, haveNext
		}
		consider(deadline)
	}

	for _, p := range a.pairs {
		switch p.state {
		case PairWaiting:
			a.sendCheck(p, now)
			consider(now.Add(checkRetryInterval))
		case PairInProgress:
			if !now.Before(p.sentAt.Add(checkRetryInterval)) {
				a.sendCheck(p, now)
			}
			consider(p.sentAt.Add(checkRetryInterval))
		}
	}
	return next, haveNext
}

func (a *Agent) sendCheck(p *pair, now time.Time) {
	p.state = PairInProgress
	p.sentAt = now
	p.txID = newTransactionID()

	// Short-term credential mechanism (RFC 5389 §15.4): the MESSAGE-INTEGRITY
	// key is the remote peer's password as-is, no realm/MD5 involved.
	username := a.remoteCreds.Ufrag + ":" + a.localCreds.Ufrag
	authKey := []byte(a.remoteCreds.Pwd)
	b := wire.NewStunBuilder(wire.MethodBinding, wire.ClassRequest, p.txID).
		AddUsername(username)
	if a.controlling {
		// Aggressive nomination: every check from the controlling side
		// carries USE-CANDIDATE so the controlled side nominates as soon
		// as any check it receives succeeds.
		b.AddUseCandidate()
	}
	payload := b.Build(authKey)
	a.out = append(a.out, Transmit{From: p.local.Base, Dst: p.remote.Addr, Payload: payload})
}

func newTransactionID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}

// HandleStunMessage processes a connectivity-check response (or an
// incoming request from the remote peer, which is answered directly).
// Returns false if the message does not belong to this agent.
func (a *Agent) HandleStunMessage(from netip.AddrPort, data []byte, now time.Time) (bool, *Transmit) {
	msg, err := wire.ParseStun(data)
	if err != nil || msg.Method != wire.MethodBinding {
		return false, nil
	}

	if msg.Class == wire.ClassRequest {
		return a.handleIncomingCheck(from, msg)
	}

	for _, p := range a.pairs {
		if p.txID == msg.TransactionID && p.remote.Addr == from {
			a.handleCheckResponse(p, now)
			return true, nil
		}
	}
	return false, nil
}

func (a *Agent) handleIncomingCheck(from netip.AddrPort, msg wire.StunMessage) (bool, *Transmit) {
	var matched *pair
	for _, p := range a.pairs {
		if p.remote.Addr == from {
			matched = p
			break
		}
	}
	if matched == nil {
		return false, nil
	}
	authKey := []byte(a.localCreds.Pwd)
	resp := wire.NewStunResponse(&msg, wire.ClassSuccessResponse).
		AddXORAddress(wire.AttrXORMappedAddress, from.Addr(), from.Port())
	payload := resp.Build(authKey)

	if !a.controlling && msg.HasUseCandidate() && matched.state != PairFailed {
		matched.state = PairSucceeded
		a.nominate(matched, time.Time{})
	}
	return true, &Transmit{From: matched.local.Base, Dst: from, Payload: payload}
}

func (a *Agent) handleCheckResponse(p *pair, now time.Time) {
	p.rtt = now.Sub(p.sentAt)
	p.state = PairSucceeded
	a.consecutiveFailures = 0

	if a.bestRTT == 0 || p.rtt < a.bestRTT {
		a.bestRTT = p.rtt
	}

	if !a.controlling {
		return // only the controlling side nominates (§4.4)
	}
	if a.nominated != nil && a.nominated.state == PairSucceeded {
		return // nomination is sticky until failure (§3)
	}
	threshold := time.Duration(float64(a.bestRTT) * nominationWindow)
	if p.rtt <= threshold || threshold == 0 {
		a.nominate(p, now)
	}
}

func (a *Agent) nominate(p *pair, now time.Time) {
	p.nominated = true
	a.nominated = p
	a.state = stateConnected
	a.events = append(a.events, Event{Kind: EventConnected, Selected: p.remote, Local: p.local})
	_ = now
}

// NotifyPairFailure records a failure of the currently nominated pair as
// observed by the caller (e.g. repeated keepalive loss on that transport).
// After three consecutive failures the agent restarts (§4.4).
func (a *Agent) NotifyPairFailure(now time.Time) {
	a.consecutiveFailures++
	if a.nominated != nil {
		a.nominated.state = PairFailed
	}
	a.nominated = nil
	a.state = stateChecking
	if a.consecutiveFailures >= maxConsecutiveFail {
		a.Restart(now)
	}
}

// Restart regenerates local credentials and clears all pair state,
// preserving gathered candidates so checks resume immediately. Triggered
// on explicit caller request or on repeated pair failure (§4.4).
func (a *Agent) Restart(now time.Time) {
	a.localCreds = NewCredentials()
	a.pairs = nil
	a.nominated = nil
	a.consecutiveFailures = 0
	a.bestRTT = 0
	a.haveFirstExch = false
	a.state = stateGathering
	a.events = append(a.events, Event{Kind: EventRestarted})

	remotes := a.remoteCandidates
	a.remoteCandidates = nil
	locals := a.localCandidates
	for _, l := range locals {
		a.events = append(a.events, Event{Kind: EventNewLocalCandidate, Candidate: l})
	}
	for _, r := range remotes {
		a.AddRemoteCandidate(r, now)
	}
}

// LocalCredentials returns the current local ufrag/password, to be
// signalled as ice_parameters (§6).
func (a *Agent) LocalCredentials() Credentials { return a.localCreds }

// Connected reports whether a pair is currently nominated.
func (a *Agent) Connected() bool { return a.state == stateConnected }

// SelectedPair returns the nominated local/remote candidate pair, valid
// only when Connected is true.
func (a *Agent) SelectedPair() (local, remote Candidate, ok bool) {
	if a.nominated == nil {
		return Candidate{}, Candidate{}, false
	}
	return a.nominated.local, a.nominated.remote, true
}

func (a *Agent) PollTransmit() (Transmit, bool) {
	if len(a.out) == 0 {
		return Transmit{}, false
	}
	t := a.out[0]
	a.out = a.out[1:]
	return t, true
}

func (a *Agent) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return Event{}, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}

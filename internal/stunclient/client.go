// Package stunclient implements the STUN binding client of §4.2: one
// outstanding Binding Request per configured STUN server, with
// retransmission, refresh scheduling, and server-reflexive candidate
// discovery. It follows the engine's poll/advance style — HandleResponse
// and HandleTimeout are the only entry points that mutate state;
// PollTransmit/PollEvent drain the results.
package stunclient

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/wire"
)

const (
	initialRTO    = 500 * time.Millisecond
	maxAttempts   = 7
	refreshCap    = 5 * time.Minute
	failureCapMax = time.Hour
)

// Transmit is an outbound datagram the host must send.
type Transmit struct {
	Dst     netip.AddrPort
	Payload []byte
}

// EventKind discriminates the events this client emits.
type EventKind int

const (
	EventNewServerReflexiveCandidate EventKind = iota
	EventStunServerUnreachable
)

// Event is a single poll-able outcome.
type Event struct {
	Kind   EventKind
	Server netip.AddrPort
	Mapped netip.AddrPort // valid for EventNewServerReflexiveCandidate
	Base   netip.AddrPort // valid for EventNewServerReflexiveCandidate
}

type serverState struct {
	server   netip.AddrPort
	base     netip.AddrPort
	txID     [12]byte
	attempt  int
	deadline time.Time

	lastMapped  netip.Addr
	lastPort    uint16
	haveMapped  bool
	failBackoff time.Duration
	nextBinding time.Time
}

// Client maintains STUN binding state for a fixed set of servers.
type Client struct {
	servers map[netip.AddrPort]*serverState
	out     []Transmit
	events  []Event
}

// New creates a client for the given STUN servers, all reached from the
// local base address (the engine's shared UDP socket's own address).
// Binding requests for every server are scheduled immediately.
func New(servers []netip.AddrPort, base netip.AddrPort, now time.Time) *Client {
	c := &Client{servers: make(map[netip.AddrPort]*serverState, len(servers))}
	for _, s := range servers {
		st := &serverState{server: s, base: base, nextBinding: now}
		st.txID = newTransactionID()
		c.servers[s] = st
		c.emitBindingRequest(st, now)
	}
	return c
}

func newTransactionID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}

func (c *Client) emitBindingRequest(st *serverState, now time.Time) {
	msg := wire.NewStunBuilder(wire.MethodBinding, wire.ClassRequest, st.txID).Build(nil)
	c.out = append(c.out, Transmit{Dst: st.server, Payload: msg})
	st.attempt++
	st.deadline = now.Add(rto(st.attempt))
}

// rto computes the retransmission timeout for the given attempt (1-based):
// initial 500ms, doubled per retry, jittered +/-10%.
func rto(attempt int) time.Duration {
	base := initialRTO
	if attempt > 1 {
		factor := math.Pow(2, float64(attempt-1))
		scaled := time.Duration(float64(initialRTO) * factor)
		if scaled > 0 {
			base = scaled
		}
	}
	return jitter(base, 0.10)
}

func jitter(d time.Duration, frac float64) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(2001))
	if err != nil {
		return d
	}
	// n in [0, 2000] maps to [-frac, +frac] of d.
	delta := (float64(n.Int64())/1000.0 - 1.0) * frac
	return d + time.Duration(float64(d)*delta)
}

// HandleTimeout advances every server's retransmission/refresh state up to
// now. It returns the next deadline across all servers, if any.
func (c *Client) HandleTimeout(now time.Time) (time.Time, bool) {
	var next time.Time
	haveNext := false

	for _, st := range c.servers {
		if !st.deadline.IsZero() && !now.Before(st.deadline) {
			c.onRetransmitDeadline(st, now)
		}
		if !st.nextBinding.IsZero() && !now.Before(st.nextBinding) && st.deadline.IsZero() {
			st.txID = newTransactionID()
			c.emitBindingRequest(st, now)
		}

		for _, d := range []time.Time{st.deadline, st.nextBinding} {
			if d.IsZero() {
				continue
			}
			if !haveNext || d.Before(next) {
				next, haveNext = d, true
			}
		}
	}
	return next, haveNext
}

func (c *Client) onRetransmitDeadline(st *serverState, now time.Time) {
	if st.attempt >= maxAttempts {
		c.events = append(c.events, Event{Kind: EventStunServerUnreachable, Server: st.server})
		st.deadline = time.Time{}
		if st.failBackoff == 0 {
			st.failBackoff = time.Second
		} else {
			st.failBackoff *= 2
			if st.failBackoff > failureCapMax {
				st.failBackoff = failureCapMax
			}
		}
		st.nextBinding = now.Add(st.failBackoff)
		st.attempt = 0
		return
	}
	c.emitBindingRequest(st, now)
}

// HandleResponse processes a STUN message received from a server. It
// returns false if the message is not a response this client is waiting
// for (wrong transaction id, wrong server, or not a Binding response).
func (c *Client) HandleResponse(from netip.AddrPort, data []byte, now time.Time) bool {
	st, ok := c.servers[from]
	if !ok {
		return false
	}
	msg, err := wire.ParseStun(data)
	if err != nil {
		return false
	}
	if msg.Method != wire.MethodBinding || msg.TransactionID != st.txID {
		return false
	}
	if msg.Class != wire.ClassSuccessResponse {
		return false
	}

	mapped, ok := msg.GetXORMappedAddress()
	if !ok {
		return false
	}

	st.deadline = time.Time{}
	st.attempt = 0
	st.failBackoff = 0

	isNew := !st.haveMapped || st.lastMapped != mapped.Addr || st.lastPort != mapped.Port
	st.lastMapped, st.lastPort, st.haveMapped = mapped.Addr, mapped.Port, true

	if isNew {
		c.events = append(c.events, Event{
			Kind:   EventNewServerReflexiveCandidate,
			Server: st.server,
			Mapped: netip.AddrPortFrom(mapped.Addr, mapped.Port),
			Base:   st.base,
		})
	}

	// Plain Binding responses carry no LIFETIME; refresh at the spec's cap.
	st.nextBinding = now.Add(refreshCap)
	return true
}

// PollTransmit drains one pending outbound datagram, if any.
func (c *Client) PollTransmit() (Transmit, bool) {
	if len(c.out) == 0 {
		return Transmit{}, false
	}
	t := c.out[0]
	c.out = c.out[1:]
	return t, true
}

// PollEvent drains one pending event, if any.
func (c *Client) PollEvent() (Event, bool) {
	if len(c.events) == 0 {
		return Event{}, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}

package peerconn

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/wire"
)

// pump exchanges every queued transmit between two connections until both
// sides stop producing output for a single pass, routing STUN datagrams to
// HandleStunMessage and anything else to HandleNoiseMessage, as the pool's
// demultiplexer (§4.6) would.
func pump(t *testing.T, a, b *Connection, aAddr, bAddr netip.AddrPort, now time.Time) {
	t.Helper()
	for {
		moved := false
		for {
			tx, ok := a.PollTransmit()
			if !ok {
				break
			}
			moved = true
			deliver(t, b, aAddr, tx.Payload, now)
		}
		for {
			tx, ok := b.PollTransmit()
			if !ok {
				break
			}
			moved = true
			deliver(t, a, bAddr, tx.Payload, now)
		}
		if !moved {
			return
		}
	}
}

func deliver(t *testing.T, to *Connection, from netip.AddrPort, payload []byte, now time.Time) {
	t.Helper()
	if wire.IsStun(payload) {
		to.HandleStunMessage(from, payload, now)
		return
	}
	if _, err := to.HandleNoiseMessage(payload, now); err != nil {
		t.Fatalf("HandleNoiseMessage: %v", err)
	}
}

func TestUpsertHandshakeAndTransportRoundTrip(t *testing.T) {
	t.Parallel()

	clientStatic, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	gatewayStatic, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	clientPub := config.PublicKey(clientStatic)
	gatewayPub := config.PublicKey(gatewayStatic)

	clientCreds := ice.NewCredentials()
	gatewayCreds := ice.NewCredentials()

	var psk [32]byte

	now := time.Now()
	client := Upsert(nil, true, clientStatic, gatewayPub, psk, clientCreds, gatewayCreds, now)
	gateway := Upsert(nil, false, gatewayStatic, clientPub, psk, gatewayCreds, clientCreds, now)

	clientAddr := netip.MustParseAddrPort("10.0.0.1:51820")
	gatewayAddr := netip.MustParseAddrPort("10.0.0.2:51820")

	client.AddLocalCandidate(ice.Candidate{Kind: ice.CandidateHost, Addr: clientAddr, Base: clientAddr})
	gateway.AddLocalCandidate(ice.Candidate{Kind: ice.CandidateHost, Addr: gatewayAddr, Base: gatewayAddr})
	client.AddRemoteCandidate(ice.Candidate{Kind: ice.CandidateHost, Addr: gatewayAddr, Base: gatewayAddr}, now)
	gateway.AddRemoteCandidate(ice.Candidate{Kind: ice.CandidateHost, Addr: clientAddr, Base: clientAddr}, now)

	deadline := now.Add(2 * time.Second)
	for step := now; step.Before(deadline); step = step.Add(10 * time.Millisecond) {
		client.HandleTimeout(step)
		gateway.HandleTimeout(step)
		pump(t, client, gateway, clientAddr, gatewayAddr, step)
		if client.Connected() && gateway.Connected() {
			break
		}
	}

	if !client.Connected() {
		t.Fatal("expected client to complete the noise handshake")
	}
	if !gateway.Connected() {
		t.Fatal("expected gateway to complete the noise handshake")
	}

	plaintext := []byte("hello through the tunnel")
	tx, err := client.Encapsulate(plaintext, deadline)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	got, err := gateway.Decapsulate(tx.Payload, deadline)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", got, plaintext)
	}

	if _, ok := client.WireGuardReceiverIndex(); !ok {
		t.Fatal("expected client to expose a receiver index once connected")
	}
	if _, ok := gateway.WireGuardReceiverIndex(); !ok {
		t.Fatal("expected gateway to expose a receiver index once connected")
	}
}

func TestHandleControlPacketAnswersKeepaliveProbe(t *testing.T) {
	t.Parallel()

	clientStatic, _ := config.GeneratePrivateKey()
	gatewayStatic, _ := config.GeneratePrivateKey()
	gatewayPub := config.PublicKey(gatewayStatic)
	var psk [32]byte

	client := Upsert(nil, true, clientStatic, gatewayPub, psk, ice.NewCredentials(), ice.NewCredentials(), time.Now())

	probe := wire.BuildControlPacket(wire.ControlEventKeepaliveProbe)
	pkt, err := wire.ParseIPv6(probe)
	if err != nil {
		t.Fatalf("ParseIPv6: %v", err)
	}
	reply, handled := client.HandleControlPacket(pkt)
	if !handled {
		t.Fatal("expected the keepalive probe to be recognized")
	}
	if len(reply) == 0 {
		t.Fatal("expected a non-empty keepalive ack")
	}
}

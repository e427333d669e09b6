package gatewaycore

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/wire"
	"github.com/kuuji/zerogate/pkg/protocol"
)

func TestClientCredentialsFromConnect_UsesOfferWhenPresent(t *testing.T) {
	client := ids.NewClientID()
	static, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	psk, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	msg := protocol.ConnectMessage{
		Peer:         client.String(),
		Offer:        &protocol.OfferAnswer{ICEParameters: protocol.ICEParameters{Ufrag: "ruf", Pwd: "rpw"}},
		WGStaticKey:  static.String(),
		PresharedKey: psk.String(),
	}

	gotClient, creds, err := ClientCredentialsFromConnect(msg, ice.Credentials{Ufrag: "luf", Pwd: "lpw"})
	if err != nil {
		t.Fatalf("ClientCredentialsFromConnect: %v", err)
	}
	if gotClient != client {
		t.Fatalf("client id mismatch: got %s, want %s", gotClient, client)
	}
	if creds.RemoteStatic != static || creds.PSK != [32]byte(psk) {
		t.Fatal("key fields did not round trip")
	}
	if creds.RemoteCreds.Ufrag != "ruf" || creds.RemoteCreds.Pwd != "rpw" {
		t.Fatalf("remote creds mismatch: got %+v", creds.RemoteCreds)
	}
}

func TestAllowAccessFromMessage_DecodesFiltersAndExpiry(t *testing.T) {
	client := ids.NewClientID()
	resID := ids.NewResourceID()
	tunnelIP := netip.MustParseAddr("100.64.0.2")
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	msg := protocol.AllowAccessMessage{
		Peer:      client.String(),
		Resource:  resID.String(),
		ExpiresAt: expires.Format(time.RFC3339),
		Filters: []protocol.FilterSpec{
			{Protocol: "tcp", PortLow: 443, PortHigh: 443},
			{Protocol: "udp"},
		},
	}

	grant, err := AllowAccessFromMessage(msg, tunnelIP)
	if err != nil {
		t.Fatalf("AllowAccessFromMessage: %v", err)
	}
	if grant.Client != client || grant.Resource != resID || grant.ClientTunnelIP != tunnelIP {
		t.Fatalf("identity fields mismatch: %+v", grant)
	}
	if !grant.ExpiresAt.Equal(expires) {
		t.Fatalf("expiry mismatch: got %v, want %v", grant.ExpiresAt, expires)
	}
	if len(grant.Filters) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(grant.Filters))
	}
	if grant.Filters[0].Protocol != wire.ProtoTCP || grant.Filters[0].PortLow != 443 || grant.Filters[0].PortHigh != 443 {
		t.Fatalf("tcp filter mismatch: %+v", grant.Filters[0])
	}
	if grant.Filters[1].Protocol != wire.ProtoUDP || grant.Filters[1].PortLow != 0 || grant.Filters[1].PortHigh != 65535 {
		t.Fatalf("udp filter mismatch: %+v", grant.Filters[1])
	}
}

func TestAllowAccessFromMessage_RejectsMalformedExpiry(t *testing.T) {
	msg := protocol.AllowAccessMessage{
		Peer:      ids.NewClientID().String(),
		Resource:  ids.NewResourceID().String(),
		ExpiresAt: "not-a-timestamp",
	}
	if _, err := AllowAccessFromMessage(msg, netip.Addr{}); err == nil {
		t.Fatal("expected an error for a malformed expires_at")
	}
}

func TestClientCandidateFromMessage_DecodesCandidateLine(t *testing.T) {
	client := ids.NewClientID()
	msg := protocol.CandidateMessage{
		Peer:      client.String(),
		Candidate: "candidate:1 1 udp 2130706431 203.0.113.9 3478 typ srflx",
	}
	gotClient, cand, err := ClientCandidateFromMessage(msg)
	if err != nil {
		t.Fatalf("ClientCandidateFromMessage: %v", err)
	}
	if gotClient != client {
		t.Fatalf("client id mismatch: got %s, want %s", gotClient, client)
	}
	if cand.Kind != ice.CandidateServerReflexive {
		t.Fatalf("expected a srflx candidate, got %v", cand.Kind)
	}
}

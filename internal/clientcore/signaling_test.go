package clientcore

import (
	"testing"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/pkg/protocol"
)

func TestGatewayCredentialsFromConnect_UsesAnswerWhenPresent(t *testing.T) {
	gw := ids.NewGatewayID()
	static, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	psk, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	msg := protocol.ConnectMessage{
		Peer:         gw.String(),
		Answer:       &protocol.OfferAnswer{ICEParameters: protocol.ICEParameters{Ufrag: "ruf", Pwd: "rpw"}},
		WGStaticKey:  static.String(),
		PresharedKey: psk.String(),
	}
	local := ice.Credentials{Ufrag: "luf", Pwd: "lpw"}

	gotGW, creds, err := GatewayCredentialsFromConnect(msg, local)
	if err != nil {
		t.Fatalf("GatewayCredentialsFromConnect: %v", err)
	}
	if gotGW != gw {
		t.Fatalf("gateway id mismatch: got %s, want %s", gotGW, gw)
	}
	if creds.RemoteStatic != static || creds.PSK != [32]byte(psk) {
		t.Fatal("key fields did not round trip")
	}
	if creds.LocalCreds != local {
		t.Fatalf("local creds mismatch: got %+v, want %+v", creds.LocalCreds, local)
	}
	if creds.RemoteCreds.Ufrag != "ruf" || creds.RemoteCreds.Pwd != "rpw" {
		t.Fatalf("remote creds mismatch: got %+v", creds.RemoteCreds)
	}
}

func TestGatewayCredentialsFromConnect_RejectsMessageWithNeitherSide(t *testing.T) {
	static, _ := config.GeneratePrivateKey()
	psk, _ := config.GeneratePrivateKey()
	msg := protocol.ConnectMessage{
		Peer:         ids.NewGatewayID().String(),
		WGStaticKey:  static.String(),
		PresharedKey: psk.String(),
	}
	if _, _, err := GatewayCredentialsFromConnect(msg, ice.Credentials{}); err == nil {
		t.Fatal("expected an error for a connect message with no offer or answer")
	}
}

func TestGatewayCandidateFromMessage_DecodesCandidateLine(t *testing.T) {
	gw := ids.NewGatewayID()
	msg := protocol.CandidateMessage{
		Peer:      gw.String(),
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 51820 typ host",
	}
	gotGW, cand, err := GatewayCandidateFromMessage(msg)
	if err != nil {
		t.Fatalf("GatewayCandidateFromMessage: %v", err)
	}
	if gotGW != gw {
		t.Fatalf("gateway id mismatch: got %s, want %s", gotGW, gw)
	}
	if cand.Kind != ice.CandidateHost {
		t.Fatalf("expected a host candidate, got %v", cand.Kind)
	}
}

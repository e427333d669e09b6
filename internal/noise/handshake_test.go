package noise

import (
	"bytes"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/config"
)

func TestHandshakeRoundTripDerivesMatchingTransportKeys(t *testing.T) {
	t.Parallel()

	clientPriv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	gatewayPriv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	gatewayPub := config.PublicKey(gatewayPriv)

	var psk [32]byte

	initHS, initMsg, err := CreateInitiation(clientPriv, gatewayPub, psk, time.Now())
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}

	respHS, remoteStatic, _, err := ConsumeInitiation(gatewayPriv, initMsg)
	if err != nil {
		t.Fatalf("ConsumeInitiation: %v", err)
	}
	if remoteStatic != config.PublicKey(clientPriv) {
		t.Fatal("responder decrypted the wrong initiator static key")
	}

	respMsg, err := respHS.CreateResponse(psk)
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	if err := initHS.ConsumeResponse(respMsg); err != nil {
		t.Fatalf("ConsumeResponse: %v", err)
	}

	clientSend, clientRecv := initHS.DeriveTransportKeys()
	gatewaySend, gatewayRecv := respHS.DeriveTransportKeys()

	if clientSend != gatewayRecv {
		t.Fatal("client send key does not match gateway recv key")
	}
	if clientRecv != gatewaySend {
		t.Fatal("client recv key does not match gateway send key")
	}
}

func TestSessionEncapsulateDecapsulateRoundTrip(t *testing.T) {
	t.Parallel()

	clientPriv, _ := config.GeneratePrivateKey()
	gatewayPriv, _ := config.GeneratePrivateKey()
	gatewayPub := config.PublicKey(gatewayPriv)
	var psk [32]byte

	initHS, initMsg, _ := CreateInitiation(clientPriv, gatewayPub, psk, time.Now())
	respHS, _, _, err := ConsumeInitiation(gatewayPriv, initMsg)
	if err != nil {
		t.Fatalf("ConsumeInitiation: %v", err)
	}
	respMsg, _ := respHS.CreateResponse(psk)
	if err := initHS.ConsumeResponse(respMsg); err != nil {
		t.Fatalf("ConsumeResponse: %v", err)
	}

	clientSession := NewSession(initHS)
	gatewaySession := NewSession(respHS)

	plaintext := []byte("ping payload")
	wire, err := clientSession.Encapsulate(plaintext)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	got, err := gatewaySession.Decapsulate(wire)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", got, plaintext)
	}

	// A replay of the exact same datagram must be rejected.
	if _, err := gatewaySession.Decapsulate(wire); err == nil {
		t.Fatal("expected replayed transport message to be rejected")
	}
}

package protocol

import "testing"

func TestConnectMessage_RoundTrip(t *testing.T) {
	msg := ConnectMessage{
		Peer: "c1",
		Offer: &OfferAnswer{
			ICEParameters: ICEParameters{Ufrag: "uf", Pwd: "pw"},
			Candidates:    []string{"candidate:1 1 udp 2130706431 10.0.0.1 51820 typ host"},
		},
		WGStaticKey:  "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		PresharedKey: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB=",
	}

	raw, err := Marshal(&msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := decoded.(*ConnectMessage)
	if !ok {
		t.Fatalf("decoded to %T, want *ConnectMessage", decoded)
	}
	if got.Peer != msg.Peer || got.WGStaticKey != msg.WGStaticKey || got.PresharedKey != msg.PresharedKey {
		t.Fatalf("scalar fields mismatch: got %+v, want %+v", got, msg)
	}
	if got.Answer != nil {
		t.Fatalf("expected Answer to stay unset, got %+v", got.Answer)
	}
	if got.Offer == nil || got.Offer.ICEParameters != msg.Offer.ICEParameters {
		t.Fatalf("offer ICE parameters mismatch: got %+v", got.Offer)
	}
	if len(got.Offer.Candidates) != 1 || got.Offer.Candidates[0] != msg.Offer.Candidates[0] {
		t.Fatalf("candidates mismatch: got %v", got.Offer.Candidates)
	}
}

func TestCandidateMessage_RoundTrip(t *testing.T) {
	msg := CandidateMessage{Peer: "g1", Candidate: "candidate:2 1 udp 1694498815 203.0.113.9 3478 typ srflx"}

	raw, err := Marshal(&msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := decoded.(*CandidateMessage)
	if !ok {
		t.Fatalf("decoded to %T, want *CandidateMessage", decoded)
	}
	if *got != msg {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestDisconnectMessage_ReasonOptional(t *testing.T) {
	msg := DisconnectMessage{Peer: "c1"}

	raw, err := Marshal(&msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := decoded.(*DisconnectMessage)
	if !ok {
		t.Fatalf("decoded to %T, want *DisconnectMessage", decoded)
	}
	if got.Reason != "" {
		t.Fatalf("expected empty reason, got %q", got.Reason)
	}
}

func TestAllowAccessMessage_RoundTrip(t *testing.T) {
	msg := AllowAccessMessage{
		Peer:      "c1",
		Resource:  "r1",
		ExpiresAt: "2026-07-31T00:00:00Z",
		Filters: []FilterSpec{
			{Protocol: "tcp", PortLow: 443, PortHigh: 443},
			{Protocol: "udp"},
		},
	}

	raw, err := Marshal(&msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := decoded.(*AllowAccessMessage)
	if !ok {
		t.Fatalf("decoded to %T, want *AllowAccessMessage", decoded)
	}
	if got.Peer != msg.Peer || got.Resource != msg.Resource || got.ExpiresAt != msg.ExpiresAt {
		t.Fatalf("scalar fields mismatch: got %+v", got)
	}
	if len(got.Filters) != 2 || got.Filters[0] != msg.Filters[0] || got.Filters[1] != msg.Filters[1] {
		t.Fatalf("filters mismatch: got %v, want %v", got.Filters, msg.Filters)
	}
}

func TestUnmarshal_UnknownTypeIsAnError(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"type":"not-a-real-type"}`)); err == nil {
		t.Fatal("expected an error for an unknown message type")
	}
}

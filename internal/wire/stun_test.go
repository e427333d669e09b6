package wire

import (
	"net/netip"
	"testing"
)

func TestStunBindingRoundTrip(t *testing.T) {
	t.Parallel()

	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	addr := netip.MustParseAddr("203.0.113.5")

	raw := NewStunBuilder(MethodBinding, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORMappedAddress, addr, 54321).
		Build(nil)

	msg, err := ParseStun(raw)
	if err != nil {
		t.Fatalf("ParseStun: %v", err)
	}
	if msg.Method != MethodBinding || msg.Class != ClassSuccessResponse {
		t.Fatalf("method/class: got %d/%d", msg.Method, msg.Class)
	}
	if msg.TransactionID != txID {
		t.Fatalf("transaction id mismatch")
	}

	got, ok := msg.GetXORMappedAddress()
	if !ok {
		t.Fatal("expected XOR-MAPPED-ADDRESS to be present")
	}
	if got.Addr != addr || got.Port != 54321 {
		t.Errorf("address: got %s:%d, want %s:%d", got.Addr, got.Port, addr, 54321)
	}

	if err := CheckStunFingerprint(raw); err != nil {
		t.Errorf("fingerprint check failed: %v", err)
	}
}

func TestStunMessageIntegrityRoundTrip(t *testing.T) {
	t.Parallel()

	txID := [12]byte{9, 9, 9}
	key := DeriveAuthKey("user", "realm", "pass")

	raw := NewStunBuilder(MethodAllocate, ClassRequest, txID).
		AddUsername("user").
		AddRealm("realm").
		AddRequestedTransport(17).
		Build(key)

	if err := CheckStunIntegrity(raw, key); err != nil {
		t.Fatalf("integrity check failed: %v", err)
	}

	wrongKey := DeriveAuthKey("user", "realm", "wrong")
	if err := CheckStunIntegrity(raw, wrongKey); err == nil {
		t.Fatal("integrity check passed with wrong key")
	}
}

func TestMessageTypeEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method, class int
	}{
		{MethodBinding, ClassRequest},
		{MethodAllocate, ClassSuccessResponse},
		{MethodChannelBind, ClassErrorResponse},
		{MethodRefresh, ClassIndication},
	}
	for _, c := range cases {
		encoded := StunMessageType(c.method, c.class)
		method, class := ParseStunType(encoded)
		if method != c.method || class != c.class {
			t.Errorf("round trip %d/%d: got %d/%d", c.method, c.class, method, class)
		}
	}
}

func TestChannelDataRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("encrypted wireguard bytes")
	frame := BuildChannelData(0x4001, payload)

	cd, err := ParseChannelData(frame)
	if err != nil {
		t.Fatalf("ParseChannelData: %v", err)
	}
	if cd.ChannelNumber != 0x4001 {
		t.Errorf("channel number: got %#x", cd.ChannelNumber)
	}
	if string(cd.Data) != string(payload) {
		t.Errorf("payload mismatch: got %q", cd.Data)
	}
}

func TestChannelDataLengthMismatchRejected(t *testing.T) {
	t.Parallel()

	// Header claims an 8-byte payload but only 5 bytes follow.
	frame := []byte{0x40, 0x00, 0x00, 0x08, 1, 2, 3, 4, 5}
	if _, err := ParseChannelData(frame); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestIsChannelDataVsIsStun(t *testing.T) {
	t.Parallel()

	frame := BuildChannelData(0x4000, []byte("x"))
	if !IsChannelData(frame) {
		t.Error("expected channel-data frame to be detected")
	}
	if IsStun(frame) {
		t.Error("channel-data frame misidentified as STUN")
	}

	stunMsg := NewStunBuilder(MethodBinding, ClassRequest, [12]byte{}).Build(nil)
	if !IsStun(stunMsg) {
		t.Error("expected STUN message to be detected")
	}
	if IsChannelData(stunMsg) {
		t.Error("STUN message misidentified as channel-data")
	}
}

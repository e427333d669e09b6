package noise

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// These identifiers and labels are fixed by the WireGuard protocol; every
// conforming implementation must derive the same initial chain key and
// hash from them for two peers to agree on a handshake.
const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMAC1         = "mac1----"
	labelCookie       = "cookie--"
)

func blake2sHash(data ...[]byte) [blake2s.Size]byte {
	h, _ := blake2s.New256(nil)
	for _, d := range data {
		h.Write(d)
	}
	var out [blake2s.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hmacBlake2s(key, data []byte) [blake2s.Size]byte {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	mac.Write(data)
	var out [blake2s.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// kdf1/kdf2/kdf3 implement the WireGuard KDF (whitepaper §5.1): repeated
// HMAC-BLAKE2s with the chain key as the HMAC key, producing one, two, or
// three independent 32-byte outputs from a single input.
func kdf1(key, input []byte) (t0 [blake2s.Size]byte) {
	prk := hmacBlake2s(key, input)
	return hmacBlake2s(prk[:], []byte{0x01})
}

func kdf2(key, input []byte) (t0, t1 [blake2s.Size]byte) {
	prk := hmacBlake2s(key, input)
	t0 = hmacBlake2s(prk[:], []byte{0x01})
	t1 = hmacBlake2s(prk[:], append(append([]byte{}, t0[:]...), 0x02))
	return
}

func kdf3(key, input []byte) (t0, t1, t2 [blake2s.Size]byte) {
	prk := hmacBlake2s(key, input)
	t0 = hmacBlake2s(prk[:], []byte{0x01})
	t1 = hmacBlake2s(prk[:], append(append([]byte{}, t0[:]...), 0x02))
	t2 = hmacBlake2s(prk[:], append(append([]byte{}, t1[:]...), 0x03))
	return
}

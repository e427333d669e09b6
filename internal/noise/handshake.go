package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Message type octets, identical to the WireGuard wire format so this
// engine's handshake interoperates with any conforming peer.
const (
	MessageInitiationType = 1
	MessageResponseType   = 2
	MessageCookieType     = 3
	MessageTransportType  = 4

	messageInitiationSize = 148
	messageResponseSize   = 92
)

var (
	ErrHandshakeInvalid  = errors.New("noise: invalid handshake message")
	ErrHandshakeState    = errors.New("noise: handshake message out of sequence")
	ErrDecryptionFailed  = errors.New("noise: AEAD decryption failed")
)

// HandshakeState tracks one in-progress or completed IKpsk2 handshake.
type HandshakeState struct {
	chainKey [32]byte
	hash     [32]byte

	localEphemeralPriv config.Key
	localEphemeralPub  config.Key
	remoteEphemeral    config.Key

	localStatic  config.Key // our own static private key
	remoteStatic config.Key // peer's static public key
	presharedKey [32]byte

	localIndex  uint32
	remoteIndex uint32

	initiator bool
}

// initialChainHash returns the construction-identifier chain key and the
// hash seeded with the identifier string and the responder's static
// public key, per the Noise protocol framework's initialization rule.
func initialChainHash(responderStatic config.Key) (chainKey, hash [32]byte) {
	chainKey = blake2sHash([]byte(noiseConstruction))
	hash = blake2sHash(chainKey[:], []byte(wgIdentifier))
	hash = blake2sHash(hash[:], responderStatic[:])
	return
}

func mixHash(hashIn [32]byte, data []byte) [32]byte {
	return blake2sHash(hashIn[:], data)
}

func mixKey(chainKey [32]byte, input []byte) [32]byte {
	return kdf1(chainKey[:], input)
}

// dh performs X25519 scalar multiplication.
func dh(priv, pub config.Key) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

func aeadEncrypt(key [32]byte, counter uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func aeadDecrypt(key [32]byte, counter uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// tai64n returns the current time encoded as TAI64N (RFC unspecified but
// conventional: 8-byte seconds since TAI epoch offset + 4-byte nanoseconds),
// used as the handshake initiator's anti-replay timestamp.
func tai64n(now time.Time) [12]byte {
	const taiEpochOffset = 0x400000000000000a // matches WireGuard's reference timestamp base constant
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], taiEpochOffset+uint64(now.Unix()))
	binary.BigEndian.PutUint32(buf[8:12], uint32(now.Nanosecond()))
	return buf
}

func newEphemeral() (priv, pub config.Key, err error) {
	priv, err = config.GeneratePrivateKey()
	if err != nil {
		return
	}
	pub = config.PublicKey(priv)
	return
}

// LocalIndex returns the sender index this handshake state claimed for
// itself, used by the connection pool to route a handshake response back
// to the right connection before any session exists (§4.6).
func (hs *HandshakeState) LocalIndex() uint32 { return hs.localIndex }

func randomIndex() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

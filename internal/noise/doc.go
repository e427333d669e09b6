// Package noise implements the WireGuard data-plane handshake and
// transport cipher natively (Curve25519 + ChaCha20-Poly1305 + BLAKE2s, per
// the WireGuard whitepaper's Noise_IKpsk2 construction) as a pure
// poll/advance state machine — no background goroutines, no UAPI, no
// device.Device. It reuses internal/config's Key type for static keys and
// golang.org/x/crypto's primitives directly; the handshake and transport
// message formats match the wire protocol wireguard-go implements, so
// this engine interoperates with it, but the state machine itself is
// driven by the same handle_timeout/encapsulate/decapsulate shape as
// every other component in this tree.
package noise

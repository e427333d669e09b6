package noise

import (
	"encoding/binary"
	"sync/atomic"
)

// replayWindowSize matches WireGuard's 2048-bit anti-replay window.
const replayWindowSize = 2048

// Session is a completed handshake's transport cipher state: one send key,
// one receive key, and independent counters in each direction.
type Session struct {
	sendKey [32]byte
	recvKey [32]byte

	localIndex  uint32
	remoteIndex uint32

	sendCounter uint64 // atomic

	recvWindow replayWindow
}

// NewSession finalizes a HandshakeState into a transport Session. Both
// sides call this once their handshake completes.
func NewSession(hs *HandshakeState) *Session {
	send, recv := hs.DeriveTransportKeys()
	return &Session{
		sendKey:     send,
		recvKey:     recv,
		localIndex:  hs.localIndex,
		remoteIndex: hs.remoteIndex,
	}
}

// TransportHeader is the 16-byte prefix of a type-4 message: Type,
// Reserved[3], ReceiverIndex[4], Counter[8].
type TransportHeader struct {
	ReceiverIndex uint32
	Counter       uint64
}

const transportHeaderSize = 16

// Encapsulate encrypts plaintext into a full type-4 WireGuard transport
// message, consuming the next send counter value.
func (s *Session) Encapsulate(plaintext []byte) ([]byte, error) {
	counter := atomic.AddUint64(&s.sendCounter, 1) - 1

	hdr := make([]byte, transportHeaderSize)
	hdr[0] = MessageTransportType
	binary.LittleEndian.PutUint32(hdr[4:8], s.remoteIndex)
	binary.LittleEndian.PutUint64(hdr[8:16], counter)

	ciphertext, err := aeadEncrypt(s.sendKey, counter, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(hdr, ciphertext...), nil
}

// Decapsulate validates and decrypts a type-4 message, rejecting replays
// via the sliding anti-replay window.
func (s *Session) Decapsulate(data []byte) ([]byte, error) {
	if len(data) < transportHeaderSize {
		return nil, ErrHandshakeInvalid
	}
	counter := binary.LittleEndian.Uint64(data[8:16])
	if !s.recvWindow.check(counter) {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aeadDecrypt(s.recvKey, counter, data[transportHeaderSize:], nil)
	if err != nil {
		return nil, err
	}
	s.recvWindow.accept(counter)
	return plaintext, nil
}

// LocalIndex/RemoteIndex identify this session's sender/receiver indices,
// used by the connection pool's WireGuardReceiverIndex secondary index
// (§4.6).
func (s *Session) LocalIndex() uint32  { return s.localIndex }
func (s *Session) RemoteIndex() uint32 { return s.remoteIndex }

// replayWindow implements a sliding bitmap anti-replay check (RFC 6479
// style, as used by WireGuard and IPsec ESP). initialized distinguishes
// "nothing received yet" from "counter 0 already received", since both
// would otherwise leave top at its zero value.
type replayWindow struct {
	initialized bool
	top         uint64
	mask        [replayWindowSize / 64]uint64
}

// check reports whether counter is acceptable (not already seen, not too
// far behind the current window) without mutating state.
func (w *replayWindow) check(counter uint64) bool {
	if !w.initialized {
		return true
	}
	if counter+replayWindowSize <= w.top {
		return false // too old
	}
	if counter <= w.top {
		block := counter / 64
		idx := block % (replayWindowSize / 64)
		bit := uint64(1) << (counter % 64)
		if w.mask[idx]&bit != 0 {
			return false
		}
	}
	return true
}

// accept records counter as seen, advancing the window if it is the new
// high-water mark.
func (w *replayWindow) accept(counter uint64) {
	block := counter / 64
	idx := block % (replayWindowSize / 64)
	if !w.initialized || counter > w.top {
		var advance uint64
		if w.initialized {
			advance = block - w.top/64
		}
		for i := uint64(0); i < advance && i < replayWindowSize/64; i++ {
			clearIdx := (w.top/64 + i + 1) % (replayWindowSize / 64)
			w.mask[clearIdx] = 0
		}
		w.top = counter
		w.initialized = true
	}
	w.mask[idx] |= uint64(1) << (counter % 64)
}

package noise

import (
	"encoding/binary"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"golang.org/x/crypto/blake2s"
)

// MessageInitiation is the wire layout of a type-1 handshake initiation
// (148 bytes): Type, Reserved[3], SenderIndex, UnencryptedEphemeral[32],
// EncryptedStatic[32+16], EncryptedTimestamp[12+16], MAC1[16], MAC2[16].
type MessageInitiation struct {
	SenderIndex       uint32
	Ephemeral         config.Key
	EncryptedStatic   [32 + 16]byte
	EncryptedTimestamp [12 + 16]byte
	MAC1              [16]byte
	MAC2              [16]byte
}

// MessageResponse is the wire layout of a type-2 handshake response (92
// bytes): Type, Reserved[3], SenderIndex, ReceiverIndex,
// UnencryptedEphemeral[32], EncryptedNothing[0+16], MAC1[16], MAC2[16].
type MessageResponse struct {
	SenderIndex      uint32
	ReceiverIndex    uint32
	Ephemeral        config.Key
	EncryptedNothing [16]byte
	MAC1             [16]byte
	MAC2             [16]byte
}

func macKey(label string, staticPub config.Key) [32]byte {
	return blake2sHash([]byte(label), staticPub[:])
}

func mac(key [32]byte, data []byte) [16]byte {
	h, _ := blake2s.New128(key[:])
	h.Write(data)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CreateInitiation begins a handshake as the initiator (always the
// Client role per §4.4/§4.5): generates a fresh ephemeral keypair, runs
// the IKpsk2 key schedule through the static and timestamp payloads, and
// returns the wire message plus the in-progress state needed to consume
// the response.
func CreateInitiation(localStatic config.Key, remoteStatic config.Key, psk [32]byte, now time.Time) (*HandshakeState, MessageInitiation, error) {
	hs := &HandshakeState{
		localStatic:  localStatic,
		remoteStatic: remoteStatic,
		presharedKey: psk,
		initiator:    true,
		localIndex:   randomIndex(),
	}
	hs.chainKey, hs.hash = initialChainHash(remoteStatic)

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, MessageInitiation{}, err
	}
	hs.localEphemeralPriv, hs.localEphemeralPub = ephPriv, ephPub

	hs.hash = mixHash(hs.hash, ephPub[:])
	hs.chainKey = mixKey(hs.chainKey, ephPub[:])

	esk, err := dh(ephPriv, remoteStatic)
	if err != nil {
		return nil, MessageInitiation{}, err
	}
	ck, k := kdf2(hs.chainKey[:], esk[:])
	hs.chainKey = ck

	localStaticPub := config.PublicKey(localStatic)
	encStatic, err := aeadEncrypt(k, 0, localStaticPub[:], hs.hash[:])
	if err != nil {
		return nil, MessageInitiation{}, err
	}
	hs.hash = mixHash(hs.hash, encStatic)

	ss, err := dh(localStatic, remoteStatic)
	if err != nil {
		return nil, MessageInitiation{}, err
	}
	ck, k = kdf2(hs.chainKey[:], ss[:])
	hs.chainKey = ck

	ts := tai64n(now)
	encTimestamp, err := aeadEncrypt(k, 0, ts[:], hs.hash[:])
	if err != nil {
		return nil, MessageInitiation{}, err
	}
	hs.hash = mixHash(hs.hash, encTimestamp)

	msg := MessageInitiation{SenderIndex: hs.localIndex, Ephemeral: ephPub}
	copy(msg.EncryptedStatic[:], encStatic)
	copy(msg.EncryptedTimestamp[:], encTimestamp)

	signMAC(&msg, remoteStatic)
	return hs, msg, nil
}

// signMAC computes MAC1 over the message preceding it, keyed by
// BLAKE2s(label_mac1 || responder_static_pub). MAC2 (the cookie-reply
// authenticator used under load) is left zero: this engine does not
// implement the cookie DoS-mitigation mechanism, see DESIGN.md.
func signMAC(msg *MessageInitiation, responderStatic config.Key) {
	buf := marshalInitiationForMAC(msg)
	key := macKey(labelMAC1, responderStatic)
	msg.MAC1 = mac(key, buf)
}

func marshalInitiationForMAC(msg *MessageInitiation) []byte {
	buf := make([]byte, 4+4+32+48+28)
	buf[0] = MessageInitiationType
	binary.LittleEndian.PutUint32(buf[4:8], msg.SenderIndex)
	copy(buf[8:40], msg.Ephemeral[:])
	copy(buf[40:88], msg.EncryptedStatic[:])
	copy(buf[88:116], msg.EncryptedTimestamp[:])
	return buf
}

// ConsumeInitiation processes a received type-1 message as the responder
// (always the Gateway role). localStatic is our own static private key.
// It returns the decrypted initiator static public key and timestamp; the
// key is only known after decryption, so callers that multiplex by
// identity match it against their own known peer set (e.g. the connection
// pool's) after this call.
func ConsumeInitiation(localStatic config.Key, msg MessageInitiation) (*HandshakeState, config.Key, [12]byte, error) {
	localStaticPub := config.PublicKey(localStatic)
	chainKey, hash := initialChainHash(localStaticPub)

	hash = mixHash(hash, msg.Ephemeral[:])
	chainKey = mixKey(chainKey, msg.Ephemeral[:])

	esk, err := dh(localStatic, msg.Ephemeral)
	if err != nil {
		return nil, config.Key{}, [12]byte{}, err
	}
	ck, k := kdf2(chainKey[:], esk[:])
	chainKey = ck

	staticPlain, err := aeadDecrypt(k, 0, msg.EncryptedStatic[:], hash[:])
	if err != nil {
		return nil, config.Key{}, [12]byte{}, err
	}
	var remoteStatic config.Key
	copy(remoteStatic[:], staticPlain)
	hash = mixHash(hash, msg.EncryptedStatic[:])

	ss, err := dh(localStatic, remoteStatic)
	if err != nil {
		return nil, config.Key{}, [12]byte{}, err
	}
	ck, k = kdf2(chainKey[:], ss[:])
	chainKey = ck

	tsPlain, err := aeadDecrypt(k, 0, msg.EncryptedTimestamp[:], hash[:])
	if err != nil {
		return nil, config.Key{}, [12]byte{}, err
	}
	hash = mixHash(hash, msg.EncryptedTimestamp[:])

	var ts [12]byte
	copy(ts[:], tsPlain)

	hs := &HandshakeState{
		chainKey:        chainKey,
		hash:            hash,
		localStatic:     localStatic,
		remoteStatic:    remoteStatic,
		remoteEphemeral: msg.Ephemeral,
		remoteIndex:     msg.SenderIndex,
		initiator:       false,
	}
	return hs, remoteStatic, ts, nil
}

// CreateResponse completes the handshake as the responder: generates its
// own ephemeral keypair, mixes in both DH(ee) and DH(se), folds in the
// preshared key, and returns the type-2 wire message.
func (hs *HandshakeState) CreateResponse(psk [32]byte) (MessageResponse, error) {
	hs.presharedKey = psk
	hs.localIndex = randomIndex()

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return MessageResponse{}, err
	}
	hs.localEphemeralPriv, hs.localEphemeralPub = ephPriv, ephPub

	hs.hash = mixHash(hs.hash, ephPub[:])
	hs.chainKey = mixKey(hs.chainKey, ephPub[:])

	ee, err := dh(ephPriv, hs.remoteEphemeral)
	if err != nil {
		return MessageResponse{}, err
	}
	hs.chainKey = mixKey(hs.chainKey, ee[:])

	se, err := dh(ephPriv, hs.remoteStatic)
	if err != nil {
		return MessageResponse{}, err
	}
	hs.chainKey = mixKey(hs.chainKey, se[:])

	ck, t, k := kdf3(hs.chainKey[:], hs.presharedKey[:])
	hs.chainKey = ck
	hs.hash = mixHash(hs.hash, t[:])

	encNothing, err := aeadEncrypt(k, 0, nil, hs.hash[:])
	if err != nil {
		return MessageResponse{}, err
	}
	hs.hash = mixHash(hs.hash, encNothing)

	msg := MessageResponse{SenderIndex: hs.localIndex, ReceiverIndex: hs.remoteIndex, Ephemeral: ephPub}
	copy(msg.EncryptedNothing[:], encNothing)

	key := macKey(labelMAC1, hs.remoteStatic)
	buf := marshalResponseForMAC(&msg)
	msg.MAC1 = mac(key, buf)

	return msg, nil
}

func marshalResponseForMAC(msg *MessageResponse) []byte {
	buf := make([]byte, 4+4+4+32+16)
	buf[0] = MessageResponseType
	binary.LittleEndian.PutUint32(buf[4:8], msg.SenderIndex)
	binary.LittleEndian.PutUint32(buf[8:12], msg.ReceiverIndex)
	copy(buf[12:44], msg.Ephemeral[:])
	copy(buf[44:60], msg.EncryptedNothing[:])
	return buf
}

// ConsumeResponse processes a type-2 message as the original initiator,
// completing the key schedule.
func (hs *HandshakeState) ConsumeResponse(msg MessageResponse) error {
	if !hs.initiator {
		return ErrHandshakeState
	}
	hs.remoteEphemeral = msg.Ephemeral
	hs.remoteIndex = msg.SenderIndex

	hs.hash = mixHash(hs.hash, msg.Ephemeral[:])
	hs.chainKey = mixKey(hs.chainKey, msg.Ephemeral[:])

	ee, err := dh(hs.localEphemeralPriv, msg.Ephemeral)
	if err != nil {
		return err
	}
	hs.chainKey = mixKey(hs.chainKey, ee[:])

	se, err := dh(hs.localStatic, msg.Ephemeral)
	if err != nil {
		return err
	}
	hs.chainKey = mixKey(hs.chainKey, se[:])

	ck, t, k := kdf3(hs.chainKey[:], hs.presharedKey[:])
	hs.chainKey = ck
	hs.hash = mixHash(hs.hash, t[:])

	if _, err := aeadDecrypt(k, 0, msg.EncryptedNothing[:], hs.hash[:]); err != nil {
		return err
	}
	hs.hash = mixHash(hs.hash, msg.EncryptedNothing[:])
	return nil
}

// DeriveTransportKeys finalizes the handshake into a pair of directional
// transport keys. The initiator's send key is the responder's receive
// key and vice versa; which pair is returned follows the role this
// HandshakeState was created in.
func (hs *HandshakeState) DeriveTransportKeys() (send, recv [32]byte) {
	t0, t1 := kdf2(hs.chainKey[:], nil)
	if hs.initiator {
		return t0, t1
	}
	return t1, t0
}

// MarshalInitiation serializes a type-1 message to its 148-byte wire form.
func MarshalInitiation(msg MessageInitiation) []byte {
	buf := marshalInitiationForMAC(&msg)
	buf = append(buf, msg.MAC1[:]...)
	buf = append(buf, msg.MAC2[:]...)
	return buf
}

// ParseInitiation parses a 148-byte type-1 message.
func ParseInitiation(data []byte) (MessageInitiation, error) {
	if len(data) != messageInitiationSize || data[0] != MessageInitiationType {
		return MessageInitiation{}, ErrHandshakeInvalid
	}
	var msg MessageInitiation
	msg.SenderIndex = binary.LittleEndian.Uint32(data[4:8])
	copy(msg.Ephemeral[:], data[8:40])
	copy(msg.EncryptedStatic[:], data[40:88])
	copy(msg.EncryptedTimestamp[:], data[88:116])
	copy(msg.MAC1[:], data[116:132])
	copy(msg.MAC2[:], data[132:148])
	return msg, nil
}

// MarshalResponse serializes a type-2 message to its 92-byte wire form.
func MarshalResponse(msg MessageResponse) []byte {
	buf := marshalResponseForMAC(&msg)
	buf = append(buf, msg.MAC1[:]...)
	buf = append(buf, msg.MAC2[:]...)
	return buf
}

// ParseResponse parses a 92-byte type-2 message.
func ParseResponse(data []byte) (MessageResponse, error) {
	if len(data) != messageResponseSize || data[0] != MessageResponseType {
		return MessageResponse{}, ErrHandshakeInvalid
	}
	var msg MessageResponse
	msg.SenderIndex = binary.LittleEndian.Uint32(data[4:8])
	msg.ReceiverIndex = binary.LittleEndian.Uint32(data[8:12])
	copy(msg.Ephemeral[:], data[12:44])
	copy(msg.EncryptedNothing[:], data[44:60])
	copy(msg.MAC1[:], data[60:76])
	copy(msg.MAC2[:], data[76:92])
	return msg, nil
}

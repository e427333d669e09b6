package wire

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by RFC 5389 long-term credential mechanism
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"net/netip"
)

// STUN message header constants (RFC 5389).
const (
	StunHeaderSize = 20
	MagicCookie    = 0x2112A442

	fingerprintXOR = 0x5354554E
)

// STUN/TURN message methods (RFC 5389, RFC 5766, RFC 8656).
const (
	MethodBinding          = 0x001
	MethodAllocate         = 0x003
	MethodRefresh          = 0x004
	MethodSend             = 0x006
	MethodData             = 0x007
	MethodCreatePermission = 0x008
	MethodChannelBind      = 0x009
)

// STUN message classes.
const (
	ClassRequest         = 0x00
	ClassIndication      = 0x01
	ClassSuccessResponse = 0x02
	ClassErrorResponse   = 0x03
)

// STUN/TURN attribute types.
const (
	AttrMappedAddress         = 0x0001
	AttrUsername              = 0x0006
	AttrMessageIntegrity      = 0x0008
	AttrErrorCode             = 0x0009
	AttrChannelNumber         = 0x000C
	AttrLifetime              = 0x000D
	AttrXORPeerAddress        = 0x0012
	AttrData                  = 0x0013
	AttrRealm                 = 0x0014
	AttrNonce                 = 0x0015
	AttrXORRelayedAddress     = 0x0016
	AttrRequestedAddrFamily   = 0x0017
	AttrRequestedTransport    = 0x0019
	AttrXORMappedAddress      = 0x0020
	AttrFingerprint           = 0x8028
	AttrSoftware              = 0x8022
	AttrPriority              = 0x0024
	AttrUseCandidate          = 0x0025
	AttrIceControlled         = 0x8029
	AttrIceControlling        = 0x802A
)

// Address families as carried in XOR-encoded address attributes and
// REQUESTED-ADDRESS-FAMILY (RFC 8656 §14.1).
const (
	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// StunMessageType encodes a STUN method and class into the 16-bit type
// field. The bit interleaving is non-trivial and specified in RFC 5389 §6:
//
//	Bits: M11 M10 M9 M8 M7 C1 M6 M5 M4 C0 M3 M2 M1 M0
func StunMessageType(method, class int) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

// ParseStunType extracts the method and class from a STUN message type.
func ParseStunType(t uint16) (method, class int) {
	method = int((t & 0x0F) | ((t >> 1) & 0x70) | ((t >> 2) & 0xF80))
	class = int(((t >> 4) & 0x01) | ((t >> 7) & 0x02))
	return method, class
}

// StunMessage is a parsed STUN or TURN message.
type StunMessage struct {
	Method        int
	Class         int
	TransactionID [12]byte
	Attributes    []StunAttribute
}

// StunAttribute is a STUN attribute (type-length-value).
type StunAttribute struct {
	Type  uint16
	Value []byte
}

// IsChannelData reports whether data begins with a channel-data header
// (channel number in [0x4000, 0x7FFF]).
func IsChannelData(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	return ch >= 0x4000 && ch <= 0x7FFF
}

// IsStun reports whether data looks like a STUN message: top two bits of
// the first byte are zero and the magic cookie is present.
func IsStun(data []byte) bool {
	if len(data) < StunHeaderSize {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	cookie := binary.BigEndian.Uint32(data[4:8])
	return cookie == MagicCookie
}

// ChannelData is a parsed TURN channel-data frame (RFC 5766 §11.4).
type ChannelData struct {
	ChannelNumber uint16
	Data          []byte
}

// ParseChannelData parses a channel-data frame. The payload length MUST
// equal the length field; UDP framing carries no padding, so a datagram
// longer or shorter than length+4 bytes is rejected.
func ParseChannelData(data []byte) (ChannelData, error) {
	if len(data) < 4 {
		return ChannelData{}, ErrPacketTooShort
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) != len(data)-4 {
		return ChannelData{}, ErrChannelLenMismatch
	}
	return ChannelData{
		ChannelNumber: ch,
		Data:          data[4 : 4+length],
	}, nil
}

// BuildChannelData constructs a channel-data frame. over-UDP carries no
// padding; callers framing over TCP must pad to a 4-byte boundary
// themselves (TURN-over-TCP is not part of this engine's transport set).
func BuildChannelData(channelNumber uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], channelNumber)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// ParseStun parses a STUN message from raw bytes. It does not validate
// MESSAGE-INTEGRITY or FINGERPRINT; use CheckStunIntegrity and
// CheckStunFingerprint for that.
func ParseStun(data []byte) (StunMessage, error) {
	if len(data) < StunHeaderSize {
		return StunMessage{}, ErrPacketTooShort
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])

	if cookie != MagicCookie {
		return StunMessage{}, ErrMalformed
	}
	if int(msgLen)+StunHeaderSize > len(data) {
		return StunMessage{}, ErrPacketTooShort
	}

	method, class := ParseStunType(msgType)

	var txID [12]byte
	copy(txID[:], data[8:20])

	msg := StunMessage{Method: method, Class: class, TransactionID: txID}

	offset := StunHeaderSize
	end := StunHeaderSize + int(msgLen)
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		if offset+4+int(attrLen) > end {
			return StunMessage{}, ErrMalformed
		}
		value := make([]byte, attrLen)
		copy(value, data[offset+4:offset+4+int(attrLen)])
		msg.Attributes = append(msg.Attributes, StunAttribute{Type: attrType, Value: value})
		offset += 4 + ((int(attrLen) + 3) &^ 3)
	}

	return msg, nil
}

func (m *StunMessage) GetAttr(attrType uint16) []byte {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a.Value
		}
	}
	return nil
}

func (m *StunMessage) GetAttrs(attrType uint16) [][]byte {
	var result [][]byte
	for _, a := range m.Attributes {
		if a.Type == attrType {
			result = append(result, a.Value)
		}
	}
	return result
}

func (m *StunMessage) GetUsername() string {
	if v := m.GetAttr(AttrUsername); v != nil {
		return string(v)
	}
	return ""
}

func (m *StunMessage) GetRealm() string {
	if v := m.GetAttr(AttrRealm); v != nil {
		return string(v)
	}
	return ""
}

func (m *StunMessage) GetNonce() string {
	if v := m.GetAttr(AttrNonce); v != nil {
		return string(v)
	}
	return ""
}

func (m *StunMessage) GetLifetime() uint32 {
	v := m.GetAttr(AttrLifetime)
	if v == nil || len(v) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func (m *StunMessage) GetRequestedTransport() byte {
	v := m.GetAttr(AttrRequestedTransport)
	if v == nil || len(v) < 1 {
		return 0
	}
	return v[0]
}

// GetRequestedAddressFamily returns the family requested via
// REQUESTED-ADDRESS-FAMILY (RFC 8656 §14.1), or 0 if absent.
func (m *StunMessage) GetRequestedAddressFamily() byte {
	v := m.GetAttr(AttrRequestedAddrFamily)
	if v == nil || len(v) < 1 {
		return 0
	}
	return v[0]
}

func (m *StunMessage) GetChannelNumber() uint16 {
	v := m.GetAttr(AttrChannelNumber)
	if v == nil || len(v) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(v)
}

func (m *StunMessage) GetData() []byte {
	return m.GetAttr(AttrData)
}

// HasUseCandidate reports whether the USE-CANDIDATE flag attribute is
// present (RFC 8445 §7.3.1.5).
func (m *StunMessage) HasUseCandidate() bool {
	for _, a := range m.Attributes {
		if a.Type == AttrUseCandidate {
			return true
		}
	}
	return false
}

// XORAddress is a decoded XOR-MAPPED-ADDRESS-family attribute.
type XORAddress struct {
	Addr netip.Addr
	Port uint16
}

func (m *StunMessage) GetXORPeerAddress() (XORAddress, bool) {
	v := m.GetAttr(AttrXORPeerAddress)
	if v == nil {
		return XORAddress{}, false
	}
	return decodeXORAddress(v, m.TransactionID)
}

func (m *StunMessage) GetXORPeerAddresses() []XORAddress {
	vals := m.GetAttrs(AttrXORPeerAddress)
	addrs := make([]XORAddress, 0, len(vals))
	for _, v := range vals {
		if a, ok := decodeXORAddress(v, m.TransactionID); ok {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func (m *StunMessage) GetXORMappedAddress() (XORAddress, bool) {
	v := m.GetAttr(AttrXORMappedAddress)
	if v == nil {
		return XORAddress{}, false
	}
	return decodeXORAddress(v, m.TransactionID)
}

func (m *StunMessage) GetXORRelayedAddress() (XORAddress, bool) {
	v := m.GetAttr(AttrXORRelayedAddress)
	if v == nil {
		return XORAddress{}, false
	}
	return decodeXORAddress(v, m.TransactionID)
}

// decodeXORAddress decodes an XOR-MAPPED-ADDRESS-family attribute value:
// 1 reserved byte, 1 family byte, 2 XOR'd port bytes, 4 or 16 XOR'd address
// bytes.
func decodeXORAddress(value []byte, txID [12]byte) (XORAddress, bool) {
	if len(value) < 4 {
		return XORAddress{}, false
	}
	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := xorPort ^ uint16(MagicCookie>>16)

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return XORAddress{}, false
		}
		var b [4]byte
		for i := 0; i < 4; i++ {
			b[i] = value[4+i] ^ cookieBytes[i]
		}
		return XORAddress{Addr: netip.AddrFrom4(b), Port: port}, true
	case FamilyIPv6:
		if len(value) < 20 {
			return XORAddress{}, false
		}
		var b [16]byte
		for i := 0; i < 4; i++ {
			b[i] = value[4+i] ^ cookieBytes[i]
		}
		for i := 0; i < 12; i++ {
			b[4+i] = value[8+i] ^ txID[i]
		}
		return XORAddress{Addr: netip.AddrFrom16(b), Port: port}, true
	default:
		return XORAddress{}, false
	}
}

// StunBuilder constructs a STUN message.
type StunBuilder struct {
	method int
	class  int
	txID   [12]byte
	attrs  []byte
}

func NewStunBuilder(method, class int, txID [12]byte) *StunBuilder {
	return &StunBuilder{method: method, class: class, txID: txID}
}

func NewStunResponse(req *StunMessage, class int) *StunBuilder {
	return NewStunBuilder(req.Method, class, req.TransactionID)
}

func (b *StunBuilder) AddRaw(attrType uint16, value []byte) *StunBuilder {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.attrs = append(b.attrs, hdr[:]...)
	b.attrs = append(b.attrs, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		b.attrs = append(b.attrs, make([]byte, pad)...)
	}
	return b
}

func (b *StunBuilder) AddString(attrType uint16, s string) *StunBuilder {
	return b.AddRaw(attrType, []byte(s))
}

func (b *StunBuilder) AddUsername(username string) *StunBuilder { return b.AddString(AttrUsername, username) }
func (b *StunBuilder) AddRealm(realm string) *StunBuilder        { return b.AddString(AttrRealm, realm) }
func (b *StunBuilder) AddNonce(nonce string) *StunBuilder        { return b.AddString(AttrNonce, nonce) }

func (b *StunBuilder) AddLifetime(seconds uint32) *StunBuilder {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], seconds)
	return b.AddRaw(AttrLifetime, v[:])
}

func (b *StunBuilder) AddRequestedTransport(proto byte) *StunBuilder {
	return b.AddRaw(AttrRequestedTransport, []byte{proto, 0, 0, 0})
}

func (b *StunBuilder) AddRequestedAddressFamily(family byte) *StunBuilder {
	return b.AddRaw(AttrRequestedAddrFamily, []byte{family, 0, 0, 0})
}

func (b *StunBuilder) AddErrorCode(code int, reason string) *StunBuilder {
	classDigit := byte(code / 100)
	numberDigit := byte(code % 100)
	value := make([]byte, 4+len(reason))
	value[2] = classDigit
	value[3] = numberDigit
	copy(value[4:], reason)
	return b.AddRaw(AttrErrorCode, value)
}

func (b *StunBuilder) AddXORAddress(attrType uint16, addr netip.Addr, port uint16) *StunBuilder {
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	if addr.Is4() {
		value := make([]byte, 8)
		value[1] = FamilyIPv4
		binary.BigEndian.PutUint16(value[2:4], port^uint16(MagicCookie>>16))
		a4 := addr.As4()
		for i := 0; i < 4; i++ {
			value[4+i] = a4[i] ^ cookieBytes[i]
		}
		return b.AddRaw(attrType, value)
	}

	value := make([]byte, 20)
	value[1] = FamilyIPv6
	binary.BigEndian.PutUint16(value[2:4], port^uint16(MagicCookie>>16))
	a16 := addr.As16()
	for i := 0; i < 4; i++ {
		value[4+i] = a16[i] ^ cookieBytes[i]
	}
	for i := 0; i < 12; i++ {
		value[8+i] = a16[4+i] ^ b.txID[i]
	}
	return b.AddRaw(attrType, value)
}

func (b *StunBuilder) AddData(data []byte) *StunBuilder {
	return b.AddRaw(AttrData, data)
}

func (b *StunBuilder) AddChannelNumber(ch uint16) *StunBuilder {
	var v [4]byte
	binary.BigEndian.PutUint16(v[0:2], ch)
	return b.AddRaw(AttrChannelNumber, v[:])
}

// AddUseCandidate appends the flag attribute ICE aggressive nomination
// uses to tell the controlled side which pair the controlling side picked
// (RFC 8445 §7.3.1.5).
func (b *StunBuilder) AddUseCandidate() *StunBuilder {
	return b.AddRaw(AttrUseCandidate, nil)
}

// Build constructs the final message. If authKey is non-nil,
// MESSAGE-INTEGRITY and FINGERPRINT are appended; otherwise only
// FINGERPRINT is appended.
func (b *StunBuilder) Build(authKey []byte) []byte {
	buf := make([]byte, StunHeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], StunMessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		mac := hmac.New(sha1.New, authKey)
		mac.Write(buf)
		integrity := mac.Sum(nil)
		var miHeader [4]byte
		binary.BigEndian.PutUint16(miHeader[0:2], AttrMessageIntegrity)
		binary.BigEndian.PutUint16(miHeader[2:4], 20)
		buf = append(buf, miHeader[:]...)
		buf = append(buf, integrity...)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-StunHeaderSize+8))
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
	var fpHeader [4]byte
	binary.BigEndian.PutUint16(fpHeader[0:2], AttrFingerprint)
	binary.BigEndian.PutUint16(fpHeader[2:4], 4)
	buf = append(buf, fpHeader[:]...)
	var fpValue [4]byte
	binary.BigEndian.PutUint32(fpValue[:], crc)
	buf = append(buf, fpValue[:]...)

	return buf
}

// BuildNoFingerprint constructs the message without FINGERPRINT, used for
// indications where the peer does not validate it.
func (b *StunBuilder) BuildNoFingerprint(authKey []byte) []byte {
	buf := make([]byte, StunHeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], StunMessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		mac := hmac.New(sha1.New, authKey)
		mac.Write(buf)
		integrity := mac.Sum(nil)
		var miHeader [4]byte
		binary.BigEndian.PutUint16(miHeader[0:2], AttrMessageIntegrity)
		binary.BigEndian.PutUint16(miHeader[2:4], 20)
		buf = append(buf, miHeader[:]...)
		buf = append(buf, integrity...)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-StunHeaderSize))
	return buf
}

// CheckStunIntegrity validates MESSAGE-INTEGRITY against authKey.
func CheckStunIntegrity(data []byte, authKey []byte) error {
	if len(data) < StunHeaderSize {
		return ErrPacketTooShort
	}

	miOffset := -1
	offset := StunHeaderSize
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	end := StunHeaderSize + msgLen
	if end > len(data) {
		end = len(data)
	}

	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if attrType == AttrMessageIntegrity {
			miOffset = offset
			break
		}
		offset += 4 + ((attrLen + 3) &^ 3)
	}

	if miOffset < 0 {
		return ErrMalformed
	}
	if miOffset+4+20 > len(data) {
		return ErrPacketTooShort
	}

	hashData := make([]byte, miOffset)
	copy(hashData, data[:miOffset])
	binary.BigEndian.PutUint16(hashData[2:4], uint16(miOffset-StunHeaderSize+4+20))

	mac := hmac.New(sha1.New, authKey)
	mac.Write(hashData)
	expected := mac.Sum(nil)

	actual := data[miOffset+4 : miOffset+4+20]
	if !hmac.Equal(expected, actual) {
		return ErrBadChecksum
	}
	return nil
}

// CheckStunFingerprint validates the trailing FINGERPRINT attribute.
func CheckStunFingerprint(data []byte) error {
	if len(data) < StunHeaderSize+8 {
		return ErrPacketTooShort
	}
	fpOffset := len(data) - 8
	attrType := binary.BigEndian.Uint16(data[fpOffset : fpOffset+2])
	if attrType != AttrFingerprint {
		return ErrMalformed
	}
	expected := crc32.ChecksumIEEE(data[:fpOffset]) ^ fingerprintXOR
	actual := binary.BigEndian.Uint32(data[fpOffset+4 : fpOffset+8])
	if expected != actual {
		return ErrBadChecksum
	}
	return nil
}

// DeriveAuthKey computes the long-term credential key per RFC 5389 §15.4:
// MD5(username:realm:password).
func DeriveAuthKey(username, realm, password string) []byte {
	h := md5.New() //nolint:gosec
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}

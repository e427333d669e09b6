package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxDNSTCPMessageSize is the largest message the 2-byte length prefix can
// express (RFC 1035 §4.2.2).
const MaxDNSTCPMessageSize = 65535

const dnsTCPPrefixLen = 2

// TCPFramer reassembles length-prefixed DNS messages off a TCP byte
// stream. Feed is restartable: callers hand it whatever a socket read
// returned, in any chunking, and drain complete messages with Next until
// it reports none ready. A message split across two reads yields nothing
// from Next until the second Feed completes it.
type TCPFramer struct {
	buf []byte
}

// Feed appends newly read bytes to the framer's internal buffer.
func (f *TCPFramer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Next returns the next complete message, if the buffer holds one.
func (f *TCPFramer) Next() ([]byte, bool) {
	if len(f.buf) < dnsTCPPrefixLen {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(f.buf[:dnsTCPPrefixLen]))
	if len(f.buf) < dnsTCPPrefixLen+n {
		return nil, false
	}
	msg := make([]byte, n)
	copy(msg, f.buf[dnsTCPPrefixLen:dnsTCPPrefixLen+n])
	f.buf = f.buf[dnsTCPPrefixLen+n:]
	return msg, true
}

// FrameDNSTCP prepends the 2-byte big-endian length prefix a DNS-over-TCP
// stream requires before writing msg.
func FrameDNSTCP(msg []byte) ([]byte, error) {
	if len(msg) > MaxDNSTCPMessageSize {
		return nil, fmt.Errorf("%w: message too large for tcp framing", ErrDNS)
	}
	out := make([]byte, dnsTCPPrefixLen+len(msg))
	binary.BigEndian.PutUint16(out[:dnsTCPPrefixLen], uint16(len(msg)))
	copy(out[dnsTCPPrefixLen:], msg)
	return out, nil
}

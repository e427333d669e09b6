// Package wire implements the zero-copy packet codecs shared by every
// component that touches a raw datagram: IPv4/IPv6 header mutation with
// incremental checksums, UDP/TCP/ICMP checksum fixups, the STUN and TURN
// channel-data wire formats, the private in-band control protocol, and a
// DNS message codec.
//
// The IP and channel-data parsers return typed views over the caller's
// buffer rather than copies; mutators patch header fields and their
// dependent checksums in place. The STUN and DNS decoders are the
// exception: they copy attribute values and build record slices.
package wire

package ice

import (
	"fmt"
	"net/netip"
)

// EncodeCandidate renders c as an RFC 8445 §5.1.1 candidate-attribute
// line (component id fixed at 1, UDP transport, the shape the signalling
// contract of §6 trickles as plain strings). Base is not part of the wire
// format: only the reflexive/relayed address matters to the remote side.
func EncodeCandidate(c Candidate) string {
	return fmt.Sprintf("candidate:1 1 udp %d %s %d typ %s",
		c.priority(), c.Addr.Addr(), c.Addr.Port(), candidateTypeToken(c.Kind))
}

// DecodeCandidate parses a candidate-attribute line produced by
// EncodeCandidate (or an equivalent standard ICE stack). Priority and
// foundation are recomputed locally rather than trusted from the wire, so
// only the address and type matter; Base is left zero since the signalling
// contract never carries it.
func DecodeCandidate(line string) (Candidate, error) {
	var foundation, component uint32
	var proto, ip, typ string
	var port uint16
	var priority uint32
	n, err := fmt.Sscanf(line, "candidate:%d %d %s %d %s %d typ %s",
		&foundation, &component, &proto, &priority, &ip, &port, &typ)
	if err != nil || n != 7 {
		return Candidate{}, fmt.Errorf("parsing candidate line %q: %w", line, err)
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Candidate{}, fmt.Errorf("parsing candidate address %q: %w", ip, err)
	}
	kind, err := candidateTypeFromToken(typ)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Kind: kind, Addr: netip.AddrPortFrom(addr, port)}, nil
}

func candidateTypeToken(k CandidateKind) string {
	switch k {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelayed:
		return "relay"
	default:
		return "host"
	}
}

func candidateTypeFromToken(tok string) (CandidateKind, error) {
	switch tok {
	case "host":
		return CandidateHost, nil
	case "srflx":
		return CandidateServerReflexive, nil
	case "relay":
		return CandidateRelayed, nil
	default:
		return 0, fmt.Errorf("unknown candidate type %q", tok)
	}
}

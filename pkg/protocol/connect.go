package protocol

// Signalling messages for the portal <-> engine control channel (§6): a
// client or gateway asks to reach a peer (ConnectMessage, carrying either
// an offer or an answer), trickles additional ICE candidates
// (CandidateMessage), tears a connection down (DisconnectMessage), or
// receives a grant to reach a resource (AllowAccessMessage). All fields
// are plain strings/primitives here, deliberately independent of the
// WireGuard/ICE/resource types that consume them, so this package keeps
// compiling standalone for the Wasm worker; conversion to and from the
// engine's own types is the caller's job.

// ICEParameters is the local or remote ufrag/password pair identifying an
// ICE session, carried inside a ConnectMessage's offer or answer.
type ICEParameters struct {
	Ufrag string `json:"ufrag"`
	Pwd   string `json:"pwd"`
}

// OfferAnswer bundles the ICE parameters and initial candidate set
// exchanged as either side of a connect handshake.
type OfferAnswer struct {
	ICEParameters ICEParameters `json:"ice_parameters"`
	Candidates    []string      `json:"candidates,omitempty"`
}

// ConnectMessage establishes (or re-keys) a connection to peer. Exactly
// one of Offer or Answer is set, depending on which side of the handshake
// the sender is on. WGStaticKey and PresharedKey are base64-encoded
// WireGuard keys.
type ConnectMessage struct {
	Peer         string       `json:"peer"`
	Offer        *OfferAnswer `json:"offer,omitempty"`
	Answer       *OfferAnswer `json:"answer,omitempty"`
	WGStaticKey  string       `json:"wg_static_key"`
	PresharedKey string       `json:"preshared_key"`
}

func (ConnectMessage) MessageType() string { return "connect" }

// CandidateMessage trickles one additional ICE candidate for peer after
// the initial ConnectMessage exchange.
type CandidateMessage struct {
	Peer      string `json:"peer"`
	Candidate string `json:"candidate"`
}

func (CandidateMessage) MessageType() string { return "candidate" }

// DisconnectMessage tears down the connection to peer. Reason is a
// machine-readable kind, optional and purely informational on the wire.
type DisconnectMessage struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason,omitempty"`
}

func (DisconnectMessage) MessageType() string { return "disconnect" }

// FilterSpec is one wire-format protocol/port-range entry of an
// AllowAccessMessage. Protocol is "tcp", "udp", or "" (any); an empty
// PortLow/PortHigh pair means the full 0..65535 range.
type FilterSpec struct {
	Protocol string `json:"protocol,omitempty"`
	PortLow  uint16 `json:"port_low,omitempty"`
	PortHigh uint16 `json:"port_high,omitempty"`
}

// AllowAccessMessage grants peer (a client ID, from the gateway's point of
// view) access to resource until ExpiresAt (RFC 3339), subject to
// Filters. An empty Filters slice means any protocol and port.
type AllowAccessMessage struct {
	Peer      string       `json:"peer"`
	Resource  string       `json:"resource"`
	ExpiresAt string       `json:"expires_at"`
	Filters   []FilterSpec `json:"filters,omitempty"`
}

func (AllowAccessMessage) MessageType() string { return "allow_access" }

func init() {
	messageTypes["connect"] = func() Message { return &ConnectMessage{} }
	messageTypes["candidate"] = func() Message { return &CandidateMessage{} }
	messageTypes["disconnect"] = func() Message { return &DisconnectMessage{} }
	messageTypes["allow_access"] = func() Message { return &AllowAccessMessage{} }
}

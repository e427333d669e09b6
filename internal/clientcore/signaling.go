package clientcore

import (
	"fmt"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/pkg/protocol"
)

// GatewayCredentialsFromConnect decodes the portal's §6 connect message
// into a gateway id and the credentials RegisterGateway expects. local is
// this client's own ICE ufrag/password, generated before the offer was
// sent and not itself carried on this message. The message's Answer is
// used when present (the gateway's reply to our offer); falling back to
// Offer lets the same decoder serve a gateway-initiated connect too.
func GatewayCredentialsFromConnect(msg protocol.ConnectMessage, local ice.Credentials) (ids.GatewayID, GatewayCredentials, error) {
	gw, err := ids.ParseGatewayID(msg.Peer)
	if err != nil {
		return ids.GatewayID{}, GatewayCredentials{}, fmt.Errorf("parsing gateway id %q: %w", msg.Peer, err)
	}

	side := msg.Answer
	if side == nil {
		side = msg.Offer
	}
	if side == nil {
		return gw, GatewayCredentials{}, fmt.Errorf("connect message for %s carries neither offer nor answer", msg.Peer)
	}

	static, err := config.ParseKey(msg.WGStaticKey)
	if err != nil {
		return gw, GatewayCredentials{}, fmt.Errorf("parsing wg_static_key: %w", err)
	}
	psk, err := config.ParseKey(msg.PresharedKey)
	if err != nil {
		return gw, GatewayCredentials{}, fmt.Errorf("parsing preshared_key: %w", err)
	}

	return gw, GatewayCredentials{
		RemoteStatic: static,
		PSK:          [32]byte(psk),
		LocalCreds:   local,
		RemoteCreds:  ice.Credentials{Ufrag: side.ICEParameters.Ufrag, Pwd: side.ICEParameters.Pwd},
	}, nil
}

// GatewayCandidateFromMessage decodes a trickled §6 candidate message
// addressed to a gateway connection.
func GatewayCandidateFromMessage(msg protocol.CandidateMessage) (ids.GatewayID, ice.Candidate, error) {
	gw, err := ids.ParseGatewayID(msg.Peer)
	if err != nil {
		return ids.GatewayID{}, ice.Candidate{}, fmt.Errorf("parsing gateway id %q: %w", msg.Peer, err)
	}
	cand, err := ice.DecodeCandidate(msg.Candidate)
	if err != nil {
		return gw, ice.Candidate{}, err
	}
	return gw, cand, nil
}

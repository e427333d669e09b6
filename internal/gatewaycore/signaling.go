package gatewaycore

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/wire"
	"github.com/kuuji/zerogate/pkg/protocol"
)

// ClientCredentialsFromConnect decodes the portal's §6 connect message
// into a client id and the credentials RegisterClient expects. local is
// this gateway's own ICE ufrag/password for the connection. The message's
// Offer is used when present (the client's initial offer to us); falling
// back to Answer lets the same decoder serve either direction.
func ClientCredentialsFromConnect(msg protocol.ConnectMessage, local ice.Credentials) (ids.ClientID, ClientCredentials, error) {
	client, err := ids.ParseClientID(msg.Peer)
	if err != nil {
		return ids.ClientID{}, ClientCredentials{}, fmt.Errorf("parsing client id %q: %w", msg.Peer, err)
	}

	side := msg.Offer
	if side == nil {
		side = msg.Answer
	}
	if side == nil {
		return client, ClientCredentials{}, fmt.Errorf("connect message for %s carries neither offer nor answer", msg.Peer)
	}

	static, err := config.ParseKey(msg.WGStaticKey)
	if err != nil {
		return client, ClientCredentials{}, fmt.Errorf("parsing wg_static_key: %w", err)
	}
	psk, err := config.ParseKey(msg.PresharedKey)
	if err != nil {
		return client, ClientCredentials{}, fmt.Errorf("parsing preshared_key: %w", err)
	}

	return client, ClientCredentials{
		RemoteStatic: static,
		PSK:          [32]byte(psk),
		LocalCreds:   local,
		RemoteCreds:  ice.Credentials{Ufrag: side.ICEParameters.Ufrag, Pwd: side.ICEParameters.Pwd},
	}, nil
}

// ClientCandidateFromMessage decodes a trickled §6 candidate message
// addressed to a client connection.
func ClientCandidateFromMessage(msg protocol.CandidateMessage) (ids.ClientID, ice.Candidate, error) {
	client, err := ids.ParseClientID(msg.Peer)
	if err != nil {
		return ids.ClientID{}, ice.Candidate{}, fmt.Errorf("parsing client id %q: %w", msg.Peer, err)
	}
	cand, err := ice.DecodeCandidate(msg.Candidate)
	if err != nil {
		return client, ice.Candidate{}, err
	}
	return client, cand, nil
}

// AllowAccessFromMessage decodes the portal's §6 allow_access message into
// a grant Grant accepts. clientTunnelIP is the address already assigned to
// this client's end of the tunnel, known from its own registration rather
// than carried on this message.
func AllowAccessFromMessage(msg protocol.AllowAccessMessage, clientTunnelIP netip.Addr) (AllowAccess, error) {
	client, err := ids.ParseClientID(msg.Peer)
	if err != nil {
		return AllowAccess{}, fmt.Errorf("parsing client id %q: %w", msg.Peer, err)
	}
	resourceID, err := ids.ParseResourceID(msg.Resource)
	if err != nil {
		return AllowAccess{}, fmt.Errorf("parsing resource id %q: %w", msg.Resource, err)
	}
	expires, err := time.Parse(time.RFC3339, msg.ExpiresAt)
	if err != nil {
		return AllowAccess{}, fmt.Errorf("parsing expires_at %q: %w", msg.ExpiresAt, err)
	}
	filters := make([]Filter, 0, len(msg.Filters))
	for _, f := range msg.Filters {
		filters = append(filters, filterFromSpec(f))
	}
	return AllowAccess{
		Client:         client,
		Resource:       resourceID,
		ClientTunnelIP: clientTunnelIP,
		ExpiresAt:      expires,
		Filters:        filters,
	}, nil
}

func filterFromSpec(f protocol.FilterSpec) Filter {
	var proto uint8
	switch f.Protocol {
	case "tcp":
		proto = wire.ProtoTCP
	case "udp":
		proto = wire.ProtoUDP
	}
	low, high := f.PortLow, f.PortHigh
	if low == 0 && high == 0 {
		high = 65535
	}
	return Filter{Protocol: proto, PortLow: low, PortHigh: high}
}

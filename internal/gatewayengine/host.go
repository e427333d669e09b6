package gatewayengine

import (
	"context"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/gatewaycore"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/relay"
	"github.com/kuuji/zerogate/internal/signaling"
	"github.com/kuuji/zerogate/pkg/protocol"
)

const packetBufSize = 2048

// host pumps packets between the tunnel sockets, the resource-side TUN
// device, the relay service's sockets, and the signaling connection,
// driving orch's (and, if enabled, relay's) handle/poll discipline. It is
// the single goroutine allowed to touch either.
type host struct {
	e    *Engine
	orch *gatewaycore.Orchestrator

	resTun tun.Device
	sock4  *net.UDPConn
	sock6  *net.UDPConn
	sig    *signaling.Client

	self   ids.GatewayID
	pubKey config.Key

	// clients maps a portal peer id string to the ids.ClientID once a
	// connect message has told us which client it is.
	clients map[string]ids.ClientID
	// clientTunnelIPs remembers each client's tunnel address, learned from
	// the hub's join/peer-list broadcasts, for AllowAccessFromMessage.
	clientTunnelIPs map[ids.ClientID]netip.Addr

	relay      *relay.Server
	relaySock  *net.UDPConn
	relayPorts map[uint16]*net.UDPConn
	relayData  chan relayDatagram
}

type netDatagram struct {
	from, local netip.AddrPort
	payload     []byte
}

type relayDatagram struct {
	port    uint16
	from    netip.AddrPort
	payload []byte
}

func (h *host) run(ctx context.Context) error {
	resTunCh := make(chan []byte, 256)
	net4Ch := make(chan netDatagram, 256)
	net6Ch := make(chan netDatagram, 256)
	relayCtlCh := make(chan netDatagram, 256)
	h.relayData = make(chan relayDatagram, 256)

	go readTUN(ctx, h.resTun, resTunCh)
	go readUDP(ctx, h.sock4, net4Ch)
	if h.sock6 != nil {
		go readUDP(ctx, h.sock6, net6Ch)
	}
	if h.relaySock != nil {
		go readUDP(ctx, h.relaySock, relayCtlCh)
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	h.advanceTimeout(timer)

	for {
		select {
		case <-ctx.Done():
			h.closeRelayPorts()
			return nil

		case pkt, ok := <-resTunCh:
			if !ok {
				return nil
			}
			h.orch.HandleResourceInput(pkt, time.Now())
			h.drain()

		case dg, ok := <-net4Ch:
			if !ok {
				return nil
			}
			h.orch.HandleNetworkInput(dg.from, dg.local, dg.payload, time.Now())
			h.drain()

		case dg, ok := <-net6Ch:
			if !ok {
				return nil
			}
			h.orch.HandleNetworkInput(dg.from, dg.local, dg.payload, time.Now())
			h.drain()

		case dg, ok := <-relayCtlCh:
			if !ok {
				return nil
			}
			if h.relay != nil {
				h.relay.HandleClientMessage(dg.from, dg.payload, time.Now())
				h.drainRelay(ctx)
			}

		case rd, ok := <-h.relayData:
			if !ok {
				return nil
			}
			if h.relay != nil {
				h.relay.HandleRelayedDatagram(rd.port, rd.from, rd.payload, time.Now())
				h.drainRelay(ctx)
			}

		case msg, ok := <-h.sig.Messages():
			if !ok {
				return nil
			}
			h.handleSignal(ctx, msg)
			h.drain()

		case <-timer.C:
			h.advanceTimeout(timer)
			h.drain()
			if h.relay != nil {
				h.drainRelay(ctx)
			}
		}
	}
}

// drain empties orch's poll surfaces to fixed point.
func (h *host) drain() {
	for {
		tx, ok := h.orch.PollTransmit()
		if !ok {
			break
		}
		h.sendDatagram(tx.Dst, tx.Payload)
	}
	for {
		pkt, ok := h.orch.PollResourceOutput()
		if !ok {
			break
		}
		bufs := [][]byte{pkt}
		_, _ = h.resTun.Write(bufs, 0)
	}
	for {
		ev, ok := h.orch.PollEvent()
		if !ok {
			break
		}
		if ev.Kind == gatewaycore.EventNotAllowedResource {
			h.e.log.Warn("repeated access violations", "source", ev.Src)
		}
	}
}

// drainRelay empties relay's poll surfaces, opening or closing the dynamic
// per-allocation UDP ports its events name.
func (h *host) drainRelay(ctx context.Context) {
	for {
		tx, ok := h.relay.PollTransmit()
		if !ok {
			break
		}
		h.sendRelayDatagram(tx)
	}
	for {
		ev, ok := h.relay.PollEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case relay.EventBindRelayPort:
			h.bindRelayPort(ctx, ev.Host, ev.Port)
		case relay.EventUnbindRelayPort:
			h.unbindRelayPort(ev.Port)
		case relay.EventAllocationExpired:
			h.e.log.Debug("relay allocation expired", "client", ev.Client)
		}
	}
}

func (h *host) sendDatagram(dst netip.AddrPort, payload []byte) {
	sock := h.sock4
	if dst.Addr().Is6() && h.sock6 != nil {
		sock = h.sock6
	}
	if sock == nil {
		return
	}
	_, _ = sock.WriteToUDPAddrPort(payload, dst)
}

func (h *host) sendRelayDatagram(tx relay.Transmit) {
	if h.relaySock == nil {
		return
	}
	_, _ = h.relaySock.WriteToUDPAddrPort(tx.Payload, tx.Dst)
}

func (h *host) bindRelayPort(ctx context.Context, hostAddr netip.Addr, port uint16) {
	if _, ok := h.relayPorts[port]; ok {
		return
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(hostAddr, port)))
	if err != nil {
		h.e.log.Warn("binding relay port", "port", port, "error", err)
		return
	}
	h.relayPorts[port] = conn
	go readRelayPort(ctx, conn, port, h.relayData)
}

func readRelayPort(ctx context.Context, conn *net.UDPConn, port uint16, out chan<- relayDatagram) {
	buf := make([]byte, packetBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		select {
		case out <- relayDatagram{port: port, from: from, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (h *host) unbindRelayPort(port uint16) {
	if conn, ok := h.relayPorts[port]; ok {
		conn.Close()
		delete(h.relayPorts, port)
	}
}

func (h *host) closeRelayPorts() {
	for port, conn := range h.relayPorts {
		conn.Close()
		delete(h.relayPorts, port)
	}
}

func (h *host) advanceTimeout(timer *time.Timer) {
	now := time.Now()
	deadline, ok := h.orch.HandleTimeout(now)
	wait := time.Second
	if ok {
		if d := deadline.Sub(now); d > 0 {
			wait = d
		} else {
			wait = time.Millisecond
		}
	}
	if h.relay != nil {
		if rd, rok := h.relay.HandleTimeout(now); rok {
			if d := rd.Sub(now); d > 0 && d < wait {
				wait = d
			}
		}
	}
	timer.Reset(wait)
}

func readTUN(ctx context.Context, dev tun.Device, out chan<- []byte) {
	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, packetBufSize)
	sizes := make([]int, 1)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := dev.Read(bufs, sizes, 0)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			pkt := append([]byte(nil), bufs[i][:sizes[i]]...)
			select {
			case out <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func readUDP(ctx context.Context, conn *net.UDPConn, out chan<- netDatagram) {
	local := conn.LocalAddr().(*net.UDPAddr)
	localAP := netip.AddrPortFrom(addrFromUDPAddr(local), uint16(local.Port))
	buf := make([]byte, packetBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		select {
		case out <- netDatagram{from: from, local: localAP, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func addrFromUDPAddr(a *net.UDPAddr) netip.Addr {
	if a == nil || a.IP == nil {
		return netip.Addr{}
	}
	addr, _ := netip.AddrFromSlice(a.IP)
	return addr.Unmap()
}

// handleSignal dispatches one decoded signalling message to the
// orchestrator.
func (h *host) handleSignal(ctx context.Context, msg protocol.Message) {
	now := time.Now()
	switch m := msg.(type) {
	case *protocol.ConnectMessage:
		local := ice.NewCredentials()
		client, creds, err := gatewaycore.ClientCredentialsFromConnect(*m, local)
		if err != nil {
			h.e.log.Warn("decoding connect message", "error", err)
			return
		}
		h.clients[m.Peer] = client
		h.orch.RegisterClient(client, creds, now)
		h.sendConnectReply(ctx, m, local)

	case *protocol.CandidateMessage:
		client, cand, err := gatewaycore.ClientCandidateFromMessage(*m)
		if err != nil {
			h.e.log.Warn("decoding candidate message", "error", err)
			return
		}
		h.orch.AddClientCandidate(client, cand, now)

	case *protocol.DisconnectMessage:
		if client, ok := h.clients[m.Peer]; ok {
			h.orch.ForgetClient(client)
			delete(h.clients, m.Peer)
		}

	case *protocol.PeerLeftMessage:
		if client, ok := h.clients[m.PeerID]; ok {
			h.orch.ForgetClient(client)
			delete(h.clients, m.PeerID)
			delete(h.clientTunnelIPs, client)
		}

	case *protocol.PeersMessage:
		for _, peer := range m.Peers {
			h.rememberTunnelIP(peer)
		}

	case *protocol.JoinMessage:
		h.rememberTunnelIP(protocol.PeerInfo{PeerID: m.PeerID, PublicKey: m.PublicKey, Address: m.Address})

	case *protocol.AllowAccessMessage:
		client, ok := h.clients[m.Peer]
		if !ok {
			h.e.log.Warn("allow_access for unregistered client", "client", m.Peer)
			return
		}
		grant, err := gatewaycore.AllowAccessFromMessage(*m, h.clientTunnelIPs[client])
		if err != nil {
			h.e.log.Warn("decoding allow_access message", "error", err)
			return
		}
		h.orch.Grant(grant)

	default:
		h.e.log.Debug("ignoring signalling message", "type", msg.MessageType())
	}
}

func (h *host) rememberTunnelIP(peer protocol.PeerInfo) {
	if peer.Address == "" {
		return
	}
	client, err := ids.ParseClientID(peer.PeerID)
	if err != nil {
		return
	}
	addr, err := netip.ParsePrefix(peer.Address)
	if err != nil {
		a, err2 := netip.ParseAddr(peer.Address)
		if err2 != nil {
			return
		}
		h.clientTunnelIPs[client] = a
		return
	}
	h.clientTunnelIPs[client] = addr.Addr()
}

// sendConnectReply answers an inbound offer with our own ICE parameters.
func (h *host) sendConnectReply(ctx context.Context, in *protocol.ConnectMessage, local ice.Credentials) {
	if in.Offer == nil {
		return
	}
	reply := &protocol.ConnectMessage{
		Peer: h.self.String(),
		Answer: &protocol.OfferAnswer{
			ICEParameters: protocol.ICEParameters{Ufrag: local.Ufrag, Pwd: local.Pwd},
		},
		WGStaticKey:  h.pubKey.String(),
		PresharedKey: in.PresharedKey,
	}
	if err := h.sig.Send(ctx, reply); err != nil {
		h.e.log.Warn("sending connect reply", "error", err)
	}
}

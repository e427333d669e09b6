package clientengine

import (
	"context"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/zerogate/internal/clientcore"
	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/dnsresolver"
	"github.com/kuuji/zerogate/internal/ice"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/signaling"
	"github.com/kuuji/zerogate/pkg/protocol"
)

const packetBufSize = 2048

// host pumps packets between the TUN device, the network sockets, and the
// signaling connection, driving orch's handle/poll discipline. It is the
// single goroutine allowed to touch orch; every other goroutine this engine
// starts only moves bytes onto channels for host.run to consume.
type host struct {
	e    *Engine
	orch *clientcore.Orchestrator

	tun   tun.Device
	sock4 *net.UDPConn
	sock6 *net.UDPConn
	sig   *signaling.Client

	self   ids.ClientID
	pubKey config.Key

	// gateways maps a portal peer id string (protocol messages identify
	// peers by string, not ids.GatewayID) to the gateway id once a connect
	// message has told us which gateway it is.
	gateways map[string]ids.GatewayID

	dnsResults chan dnsResult
}

type dnsResult struct {
	correlation uint64
	payload     []byte
	err         error
}

type netDatagram struct {
	from, local netip.AddrPort
	payload     []byte
}

func (h *host) run(ctx context.Context) error {
	tunCh := make(chan []byte, 256)
	net4Ch := make(chan netDatagram, 256)
	net6Ch := make(chan netDatagram, 256)

	go readTUN(ctx, h.tun, tunCh)
	go readUDP(ctx, h.sock4, net4Ch)
	if h.sock6 != nil {
		go readUDP(ctx, h.sock6, net6Ch)
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	h.advanceTimeout(timer)

	for {
		select {
		case <-ctx.Done():
			return nil

		case pkt, ok := <-tunCh:
			if !ok {
				return nil
			}
			h.orch.HandleTunInput(pkt, time.Now())
			h.drain(ctx)

		case dg, ok := <-net4Ch:
			if !ok {
				return nil
			}
			h.orch.HandleNetworkInput(dg.from, dg.local, dg.payload, time.Now())
			h.drain(ctx)

		case dg, ok := <-net6Ch:
			if !ok {
				return nil
			}
			h.orch.HandleNetworkInput(dg.from, dg.local, dg.payload, time.Now())
			h.drain(ctx)

		case res := <-h.dnsResults:
			now := time.Now()
			if res.err != nil {
				h.orch.HandleDNSUpstreamFailure(res.correlation, now)
			} else {
				h.orch.HandleDNSUpstreamResponse(res.correlation, res.payload, now)
			}
			h.drain(ctx)

		case msg, ok := <-h.sig.Messages():
			if !ok {
				return nil
			}
			h.handleSignal(ctx, msg)
			h.drain(ctx)

		case <-timer.C:
			h.advanceTimeout(timer)
			h.drain(ctx)
		}
	}
}

// drain empties every poll surface to fixed point after a handle_* call, the
// same discipline the rest of this engine's sans-io components use.
func (h *host) drain(ctx context.Context) {
	for {
		pkt, ok := h.orch.PollTunOutput()
		if !ok {
			break
		}
		bufs := [][]byte{pkt}
		_, _ = h.tun.Write(bufs, 0)
	}
	for {
		tx, ok := h.orch.PollTransmit()
		if !ok {
			break
		}
		h.sendDatagram(tx.Dst, tx.Payload)
	}
	for {
		ev, ok := h.orch.PollEvent()
		if !ok {
			break
		}
		h.handleEvent(ev)
	}
	for {
		d, ok := h.orch.PollDNSDispatch()
		if !ok {
			break
		}
		go h.resolveUpstream(ctx, d)
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

func (h *host) handleEvent(ev clientcore.Event) {
	switch ev.Kind {
	case clientcore.EventTunInterfaceUpdated:
		ifName, err := h.tun.Name()
		if err != nil {
			h.e.log.Warn("reading TUN interface name", "error", err)
			return
		}
		if err := h.e.applyTunConfig(ifName, ev.Config); err != nil {
			h.e.log.Warn("applying TUN interface configuration", "error", err)
		}
	case clientcore.EventGatewayUnreachable:
		h.e.log.Warn("dropping traffic: gateway has no cached credentials yet", "gateway", ev.Gateway)
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
	timer.Reset(wait)
}

func (h *host) resolveUpstream(ctx context.Context, d dnsresolver.Dispatch) {
	network := "udp"
	if d.Upstream.Transport == dnsresolver.TransportTCP {
		network = "tcp"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, d.Upstream.Addr.String())
	if err != nil {
		h.dnsResults <- dnsResult{correlation: d.Correlation, err: err}
		return
	}
	defer conn.Close()

	if _, err := conn.Write(d.Payload); err != nil {
		h.dnsResults <- dnsResult{correlation: d.Correlation, err: err}
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, packetBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		h.dnsResults <- dnsResult{correlation: d.Correlation, err: err}
		return
	}
	h.dnsResults <- dnsResult{correlation: d.Correlation, payload: append([]byte(nil), buf[:n]...)}
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

// handleSignal dispatches one decoded §6 signalling message to the
// orchestrator.
func (h *host) handleSignal(ctx context.Context, msg protocol.Message) {
	now := time.Now()
	switch m := msg.(type) {
	case *protocol.ConnectMessage:
		local := ice.NewCredentials()
		gw, creds, err := clientcore.GatewayCredentialsFromConnect(*m, local)
		if err != nil {
			h.e.log.Warn("decoding connect message", "error", err)
			return
		}
		h.gateways[m.Peer] = gw
		h.orch.RegisterGateway(gw, creds)
		h.sendConnectReply(ctx, m, local)

	case *protocol.CandidateMessage:
		gw, cand, err := clientcore.GatewayCandidateFromMessage(*m)
		if err != nil {
			h.e.log.Warn("decoding candidate message", "error", err)
			return
		}
		h.orch.AddGatewayCandidate(gw, cand, now)

	case *protocol.DisconnectMessage:
		if gw, ok := h.gateways[m.Peer]; ok {
			h.orch.ForgetGateway(gw)
			delete(h.gateways, m.Peer)
		}

	case *protocol.PeerLeftMessage:
		if gw, ok := h.gateways[m.PeerID]; ok {
			h.orch.ForgetGateway(gw)
			delete(h.gateways, m.PeerID)
		}

	case *protocol.PeersMessage, *protocol.JoinMessage:
		// Informational; this engine establishes gateway connections from
		// connect/candidate messages, not from the hub's generic peer list.

	default:
		h.e.log.Debug("ignoring signalling message", "type", msg.MessageType())
	}
}

// sendConnectReply answers an inbound offer with our own ICE parameters, so
// the gateway that just offered learns where to send its candidates (§6).
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

// Package gatewayengine is the host half of a gateway: it owns the tunnel
// UDP sockets, the local-network TUN device resources are reached through,
// and (optionally) a relay.Server's listen socket and dynamic relay ports,
// and drives internal/gatewaycore.Orchestrator's handle/poll state machine
// to fixed point between them. It generalizes internal/agent/agent.go's
// Run() the same way internal/clientengine does on the client side.
package gatewayengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/gatewaycore"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/relay"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/signaling"
	"github.com/kuuji/zerogate/internal/tunnel"
)

// RelayConfig turns on the embedded TURN-style relay service. It is
// separate from the gateway's own tunnel socket: a symmetric-NAT client
// reaches a relayed candidate through this listener and its dynamically
// bound ports, never through the gateway's direct socket.
type RelayConfig struct {
	Listen   netip.AddrPort
	HostV4   netip.Addr
	HostV6   netip.Addr
	Secret   []byte
	Realm    string
	PortLow  uint16
	PortHigh uint16
}

// Config bundles everything needed to run one gateway process.
type Config struct {
	LocalStatic   config.Key
	ListenAddr4   netip.AddrPort
	ListenAddr6   netip.AddrPort
	ServerURL     string
	Resources     *resource.Router
	OutboundIface string
	ResourceCIDR  string
	Relay         *RelayConfig
}

// Engine is one gateway's tunnel process.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	status Status
}

// Status is a snapshot of the engine's state.
type Status struct {
	Connected    bool
	ClientsLinked int
	RelayEnabled bool
}

// New builds an Engine for cfg. Call Run to start it.
func New(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}
}

// Status returns the engine's last-known state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setConnected(v bool) {
	e.mu.Lock()
	e.status.Connected = v
	e.mu.Unlock()
}

// Run opens the gateway's sockets and local-network TUN device, connects to
// the signaling server, and pumps packets until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	sock4, err := net.ListenUDP("udp4", udpAddrFromAddrPort(e.cfg.ListenAddr4))
	if err != nil {
		return fmt.Errorf("opening udp4 socket: %w", err)
	}
	defer sock4.Close()

	var sock6 *net.UDPConn
	if addr, err := net.ListenUDP("udp6", udpAddrFromAddrPort(e.cfg.ListenAddr6)); err == nil {
		sock6 = addr
		defer sock6.Close()
	} else {
		e.log.Warn("opening udp6 socket, continuing IPv4-only", "error", err)
	}

	resTun, err := tunnel.CreateTUN("zerogate-gw0", tunnel.DefaultMTU)
	if err != nil {
		return fmt.Errorf("creating resource-side TUN device: %w", err)
	}
	defer resTun.Close()

	if e.cfg.OutboundIface != "" && e.cfg.ResourceCIDR != "" {
		nat := tunnel.NewNATManager(e.log)
		if err := nat.SetupMasquerade(e.cfg.ResourceCIDR, e.cfg.OutboundIface); err != nil {
			e.log.Warn("setting up NAT masquerade", "error", err)
		} else {
			defer func() {
				if err := nat.Cleanup(); err != nil {
					e.log.Warn("cleaning up NAT masquerade", "error", err)
				}
			}()
		}
	}

	resources := e.cfg.Resources
	if resources == nil {
		resources = resource.NewRouter()
	}

	pub := config.PublicKey(e.cfg.LocalStatic)
	self := gatewayIDFromKey(pub)

	orch := gatewaycore.New(gatewaycore.Config{
		LocalStatic: e.cfg.LocalStatic,
		Resources:   resources,
	})

	var relayServer *relay.Server
	var relaySock *net.UDPConn
	if e.cfg.Relay != nil {
		relaySock, err = net.ListenUDP("udp", udpAddrFromAddrPort(e.cfg.Relay.Listen))
		if err != nil {
			return fmt.Errorf("opening relay listen socket: %w", err)
		}
		defer relaySock.Close()
		relayServer = relay.NewServer(e.cfg.Relay.Listen, e.cfg.Relay.HostV4, e.cfg.Relay.HostV6,
			e.cfg.Relay.PortLow, e.cfg.Relay.PortHigh, e.cfg.Relay.Secret, e.cfg.Relay.Realm)
		e.mu.Lock()
		e.status.RelayEnabled = true
		e.mu.Unlock()
	}

	sig := signaling.NewClient(signaling.ClientConfig{
		ServerURL: e.cfg.ServerURL,
		PeerID:    self.String(),
		PublicKey: pub.String(),
		Logger:    e.log,
		Reconnect: signaling.ReconnectConfig{Enabled: true},
	})
	if err := sig.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to signaling server: %w", err)
	}
	defer sig.Close()
	e.setConnected(true)
	defer e.setConnected(false)

	h := &host{
		e:              e,
		orch:           orch,
		resTun:         resTun,
		sock4:          sock4,
		sock6:          sock6,
		sig:            sig,
		self:           self,
		pubKey:         pub,
		clients:        make(map[string]ids.ClientID),
		clientTunnelIPs: make(map[ids.ClientID]netip.Addr),
		relay:          relayServer,
		relaySock:      relaySock,
		relayPorts:     make(map[uint16]*net.UDPConn),
	}
	return h.run(ctx)
}

// gatewayIDFromKey derives a stable ids.GatewayID from this gateway's public
// key, mirroring clientengine.clientIDFromKey.
func gatewayIDFromKey(pub config.Key) ids.GatewayID {
	return ids.GatewayID(uuid.NewSHA1(uuid.Nil, pub[:]))
}

func udpAddrFromAddrPort(ap netip.AddrPort) *net.UDPAddr {
	if !ap.IsValid() {
		return &net.UDPAddr{}
	}
	return net.UDPAddrFromAddrPort(ap)
}

// Package clientengine is the host half of the client tunnel: it owns the
// TUN device, the UDP4/UDP6 sockets, and the signaling connection, and
// drives internal/clientcore.Orchestrator's handle/poll state machine to
// fixed point between them. It generalizes internal/agent/agent.go's
// goroutine-driven Run() the same way clientcore itself generalizes
// agent.go's peer map: the orchestration stages (TUN up, connect to the
// signaling server, pump messages) are kept, but the payload moving through
// them is now ICE/Noise encapsulated packets instead of a pion PeerConnection
// and a wireguard-go device.Device.
package clientengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/google/uuid"

	"github.com/kuuji/zerogate/internal/clientcore"
	"github.com/kuuji/zerogate/internal/config"
	"github.com/kuuji/zerogate/internal/dnsresolver"
	"github.com/kuuji/zerogate/internal/ids"
	"github.com/kuuji/zerogate/internal/resource"
	"github.com/kuuji/zerogate/internal/signaling"
	"github.com/kuuji/zerogate/internal/tunnel"
)

// defaultV4Pool/defaultV6Pool are the synthesised-address ranges C9 hands
// out for DNS-resolved resources; they are fixed here and not read from
// the configuration.
var (
	defaultV4Pool  = netip.MustParsePrefix("100.96.0.0/11")
	defaultV6Pool  = netip.MustParsePrefix("fd00:6765:6174::/48")
	defaultSentinel4 = netip.MustParseAddr("100.100.100.100")
)

// SocketProtector exempts a file descriptor from the VPN's own routes, so
// the sockets this engine uses to reach a gateway don't loop back through
// the tunnel they are establishing. Grounded on internal/agent/protectednet.go,
// adapted off pion's transport.Net onto the plain *net.UDPConn this engine
// opens itself. A nil protector is a no-op (every platform but Android).
type SocketProtector interface {
	Protect(fd int) bool
}

// TunConfigFunc applies a clientcore.TunConfig to the running TUN interface.
// The default implementation shells out to `ip`, matching
// internal/agent/agent.go's configureTUN; a host that cannot exec (Android's
// VpnService) supplies its own via WithTunConfigFunc.
type TunConfigFunc func(ifName string, cfg clientcore.TunConfig) error

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithTUNDevice supplies an already-open TUN device (e.g. one built from a
// file descriptor handed down by Android's VpnService via
// internal/tunnel.CreateTUNFromFD) instead of letting the engine create one.
func WithTUNDevice(dev tun.Device) Option { return func(e *Engine) { e.tunDevice = dev } }

// WithSocketProtector installs a callback to protect the engine's own UDP
// sockets from the VPN's routes.
func WithSocketProtector(p SocketProtector) Option { return func(e *Engine) { e.protector = p } }

// WithTunConfigFunc overrides how a recomputed TunConfig is applied.
func WithTunConfigFunc(f TunConfigFunc) Option { return func(e *Engine) { e.applyTunConfig = f } }

// Status is a snapshot of the engine's state, exposed for a host status
// surface (CLI `status` command, mobile GetStatus()).
type Status struct {
	Connected      bool
	GatewaysLinked int
}

// Engine is one client device's tunnel process.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	tunDevice      tun.Device
	protector      SocketProtector
	applyTunConfig TunConfigFunc

	mu     sync.Mutex
	status Status
}

// New builds an Engine for cfg. Call Run to start it; Run blocks until ctx
// is cancelled or a fatal error occurs.
func New(cfg *config.Config, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{cfg: cfg, log: log, applyTunConfig: execConfigureTUN}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the engine's last-known connection state.
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

// Run creates (or adopts) the TUN device, opens the network sockets,
// connects to the signaling server, and pumps packets between them until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	tunDev := e.tunDevice
	if tunDev == nil {
		dev, err := tunnel.CreateTUN(tunnel.DefaultTUNName, tunnel.DefaultMTU)
		if err != nil {
			return fmt.Errorf("creating TUN device: %w", err)
		}
		tunDev = dev
	}
	defer tunDev.Close()

	sock4, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("opening udp4 socket: %w", err)
	}
	defer sock4.Close()
	e.protect(sock4)

	sock6, err := net.ListenUDP("udp6", &net.UDPAddr{})
	if err != nil {
		e.log.Warn("opening udp6 socket, continuing IPv4-only", "error", err)
		sock6 = nil
	} else {
		defer sock6.Close()
		e.protect(sock6)
	}

	resources := resource.NewRouter()
	pub := config.PublicKey(e.cfg.Device.PrivateKey)
	self := clientIDFromKey(pub)

	orch := clientcore.New(clientcore.Config{
		Self:         self,
		LocalStatic:  e.cfg.Device.PrivateKey,
		Resources:    resources,
		V4Pool:       defaultV4Pool,
		V6Pool:       defaultV6Pool,
		DNSUpstreams: []dnsresolver.Upstream{},
		Sentinel4:    defaultSentinel4,
		DefaultRoute: e.cfg.Device.AcceptRoutes,
	})

	if addr, err := netip.ParsePrefix(e.cfg.Device.Address); err == nil {
		orch.SetTunAddress(addr, netip.Prefix{})
	} else {
		e.log.Warn("device.address is not a valid CIDR, tunnel address left unset", "address", e.cfg.Device.Address, "error", err)
	}

	sig := signaling.NewClient(signaling.ClientConfig{
		ServerURL: e.cfg.Network.ServerURL,
		PeerID:    self.String(),
		PublicKey: pub.String(),
		Address:   e.cfg.Device.Address,
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
		e:       e,
		orch:    orch,
		tun:     tunDev,
		sock4:   sock4,
		sock6:   sock6,
		sig:     sig,
		self:    self,
		pubKey:  pub,
		gateways: make(map[string]ids.GatewayID),
		dnsResults: make(chan dnsResult, 16),
	}
	return h.run(ctx)
}

func (e *Engine) protect(conn *net.UDPConn) {
	if e.protector == nil {
		return
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		e.log.Warn("getting raw conn for socket protection", "error", err)
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if !e.protector.Protect(int(fd)) {
			e.log.Warn("socket protector rejected fd", "fd", fd)
		}
	})
}

// clientIDFromKey derives a stable ids.ClientID from this device's public
// key, so the portal recognises the same device across restarts without a
// separately persisted identity field (config.Config has no client-id
// field yet; deriving one from the already-persisted key avoids adding a
// new secret to track).
func clientIDFromKey(pub config.Key) ids.ClientID {
	return ids.ClientID(uuid.NewSHA1(uuid.Nil, pub[:]))
}

// execConfigureTUN applies cfg by shelling out to `ip`, matching
// internal/agent/agent.go's configureTUN.
func execConfigureTUN(ifName string, cfg clientcore.TunConfig) error {
	if !cfg.Address4.IsValid() && !cfg.Address6.IsValid() {
		return nil
	}
	if cfg.Address4.IsValid() {
		addr := cfg.Address4.String()
		if out, err := exec.Command("ip", "addr", "replace", addr, "dev", ifName).CombinedOutput(); err != nil {
			return fmt.Errorf("ip addr replace %s: %w: %s", addr, err, strings.TrimSpace(string(out)))
		}
	}
	if cfg.Address6.IsValid() {
		addr := cfg.Address6.String()
		if out, err := exec.Command("ip", "-6", "addr", "replace", addr, "dev", ifName).CombinedOutput(); err != nil {
			return fmt.Errorf("ip -6 addr replace %s: %w: %s", addr, err, strings.TrimSpace(string(out)))
		}
	}
	if out, err := exec.Command("ip", "link", "set", ifName, "up").CombinedOutput(); err != nil {
		return fmt.Errorf("ip link set up: %w: %s", err, strings.TrimSpace(string(out)))
	}
	for _, route := range cfg.Routes {
		_ = exec.Command("ip", "route", "replace", route.String(), "dev", ifName).Run()
	}
	return nil
}

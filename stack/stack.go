package stack

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/qemunet/vmnet/dhcpv4"
	"github.com/qemunet/vmnet/dns"
	"github.com/qemunet/vmnet/httpmediator"
	"github.com/qemunet/vmnet/internet"
	"github.com/qemunet/vmnet/mitm"
	"github.com/qemunet/vmnet/policy"
	"github.com/qemunet/vmnet/tlsmitm"
)

// Config configures the whole mediated network stack facing a single QEMU
// guest on its own tap/socket device.
type Config struct {
	MAC         [6]byte
	GatewayMAC  [6]byte
	GatewayAddr netip.Addr
	// LeasePrefix must be a valid IPv4 prefix containing GatewayAddr, e.g.
	// 192.168.64.1/24 for a gateway at .1.
	LeasePrefix netip.Prefix
	LeaseTime   uint32
	MTU         int

	CertDir string
	Policy  policy.Config
	Client  httpmediator.HTTPDoer
	Logger  *slog.Logger
}

// Stack is the top-level internet.StackNode tree mediating one guest's
// traffic: ethernet framing, gateway ARP, DHCP lease assignment, a DNS
// gate, and HTTP/TLS mediation of every TCP flow reaching ports 80/443.
// Composition mirrors internet.StackEthernet.Register's proto-keyed
// handler registry, generalized one level up to the whole stack.
type Stack struct {
	eth internet.StackEthernet
	ip  *ipDispatch
	udp *udpDispatch
	tcp *tcpDispatch

	dhcp *dhcpServer
	dns  *dnsGate
	http [2]*flowAcceptor // ports 80, 443

	policy *policy.Engine
	logger *slog.Logger
}

const (
	maxStackNodes = 8
	httpPort      = 80
	httpsPort     = 443
)

// New builds and wires a Stack but does not start accepting connections;
// call Run to start the per-port accept loops.
func New(cfg Config) (*Stack, error) {
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	pol := policy.New(cfg.Policy)
	store, err := mitm.Open(cfg.CertDir)
	if err != nil {
		return nil, err
	}
	resolver := &net.Resolver{}

	dhcp, err := newDHCPServer(DHCPConfig{GatewayAddr: cfg.GatewayAddr, LeasePrefix: cfg.LeasePrefix, LeaseTime: cfg.LeaseTime})
	if err != nil {
		return nil, err
	}

	s := &Stack{
		ip:     newIPDispatch(cfg.GatewayAddr),
		udp:    newUDPDispatch(),
		tcp:    newTCPDispatch(),
		dhcp:   dhcp,
		dns:    newDNSGate(resolver, pol, cfg.Logger),
		policy: pol,
		logger: cfg.Logger,
	}

	err = s.eth.Configure(internet.StackEthernetConfig{
		MTU:      cfg.MTU,
		MaxNodes: maxStackNodes,
		MAC:      cfg.MAC,
		Gateway:  cfg.GatewayMAC,
	})
	if err != nil {
		return nil, err
	}

	arpHandler, err := newGatewayARP(cfg.MAC, cfg.GatewayAddr)
	if err != nil {
		return nil, err
	}
	if err := s.eth.Register(arpHandler); err != nil {
		return nil, err
	}
	if err := s.eth.Register(s.ip); err != nil {
		return nil, err
	}

	s.ip.RegisterTCP(s.tcp)
	s.ip.RegisterUDP(s.udp)
	s.udp.Register(dhcpv4.DefaultServerPort, s.dhcp)
	s.udp.Register(dns.ServerPort, s.dns)

	bridge := &tlsmitm.Bridge{
		Store:    store,
		Policy:   pol,
		Resolver: resolver,
		Logger:   cfg.Logger,
	}
	mediate := func(ctx context.Context, conn net.Conn) {
		mediateFlow(ctx, conn, pol, cfg.Client, bridge, cfg.Logger)
	}

	pool := newConnPool(maxConnsPerSvc, cfg.Logger)
	for i, port := range [2]uint16{httpPort, httpsPort} {
		fa, err := newFlowAcceptor(port, pool, mediate)
		if err != nil {
			return nil, err
		}
		s.http[i] = fa
		s.tcp.Register(fa)
	}
	return s, nil
}

// Run starts the per-port TCP accept loops; it blocks until ctx is done.
func (s *Stack) Run(ctx context.Context) {
	for _, fa := range s.http {
		go fa.pollAccept(ctx)
	}
	<-ctx.Done()
}

// HandleFrame demuxes one raw ethernet frame read from the guest's
// tap/socket device.
func (s *Stack) HandleFrame(frame []byte) error {
	return s.eth.Demux(frame, 0)
}

// PollOutgoing asks the stack to encapsulate one pending outgoing ethernet
// frame (a DHCP offer/ack, a DNS answer, a mediated TCP segment, an ARP
// reply) into buf. It returns 0, nil when nothing is pending.
func (s *Stack) PollOutgoing(buf []byte) (int, error) {
	return s.eth.Encapsulate(buf, 0, 0)
}

// PollLoop repeatedly calls PollOutgoing and writes whatever it produces to
// w (a tap device or packet socket), sleeping briefly when nothing is
// pending. Meant to run on its own goroutine alongside Run.
func (s *Stack) PollLoop(ctx context.Context, buf []byte, write func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := s.PollOutgoing(buf)
		if err != nil {
			s.logAttr("stack-poll-error", err)
			continue
		}
		if n == 0 {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if err := write(buf[:n]); err != nil {
			return err
		}
	}
}

func (s *Stack) logAttr(msg string, err error) {
	Logger{log: s.logger}.warn(msg, slog.String("err", err.Error()))
}

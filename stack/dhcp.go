package stack

import (
	"net/netip"

	"github.com/qemunet/vmnet/dhcpv4"
)

// dhcpServer wraps dhcpv4.Server with the single-lease-pool configuration
// this mediator needs: one guest, gateway as router and DNS server, a
// configurable lease time.
type dhcpServer struct {
	srv dhcpv4.Server
}

// DHCPConfig configures the single-guest DHCP pool.
type DHCPConfig struct {
	GatewayAddr netip.Addr
	// LeasePrefix is the address range leases are handed out from, e.g.
	// 192.168.64.0/24. The gateway address itself is never leased.
	LeasePrefix netip.Prefix
	LeaseTime   uint32
}

func newDHCPServer(cfg DHCPConfig) (*dhcpServer, error) {
	d := &dhcpServer{}
	if err := d.reset(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dhcpServer) reset(cfg DHCPConfig) error {
	gw := cfg.GatewayAddr.As4()
	return d.srv.Configure(dhcpv4.ServerConfig{
		ServerAddr:   gw,
		Subnet:       cfg.LeasePrefix,
		Gateway:      gw,
		DNS:          gw, // DNS gate is co-located on the gateway address
		LeaseSeconds: cfg.LeaseTime,
	})
}

func (d *dhcpServer) ConnectionID() *uint64 { return d.srv.ConnectionID() }
func (d *dhcpServer) Protocol() uint64      { return d.srv.Protocol() }
func (d *dhcpServer) LocalPort() uint16     { return d.srv.LocalPort() }

func (d *dhcpServer) Demux(carrierData []byte, frameOffset int) error {
	return d.srv.Demux(carrierData, frameOffset)
}

func (d *dhcpServer) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	return d.srv.Encapsulate(carrierData, offsetToIP, offsetToFrame)
}

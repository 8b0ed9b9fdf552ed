package stack

import (
	"net/netip"

	"github.com/qemunet/vmnet/arp"
	"github.com/qemunet/vmnet/ethernet"
)

// newGatewayARP builds an arp.Handler answering ARP requests for the
// mediator's own gateway address. arp.Handler already satisfies
// internet.StackNode directly; this is just its constructor wired to the
// gateway's addresses.
func newGatewayARP(hwAddr [6]byte, gatewayAddr netip.Addr) (*arp.Handler, error) {
	addr := gatewayAddr.As4()
	return arp.NewHandler(arp.HandlerConfig{
		HardwareAddr: hwAddr[:],
		ProtocolAddr: addr[:],
		MaxQueries:   4,
		MaxPending:   4,
		HardwareType: 1, // ethernet
		ProtocolType: ethernet.TypeIPv4,
	})
}

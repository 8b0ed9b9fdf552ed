package stack

import (
	"net"

	"github.com/qemunet/vmnet/internet"
	"github.com/qemunet/vmnet/udp"
)

// udpDispatch is an internet.StackNode multiplexing UDP datagrams to
// registered port handlers, grounded on internet.StackUDPPort's port-match
// logic but fixed to StackNode's 3-argument Encapsulate contract (the
// teacher's StackUDPPort.Encapsulate takes 2 args and does not actually
// satisfy the interface it is meant to implement).
type udpDispatch struct {
	connID uint64
	ports  []udpPortSlot
}

type udpPortSlot struct {
	port   uint16
	rmport uint16 // last seen remote port, used to address replies
	node   internet.StackNode
}

func newUDPDispatch() *udpDispatch { return &udpDispatch{} }

func (d *udpDispatch) Register(port uint16, n internet.StackNode) {
	d.ports = append(d.ports, udpPortSlot{port: port, node: n})
}

func (d *udpDispatch) ConnectionID() *uint64 { return &d.connID }
func (d *udpDispatch) LocalPort() uint16     { return 0 }
func (d *udpDispatch) Protocol() uint64      { return 17 } // IPProtoUDP

func (d *udpDispatch) Demux(carrierData []byte, offset int) error {
	ufrm, err := udp.NewFrame(carrierData[offset:])
	if err != nil {
		return err
	}
	dst := ufrm.DestinationPort()
	for i := range d.ports {
		if d.ports[i].port == dst {
			d.ports[i].rmport = ufrm.SourcePort()
			return d.ports[i].node.Demux(carrierData, offset+8)
		}
	}
	return nil // no listener bound to this port, drop silently
}

func (d *udpDispatch) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	ufrm, err := udp.NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, err
	}
	for i := range d.ports {
		slot := &d.ports[i]
		n, err := slot.node.Encapsulate(carrierData, offsetToIP, offsetToFrame+8)
		if err != nil && err != net.ErrClosed {
			return 0, err
		}
		if n == 0 {
			continue
		}
		ufrm.SetSourcePort(slot.port)
		ufrm.SetDestinationPort(slot.rmport)
		ufrm.SetLength(uint16(8 + n))
		return 8 + n, nil
	}
	return 0, nil
}

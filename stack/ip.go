// Package stack composes the ethernet/ARP/IPv4/ICMP/UDP/TCP engines into
// one mediated host stack: DHCP server and gateway ARP responder to the
// guest, DNS gate, and an HTTP/TLS mediator fed by accepted TCP flows.
// Composition follows internet.StackEthernet/StackPorts's consistent
// handlers/node registry (internet/definitions.go); the IP layer itself is
// written fresh here because the teacher tree carries two mutually
// incompatible IP-dispatch prototypes (internet.StackBasic's Recv/Handle
// and internet.StackIP's newer GetByProto/checkEncapsulate API, neither of
// which implements internet.StackNode's Demux/Encapsulate contract that
// StackEthernet/StackPorts actually use).
package stack

import (
	"log/slog"
	"net/netip"

	"github.com/qemunet/vmnet"
	"github.com/qemunet/vmnet/internet"
	"github.com/qemunet/vmnet/ipv4"
	"github.com/qemunet/vmnet/ipv4/icmpv4"
	"github.com/qemunet/vmnet/tcp"
	"github.com/qemunet/vmnet/udp"
)

// ipDispatch is an internet.StackNode implementing IPv4 demux/encapsulate:
// ingress validates header size and checksum, answers ICMP echo requests
// directly, and dispatches TCP/UDP payloads to registered port-layer
// nodes by protocol number. Egress builds the IPv4 header (DF set, TTL
// 64, checksum) the way internet.StackBasic.Handle does.
type ipDispatch struct {
	connID   uint64
	ip       [4]byte
	nextID   uint16
	vld      lneto.Validator
	handlers ipHandlers
	log      Logger
}

// ipHandlers is a tiny protocol->node table; it does not need the general
// handlers/node registry's port matching, only protocol dispatch.
type ipHandlers struct {
	nodes [2]internet.StackNode // indices: tcp, udp
}

const (
	ipSlotTCP = 0
	ipSlotUDP = 1
)

func newIPDispatch(addr netip.Addr) *ipDispatch {
	return &ipDispatch{ip: addr.As4()}
}

func (d *ipDispatch) RegisterTCP(n internet.StackNode) { d.handlers.nodes[ipSlotTCP] = n }
func (d *ipDispatch) RegisterUDP(n internet.StackNode) { d.handlers.nodes[ipSlotUDP] = n }

func (d *ipDispatch) ConnectionID() *uint64 { return &d.connID }
func (d *ipDispatch) LocalPort() uint16     { return 0 }
func (d *ipDispatch) Protocol() uint64      { return 0x0800 } // ethernet.TypeIPv4

func (d *ipDispatch) Demux(carrierData []byte, offset int) error {
	ifrm, err := ipv4.NewFrame(carrierData[offset:])
	if err != nil {
		return err
	}
	d.vld.ResetErr()
	ifrm.ValidateExceptCRC(&d.vld)
	if err := d.vld.Err(); err != nil {
		return err
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return lneto.ErrBadCRC
	}
	dst := ifrm.DestinationAddr()
	if d.ip != ([4]byte{}) && *dst != d.ip && !isBroadcast4(*dst) {
		return nil // not meant for us
	}
	hl := ifrm.HeaderLength()
	proto := ifrm.Protocol()
	if proto == lneto.IPProtoICMP {
		return d.handleICMP(ifrm)
	}
	var node internet.StackNode
	switch proto {
	case lneto.IPProtoTCP:
		node = d.handlers.nodes[ipSlotTCP]
	case lneto.IPProtoUDP:
		node = d.handlers.nodes[ipSlotUDP]
	}
	if node == nil {
		return nil // no listener for this protocol, drop
	}
	return node.Demux(carrierData, offset+hl)
}

// Encapsulate writes one pending IPv4 packet whose payload is produced by
// whichever registered node has output, TCP first then UDP (TCP carries
// latency-sensitive mediated responses).
func (d *ipDispatch) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	ifrm, err := ipv4.NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, err
	}
	for slot, proto := range [2]lneto.IPProto{lneto.IPProtoTCP, lneto.IPProtoUDP} {
		node := d.handlers.nodes[slot]
		if node == nil {
			continue
		}
		hdrLen := 20
		n, err := node.Encapsulate(carrierData, offsetToFrame, offsetToFrame+hdrLen)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		d.writeHeader(ifrm, proto, uint16(hdrLen+n))
		var crc lneto.CRC791
		if proto == lneto.IPProtoTCP {
			ifrm.CRCWriteTCPPseudo(&crc)
			tfrm, err := tcp.NewFrame(ifrm.Payload())
			if err != nil {
				return 0, err
			}
			tfrm.SetCRC(tfrm.CRCWrite(&crc))
		} else {
			ifrm.CRCWriteUDPPseudo(&crc)
			ufrm, err := udp.NewFrame(ifrm.Payload())
			if err != nil {
				return 0, err
			}
			ufrm.SetCRC(ufrm.CRCWrite(&crc))
		}
		return hdrLen + n, nil
	}
	return 0, nil
}

func (d *ipDispatch) writeHeader(ifrm ipv4.Frame, proto lneto.IPProto, totalLen uint16) {
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(totalLen)
	d.nextID++
	ifrm.SetID(d.nextID)
	ifrm.SetFlags(ipv4.Flags(0x4000)) // DF bit set, no fragmentation emitted
	ifrm.SetTTL(64)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = d.ip
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
}

func (d *ipDispatch) handleICMP(ifrm ipv4.Frame) error {
	frm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	if frm.Type() != icmpv4.TypeEcho {
		return nil // only echo is mediated; anything else is dropped
	}
	echo := icmpv4.FrameEcho{Frame: frm}
	d.log.debug("icmp-echo-request", slog.Int("id", int(echo.Identifier())), slog.Int("seq", int(echo.SequenceNumber())))
	frm.SetType(icmpv4.TypeEchoReply)
	var crc lneto.CRC791
	frm.CRCWrite(&crc)
	frm.SetCRC(crc.Sum16())
	src := *ifrm.SourceAddr()
	*ifrm.SourceAddr() = d.ip
	*ifrm.DestinationAddr() = src
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return nil
}

func isBroadcast4(addr [4]byte) bool { return addr == [4]byte{255, 255, 255, 255} }

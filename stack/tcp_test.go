package stack

import (
	"encoding/binary"
	"testing"

	"github.com/qemunet/vmnet/tcp"
)

func buildSegment(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()
	buf := make([]byte, 40)
	frm, err := tcp.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(srcPort)
	frm.SetDestinationPort(dstPort)
	binary.BigEndian.PutUint16(buf[12:14], 5<<12) // data offset, no flags
	return buf
}

func TestTCPDispatchIgnoresUnregisteredPort(t *testing.T) {
	pool := newConnPool(2, nil)
	faHTTP, err := newFlowAcceptor(httpPort, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	faHTTPS, err := newFlowAcceptor(httpsPort, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := newTCPDispatch()
	d.Register(faHTTP)
	d.Register(faHTTPS)

	seg := buildSegment(t, 50000, 12345)
	if err := d.Demux(seg, 0); err != nil {
		t.Fatalf("demux to unregistered port should be a no-op, got error: %v", err)
	}
}

func TestTCPDispatchDelegatesAcceptorIdentity(t *testing.T) {
	pool := newConnPool(1, nil)
	fa, err := newFlowAcceptor(httpPort, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := newTCPDispatch()
	d.Register(fa)

	if got := fa.LocalPort(); got != httpPort {
		t.Errorf("want LocalPort %d, got %d", httpPort, got)
	}
	if got := fa.Protocol(); got != 6 {
		t.Errorf("want IPProtoTCP (6), got %d", got)
	}
	if fa.ConnectionID() == nil {
		t.Error("expected non-nil ConnectionID")
	}
}

func TestConnPoolReuse(t *testing.T) {
	pool := newConnPool(1, nil)
	c, iss := pool.GetTCP()
	if c == nil {
		t.Fatal("expected a free connection")
	}
	_ = iss
	if c2, _ := pool.GetTCP(); c2 != nil {
		t.Fatal("pool should be exhausted after taking its only connection")
	}
	pool.PutTCP(c)
	if c3, _ := pool.GetTCP(); c3 == nil {
		t.Fatal("expected connection to be reusable after PutTCP")
	}
}

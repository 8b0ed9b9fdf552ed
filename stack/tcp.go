package stack

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/qemunet/vmnet/classify"
	"github.com/qemunet/vmnet/httpmediator"
	"github.com/qemunet/vmnet/policy"
	"github.com/qemunet/vmnet/tcp"
	"github.com/qemunet/vmnet/tlsmitm"
)

const (
	connRxBufSize  = 16 << 10
	connTxBufSize  = 16 << 10
	connTxPackets  = 8
	maxConnsPerSvc = 16
)

// connPool is a fixed-size pool of pre-allocated tcp.Conn, satisfying
// tcp.Listener's pool interface. Grounded on internet/node-tcplistener.go's
// fixed-size conns slice, but kept separate from the Listener itself since
// tcp.Listener already owns incoming/accepted bookkeeping.
type connPool struct {
	conns []tcp.Conn
	inUse []bool
}

func newConnPool(n int, logger *slog.Logger) *connPool {
	p := &connPool{
		conns: make([]tcp.Conn, n),
		inUse: make([]bool, n),
	}
	for i := range p.conns {
		p.conns[i].Configure(tcp.ConnConfig{
			RxBuf:             make([]byte, connRxBufSize),
			TxBuf:             make([]byte, connTxBufSize),
			TxPacketQueueSize: connTxPackets,
			Logger:            logger,
		})
	}
	return p
}

func (p *connPool) GetTCP() (*tcp.Conn, tcp.Value) {
	for i := range p.conns {
		if !p.inUse[i] && p.conns[i].State().IsClosed() {
			p.inUse[i] = true
			return &p.conns[i], randomISS()
		}
	}
	return nil, 0
}

func (p *connPool) PutTCP(c *tcp.Conn) {
	for i := range p.conns {
		if &p.conns[i] == c {
			p.inUse[i] = false
			return
		}
	}
}

func randomISS() tcp.Value {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return tcp.Value(binary.BigEndian.Uint32(b[:]))
}

// flowAcceptor owns one tcp.Listener bound to a fixed guest-facing port
// (80 or 443) and drives each accepted flow through classification into
// either httpmediator or tlsmitm, one goroutine per flow.
type flowAcceptor struct {
	listener tcp.Listener
	pool     *connPool
	mediate  func(ctx context.Context, conn net.Conn)
}

func newFlowAcceptor(port uint16, pool *connPool, mediate func(context.Context, net.Conn)) (*flowAcceptor, error) {
	fa := &flowAcceptor{pool: pool, mediate: mediate}
	if err := fa.listener.Reset(port, pool); err != nil {
		return nil, err
	}
	return fa, nil
}

func (fa *flowAcceptor) LocalPort() uint16     { return fa.listener.LocalPort() }
func (fa *flowAcceptor) ConnectionID() *uint64 { return fa.listener.ConnectionID() }
func (fa *flowAcceptor) Protocol() uint64      { return fa.listener.Protocol() }

func (fa *flowAcceptor) Demux(carrierData []byte, offset int) error {
	return fa.listener.Demux(carrierData, offset)
}

func (fa *flowAcceptor) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	return fa.listener.Encapsulate(carrierData, offsetToIP, offsetToFrame)
}

// pollAccept polls the listener for newly-established connections and spawns
// one mediation goroutine per flow. Meant to run on its own goroutine,
// mirroring internet/node-tcplistener.go's AcceptRaw polling loop.
func (fa *flowAcceptor) pollAccept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := fa.listener.TryAccept()
		if err != nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		nc := &connAdapter{c: conn, localPort: fa.listener.LocalPort()}
		go func() {
			defer fa.pool.PutTCP(conn)
			defer conn.Close()
			fa.mediate(ctx, nc)
		}()
	}
}

// connAdapter presents a *tcp.Conn as a net.Conn, since tcp.Conn's
// RemoteAddr/LocalAddr return raw address bytes rather than net.Addr.
type connAdapter struct {
	c         *tcp.Conn
	localPort uint16
}

func (a *connAdapter) Read(b []byte) (int, error)  { return a.c.Read(b) }
func (a *connAdapter) Write(b []byte) (int, error) { return a.c.Write(b) }
func (a *connAdapter) Close() error                { return a.c.Close() }

func (a *connAdapter) LocalAddr() net.Addr {
	return &net.TCPAddr{Port: int(a.localPort)}
}

func (a *connAdapter) RemoteAddr() net.Addr {
	raw := a.c.RemoteAddr()
	if len(raw) != 4 {
		return &net.TCPAddr{Port: int(a.c.RemotePort())}
	}
	return &net.TCPAddr{IP: net.IP(raw), Port: int(a.c.RemotePort())}
}

func (a *connAdapter) SetDeadline(t time.Time) error      { return a.c.SetDeadline(t) }
func (a *connAdapter) SetReadDeadline(t time.Time) error  { return a.c.SetReadDeadline(t) }
func (a *connAdapter) SetWriteDeadline(t time.Time) error { return a.c.SetWriteDeadline(t) }

// mediateFlow sniffs conn's first bytes to classify it as TLS or plain
// HTTP/1.x, then hands it to tlsmitm.Bridge or httpmediator.Mediator.
// Grounded on classify.Classify's contract: it never consumes the buffered
// prefix, so the sniffed bytes are replayed via io.MultiReader.
func mediateFlow(ctx context.Context, conn net.Conn, pol *policy.Engine, client httpmediator.HTTPDoer, bridge *tlsmitm.Bridge, logger *slog.Logger) {
	buf := make([]byte, 0, classify.MaxSniffBytes)
	tmp := make([]byte, 512)
	for {
		n, err := conn.Read(tmp)
		buf = append(buf, tmp[:n]...)
		idle := err != nil
		verdict := classify.Classify(buf, idle)
		if verdict == classify.Pending {
			if err != nil {
				return
			}
			continue
		}
		replay := io.MultiReader(newBytesReader(buf), conn)
		switch verdict {
		case classify.TLS:
			bridge.Run(ctx, &replayConn{Conn: conn, r: replay})
		case classify.HTTP:
			med := &httpmediator.Mediator{Policy: pol, Client: client, Scheme: "http", Logger: logger}
			med.Serve(replay, conn)
		default:
			// Rejected: neither HTTP nor TLS, or CONNECT. Drop the flow.
		}
		return
	}
}

func newBytesReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b   []byte
	off int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// replayConn lets tlsmitm.Bridge.Run read the sniffed prefix back before
// falling through to the live connection, while still writing/closing
// through the original net.Conn.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (rc *replayConn) Read(b []byte) (int, error) { return rc.r.Read(b) }

// tcpDispatch multiplexes TCP segments to the registered flow acceptors by
// destination port (80, 443), mirroring udpDispatch's shape.
type tcpDispatch struct {
	connID    uint64
	acceptors []*flowAcceptor
}

func newTCPDispatch() *tcpDispatch { return &tcpDispatch{} }

func (d *tcpDispatch) Register(fa *flowAcceptor) { d.acceptors = append(d.acceptors, fa) }

func (d *tcpDispatch) ConnectionID() *uint64 { return &d.connID }
func (d *tcpDispatch) LocalPort() uint16     { return 0 }
func (d *tcpDispatch) Protocol() uint64      { return 6 } // IPProtoTCP

func (d *tcpDispatch) Demux(carrierData []byte, offset int) error {
	tfrm, err := tcp.NewFrame(carrierData[offset:])
	if err != nil {
		return err
	}
	dst := tfrm.DestinationPort()
	for _, fa := range d.acceptors {
		if fa.LocalPort() == dst {
			return fa.Demux(carrierData, offset)
		}
	}
	return nil
}

func (d *tcpDispatch) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	for _, fa := range d.acceptors {
		n, err := fa.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if n != 0 || err != nil {
			return n, err
		}
	}
	return 0, nil
}

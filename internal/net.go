//go:build !tinygo

package internal

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func interfaceByName(name string) (*net.Interface, error) {
	return net.InterfaceByName(name)
}

// SetDgramBuffers raises the send/receive buffer sizes on a connected-mode
// datagram socket (the QEMU -netdev socket backend) past the Linux default,
// which otherwise silently drops frames under burst load from a busy guest.
func SetDgramBuffers(conn *net.UnixConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bytes); e != nil {
			serr = e
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if err != nil {
		return err
	}
	return serr
}

// QEMUSocket is a QEMU "-netdev socket" backend: a connected Unix datagram
// socket carrying one whole ethernet frame per read/write, with no kernel
// interface behind it. Unlike Tap, the kernel assigns it no name, hardware
// address, or MTU, so DialQEMUSocket's caller supplies its own.
type QEMUSocket struct {
	conn *net.UnixConn
	mac  [6]byte
	mtu  int
}

// DialQEMUSocket connects to a QEMU -netdev socket backend listening on a
// Unix datagram socket at path (e.g. started with "-netdev
// socket,connect=/run/vmnet.sock"), and raises its socket buffers to
// bufBytes via SetDgramBuffers so a bursty guest doesn't silently drop
// frames under the Linux default buffer size.
func DialQEMUSocket(path string, mac [6]byte, mtu, bufBytes int) (*QEMUSocket, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("dialing qemu socket backend: %w", err)
	}
	if err := SetDgramBuffers(conn, bufBytes); err != nil {
		conn.Close()
		return nil, fmt.Errorf("raising qemu socket buffers: %w", err)
	}
	return &QEMUSocket{conn: conn, mac: mac, mtu: mtu}, nil
}

func (s *QEMUSocket) Read(b []byte) (int, error)  { return s.conn.Read(b) }
func (s *QEMUSocket) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s *QEMUSocket) Close() error                { return s.conn.Close() }

func (s *QEMUSocket) HardwareAddress6() ([6]byte, error) { return s.mac, nil }
func (s *QEMUSocket) MTU() (int, error)                  { return s.mtu, nil }

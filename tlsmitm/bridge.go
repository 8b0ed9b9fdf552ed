// Package tlsmitm terminates the guest's TLS handshake against a
// locally-issued leaf certificate, opens an independent TLS handshake to
// the real origin, and splices an httpmediator.Mediator between the two
// decrypted streams. Grounded on other_examples' strongdm-leash
// handleTransparentHTTPS/forwardTransparentHTTPS pair.
package tlsmitm

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"

	"github.com/qemunet/vmnet/httpmediator"
	"github.com/qemunet/vmnet/mitm"
	"github.com/qemunet/vmnet/neterr"
	"github.com/qemunet/vmnet/policy"
)

// Resolver re-resolves a hostname on the host side, independent of any
// answer the guest might have cached, to defeat DNS rebinding.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Bridge wires together a certificate store, a policy engine and a host
// resolver to mediate one TLS flow at a time.
type Bridge struct {
	Store    *mitm.Store
	Policy   *policy.Engine
	Resolver Resolver
	Hooks    httpmediator.Hooks
	Logger   *slog.Logger
}

// Run terminates the guest TLS handshake on conn (whose ClientHello has
// already been classified as TLS but not yet consumed), dials the real
// origin, and mediates HTTP traffic between them until either side closes.
// conn must present the buffered ClientHello bytes to tls.Server via its
// own Read method (the flow's classification buffer must have been left
// unconsumed, or replayed with io.MultiReader by the caller).
func (b *Bridge) Run(ctx context.Context, conn net.Conn) error {
	serverConf := b.Store.ServerConfig()
	tlsConn := tls.Server(conn, serverConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tlsmitm: guest handshake: %w", err)
	}
	defer tlsConn.Close()

	sni := tlsConn.ConnectionState().ServerName
	if sni == "" {
		return neterr.New(neterr.ReasonClassifyAmbiguous, "no SNI presented")
	}

	resolvedIP, err := b.resolveAndDecide(ctx, sni)
	if err != nil {
		writeSynthetic502(tlsConn, err)
		return fmt.Errorf("tlsmitm: origin dial: %w", err)
	}

	med := &httpmediator.Mediator{
		Policy:     b.Policy,
		Client:     pinnedClient(resolvedIP),
		Hooks:      b.Hooks,
		Scheme:     "https",
		ResolvedIP: resolvedIP,
		Logger:     b.Logger,
	}
	return med.Serve(tlsConn, tlsConn)
}

// resolveAndDecide re-resolves sni on the host side (ignoring anything the
// guest might believe) and runs the policy decision against the resolved
// address, the same pin later used to dial the origin.
func (b *Bridge) resolveAndDecide(ctx context.Context, sni string) (netip.Addr, error) {
	addrs, err := b.Resolver.LookupNetIP(ctx, "ip", sni)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, neterr.New(neterr.ReasonOriginUnreachable, "dns lookup failed")
	}
	pinned := addrs[0]

	decision := b.Policy.Decide(policy.Request{
		Scheme:     "https",
		Host:       sni,
		Port:       443,
		ResolvedIP: pinned,
	})
	if !decision.Allow {
		return netip.Addr{}, decision.Reason
	}
	return pinned, nil
}

// pinnedClient builds an *http.Client whose Transport dials ip directly for
// every connection it opens, regardless of what the request's Host header
// or TLS ServerName later re-resolve to. This is what actually enforces the
// DNS-rebind pin: the mediator's http.Client never re-resolves the origin
// hostname on its own, it only ever reaches resolvedIP.
func pinnedClient(ip netip.Addr) *http.Client {
	dialer := &net.Dialer{}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				_, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			},
		},
	}
}

func writeSynthetic502(w io.Writer, cause error) {
	const body = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 15\r\nConnection: close\r\n\r\norigin blocked\n"
	_, _ = w.Write([]byte(body))
}

// Package httpmediator terminates HTTP/1.1 on a guest-facing byte stream,
// applies policy and secret substitution, and re-issues the request
// through a host-side HTTP client, streaming the response back. The
// parsing approach mirrors other_examples' strongdm-leash transparent
// proxy: stdlib http.ReadRequest over a bufio.Reader fed by whatever
// carries the decrypted/plaintext guest bytes.
package httpmediator

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/qemunet/vmnet/policy"
)

// HTTPDoer is satisfied by *http.Client; kept as an interface so the
// mediator never depends on the concrete client, the same boundary spec.md
// §9 calls out as an external collaborator.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Hooks lets a caller observe or rewrite requests/responses before they
// cross the mediation boundary. Both fields may be nil.
type Hooks struct {
	OnRequest  func(*http.Request)
	OnResponse func(*http.Response)
}

// Mediator drives one guest TCP flow's HTTP/1.1 traffic, request after
// request, until the stream closes.
type Mediator struct {
	Policy *policy.Engine
	Client HTTPDoer
	Hooks  Hooks
	Scheme string // "http" or "https", set by the caller (classify/tlsmitm)
	// ResolvedIP is the host-re-resolved origin address used for the policy
	// decision; tlsmitm and the plain HTTP path set this once per flow.
	ResolvedIP netip.Addr
	Logger     *slog.Logger
}

// Serve reads requests off r and writes responses to w until EOF, a
// connection error, or the stream is no longer keep-alive. It never
// returns a non-nil error for a cleanly closed connection (io.EOF).
func (m *Mediator) Serve(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("httpmediator: read request: %w", err)
		}
		keepAlive := req.Close == false && (req.ProtoAtLeast(1, 1) || strings.EqualFold(req.Header.Get("Connection"), "keep-alive"))
		if err := m.handle(req, w); err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

func (m *Mediator) handle(req *http.Request, w io.Writer) error {
	host := req.Host
	if req.URL.Host != "" {
		host = req.URL.Host
	}
	host, port := splitHostPort(host, m.defaultPort())

	for name, values := range req.Header {
		for i, v := range values {
			substituted, serr := m.Policy.Substitute(host, v)
			if serr != nil {
				m.logf("secret substitution blocked", "host", host, "err", serr)
				return m.writeSynthetic(w, req, 403, "secret not permitted for this host")
			}
			values[i] = substituted
		}
		req.Header[name] = values
	}

	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return m.writeSynthetic(w, req, 400, "bad request body")
		}
		substituted, serr := m.Policy.Substitute(host, string(body))
		if serr != nil {
			m.logf("secret substitution blocked", "host", host, "err", serr)
			return m.writeSynthetic(w, req, 403, "secret not permitted for this host")
		}
		req.Body = io.NopCloser(strings.NewReader(substituted))
		req.ContentLength = int64(len(substituted))
	}

	decision := m.Policy.Decide(policy.Request{
		Method:     req.Method,
		Scheme:     m.Scheme,
		Host:       host,
		Port:       port,
		ResolvedIP: m.ResolvedIP,
	})
	if !decision.Allow {
		m.logf("blocked", "host", host, "reason", decision.Reason)
		return m.writeSynthetic(w, req, decision.Reason.StatusCode(), decision.Reason.Error())
	}

	req.URL.Scheme = m.Scheme
	req.URL.Host = host
	req.RequestURI = ""
	if m.Hooks.OnRequest != nil {
		m.Hooks.OnRequest(req)
	}

	resp, err := m.Client.Do(req)
	if err != nil {
		m.logf("upstream request failed", "host", host, "err", err)
		return m.writeSynthetic(w, req, 502, "upstream request failed")
	}
	if m.Hooks.OnResponse != nil {
		m.Hooks.OnResponse(resp)
	}
	defer resp.Body.Close()
	return resp.Write(w)
}

func (m *Mediator) defaultPort() uint16 {
	if m.Scheme == "https" {
		return 443
	}
	return 80
}

func splitHostPort(hostport string, defaultPort uint16) (string, uint16) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	p, perr := strconv.ParseUint(portStr, 10, 16)
	if perr != nil {
		return host, defaultPort
	}
	return host, uint16(p)
}

func (m *Mediator) writeSynthetic(w io.Writer, req *http.Request, status int, reason string) error {
	resp := &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}, "Connection": {"close"}},
		Body:       io.NopCloser(strings.NewReader(reason)),
		Request:    req,
	}
	resp.ContentLength = int64(len(reason))
	return resp.Write(w)
}

func (m *Mediator) logf(msg string, args ...any) {
	if m.Logger != nil {
		m.Logger.Warn(msg, args...)
	}
}

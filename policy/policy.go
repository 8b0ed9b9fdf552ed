// Package policy decides whether a mediated flow may reach a host and
// performs secret-placeholder substitution scoped to the same allowlist.
// Host matching is hand-rolled per-label comparison rather than regexp,
// following the small-matcher style of lneto's own validation code.
package policy

import (
	"net/netip"
	"strings"

	"golang.org/x/net/idna"

	"github.com/qemunet/vmnet/neterr"
)

// Request describes one mediation decision point: a guest flow asking to
// reach host:port over a given scheme, already resolved to an IP.
type Request struct {
	Method     string // HTTP method, empty for TLS-only decisions.
	Scheme     string // "http" or "https"
	Host       string // normalized hostname, no port
	Port       uint16
	ResolvedIP netip.Addr
}

// Decision is the outcome of Engine.Decide.
type Decision struct {
	Allow  bool
	Reason *neterr.Error // non-nil when Allow is false
}

// SecretBinding maps a placeholder token to a real secret value, scoped to
// the hosts it may be substituted into.
type SecretBinding struct {
	Name        string // placeholder token, e.g. "{{API_KEY}}"
	Value       string
	AllowedHost string // literal or wildcard pattern, same syntax as allowlist entries
}

// PortPolicy lists the allowed destination ports per scheme.
type PortPolicy struct {
	HTTP []uint16
	TLS  []uint16
}

func defaultPortPolicy() PortPolicy {
	return PortPolicy{HTTP: []uint16{80}, TLS: []uint16{443}}
}

// Config configures a new Engine.
type Config struct {
	// AllowedHosts lists literal and wildcard host patterns. A pattern
	// label of "*" matches exactly one DNS label, so "api.*.net" matches
	// "api.eu.net" but not "api.eu.west.net".
	AllowedHosts []string
	Secrets      []SecretBinding
	Ports PortPolicy // zero value defaults to {80},{443}
	// AllowInternal disables the internal-address block, for test harnesses
	// that dial loopback origins. Production configuration leaves it false.
	AllowInternal bool
}

// Engine is the policy decision point shared by the HTTP mediator and the
// TLS MITM bridge.
type Engine struct {
	allowed       []hostPattern
	secrets       map[string]SecretBinding // keyed by Name
	ports         PortPolicy
	blockInternal bool
}

type hostPattern struct {
	labels []string // leaf to root order, "*" for a wildcard label
}

func New(cfg Config) *Engine {
	e := &Engine{
		ports:         cfg.Ports,
		blockInternal: true,
		secrets:       make(map[string]SecretBinding, len(cfg.Secrets)),
	}
	if cfg.Ports.HTTP == nil && cfg.Ports.TLS == nil {
		e.ports = defaultPortPolicy()
	}
	e.blockInternal = !cfg.AllowInternal
	for _, h := range cfg.AllowedHosts {
		e.allowed = append(e.allowed, compileHostPattern(h))
	}
	for _, s := range cfg.Secrets {
		e.secrets[s.Name] = s
	}
	return e
}

func compileHostPattern(pattern string) hostPattern {
	norm := normalizeHost(pattern)
	parts := strings.Split(norm, ".")
	labels := make([]string, len(parts))
	for i, p := range parts {
		labels[len(parts)-1-i] = p // reverse: index 0 is the TLD/root label
	}
	return hostPattern{labels: labels}
}

// normalizeHost lowercases, strips a trailing dot, and ASCII-folds via IDNA
// so Unicode and Punycode hostnames compare equal.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

// matches reports whether host (already normalized) matches pattern p,
// where "*" in a pattern label matches any single label at that position.
func (p hostPattern) matches(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != len(p.labels) {
		return false
	}
	for i, label := range p.labels {
		hostLabel := parts[len(parts)-1-i]
		if label != "*" && label != hostLabel {
			return false
		}
	}
	return true
}

// CheckHost reports whether host is present in the allowlist.
func (e *Engine) CheckHost(host string) bool {
	host = normalizeHost(host)
	for _, p := range e.allowed {
		if p.matches(host) {
			return true
		}
	}
	return false
}

// CheckAddr reports whether addr is allowed, that is, valid and outside every
// blocked internal range (always true when AllowInternal is set): private
// (RFC1918), loopback, link-local, CGNAT (100.64.0.0/10), multicast,
// unspecified ("this network"), or broadcast-by-convention /32 of
// 255.255.255.255. IPv6 unique-local and link-local are blocked the same
// way via the stdlib predicates.
func (e *Engine) CheckAddr(addr netip.Addr) bool {
	if !e.blockInternal {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() || addr.IsUnspecified() || addr.IsPrivate() {
		return false
	}
	if addr.Is4() && cgnat.Contains(addr) {
		return false
	}
	if addr.Is4() && addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return false
	}
	return true
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func (e *Engine) portAllowed(scheme string, port uint16) bool {
	var list []uint16
	switch scheme {
	case "https", "tls":
		list = e.ports.TLS
	default:
		list = e.ports.HTTP
	}
	for _, p := range list {
		if p == port {
			return true
		}
	}
	return false
}

// Decide is the single mediation checkpoint: host allowlist, resolved-IP
// internal-range block, then port policy, in that order so the most
// actionable error reaches the caller first.
func (e *Engine) Decide(req Request) Decision {
	if !e.CheckHost(req.Host) {
		return Decision{Reason: neterr.New(neterr.ReasonHostNotAllowed, req.Host)}
	}
	if !e.CheckAddr(req.ResolvedIP) {
		return Decision{Reason: neterr.New(neterr.ReasonInternalAddress, req.ResolvedIP.String())}
	}
	if !e.portAllowed(req.Scheme, req.Port) {
		return Decision{Reason: neterr.New(neterr.ReasonPortNotAllowed, req.Host)}
	}
	return Decision{Allow: true}
}

// Substitute replaces every known placeholder token in body with its real
// secret value, but only when host is itself allowlisted for that binding;
// placeholders destined for any other host are left untouched and reported
// as an error so the mediator can refuse the request outright.
func (e *Engine) Substitute(host, body string) (string, error) {
	host = normalizeHost(host)
	for token, binding := range e.secrets {
		if !strings.Contains(body, token) {
			continue
		}
		if !compileHostPattern(binding.AllowedHost).matches(host) {
			return "", neterr.New(neterr.ReasonHostNotAllowed, "secret "+token+" not allowed for "+host)
		}
		body = strings.ReplaceAll(body, token, binding.Value)
	}
	return body, nil
}

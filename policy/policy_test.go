package policy

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/qemunet/vmnet/neterr"
)

func newTestEngine() *Engine {
	return New(Config{
		AllowedHosts: []string{"api.github.com", "*.githubusercontent.com"},
		Secrets: []SecretBinding{
			{Name: "$TOKEN", Value: "sk-real", AllowedHost: "api.github.com"},
		},
	})
}

func reasonOf(t *testing.T, err error) neterr.Reason {
	t.Helper()
	nerr, ok := err.(*neterr.Error)
	if !ok {
		t.Fatalf("error is not *neterr.Error: %T %v", err, err)
	}
	return nerr.Reason
}

func TestDecideAllowsLiteralAndWildcardHost(t *testing.T) {
	e := newTestEngine()
	public := netip.MustParseAddr("140.82.112.3")

	for _, host := range []string{"api.github.com", "raw.githubusercontent.com"} {
		d := e.Decide(Request{Scheme: "https", Host: host, Port: 443, ResolvedIP: public})
		if !d.Allow {
			t.Errorf("host %q: want allow, got blocked: %v", host, d.Reason)
		}
	}
}

func TestDecideRejectsHostNotAllowed(t *testing.T) {
	e := newTestEngine()
	d := e.Decide(Request{Scheme: "https", Host: "evil.example.com", Port: 443})
	if d.Allow {
		t.Fatal("want blocked, got allowed")
	}
	if got := reasonOf(t, d.Reason); got != neterr.ReasonHostNotAllowed {
		t.Errorf("want ReasonHostNotAllowed, got %v", got)
	}
	if d.Reason.StatusCode() != 403 {
		t.Errorf("want 403, got %d", d.Reason.StatusCode())
	}
}

func TestDecideRejectsInternalAddress(t *testing.T) {
	e := newTestEngine()
	internal := netip.MustParseAddr("10.0.0.5")
	d := e.Decide(Request{Scheme: "https", Host: "api.github.com", Port: 443, ResolvedIP: internal})
	if d.Allow {
		t.Fatal("want blocked, got allowed")
	}
	if got := reasonOf(t, d.Reason); got != neterr.ReasonInternalAddress {
		t.Errorf("want ReasonInternalAddress, got %v", got)
	}
}

func TestDecideAllowsInternalAddressWhenConfigured(t *testing.T) {
	e := New(Config{AllowedHosts: []string{"localhost"}, AllowInternal: true})
	loopback := netip.MustParseAddr("127.0.0.1")
	d := e.Decide(Request{Scheme: "http", Host: "localhost", Port: 80, ResolvedIP: loopback})
	if !d.Allow {
		t.Fatalf("want allow with AllowInternal, got blocked: %v", d.Reason)
	}
}

func TestDecideRejectsDisallowedPort(t *testing.T) {
	e := newTestEngine()
	public := netip.MustParseAddr("140.82.112.3")
	d := e.Decide(Request{Scheme: "https", Host: "api.github.com", Port: 8443, ResolvedIP: public})
	if d.Allow {
		t.Fatal("want blocked, got allowed")
	}
	if got := reasonOf(t, d.Reason); got != neterr.ReasonPortNotAllowed {
		t.Errorf("want ReasonPortNotAllowed, got %v", got)
	}
}

// TestSubstituteInjectsSecretOnAllowedHost exercises spec's seed scenario 1:
// a guest-visible placeholder in a header or body is replaced with the real
// secret value only when the destination host is itself allowed for that
// binding.
func TestSubstituteInjectsSecretOnAllowedHost(t *testing.T) {
	e := newTestEngine()
	out, err := e.Substitute("api.github.com", "Bearer $TOKEN")
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	if out != "Bearer sk-real" {
		t.Fatalf("want substituted secret, got %q", out)
	}
	if strings.Contains(out, "$TOKEN") {
		t.Fatal("placeholder must never survive substitution on an allowed host")
	}
}

func TestSubstituteBlocksSecretOnDisallowedHost(t *testing.T) {
	e := newTestEngine()
	_, err := e.Substitute("evil.example.com", "Bearer $TOKEN")
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if got := reasonOf(t, err); got != neterr.ReasonHostNotAllowed {
		t.Errorf("want ReasonHostNotAllowed, got %v", got)
	}
}

func TestSubstituteIsNoopWithoutPlaceholder(t *testing.T) {
	e := newTestEngine()
	out, err := e.Substitute("api.github.com", "no secrets here")
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	if out != "no secrets here" {
		t.Errorf("unexpected rewrite: %q", out)
	}
}

func TestSubstituteHandlesMultipleSecrets(t *testing.T) {
	e := New(Config{
		AllowedHosts: []string{"api.example.com"},
		Secrets: []SecretBinding{
			{Name: "$TOKEN", Value: "tok-real", AllowedHost: "api.example.com"},
			{Name: "$ORG", Value: "org-real", AllowedHost: "api.example.com"},
		},
	})
	out, err := e.Substitute("api.example.com", "$TOKEN for $ORG")
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	if out != "tok-real for org-real" {
		t.Fatalf("want both secrets substituted, got %q", out)
	}
}

package stack

import (
	"context"
	"net/netip"
	"testing"

	"github.com/qemunet/vmnet/dns"
	"github.com/qemunet/vmnet/policy"
)

type fakeResolver struct {
	addrs map[string][]netip.Addr
}

func (r *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	return r.addrs[host], nil
}

func buildQuery(t *testing.T, name string) []byte {
	t.Helper()
	n, err := dns.NewName(name)
	if err != nil {
		t.Fatal(err)
	}
	msg := dns.Message{Questions: []dns.Question{{Name: n, Type: dns.TypeA, Class: dns.ClassINET}}}
	buf, err := msg.AppendTo(nil, 42, dns.NewClientHeaderFlags(0, true))
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestDNSGateAllowedHostResolves(t *testing.T) {
	pol := policy.New(policy.Config{AllowedHosts: []string{"example.com"}})
	resolver := &fakeResolver{addrs: map[string][]netip.Addr{
		"example.com": {netip.MustParseAddr("93.184.216.34")},
	}}
	gate := newDNSGate(resolver, pol, nil)

	query := buildQuery(t, "example.com")
	carrier := make([]byte, len(query))
	copy(carrier, query)
	if err := gate.Demux(carrier, 0); err != nil {
		t.Fatalf("Demux: %v", err)
	}

	buf := make([]byte, 512)
	n, err := gate.Encapsulate(buf, -1, 0)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a response")
	}

	var resp dns.Message
	if _, _, err := resp.Decode(buf[:n]); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Answers) != 1 {
		t.Fatalf("want 1 answer, got %d", len(resp.Answers))
	}
	if got := resp.Answers[0].RawData(); len(got) != 4 || got[0] != 93 {
		t.Errorf("unexpected answer data: %v", got)
	}
}

func TestDNSGateBlockedHostReturnsNoAnswer(t *testing.T) {
	pol := policy.New(policy.Config{AllowedHosts: []string{"example.com"}})
	resolver := &fakeResolver{addrs: map[string][]netip.Addr{
		"blocked.test": {netip.MustParseAddr("10.0.0.1")},
	}}
	gate := newDNSGate(resolver, pol, nil)

	query := buildQuery(t, "blocked.test")
	carrier := make([]byte, len(query))
	copy(carrier, query)
	if err := gate.Demux(carrier, 0); err != nil {
		t.Fatalf("Demux: %v", err)
	}

	buf := make([]byte, 512)
	n, err := gate.Encapsulate(buf, -1, 0)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	var resp dns.Message
	if _, _, err := resp.Decode(buf[:n]); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Answers) != 0 {
		t.Errorf("blocked host should get no answers, got %d", len(resp.Answers))
	}
}

func TestDNSGateEncapsulateWithoutPendingQuery(t *testing.T) {
	gate := newDNSGate(&fakeResolver{}, policy.New(policy.Config{}), nil)
	buf := make([]byte, 64)
	n, err := gate.Encapsulate(buf, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes with no pending query, got %d", n)
	}
}

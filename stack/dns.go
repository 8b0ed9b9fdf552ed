package stack

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/qemunet/vmnet/dns"
	"github.com/qemunet/vmnet/policy"
)

// Resolver re-resolves a hostname on the host side. Same shape as
// tlsmitm.Bridge's Resolver, reused here so both components can be backed by
// a single *net.Resolver in the top-level Stack.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

const dnsAnswerTTL = 60

// dnsGate answers guest DNS queries over UDP port 53, resolving A records
// against the host resolver and gating every answer through the policy
// engine before it reaches the guest: a blocked host resolves to NXDOMAIN
// rather than its real address, and an allowed host whose address fails
// CheckAddr (e.g. it resolves into RFC1918 space) is dropped the same way.
// Grounded on dhcpv4.Server's single-pending-response shape: Demux decodes
// one query and stashes it, Encapsulate drains it on the next poll.
type dnsGate struct {
	connID   uint64
	resolver Resolver
	policy   *policy.Engine
	logger   Logger

	mu      sync.Mutex
	pending bool
	txid    uint16
	rmport  uint16
	query   dns.Question
	msg     dns.Message
}

func newDNSGate(resolver Resolver, pol *policy.Engine, log *slog.Logger) *dnsGate {
	return &dnsGate{
		resolver: resolver,
		policy:   pol,
		logger:   Logger{log: log},
		msg: dns.Message{
			Questions: make([]dns.Question, 0, 1),
			Answers:   make([]dns.Resource, 0, 1),
		},
	}
}

func (g *dnsGate) ConnectionID() *uint64 { return &g.connID }
func (g *dnsGate) Protocol() uint64      { return 17 } // IPProtoUDP
func (g *dnsGate) LocalPort() uint16     { return dns.ServerPort }

// Demux decodes the query's first question. Only single-question queries are
// served, matching what stub resolvers in guest OSes actually send.
func (g *dnsGate) Demux(carrierData []byte, frameOffset int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := carrierData[frameOffset:]
	frm := dns.NewFrame(buf)
	g.msg.Reset()
	_, _, err := g.msg.Decode(buf)
	if err != nil {
		return err
	}
	if len(g.msg.Questions) == 0 {
		return nil
	}
	g.query.CopyFrom(g.msg.Questions[0])
	g.txid = frm.TxID()
	g.pending = true
	return nil
}

// Encapsulate drains a pending query synchronously against the host
// resolver. The top-level Stack calls this from the same goroutine that
// drives the guest-facing poll loop, so the lookup's latency is visible to
// the guest as DNS latency, same as talking to a real upstream resolver.
func (g *dnsGate) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	g.mu.Lock()
	if !g.pending {
		g.mu.Unlock()
		return 0, nil
	}
	query := g.query
	txid := g.txid
	g.pending = false
	g.mu.Unlock()

	host := trimDottedName(query.Name.String())
	rcode := dns.RCodeSuccess
	var answers []dns.Resource
	if query.Type != dns.TypeA || !g.policy.CheckHost(host) {
		rcode = dns.RCodeNameError
	} else {
		addrs, err := g.resolver.LookupNetIP(context.Background(), "ip4", host)
		if err != nil || len(addrs) == 0 {
			rcode = dns.RCodeNameError
		} else {
			for _, a := range addrs {
				if !a.Is4() || !g.policy.CheckAddr(a) {
					continue
				}
				ip4 := a.As4()
				answers = append(answers, dns.NewResource(query.Name, dns.TypeA, dns.ClassINET, dnsAnswerTTL, ip4[:]))
				break // one answer is enough for a sandboxed guest
			}
			if len(answers) == 0 {
				rcode = dns.RCodeNameError
			}
		}
	}
	g.logger.debug("dns answer", slog.String("host", host), slog.Int("rcode", int(rcode)), slog.Int("answers", len(answers)))

	resp := dns.Message{Questions: []dns.Question{query}, Answers: answers}
	flags := dns.NewServerHeaderFlags(0, rcode, false, true)
	out, err := resp.AppendTo(carrierData[offsetToFrame:offsetToFrame], txid, flags)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// trimDottedName strips the trailing root-label dot dns.Name.String adds.
func trimDottedName(s string) string {
	if n := len(s); n > 0 && s[n-1] == '.' {
		return s[:n-1]
	}
	return s
}

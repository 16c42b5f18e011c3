// Package dnsserver implements the local authoritative/forwarding DNS
// resolver: static A/AAAA answers for agent-published and
// reconciler-tracked domains, an ad-block NXDOMAIN short-circuit, and
// upstream forwarding for everything else. LAN clients are pointed
// here by the RA sender's RDNSS option, so this is the network's only
// outbound DNS path and the block set applies network-wide. The
// upstream forwarder sits behind an interface so the handler is
// testable without a real resolver.
package dnsserver

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Records is the in-memory domain → addresses table this server answers
// from, mutated by the agent sockets' PublishRoutes handling and by
// the prefix reconciler's AAAA bookkeeping.
type Records struct {
	mu   sync.RWMutex
	ipv4 map[string][]net.IP
	ipv6 map[string][]net.IP
}

// NewRecords constructs an empty table.
func NewRecords() *Records {
	return &Records{ipv4: make(map[string][]net.IP), ipv6: make(map[string][]net.IP)}
}

// SetA installs one or more A records for name (fully-qualified, e.g.
// "hello.home.arpa."), replacing any previous value.
func (r *Records) SetA(name string, addrs ...net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ipv4[dns.Fqdn(name)] = addrs
}

// SetAAAA installs one or more AAAA records for name.
func (r *Records) SetAAAA(name string, addrs ...net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ipv6[dns.Fqdn(name)] = addrs
}

// Remove deletes every record (A and AAAA) for name.
func (r *Records) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = dns.Fqdn(name)
	delete(r.ipv4, name)
	delete(r.ipv6, name)
}

// Snapshot returns a copy of every currently published A/AAAA record,
// for the dns-ddns REST listing.
func (r *Records) Snapshot() map[string]struct{ A, AAAA []net.IP } {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make(map[string]struct{})
	for name := range r.ipv4 {
		names[name] = struct{}{}
	}
	for name := range r.ipv6 {
		names[name] = struct{}{}
	}
	out := make(map[string]struct{ A, AAAA []net.IP }, len(names))
	for name := range names {
		out[name] = struct{ A, AAAA []net.IP }{A: r.ipv4[name], AAAA: r.ipv6[name]}
	}
	return out
}

func (r *Records) lookup(name string, qtype uint16) []net.IP {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var table map[string][]net.IP
	switch qtype {
	case dns.TypeA:
		table = r.ipv4
	case dns.TypeAAAA:
		table = r.ipv6
	default:
		return nil
	}

	if addrs, ok := table[name]; ok {
		return addrs
	}
	// Fall back to an installed "*.<suffix>" entry covering this name,
	// nearest suffix first.
	for {
		parent, ok := parentOf(name)
		if !ok {
			return nil
		}
		if addrs, ok := table["*."+parent]; ok {
			return addrs
		}
		name = parent
	}
}

// Blocklist is the cached ad-block domain set.
type Blocklist struct {
	mu      sync.RWMutex
	blocked map[string]bool
}

// NewBlocklist constructs a Blocklist from an initial domain set (nil
// is an empty, always-pass list).
func NewBlocklist(domains []string) *Blocklist {
	b := &Blocklist{blocked: make(map[string]bool, len(domains))}
	b.Set(domains)
	return b
}

// Set atomically replaces the blocked domain set.
func (b *Blocklist) Set(domains []string) {
	next := make(map[string]bool, len(domains))
	for _, d := range domains {
		next[dns.Fqdn(strings.ToLower(d))] = true
	}
	b.mu.Lock()
	b.blocked = next
	b.mu.Unlock()
}

// Blocked reports whether name (or a parent domain covering it) is on
// the blocked list.
func (b *Blocklist) Blocked(name string) bool {
	name = dns.Fqdn(strings.ToLower(name))
	b.mu.RLock()
	defer b.mu.RUnlock()
	for {
		if b.blocked[name] {
			return true
		}
		next, ok := parentOf(name)
		if !ok {
			return false
		}
		name = next
	}
}

func parentOf(fqdn string) (string, bool) {
	labels := dns.SplitDomainName(fqdn)
	if len(labels) <= 1 {
		return "", false
	}
	return dns.Fqdn(strings.Join(labels[1:], ".")), true
}

// Upstream forwards a query to a recursive resolver.
type Upstream interface {
	Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

// Server answers DNS queries from Records and Blocklist before
// forwarding anything else upstream.
type Server struct {
	records   *Records
	blocklist *Blocklist
	upstream  Upstream
	log       *slog.Logger
}

// New constructs a Server. upstream may be nil, in which case
// unmatched queries get SERVFAIL instead of being forwarded.
func New(records *Records, blocklist *Blocklist, upstream Upstream, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{records: records, blocklist: blocklist, upstream: upstream, log: log}
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) != 1 {
		dns.HandleFailed(w, req)
		return
	}
	q := req.Question[0]

	resp := new(dns.Msg)
	resp.SetReply(req)

	if s.blocklist.Blocked(q.Name) {
		resp.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(resp)
		return
	}

	if addrs := s.records.lookup(q.Name, q.Qtype); len(addrs) > 0 {
		resp.Authoritative = true
		for _, addr := range addrs {
			resp.Answer = append(resp.Answer, rrFor(q.Name, q.Qtype, addr))
		}
		_ = w.WriteMsg(resp)
		return
	}

	if s.upstream == nil {
		resp.Rcode = dns.RcodeServerFailure
		_ = w.WriteMsg(resp)
		return
	}

	upstreamResp, err := s.upstream.Forward(context.Background(), req)
	if err != nil {
		s.log.Warn("dnsserver: upstream forward failed", "name", q.Name, "error", err)
		resp.Rcode = dns.RcodeServerFailure
		_ = w.WriteMsg(resp)
		return
	}
	upstreamResp.Id = req.Id
	_ = w.WriteMsg(upstreamResp)
}

func rrFor(name string, qtype uint16, addr net.IP) dns.RR {
	hdr := dns.RR_Header{Name: name, Rrtype: qtype, Class: dns.ClassINET, Ttl: 60}
	if qtype == dns.TypeAAAA {
		return &dns.AAAA{Hdr: hdr, AAAA: addr}
	}
	return &dns.A{Hdr: hdr, A: addr}
}

// ListenAndServe runs UDP and TCP servers on addr (e.g. ":53") until
// ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	udp := &dns.Server{Addr: addr, Net: "udp", Handler: s}
	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: s}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = udp.ShutdownContext(ctx)
		_ = tcp.ShutdownContext(ctx)
		return ctx.Err()
	case err := <-errCh:
		_ = udp.ShutdownContext(ctx)
		_ = tcp.ShutdownContext(ctx)
		return err
	}
}

package dnsserver

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	resp *dns.Msg
	err  error
}

func (f fakeUpstream) Forward(context.Context, *dns.Msg) (*dns.Msg, error) { return f.resp, f.err }

type recordingWriter struct {
	msg *dns.Msg
}

func (w *recordingWriter) LocalAddr() net.Addr         { return nil }
func (w *recordingWriter) RemoteAddr() net.Addr        { return nil }
func (w *recordingWriter) WriteMsg(m *dns.Msg) error    { w.msg = m; return nil }
func (w *recordingWriter) Write([]byte) (int, error)   { return 0, nil }
func (w *recordingWriter) Close() error                { return nil }
func (w *recordingWriter) TsigStatus() error           { return nil }
func (w *recordingWriter) TsigTimersOnly(bool)         {}
func (w *recordingWriter) Hijack()                     {}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestServeDNSAnswersStaticA(t *testing.T) {
	records := NewRecords()
	records.SetA("hello.home.arpa.", net.ParseIP("10.0.0.42"))
	s := New(records, NewBlocklist(nil), nil, nil)

	w := &recordingWriter{}
	s.ServeDNS(w, query("hello.home.arpa", dns.TypeA))

	require.Len(t, w.msg.Answer, 1)
	a, ok := w.msg.Answer[0].(*dns.A)
	require.True(t, ok)
	require.True(t, a.A.Equal(net.ParseIP("10.0.0.42")))
}

func TestServeDNSBlocksAdList(t *testing.T) {
	s := New(NewRecords(), NewBlocklist([]string{"ads.example.com"}), nil, nil)

	w := &recordingWriter{}
	s.ServeDNS(w, query("ads.example.com", dns.TypeA))
	require.Equal(t, dns.RcodeNameError, w.msg.Rcode)
}

func TestServeDNSBlocksSubdomainOfBlockedParent(t *testing.T) {
	s := New(NewRecords(), NewBlocklist([]string{"ads.example.com"}), nil, nil)

	w := &recordingWriter{}
	s.ServeDNS(w, query("tracker.ads.example.com", dns.TypeA))
	require.Equal(t, dns.RcodeNameError, w.msg.Rcode)
}

func TestServeDNSForwardsUnmatchedQueries(t *testing.T) {
	upstreamReply := new(dns.Msg)
	upstreamReply.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn("example.com"), Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   net.ParseIP("93.184.216.34"),
	}}
	s := New(NewRecords(), NewBlocklist(nil), fakeUpstream{resp: upstreamReply}, nil)

	w := &recordingWriter{}
	req := query("example.com", dns.TypeA)
	s.ServeDNS(w, req)

	require.Equal(t, req.Id, w.msg.Id)
	require.Len(t, w.msg.Answer, 1)
}

func TestServeDNSNoUpstreamConfiguredFails(t *testing.T) {
	s := New(NewRecords(), NewBlocklist(nil), nil, nil)
	w := &recordingWriter{}
	s.ServeDNS(w, query("example.com", dns.TypeA))
	require.Equal(t, dns.RcodeServerFailure, w.msg.Rcode)
}

func TestServeDNSAnswersWildcardRecord(t *testing.T) {
	records := NewRecords()
	records.SetA("*.hello.home.arpa", net.ParseIP("10.0.0.42"))
	s := New(records, NewBlocklist(nil), nil, nil)

	w := &recordingWriter{}
	s.ServeDNS(w, query("code.hello.home.arpa", dns.TypeA))

	require.Len(t, w.msg.Answer, 1)
	a, ok := w.msg.Answer[0].(*dns.A)
	require.True(t, ok)
	require.True(t, a.A.Equal(net.ParseIP("10.0.0.42")))

	// The wildcard covers deeper names too.
	w = &recordingWriter{}
	s.ServeDNS(w, query("a.b.hello.home.arpa", dns.TypeA))
	require.Len(t, w.msg.Answer, 1)
}

func TestRecordsRemoveClearsBothTypes(t *testing.T) {
	r := NewRecords()
	r.SetA("hello.home.arpa.", net.ParseIP("10.0.0.1"))
	r.SetAAAA("hello.home.arpa.", net.ParseIP("2001:db8::1"))
	r.Remove("hello.home.arpa.")
	require.Empty(t, r.lookup(dns.Fqdn("hello.home.arpa."), dns.TypeA))
	require.Empty(t, r.lookup(dns.Fqdn("hello.home.arpa."), dns.TypeAAAA))
}

package dnsserver

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/homeroute/homeroute/internal/apierr"
)

// UpstreamForwarder implements Upstream against a real recursive
// resolver over plain UDP: a configured server list tried in order,
// with a per-attempt timeout.
type UpstreamForwarder struct {
	Servers []string // "ip:port", tried in order
	Timeout time.Duration
	client  *dns.Client
}

// NewUpstreamForwarder constructs a forwarder. timeout defaults to 2s
// when zero.
func NewUpstreamForwarder(servers []string, timeout time.Duration) *UpstreamForwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &UpstreamForwarder{Servers: servers, Timeout: timeout, client: &dns.Client{Timeout: timeout}}
}

// Forward tries each configured server in order, returning the first
// successful reply.
func (f *UpstreamForwarder) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(f.Servers) == 0 {
		return nil, apierr.New(apierr.KindExternal, "no upstream DNS servers configured")
	}

	var lastErr error
	for _, server := range f.Servers {
		resp, _, err := f.client.ExchangeContext(ctx, req, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, apierr.External(lastErr, "all upstream DNS servers failed")
}

// Package reconciler turns a delegated-prefix change into
// per-application address, DNS, firewall, and agent-notification
// updates: a single select-driven consumer of the prefix channel,
// composed of narrow collaborator interfaces rather than concrete
// package dependencies.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
	"github.com/homeroute/homeroute/internal/protocol"
)

// ApplicationStore is the slice of internal/registry.Registry the
// reconciler needs: enumerate applications and persist the addresses
// it computes for them.
type ApplicationStore interface {
	ListAddressable() ([]AppRecord, error)
	SetAddresses(id string, ipv6 net.IP) error
}

// AppRecord is the minimal per-application view the reconciler acts
// on, decoupling it from registry.Application's full catalogue shape.
type AppRecord struct {
	ID          string
	Slug        string
	Suffix      uint16
	IPv6Address net.IP
}

// DNSUpserter is the slice of internal/clouddns.Adapter this package
// calls.
type DNSUpserter interface {
	UpsertAAAA(ctx context.Context, name, addr string, proxied bool) (string, error)
}

// FirewallEngine is the slice of internal/firewall.Engine this
// package calls: replace per-app rules, then apply the whole ruleset
// against the new LAN prefix.
type FirewallEngine interface {
	Put(rule FirewallRule) error
	Apply(ctx context.Context, lanPrefix string) error
}

// FirewallRule mirrors the fields of internal/firewall.Rule the
// reconciler populates, avoiding a direct dependency on that
// package's full Rule type.
type FirewallRule struct {
	ID          string
	Description string
	Protocol    string
	DestPort    int
	DestAddress string
	Enabled     bool
}

// AgentPusher delivers an out-of-band message to an application's
// connected agent socket, if any. Implemented by internal/api's
// connection hub; Push reports whether an agent was connected to
// receive it.
type AgentPusher interface {
	Push(appID string, msg protocol.IPUpdate) bool
}

// Config configures the reconciler.
type Config struct {
	BaseDomain   string
	DNSProxied   bool
	RecordPrefix string // defaults to "agent-"
}

// Reconciler subscribes to a prefix watch and keeps every
// application's derived address, DNS record, firewall rule, and
// connected agent in sync with the current delegated prefix.
type Reconciler struct {
	cfg   Config
	apps  ApplicationStore
	dns   DNSUpserter
	fw    FirewallEngine
	push  AgentPusher
	log   *slog.Logger
}

// New constructs a Reconciler.
func New(cfg Config, apps ApplicationStore, dns DNSUpserter, fw FirewallEngine, push AgentPusher, log *slog.Logger) *Reconciler {
	if cfg.RecordPrefix == "" {
		cfg.RecordPrefix = "agent-"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{cfg: cfg, apps: apps, dns: dns, fw: fw, push: push, log: log}
}

// Run consumes prefixCh until it closes or ctx is canceled,
// reconciling on every change (including withdrawal, signaled by a
// nil *pdclient.PrefixInfo).
func (r *Reconciler) Run(ctx context.Context, prefixCh <-chan *pdclient.PrefixInfo) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case prefix, ok := <-prefixCh:
			if !ok {
				return nil
			}
			r.reconcile(ctx, prefix)
		}
	}
}

// reconcile applies one prefix change: for each application, compute
// the derived address, and if it changed, upsert DNS, replace the
// firewall rule, and push IpUpdate to a connected agent; finally
// persist.
func (r *Reconciler) reconcile(ctx context.Context, prefix *pdclient.PrefixInfo) {
	apps, err := r.apps.ListAddressable()
	if err != nil {
		r.log.Error("reconciler: failed to list applications", "error", err)
		return
	}

	for _, app := range apps {
		var newAddr net.IP
		if prefix != nil {
			newAddr = deriveAddress(prefix.Prefix, app)
		}

		if addrEqual(newAddr, app.IPv6Address) {
			continue
		}

		if newAddr != nil {
			name := fmt.Sprintf("%s.%s", app.Slug, r.cfg.BaseDomain)
			if _, err := r.dns.UpsertAAAA(ctx, name, newAddr.String(), r.cfg.DNSProxied); err != nil {
				r.log.Warn("reconciler: AAAA upsert failed", "app", app.Slug, "error", err)
			}

			rule := FirewallRule{
				ID:          r.cfg.RecordPrefix + app.ID,
				Description: fmt.Sprintf("agent traffic for %s", app.Slug),
				Protocol:    "tcp",
				DestPort:    443,
				DestAddress: newAddr.String() + "/128",
				Enabled:     true,
			}
			if err := r.fw.Put(rule); err != nil {
				r.log.Warn("reconciler: firewall rule update failed", "app", app.Slug, "error", err)
			}

			if r.push != nil {
				r.push.Push(app.ID, protocol.IPUpdate{IPv6Address: newAddr.String()})
			}
		}

		if err := r.apps.SetAddresses(app.ID, newAddr); err != nil {
			r.log.Error("reconciler: failed to persist address", "app", app.Slug, "error", err)
		}
	}

	if prefix != nil {
		cidr := fmt.Sprintf("%s/%d", prefix.Prefix, prefix.PrefixLen)
		if err := r.fw.Apply(ctx, cidr); err != nil {
			r.log.Warn("reconciler: firewall apply failed, previous ruleset stays in force", "lan_prefix", cidr, "error", err)
		}
	}
}

// deriveAddress computes prefix_network_64 | suffix, placing the
// application's 16-bit suffix in the low 16 bits of the delegated /64.
func deriveAddress(prefixNetwork64 net.IP, app AppRecord) net.IP {
	base := prefixNetwork64.To16()
	if base == nil {
		return nil
	}
	out := make(net.IP, 16)
	copy(out, base)
	out[14] = byte(app.Suffix >> 8)
	out[15] = byte(app.Suffix)
	return out
}

func addrEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Package appstate is the composition root: it constructs every
// HomeRoute component from a resolved config.Config and wires them
// together, then owns their goroutine lifetimes for the lifetime of
// the process: a single struct built at startup and injected into
// handlers rather than package-level globals.
package appstate

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/api"
	"github.com/homeroute/homeroute/internal/ca"
	"github.com/homeroute/homeroute/internal/clouddns"
	"github.com/homeroute/homeroute/internal/config"
	"github.com/homeroute/homeroute/internal/dnsserver"
	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/firewall"
	"github.com/homeroute/homeroute/internal/ipv6/dhcpserver"
	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
	"github.com/homeroute/homeroute/internal/ipv6/ra"
	"github.com/homeroute/homeroute/internal/migration"
	"github.com/homeroute/homeroute/internal/proxy"
	"github.com/homeroute/homeroute/internal/reconciler"
	"github.com/homeroute/homeroute/internal/registry"
	"github.com/homeroute/homeroute/internal/store"
)

// AppState owns every long-lived component. Build it with New, start
// its background work with Run, and stop everything by canceling the
// context passed to Run.
type AppState struct {
	cfg *config.Config
	log *slog.Logger

	Registry    *registry.Registry
	Hosts       *registry.HostRegistry
	Conns       *registry.ConnectionTable
	CA          *ca.CA
	CloudDNS    *clouddns.Adapter
	Firewall    *firewall.Engine
	ProxyTable  *proxy.Table
	ProxyTLS    *proxy.TLSManager
	ProxyServer *proxy.Handler
	DNSRecords  *dnsserver.Records
	Blocklist   *dnsserver.Blocklist
	DNS         *dnsserver.Server
	Bus         *eventbus.Bus
	Migration   *migration.Manager
	Reconciler  *reconciler.Reconciler

	PDTransport *pdclient.UDPTransport
	PDClient    *pdclient.Client
	DHCPConn    *dhcpserver.UDPConn
	DHCPServer  *dhcpserver.Server
	RASocket    *ra.ICMPSocket
	RASender    *ra.Sender

	AgentHub *api.AgentHub
	HostHub  *api.HostHub
	AgentSrv *api.AgentServer
	HostSrv  *api.HostAgentServer
	Router   chi.Router

	latestPrefix struct {
		mu sync.RWMutex
		p  *pdclient.PrefixInfo
	}
}

// New constructs and wires every component, opening all persisted
// stores but starting no background goroutines (call Run for that).
func New(cfg *config.Config, log *slog.Logger) (*AppState, error) {
	if log == nil {
		log = slog.Default()
	}
	clock := clockwork.NewRealClock()

	reg, err := registry.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	hosts, err := registry.NewHostRegistry(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	conns := registry.NewConnectionTable(clock, nil)

	bus := eventbus.New()

	caSvc, err := ca.New(ca.Config{
		DataDir:              cfg.DataDir,
		CommonName:           cfg.CA.RootCommonName,
		Organization:         "HomeRoute",
		RootValidityDays:     cfg.CA.RootValidityDays,
		CertValidityDays:     cfg.CA.CertValidityDays,
		RenewalThresholdDays: cfg.CA.RenewalThresholdDays,
	}, clock)
	if err != nil {
		return nil, err
	}
	if err := caSvc.Init(); err != nil {
		return nil, err
	}

	var cloudDNS *clouddns.Adapter
	if cfg.CloudDNS.APIToken != "" {
		cloudDNS, err = clouddns.New(clouddns.Config{
			APIToken: cfg.CloudDNS.APIToken,
			ZoneID:   cfg.CloudDNS.ZoneID,
			Proxied:  cfg.CloudDNS.Proxied,
		})
		if err != nil {
			return nil, err
		}
	}

	fw, err := firewall.New(cfg.DataDir, firewall.Config{
		LANInterface:         cfg.LANInterface,
		DefaultInboundPolicy: cfg.Firewall.DefaultInboundPolicy,
	}, log)
	if err != nil {
		return nil, err
	}

	proxyTbl := proxy.New()
	proxyTLS := proxy.NewTLSManager()
	proxyStore, err := proxy.NewConfigStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	staticProxy, err := proxyStore.Load()
	if err != nil {
		log.Warn("appstate: read reverse-proxy config failed, starting empty", "error", err)
		staticProxy = proxy.StaticConfig{}
	}
	proxyTbl.ReloadConfig(staticProxy.Routes())
	proxySrv := proxy.NewHandler(proxyTbl, "https://auth."+cfg.BaseDomain, localOnlyAuthChecker, localCIDRs(staticProxy.LocalCIDRs))

	records := dnsserver.NewRecords()
	blocklist := dnsserver.NewBlocklist(loadBlockedDomains(cfg.DataDir, log))
	upstream := dnsserver.NewUpstreamForwarder([]string{"1.1.1.1:53", "8.8.8.8:53"}, 3*time.Second)
	dns := dnsserver.New(records, blocklist, upstream, log)

	agentHub := api.NewAgentHub(log)
	hostHub := api.NewHostHub(log)

	migrationMgr, err := migration.New(cfg.DataDir, hostHub, bus)
	if err != nil {
		return nil, err
	}

	recon := reconciler.New(reconciler.Config{
		BaseDomain: cfg.BaseDomain,
		DNSProxied: cfg.CloudDNS.Proxied,
	}, reconciler.RegistryAdapter{Registry: reg}, dnsUpserter{cloudDNS}, reconciler.FirewallAdapter{Engine: fw}, agentHub, log)

	as := &AppState{
		cfg: cfg, log: log,
		Registry: reg, Hosts: hosts, Conns: conns,
		CA: caSvc, CloudDNS: cloudDNS, Firewall: fw,
		ProxyTable: proxyTbl, ProxyTLS: proxyTLS, ProxyServer: proxySrv,
		DNSRecords: records, Blocklist: blocklist, DNS: dns,
		Bus: bus, Migration: migrationMgr, Reconciler: recon,
		AgentHub: agentHub, HostHub: hostHub,
	}

	as.AgentSrv = api.NewAgentServer(api.AgentServerConfig{
		BaseDomain:       cfg.BaseDomain,
		HomerouteAuthURL: "https://auth." + cfg.BaseDomain,
		DNSProxied:       cfg.CloudDNS.Proxied,
		MinAgentVersion:  cfg.MinAgentVersion,
	}, reg, conns, agentHub, caSvc, dnsAdapterOrNil(cloudDNS), fw, proxyTbl, proxyTLS, records, bus, clock, log)

	// Routes and DNS come down only when the last socket for an app
	// closes or its heartbeat goes stale.
	conns.SetOnDisconnect(as.AgentSrv.TeardownApp)

	as.HostSrv = api.NewHostAgentServer(hosts, hostHub, migrationMgr, clock, log)

	caSvc.OnRenew(func(old, renewed ca.Certificate) {
		apps, err := reg.List()
		if err != nil {
			return
		}
		for _, app := range apps {
			owned := false
			for _, id := range app.CertIDs {
				if id == old.ID {
					owned = true
					break
				}
			}
			if !owned {
				continue
			}
			// Adopt the renewed ID before the re-push so provisioning
			// finds the fresh certificate instead of issuing another.
			_, _ = reg.Update(app.ID, func(a *registry.Application) {
				for i, id := range a.CertIDs {
					if id == old.ID {
						a.CertIDs[i] = renewed.ID
					}
				}
			})
			as.AgentSrv.RepushConfig(app.ID)
		}
	})

	appsHandler := api.NewApplicationsHandler(reg, agentHub, as.HostSrv,
		as.AgentSrv.TeardownApp, caSvc, dnsAdapterOrNil(cloudDNS), fw, log)
	agentsDist := api.NewAgentsHandler(reg, caSvc, filepath.Join(cfg.DataDir, "agent-binary", "hr-agent"))
	acmeHandler := api.NewAcmeHandler(caSvc, cfg.BaseDomain)
	networkHandler := api.NewNetworkHandler(records, proxyTbl, proxyStore, fw)
	migrationsHandler := api.NewMigrationsHandler(reg, migrationMgr)
	storeHandler, err := api.NewStoreHandler(filepath.Join(cfg.DataDir, "store-catalogue.json"))
	if err != nil {
		return nil, err
	}

	as.Router = api.NewRouter(api.ServerDeps{
		Agents:       as.AgentSrv,
		HostAgents:   as.HostSrv,
		Applications: appsHandler,
		AgentDist:    agentsDist,
		Acme:         acmeHandler,
		Network:      networkHandler,
		Migrations:   migrationsHandler,
		Store:        storeHandler,
		Log:          log,
	})

	if cfg.PD.Enabled {
		pdTransport, err := pdclient.NewUDPTransport(cfg.WANInterface)
		if err != nil {
			log.Warn("appstate: PD transport unavailable", "error", err)
		} else {
			pdStates, err := pdclient.NewStateStore(cfg.DataDir)
			if err != nil {
				return nil, err
			}
			as.PDTransport = pdTransport
			as.PDClient = pdclient.New(pdclient.Config{
				WANInterface: cfg.WANInterface,
				Enabled:      true,
				SubnetID:     cfg.PD.SubnetID,
				HintLen:      cfg.PD.PrefixHintLen,
			}, pdTransport, pdStates, clock, log)
		}
	}

	recursiveDNS := make([]net.IP, 0, len(cfg.DHCPv6.RecursiveDNS))
	for _, s := range cfg.DHCPv6.RecursiveDNS {
		if ip := net.ParseIP(s); ip != nil {
			recursiveDNS = append(recursiveDNS, ip)
		}
	}

	if dhcpConn, err := dhcpserver.ListenAndJoin(cfg.LANInterface); err != nil {
		log.Warn("appstate: DHCPv6 server socket unavailable", "error", err)
	} else {
		leases, err := dhcpserver.NewLeaseStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		as.DHCPConn = dhcpConn
		as.DHCPServer = dhcpserver.New(dhcpserver.Config{
			Enabled:       true,
			RangeStart:    cfg.DHCPv6.RangeStart,
			RangeEnd:      cfg.DHCPv6.RangeEnd,
			ValidLifetime: cfg.DHCPv6.ValidLifetime,
			PurgeInterval: cfg.DHCPv6.PurgeInterval,
			RecursiveDNS:  recursiveDNS,
		}, dhcpConn, leases, as.currentPrefix, clock, log)
	}

	if socket, err := ra.NewICMPSocket(cfg.LANInterface); err != nil {
		log.Warn("appstate: RA socket unavailable", "error", err)
	} else {
		as.RASocket = socket
		as.RASender = ra.New(ra.Config{
			Enabled:      true,
			Interface:    cfg.LANInterface,
			Lifetime:     cfg.RA.Lifetime,
			RecursiveDNS: recursiveDNS,
		}, socket, ra.NetlinkConfigurer{}, clock, log)
	}

	return as, nil
}

// currentPrefix implements dhcpserver.PrefixSource from the latest
// value observed off the PD client's watch channel.
func (as *AppState) currentPrefix() *pdclient.PrefixInfo {
	as.latestPrefix.mu.RLock()
	defer as.latestPrefix.mu.RUnlock()
	return as.latestPrefix.p
}

// Run starts every background goroutine (PD client, RA sender, DHCPv6
// server, reconciler, CA renewal loop, heartbeat monitor, DNS server)
// and blocks until ctx is canceled, then waits for a clean stop.
func (as *AppState) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		as.Conns.RunHeartbeatMonitor(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		as.CA.RunRenewalLoop(stop, as.cfg.CA.RenewalScanInterval)
	}()

	if as.DHCPServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			as.DHCPServer.RunPurgeLoop(stop)
		}()
	}

	// reconCh/raCh fan out the single PD-client watch channel to the
	// reconciler and the RA sender, and mirror it into latestPrefix for
	// the DHCPv6 server's pull-based PrefixSource.
	reconCh := make(chan *pdclient.PrefixInfo, 1)
	raCh := make(chan *pdclient.PrefixInfo, 1)

	if as.PDClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := as.PDClient.Run(ctx); err != nil && ctx.Err() == nil {
				as.log.Error("appstate: PD client stopped", "error", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					close(reconCh)
					close(raCh)
					return
				case p := <-as.PDClient.Prefixes():
					as.latestPrefix.mu.Lock()
					as.latestPrefix.p = p
					as.latestPrefix.mu.Unlock()
					select {
					case reconCh <- p:
					default:
					}
					select {
					case raCh <- p:
					default:
					}
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := as.Reconciler.Run(ctx, reconCh); err != nil && ctx.Err() == nil {
			as.log.Error("appstate: reconciler stopped", "error", err)
		}
	}()

	if as.DHCPServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := as.DHCPServer.Run(ctx); err != nil && ctx.Err() == nil {
				as.log.Error("appstate: DHCPv6 server stopped", "error", err)
			}
		}()
	}

	if as.RASender != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := as.RASender.Run(ctx, raCh); err != nil && ctx.Err() == nil {
				as.log.Error("appstate: RA sender stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := net.JoinHostPort("", "53")
		if err := as.DNS.ListenAndServe(ctx, addr); err != nil && ctx.Err() == nil {
			as.log.Error("appstate: DNS server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	as.closeSockets()
	return ctx.Err()
}

func (as *AppState) closeSockets() {
	if as.PDTransport != nil {
		_ = as.PDTransport.Close()
	}
	if as.DHCPConn != nil {
		_ = as.DHCPConn.Close()
	}
	if as.RASocket != nil {
		_ = as.RASocket.Close()
	}
}

func dnsAdapterOrNil(a *clouddns.Adapter) api.DNSAdapter {
	if a == nil {
		return nil
	}
	return a
}

// localCIDRs builds the local-source set for local_only routes:
// the configured CIDRs from reverseproxy-config.json plus the private
// and link-scoped ranges a home LAN always counts as local.
func localCIDRs(configured []string) []*net.IPNet {
	defaults := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8",
		"fd00::/8", "fe80::/10", "::1/128",
	}
	var out []*net.IPNet
	for _, s := range append(configured, defaults...) {
		if _, cidr, err := net.ParseCIDR(s); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func localOnlyAuthChecker(r *http.Request, homerouteAuthURL string) (bool, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, homerouteAuthURL, nil)
	if err != nil {
		return false, err
	}
	if cookie, err := r.Cookie("homeroute_session"); err == nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// dnsUpserter adapts *clouddns.Adapter (which may be nil when no
// Cloudflare token is configured) to reconciler.DNSUpserter.
type dnsUpserter struct{ a *clouddns.Adapter }

func (d dnsUpserter) UpsertAAAA(ctx context.Context, name, addr string, proxied bool) (string, error) {
	if d.a == nil {
		return "", nil
	}
	return d.a.UpsertAAAA(ctx, name, addr, proxied)
}

// loadBlockedDomains reads the ad-block cache the blocklist downloader
// maintains at dataDir/adblock/domains.json. A missing or corrupt file
// yields an empty set.
func loadBlockedDomains(dataDir string, log *slog.Logger) []string {
	file, err := store.NewFile[[]string](filepath.Join(dataDir, "adblock", "domains.json"))
	if err != nil {
		log.Warn("appstate: open ad-block cache failed", "error", err)
		return nil
	}
	domains, err := file.Load()
	if err != nil {
		log.Warn("appstate: read ad-block cache failed", "error", err)
		return nil
	}
	return domains
}

// Package firewall renders and applies the LAN-inbound IPv6 ruleset
// via nftables: the whole ruleset is regenerated from the persisted
// rule catalogue and fed to `nft -f -` in one pass, flush and
// replacement table together, so a failed apply leaves the previous
// ruleset in force.
package firewall

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/store"
)

const tableName = "homeroute_fw"

// Rule is one entry in the persisted rule catalogue.
type Rule struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	Protocol      string `json:"protocol"` // tcp, udp, icmpv6, any
	DestPort      int    `json:"dest_port"`
	DestPortEnd   int    `json:"dest_port_end"`
	DestAddress   string `json:"dest_address"`
	SourceAddress string `json:"source_address"`
	Enabled       bool   `json:"enabled"`
}

type catalogue struct {
	Rules []Rule `json:"rules"`
}

// Config carries the static, non-persisted knobs the renderer needs.
type Config struct {
	LANInterface         string
	DefaultInboundPolicy string
}

// Engine owns the persisted rule catalogue and applies it to nftables.
type Engine struct {
	cfg  Config
	log  *slog.Logger
	mu   sync.Mutex
	cat  *store.File[catalogue]
	exec func(ctx context.Context, stdin string) error

	// lastPrefix is the LAN prefix of the most recent successful Apply,
	// so rule mutations arriving between prefix changes can re-apply
	// without the caller re-supplying it.
	lastPrefix string
}

// New constructs an Engine whose catalogue lives under dataDir/firewall-rules.json.
func New(dataDir string, cfg Config, log *slog.Logger) (*Engine, error) {
	cat, err := store.NewFile[catalogue](filepath.Join(dataDir, "firewall-rules.json"))
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{cfg: cfg, log: log, cat: cat}
	e.exec = e.runNft
	return e, nil
}

// Put inserts or replaces the rule with the same ID.
func (e *Engine) Put(rule Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cat, err := e.cat.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range cat.Rules {
		if r.ID == rule.ID {
			cat.Rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		cat.Rules = append(cat.Rules, rule)
	}
	return e.cat.Save(cat)
}

// Remove deletes the rule with the given ID, if present.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cat, err := e.cat.Load()
	if err != nil {
		return err
	}
	kept := cat.Rules[:0]
	for _, r := range cat.Rules {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	cat.Rules = kept
	return e.cat.Save(cat)
}

// List returns the current rule catalogue.
func (e *Engine) List() ([]Rule, error) {
	cat, err := e.cat.Load()
	if err != nil {
		return nil, err
	}
	return cat.Rules, nil
}

// Apply renders the ruleset for lanPrefix (a CIDR string, e.g.
// "2001:db8:abcd:1::/64") and applies it atomically. A render or apply
// failure leaves whatever ruleset nftables was last holding in place.
func (e *Engine) Apply(ctx context.Context, lanPrefix string) error {
	cat, err := e.cat.Load()
	if err != nil {
		return err
	}
	ruleset := e.build(cat.Rules, lanPrefix)
	if err := e.exec(ctx, ruleset); err != nil {
		return apierr.External(err, "apply nftables ruleset")
	}
	e.mu.Lock()
	e.lastPrefix = lanPrefix
	e.mu.Unlock()
	e.log.Info("applied firewall ruleset", "lan_prefix", lanPrefix, "rule_count", len(cat.Rules))
	return nil
}

// Reapply re-renders and applies the ruleset against the last known
// LAN prefix, used after rule-catalogue mutations. Before any prefix
// has been delegated there is nothing to reconcile.
func (e *Engine) Reapply(ctx context.Context) error {
	e.mu.Lock()
	prefix := e.lastPrefix
	e.mu.Unlock()
	if prefix == "" {
		return apierr.NotInitialized("no LAN prefix known yet")
	}
	return e.Apply(ctx, prefix)
}

func (e *Engine) runNft(ctx context.Context, ruleset string) error {
	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = strings.NewReader(ruleset)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// build renders the full nftables script. Deterministic rule ordering
// (sorted by ID) keeps re-applies idempotent for tests and for
// `nft list` diffing.
func (e *Engine) build(rules []Rule, lanPrefix string) string {
	sorted := append([]Rule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	b.WriteString("#!/usr/sbin/nft -f\n\n")
	b.WriteString("flush ruleset ip6\n\n")
	fmt.Fprintf(&b, "table ip6 %s {\n", tableName)
	b.WriteString("  chain forward {\n")
	b.WriteString("    type filter hook forward priority 0; policy accept;\n\n")
	b.WriteString("    ct state established,related accept\n\n")
	b.WriteString("    meta l4proto icmpv6 accept\n\n")

	if e.cfg.LANInterface != "" {
		fmt.Fprintf(&b, "    iifname %q accept\n\n", e.cfg.LANInterface)
	}

	for _, rule := range sorted {
		if !rule.Enabled {
			continue
		}
		clause, ok := e.buildAllowClause(rule, lanPrefix)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "    %s accept\n", clause)
	}

	if e.cfg.LANInterface != "" && lanPrefix != "" {
		fmt.Fprintf(&b, "    oifname %q ip6 daddr %s %s\n", e.cfg.LANInterface, lanPrefix, e.defaultPolicy())
	}

	b.WriteString("  }\n")
	b.WriteString("}\n")
	return b.String()
}

func (e *Engine) defaultPolicy() string {
	if e.cfg.DefaultInboundPolicy == "" {
		return "drop"
	}
	return e.cfg.DefaultInboundPolicy
}

func (e *Engine) buildAllowClause(rule Rule, lanPrefix string) (string, bool) {
	var parts []string

	if e.cfg.LANInterface != "" {
		parts = append(parts, fmt.Sprintf("oifname %q", e.cfg.LANInterface))
	}
	if rule.SourceAddress != "" {
		parts = append(parts, fmt.Sprintf("ip6 saddr %s", rule.SourceAddress))
	}
	if rule.DestAddress != "" {
		parts = append(parts, fmt.Sprintf("ip6 daddr %s", rule.DestAddress))
	} else if lanPrefix != "" {
		parts = append(parts, fmt.Sprintf("ip6 daddr %s", lanPrefix))
	}

	switch rule.Protocol {
	case "tcp":
		parts = append(parts, "meta l4proto tcp")
		if rule.DestPort > 0 {
			parts = append(parts, portClause("tcp", rule.DestPort, rule.DestPortEnd))
		}
	case "udp":
		parts = append(parts, "meta l4proto udp")
		if rule.DestPort > 0 {
			parts = append(parts, portClause("udp", rule.DestPort, rule.DestPortEnd))
		}
	case "icmpv6":
		parts = append(parts, "meta l4proto icmpv6")
	case "any", "":
	default:
		e.log.Warn("unknown protocol in firewall rule", "rule_id", rule.ID, "protocol", rule.Protocol)
		return "", false
	}

	return strings.Join(parts, " "), true
}

func portClause(proto string, start, end int) string {
	if end > start {
		return fmt.Sprintf("%s dport %d-%d", proto, start, end)
	}
	return fmt.Sprintf("%s dport %d", proto, start)
}

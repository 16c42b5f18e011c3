package reconciler

import (
	"context"

	"github.com/homeroute/homeroute/internal/firewall"
)

// FirewallAdapter implements FirewallEngine against the real firewall
// rule catalogue.
type FirewallAdapter struct {
	Engine *firewall.Engine
}

// Put implements FirewallEngine.
func (a FirewallAdapter) Put(rule FirewallRule) error {
	return a.Engine.Put(firewall.Rule{
		ID:          rule.ID,
		Description: rule.Description,
		Protocol:    rule.Protocol,
		DestPort:    rule.DestPort,
		DestAddress: rule.DestAddress,
		Enabled:     rule.Enabled,
	})
}

// Apply implements FirewallEngine.
func (a FirewallAdapter) Apply(ctx context.Context, lanPrefix string) error {
	return a.Engine.Apply(ctx, lanPrefix)
}

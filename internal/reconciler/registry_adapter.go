package reconciler

import (
	"net"

	"github.com/homeroute/homeroute/internal/registry"
)

// RegistryAdapter implements ApplicationStore against the persisted
// application catalogue, translating between registry's view and this
// package's narrower AppRecord. Disabled applications are skipped:
// they keep their catalogue entries but get no address, DNS record, or
// firewall rule.
type RegistryAdapter struct {
	Registry *registry.Registry
}

// ListAddressable returns every enabled application.
func (a RegistryAdapter) ListAddressable() ([]AppRecord, error) {
	apps, err := a.Registry.ListAddressable()
	if err != nil {
		return nil, err
	}
	out := make([]AppRecord, 0, len(apps))
	for _, app := range apps {
		out = append(out, AppRecord{
			ID:          app.ID,
			Slug:        app.Slug,
			Suffix:      app.Suffix,
			IPv6Address: app.IPv6Address,
		})
	}
	return out, nil
}

// SetAddresses persists the computed address, or clears it when addr is
// nil.
func (a RegistryAdapter) SetAddresses(id string, addr net.IP) error {
	return a.Registry.SetAddresses(id, addr)
}

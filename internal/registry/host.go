package registry

import (
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/store"
)

// Host is a persisted host-agent entry, authenticated the same way as
// an Application but against a disjoint catalogue.
type Host struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TokenHash string `json:"token_hash"`
}

type hostCatalogue struct {
	Hosts []Host `json:"hosts"`
}

// HostRegistry owns the persisted host-agent catalogue.
type HostRegistry struct {
	mu  sync.Mutex
	cat *store.File[hostCatalogue]
}

// NewHostRegistry opens the catalogue at dataDir/hosts.json.
func NewHostRegistry(dataDir string) (*HostRegistry, error) {
	cat, err := store.NewFile[hostCatalogue](filepath.Join(dataDir, "hosts.json"))
	if err != nil {
		return nil, err
	}
	return &HostRegistry{cat: cat}, nil
}

// Create registers a new host-agent and returns its one-time cleartext token.
func (h *HostRegistry) Create(name string) (Host, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cat, err := h.cat.Load()
	if err != nil {
		return Host{}, "", err
	}
	token, err := generateToken()
	if err != nil {
		return Host{}, "", apierr.Fatal(err, "generate host token")
	}
	hash, err := hashToken(token)
	if err != nil {
		return Host{}, "", apierr.Fatal(err, "hash host token")
	}
	host := Host{ID: uuid.NewString(), Name: name, TokenHash: hash}
	cat.Hosts = append(cat.Hosts, host)
	if err := h.cat.Save(cat); err != nil {
		return Host{}, "", err
	}
	return host, token, nil
}

// Authenticate returns the host whose name matches hostName and whose
// token verifies.
func (h *HostRegistry) Authenticate(hostName, token string) (Host, error) {
	cat, err := h.cat.Load()
	if err != nil {
		return Host{}, err
	}
	for _, host := range cat.Hosts {
		if host.Name == hostName {
			ok, err := verifyToken(token, host.TokenHash)
			if err != nil || !ok {
				return Host{}, apierr.Validation("authentication failed for host %q", hostName)
			}
			return host, nil
		}
	}
	return Host{}, apierr.NotFound("unknown host %q", hostName)
}

// List returns every registered host.
func (h *HostRegistry) List() ([]Host, error) {
	cat, err := h.cat.Load()
	if err != nil {
		return nil, err
	}
	return cat.Hosts, nil
}

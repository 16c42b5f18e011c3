package proxy

import (
	"path/filepath"

	"github.com/homeroute/homeroute/internal/store"
)

// StaticHost is one file-configured route in reverseproxy-config.json,
// the static counterpart to agent-published routes.
type StaticHost struct {
	Domain       string `json:"domain"`
	TargetIP     string `json:"target_ip"`
	TargetPort   int    `json:"target_port"`
	AuthRequired bool   `json:"auth_required"`
	LocalOnly    bool   `json:"local_only"`
	ServiceType  string `json:"service_type,omitempty"`
}

// StaticConfig is the persisted shape of reverseproxy-config.json:
// static hosts plus the CIDRs treated as local for local_only routes.
type StaticConfig struct {
	Hosts      []StaticHost `json:"hosts"`
	LocalCIDRs []string     `json:"local_cidrs,omitempty"`
}

// Routes converts the static host list to table routes (AgentOrigin
// stays false so reloads replace them).
func (c StaticConfig) Routes() []Route {
	out := make([]Route, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		out = append(out, Route{
			Domain:       h.Domain,
			TargetIP:     h.TargetIP,
			TargetPort:   h.TargetPort,
			AuthRequired: h.AuthRequired,
			LocalOnly:    h.LocalOnly,
			ServiceType:  h.ServiceType,
		})
	}
	return out
}

// ConfigStore persists the static reverse-proxy configuration through
// the same atomic-rename mechanism as every other collection.
type ConfigStore struct {
	file *store.File[StaticConfig]
}

// NewConfigStore opens dataDir/reverseproxy-config.json.
func NewConfigStore(dataDir string) (*ConfigStore, error) {
	f, err := store.NewFile[StaticConfig](filepath.Join(dataDir, "reverseproxy-config.json"))
	if err != nil {
		return nil, err
	}
	return &ConfigStore{file: f}, nil
}

// Load reads the current static configuration (zero value when the
// file doesn't exist yet).
func (s *ConfigStore) Load() (StaticConfig, error) { return s.file.Load() }

// Save persists cfg.
func (s *ConfigStore) Save(cfg StaticConfig) error { return s.file.Save(cfg) }

// SetHost inserts or replaces the static host for domain and persists.
func (s *ConfigStore) SetHost(host StaticHost) (StaticConfig, error) {
	cfg, err := s.file.Load()
	if err != nil {
		return StaticConfig{}, err
	}
	replaced := false
	for i, h := range cfg.Hosts {
		if h.Domain == host.Domain {
			cfg.Hosts[i] = host
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Hosts = append(cfg.Hosts, host)
	}
	if err := s.file.Save(cfg); err != nil {
		return StaticConfig{}, err
	}
	return cfg, nil
}

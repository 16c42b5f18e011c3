// Package config loads the HomeRoute control plane configuration
// from a YAML file plus a fixed set of environment variables, using
// viper's file/env precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, typed configuration handed to every
// component constructor at startup. Nothing below this point reads
// viper or the environment directly.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	APIPort    int    `mapstructure:"api_port"`
	BaseDomain string `mapstructure:"base_domain"`

	WANInterface string `mapstructure:"wan_interface"`
	LANInterface string `mapstructure:"lan_interface"`

	PD PDConfig `mapstructure:"pd"`

	DHCPv6 DHCPv6Config `mapstructure:"dhcpv6"`

	RA RAConfig `mapstructure:"ra"`

	CA CAConfig `mapstructure:"ca"`

	Firewall FirewallConfig `mapstructure:"firewall"`

	CloudDNS CloudDNSConfig `mapstructure:"cloud_dns"`

	CloudRelayEnabled bool `mapstructure:"cloud_relay_enabled"`

	// MinAgentVersion flags connecting agents older than this version.
	MinAgentVersion string `mapstructure:"min_agent_version"`
}

// PDConfig configures the DHCPv6-PD client.
type PDConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SubnetID      uint16 `mapstructure:"subnet_id"`
	PrefixHintLen uint8  `mapstructure:"prefix_hint_len"`
}

// DHCPv6Config configures the LAN-side stateful DHCPv6 server.
type DHCPv6Config struct {
	RangeStart    uint64        `mapstructure:"range_start"`
	RangeEnd      uint64        `mapstructure:"range_end"`
	ValidLifetime time.Duration `mapstructure:"valid_lifetime"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	RecursiveDNS  []string      `mapstructure:"recursive_dns"`
}

// RAConfig configures the router advertisement sender.
type RAConfig struct {
	Lifetime time.Duration `mapstructure:"lifetime"`
}

// CAConfig configures the internal certificate authority.
type CAConfig struct {
	RootValidityDays     int           `mapstructure:"root_validity_days"`
	CertValidityDays     int           `mapstructure:"cert_validity_days"`
	RenewalThresholdDays int           `mapstructure:"renewal_threshold_days"`
	RootCommonName       string        `mapstructure:"root_common_name"`
	RenewalScanInterval  time.Duration `mapstructure:"renewal_scan_interval"`
}

// FirewallConfig configures the nftables engine's static knobs; the
// rule catalogue itself is persisted data, not config.
type FirewallConfig struct {
	DefaultInboundPolicy string `mapstructure:"default_inbound_policy"`
}

// CloudDNSConfig mirrors the Cloudflare environment variables.
type CloudDNSConfig struct {
	APIToken   string `mapstructure:"cf_api_token"`
	ZoneID     string `mapstructure:"cf_zone_id"`
	RecordName string `mapstructure:"cf_record_name"`
	Proxied    bool   `mapstructure:"cf_proxied"`
	Interface  string `mapstructure:"cf_interface"`
}

// Load reads config.yaml (if present) from path, then overlays the
// environment variables, and returns a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/homeroute")
	v.SetDefault("api_port", 8443)
	v.SetDefault("base_domain", "home.arpa")
	v.SetDefault("wan_interface", "eth0")
	v.SetDefault("lan_interface", "eth1")

	v.SetDefault("pd.enabled", true)
	v.SetDefault("pd.subnet_id", 1)
	v.SetDefault("pd.prefix_hint_len", 56)

	v.SetDefault("dhcpv6.range_start", 0x100)
	v.SetDefault("dhcpv6.range_end", 0xffff)
	v.SetDefault("dhcpv6.valid_lifetime", "4h")
	v.SetDefault("dhcpv6.purge_interval", "5m")

	v.SetDefault("ra.lifetime", "600s")

	v.SetDefault("ca.root_validity_days", 3650)
	v.SetDefault("ca.cert_validity_days", 397)
	v.SetDefault("ca.renewal_threshold_days", 30)
	v.SetDefault("ca.root_common_name", "HomeRoute Root CA")
	v.SetDefault("ca.renewal_scan_interval", "6h")

	v.SetDefault("firewall.default_inbound_policy", "drop")
}

// bindEnv wires the environment variable overrides.
func bindEnv(v *viper.Viper) {
	binds := map[string]string{
		"cloud_dns.cf_api_token":   "CF_API_TOKEN",
		"cloud_dns.cf_zone_id":     "CF_ZONE_ID",
		"cloud_dns.cf_record_name": "CF_RECORD_NAME",
		"cloud_dns.cf_proxied":     "CF_PROXIED",
		"cloud_dns.cf_interface":   "CF_INTERFACE",
		"cloud_relay_enabled":      "CLOUD_RELAY_ENABLED",
		"base_domain":              "BASE_DOMAIN",
		"api_port":                 "API_PORT",
		"data_dir":                 "DATA_DIR",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if c.DHCPv6.RangeEnd <= c.DHCPv6.RangeStart {
		return fmt.Errorf("dhcpv6 range_end must be greater than range_start")
	}
	return nil
}

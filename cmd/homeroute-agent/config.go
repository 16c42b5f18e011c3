package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// agentConfig is the in-container counterpart to the control plane's
// internal/config.Config: a small, flat file read once at startup,
// loaded with the same viper precedence (file, then environment) used
// there.
type agentConfig struct {
	HomerouteAddress string `mapstructure:"homeroute_address"`
	HomeroutePort    int    `mapstructure:"homeroute_port"`
	Token            string `mapstructure:"token"`
	ServiceName      string `mapstructure:"service_name"`
	Interface        string `mapstructure:"interface"`
}

const defaultConfigPath = "/etc/hr-agent.toml"

// loadAgentConfig reads the TOML file installed at path, overlaid with
// HR_AGENT_* environment variables for container runtimes that prefer
// env injection over a mounted file.
func loadAgentConfig(path string) (*agentConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read agent config %s: %w", path, err)
		}
	}

	binds := map[string]string{
		"homeroute_address": "HR_AGENT_HOMEROUTE_ADDRESS",
		"homeroute_port":     "HR_AGENT_HOMEROUTE_PORT",
		"token":              "HR_AGENT_TOKEN",
		"service_name":       "HR_AGENT_SERVICE_NAME",
		"interface":          "HR_AGENT_INTERFACE",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
	v.SetDefault("homeroute_port", 8443)
	v.SetDefault("interface", "eth0")

	var cfg agentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}

	if strings.TrimSpace(cfg.HomerouteAddress) == "" {
		return nil, fmt.Errorf("homeroute_address must not be empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("token must not be empty")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, fmt.Errorf("service_name must not be empty")
	}

	return &cfg, nil
}

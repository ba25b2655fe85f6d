package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/custody/internal/core/domain"
)

// Load reads configuration from a YAML file and secrets from the environment.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets from environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.HealthCacheFor == 0 {
		c.Server.HealthCacheFor = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Bolt.Path == "" {
		c.Bolt.Path = "custody.db"
	}
	if c.Custody.CacheTTL == 0 {
		c.Custody.CacheTTL = 5 * time.Minute
	}
	if c.Custody.InitTimeout == 0 {
		c.Custody.InitTimeout = 40 * time.Second
	}
	if c.Dispatch.GasRefreshInterval == 0 {
		c.Dispatch.GasRefreshInterval = 5 * time.Minute
	}
	if c.Dispatch.SubmitTimeout == 0 {
		c.Dispatch.SubmitTimeout = 3 * time.Minute
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		if n.Type == "" {
			n.Type = domain.DefaultNetworkTypes[n.Name]
		}
		if n.MinInterval == 0 {
			n.MinInterval = time.Second
			if n.Type == domain.NetworkTypeSolana {
				n.MinInterval = 250 * time.Millisecond
			}
		}
		if n.ProbeTimeout == 0 {
			n.ProbeTimeout = 5 * time.Second
		}
		if n.RPCTimeout == 0 {
			n.RPCTimeout = 30 * time.Second
		}
		for j := range n.RPC {
			if n.RPC[j].Name == "" {
				n.RPC[j].Name = fmt.Sprintf("%s-%d", n.Name, j)
			}
		}
	}
}

// Validate reports the first structural problem, wrapped in domain.ErrConfiguration.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverBolt:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for the postgres driver", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", domain.ErrConfiguration, c.Storage.Driver)
	}

	seen := make(map[domain.Network]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("%w: network without a name", domain.ErrConfiguration)
		}
		if seen[n.Name] {
			return fmt.Errorf("%w: network %s configured twice", domain.ErrConfiguration, n.Name)
		}
		seen[n.Name] = true

		if n.Type != domain.NetworkTypeEVM && n.Type != domain.NetworkTypeSolana {
			return fmt.Errorf("%w: network %s has unknown type %q", domain.ErrConfiguration, n.Name, n.Type)
		}
		if len(n.RPC) == 0 {
			return fmt.Errorf("%w: network %s has no rpc endpoints", domain.ErrConfiguration, n.Name)
		}
		for _, ep := range n.RPC {
			if ep.URL == "" {
				return fmt.Errorf("%w: network %s endpoint %s has no url", domain.ErrConfiguration, n.Name, ep.Name)
			}
		}
	}
	return nil
}

// MinIntervals collects the per-network submission gap.
func (c *AppConfig) MinIntervals() map[domain.Network]time.Duration {
	out := make(map[domain.Network]time.Duration, len(c.Networks))
	for _, n := range c.Networks {
		out[n.Name] = n.MinInterval
	}
	return out
}

// Decimals collects the native precision of networks that set it.
func (c *AppConfig) Decimals() map[domain.Network]int32 {
	out := make(map[domain.Network]int32)
	for _, n := range c.Networks {
		if n.Decimals > 0 {
			out[n.Name] = n.Decimals
		}
	}
	return out
}

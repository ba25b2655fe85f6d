package config

import (
	"time"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig              `yaml:"server"`
	Logging     LoggingConfig             `yaml:"logging"`
	Storage     StorageConfig             `yaml:"storage"`
	Database    postgres.Config           `yaml:"database"`
	Bolt        BoltConfig                `yaml:"bolt"`
	Redis       redisclient.Config        `yaml:"redis"`
	SmartRouter SmartRouterConfig         `yaml:"smart_router"`
	Custody     CustodyConfig             `yaml:"custody"`
	Dispatch    DispatchConfig            `yaml:"dispatch"`
	Breakers    map[string]breaker.Config `yaml:"breakers"`
	Networks    []NetworkConfig           `yaml:"networks"`

	// Secrets never come from the YAML file.
	Secrets Secrets `yaml:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// HealthCacheFor reuses a health report to spare RPC endpoints
	HealthCacheFor time.Duration `yaml:"health_cache_for"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// StorageConfig selects the wallet store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// BoltConfig holds the embedded store settings.
type BoltConfig struct {
	Path string `yaml:"path"`
}

// SmartRouterConfig configures the transaction router. Empty address disables it.
type SmartRouterConfig struct {
	Address       string        `yaml:"address"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	PriorityLevel string        `yaml:"priority_level"`
}

// CustodyConfig holds wallet custody settings.
type CustodyConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	InitTimeout time.Duration `yaml:"init_timeout"`
}

// DispatchConfig holds transaction queue settings.
type DispatchConfig struct {
	GasRefreshInterval time.Duration `yaml:"gas_refresh_interval"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	Retention          time.Duration `yaml:"retention"` // 0 = keep settled records forever
}

// NetworkConfig holds settings for one blockchain network.
type NetworkConfig struct {
	Name    domain.Network     `yaml:"name"`
	Type    domain.NetworkType `yaml:"type"` // evm or solana; inferred for well-known names
	ChainID int64              `yaml:"chain_id"`
	RPC     []EndpointConfig   `yaml:"rpc"` // primary first
	WSURL   string             `yaml:"ws_url"`

	MinInterval         time.Duration `yaml:"min_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// ReferenceToken is the mint whose token account new Solana wallets receive
	ReferenceToken string `yaml:"reference_token"`
	Decimals       int32  `yaml:"decimals"`
	// UseSmartRouter submits through the router instead of the RPC node
	UseSmartRouter bool `yaml:"use_smart_router"`
}

// EndpointConfig is one RPC endpoint.
type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Secrets are read from the environment.
type Secrets struct {
	EncryptionKey    string `env:"CUSTODY_ENCRYPTION_KEY"`
	SmartRouterToken string `env:"CUSTODY_SMART_ROUTER_TOKEN"`
}

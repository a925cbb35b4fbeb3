// Package config loads escrowd and mcpserver settings from defaults, an
// optional YAML file and ESCROW_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/logging"
)

// EnvPrefix namespaces environment overrides, e.g. ESCROW_STORE_DRIVER.
const EnvPrefix = "ESCROW"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultCustody is the escrow's custody account on the credit ledger
// unless ledger.account overrides it.
const DefaultCustody = "0x000000000000000000000000000000000000e5c0"

// Config is the complete service configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Store   StoreConfig   `mapstructure:"store"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Roles   RolesConfig   `mapstructure:"roles"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Events  EventsConfig  `mapstructure:"events"`
}

// HTTPConfig controls the REST listener.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit    int   `mapstructure:"rate_limit"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// PublicURL prefixes claim links rendered as QR codes.
	PublicURL string `mapstructure:"public_url"`
}

// StoreConfig selects the escrow store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `mapstructure:"dsn"`
}

// LedgerConfig describes the in-process credit ledger.
type LedgerConfig struct {
	Name    string `mapstructure:"name"`
	Symbol  string `mapstructure:"symbol"`
	Account string `mapstructure:"account"`
	// Mints are "address:amount" pairs credited at startup, for development.
	Mints []string `mapstructure:"mints"`
}

// RolesConfig seeds the role set on first start. Once persisted, the
// stored roles win.
type RolesConfig struct {
	Owner  string   `mapstructure:"owner"`
	Admins []string `mapstructure:"admins"`
}

// AuthConfig seeds API keys as "key:wallet" pairs.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type EventsConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":3001",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			CORSOrigins:  []string{"*"},
			RateLimit:    120,
			MaxBodyBytes: 1 << 20,
			PublicURL:    "http://localhost:3001",
		},
		Store:   StoreConfig{Driver: DriverMemory},
		Ledger:  LedgerConfig{Name: "Energy", Symbol: "ENRG", Account: DefaultCustody},
		Log:     LogConfig{Level: logging.LevelInfo, Format: logging.FormatJSON},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Events:  EventsConfig{HistoryLimit: 500},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.cors_origins", d.HTTP.CORSOrigins)
	v.SetDefault("http.rate_limit", d.HTTP.RateLimit)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("http.public_url", d.HTTP.PublicURL)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("ledger.name", d.Ledger.Name)
	v.SetDefault("ledger.symbol", d.Ledger.Symbol)
	v.SetDefault("ledger.account", d.Ledger.Account)
	v.SetDefault("ledger.mints", []string{})

	v.SetDefault("roles.owner", "")
	v.SetDefault("roles.admins", []string{})
	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("events.history_limit", d.Events.HistoryLimit)
}

// Load reads configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if _, err := c.Roles.Seed(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Auth.Bindings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.Custody(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.Grants(); err != nil {
		errs = append(errs, err)
	}
	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != logging.FormatJSON && f != logging.FormatText {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Seed parses the configured role set.
func (r RolesConfig) Seed() (escrow.Roles, error) {
	if strings.TrimSpace(r.Owner) == "" {
		return escrow.Roles{}, errors.New("roles.owner is required")
	}
	owner, err := escrow.ParseAddress(r.Owner)
	if err != nil {
		return escrow.Roles{}, fmt.Errorf("roles.owner: %w", err)
	}
	out := escrow.Roles{Owner: owner}
	for _, raw := range r.Admins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		a, err := escrow.ParseAddress(raw)
		if err != nil {
			return escrow.Roles{}, fmt.Errorf("roles.admins: %w", err)
		}
		out.Admins = append(out.Admins, a)
	}
	return out, nil
}

// Bindings parses "key:wallet" pairs into a key to wallet map.
func (a AuthConfig) Bindings() (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(a.APIKeys))
	for _, raw := range a.APIKeys {
		key, wallet, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("auth.api_keys: want key:wallet, got %q", raw)
		}
		addr, err := escrow.ParseAddress(wallet)
		if err != nil {
			return nil, fmt.Errorf("auth.api_keys: %w", err)
		}
		out[key] = addr
	}
	return out, nil
}

// Custody parses the escrow custody account.
func (l LedgerConfig) Custody() (common.Address, error) {
	a, err := escrow.ParseAddress(l.Account)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger.account: %w", err)
	}
	return a, nil
}

// Grant is one startup mint.
type Grant struct {
	To     common.Address
	Amount *big.Int
}

// Grants parses the configured startup mints.
func (l LedgerConfig) Grants() ([]Grant, error) {
	var out []Grant
	for _, raw := range l.Mints {
		wallet, amount, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			return nil, fmt.Errorf("ledger.mints: want address:amount, got %q", raw)
		}
		to, err := escrow.ParseAddress(wallet)
		if err != nil {
			return nil, fmt.Errorf("ledger.mints: %w", err)
		}
		v, err := escrow.ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("ledger.mints: %w", err)
		}
		out = append(out, Grant{To: to, Amount: v})
	}
	return out, nil
}

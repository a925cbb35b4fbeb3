package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/humandao-org/EnergyContracts/config"
	"github.com/humandao-org/EnergyContracts/core/credit"
	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/handlers"
	"github.com/humandao-org/EnergyContracts/logging"
	"github.com/humandao-org/EnergyContracts/mcp"
	"github.com/humandao-org/EnergyContracts/metrics"
	"github.com/humandao-org/EnergyContracts/storage/auth"
	escrowstore "github.com/humandao-org/EnergyContracts/storage/escrow"
)

// store is what the escrow service needs from a persistence driver.
type store interface {
	escrow.Store
	escrow.RoleStore
}

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Ledger
	Token   *credit.Token
	Account *credit.EscrowAccount

	// Services
	Store   store
	Policy  *escrow.Policy
	Bus     *escrow.Bus
	Escrow  *escrow.Escrow
	Keys    auth.KeyStore
	Metrics *metrics.Metrics // nil when disabled

	// Transports
	Router http.Handler
	MCP    *mcp.MCPServer

	closers []func() error
}

// New creates a new dependency container from cfg. On error every
// resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Container, err error) {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Container{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	roles, err := cfg.Roles.Seed()
	if err != nil {
		return nil, err
	}
	if err := c.initStore(ctx); err != nil {
		return nil, err
	}
	if err := c.initLedger(ctx, roles.Owner); err != nil {
		return nil, err
	}
	if c.Policy, err = escrow.NewPolicy(ctx, c.Store, roles); err != nil {
		return nil, fmt.Errorf("init policy: %w", err)
	}

	c.Bus = escrow.NewBus(cfg.Events.HistoryLimit)
	if cfg.Metrics.Enabled {
		c.Metrics = metrics.New()
		c.Bus.Subscribe(c.Metrics.Observe)
	}
	c.Escrow = escrow.New(c.Store, c.Account, c.Policy,
		escrow.WithLogger(logging.Component(logger, "escrow")),
		escrow.WithBus(c.Bus),
	)

	if err := c.initKeys(ctx); err != nil {
		return nil, err
	}

	c.Router = handlers.NewRouter(handlers.RouterConfig{
		Escrow:       c.Escrow,
		Account:      c.Account,
		Keys:         c.Keys,
		Metrics:      c.Metrics,
		Logger:       logger,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		RateLimit:    cfg.HTTP.RateLimit,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		PublicURL:    cfg.HTTP.PublicURL,
		MetricsPath:  cfg.Metrics.Path,
	})
	c.MCP = mcp.NewMCPServer(c.Escrow, c.Keys, logger)

	logger.Info("container ready",
		"store", cfg.Store.Driver,
		"owner", roles.Owner.Hex(),
		"custody", c.Account.Address().Hex(),
		"metrics", cfg.Metrics.Enabled,
	)
	return c, nil
}

// initLedger opens the credit token over the escrow store when the driver
// is durable, so balances and deposits commit together. Grants are minted
// only into a fresh ledger.
func (c *Container) initLedger(ctx context.Context, owner common.Address) error {
	custody, err := c.Config.Ledger.Custody()
	if err != nil {
		return err
	}
	grants, err := c.Config.Ledger.Grants()
	if err != nil {
		return err
	}
	name, symbol := c.Config.Ledger.Name, c.Config.Ledger.Symbol
	if ls, ok := c.Store.(credit.Store); ok {
		if c.Token, err = credit.OpenToken(ctx, name, symbol, owner, ls); err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
	} else {
		c.Token = credit.NewToken(name, symbol, owner)
	}
	c.Account = credit.NewEscrowAccount(c.Token, custody)
	if c.Token.Restored() {
		c.Logger.Info("ledger restored", "symbol", symbol, "supply", c.Token.TotalSupply().String())
		return nil
	}
	for _, g := range grants {
		if err := c.Token.Mint(ctx, owner, g.To, g.Amount); err != nil {
			return fmt.Errorf("mint %s to %s: %w", g.Amount, g.To.Hex(), err)
		}
	}
	return nil
}

func (c *Container) initStore(ctx context.Context) error {
	switch c.Config.Store.Driver {
	case config.DriverSQLite:
		s, err := escrowstore.OpenSQLite(c.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		c.Store = s
		c.closers = append(c.closers, s.Close)
	case config.DriverPostgres:
		s, err := escrowstore.NewPGStore(ctx, c.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		c.Store = s
		c.closers = append(c.closers, func() error { s.Close(); return nil })
	default:
		c.Store = escrowstore.NewMemoryStore()
	}
	return nil
}

func (c *Container) initKeys(ctx context.Context) error {
	bindings, err := c.Config.Auth.Bindings()
	if err != nil {
		return err
	}
	if c.Config.Store.Driver == config.DriverPostgres {
		ks, err := auth.NewPGKeyStore(ctx, c.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("open key store: %w", err)
		}
		c.Keys = ks
		c.closers = append(c.closers, func() error { ks.Close(); return nil })
	} else {
		c.Keys = auth.NewMemoryKeyStore()
	}
	for key, wallet := range bindings {
		if err := c.Keys.Seed(ctx, key, wallet, "config"); err != nil {
			return fmt.Errorf("seed api key for %s: %w", wallet.Hex(), err)
		}
	}
	return nil
}

// Close releases stores in reverse order of opening.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Command mcpserver exposes the escrow ledger as MCP tools over stdio.
// Configuration comes from the file named by ESCROW_CONFIG and
// ESCROW_* overrides. Logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/humandao-org/EnergyContracts/config"
	"github.com/humandao-org/EnergyContracts/container"
	"github.com/humandao-org/EnergyContracts/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcpserver:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "_CONFIG"))
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Writer:  os.Stderr,
		Service: "mcpserver",
	})

	c, err := container.New(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer c.Close()

	logger.Info("mcp server starting", "store", cfg.Store.Driver)
	return server.ServeStdio(c.MCP.GetMCPServer())
}

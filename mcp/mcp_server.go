// Package mcp exposes every escrow operation as a Model Context Protocol
// tool. Mutating tools act for the wallet bound to the api_key argument.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/logging"
	"github.com/humandao-org/EnergyContracts/storage/auth"
)

const apiKeyArg = "api_key"

// toolFunc runs one tool. caller is the zero address for public tools.
type toolFunc func(ctx context.Context, a args, caller common.Address) (any, error)

// MCPServer wraps the mcp-go server with the escrow service
type MCPServer struct {
	mcpServer *server.MCPServer
	escrow    *escrow.Escrow
	keys      auth.Resolver
	logger    *slog.Logger
	handlers  map[string]server.ToolHandlerFunc
}

// NewMCPServer creates a new MCP server using the mcp-go library
func NewMCPServer(svc *escrow.Escrow, keys auth.Resolver, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = logging.Nop()
	}
	mcpServer := server.NewMCPServer(
		"Energy Escrow MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &MCPServer{
		mcpServer: mcpServer,
		escrow:    svc,
		keys:      keys,
		logger:    logging.Component(logger, "mcp"),
		handlers:  make(map[string]server.ToolHandlerFunc),
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ToolNames lists the registered tools in name order.
func (s *MCPServer) ToolNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registerTools registers all MCP tools with the server
func (s *MCPServer) registerTools() {
	// Deposits
	s.registerCreateDepositTool()
	s.registerCreateOpenEndedDepositTool()
	s.registerViewDepositTool()
	s.registerListDepositsTool()
	s.registerDeleteDepositTool()
	s.registerRemainingClaimsTool()

	// Recipients
	s.registerAddRecipientTool()
	s.registerRemoveRecipientTool()
	s.registerViewRecipientTool()
	s.registerListRecipientsTool()
	s.registerSetClaimableTool()
	s.registerClaimTool()

	// Refunds
	s.registerRefundTool()
	s.registerForceRefundTool()
	s.registerSetAllowRefundTool()

	// Funding
	s.registerIncreaseAssistantCountTool()
	s.registerIncreaseEnergyAmountTool()
	s.registerIncreasePerClaimTool()
	s.registerDepositForOpenEndedTool()

	// Administration
	s.registerTransferOwnershipTool()
	s.registerGrantAdminTool()
	s.registerRevokeAdminTool()

	// Helpers
	s.registerDeriveIDsTool()
}

// addTool registers a tool. Authenticated tools get an api_key argument
// and receive the resolved wallet as caller.
func (s *MCPServer) addTool(tool mcp.Tool, authenticated bool, fn toolFunc) {
	if authenticated {
		mcp.WithString(apiKeyArg, mcp.Required(), mcp.Description("API key bound to the acting wallet"))(&tool)
	}
	name := tool.Name
	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args{tool: name, m: request.GetArguments()}
		var who common.Address
		if authenticated {
			var err error
			if who, err = s.authenticate(ctx, a); err != nil {
				return s.failure(name, err), nil
			}
		}
		out, err := fn(ctx, a, who)
		if err != nil {
			return s.failure(name, err), nil
		}
		return success(out), nil
	}
	s.handlers[name] = handler
	s.mcpServer.AddTool(tool, handler)
}

func (s *MCPServer) authenticate(ctx context.Context, a args) (common.Address, error) {
	key, err := a.str(apiKeyArg)
	if err != nil {
		return common.Address{}, err
	}
	if key == "" {
		return common.Address{}, NewUnauthorizedError(a.tool, "")
	}
	cred, err := s.keys.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownKey) || errors.Is(err, auth.ErrKeyRequired) {
			return common.Address{}, NewUnauthorizedError(a.tool, "Invalid API key")
		}
		return common.Address{}, err
	}
	return cred.Wallet, nil
}

func (s *MCPServer) failure(tool string, err error) *mcp.CallToolResult {
	te := FromError(tool, err)
	if te.Code == ErrCodeInternalError {
		s.logger.Error("tool failed", "tool", tool, "error", err)
	}
	body, merr := json.Marshal(te)
	if merr != nil {
		return mcp.NewToolResultError(te.Error())
	}
	return mcp.NewToolResultError(string(body))
}

func success(out any) *mcp.CallToolResult {
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(body))
}

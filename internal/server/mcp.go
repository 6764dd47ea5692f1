package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// newMCPServer builds the gateway's own MCP server: meta-tools for listing
// and calling downstream tools, with session lifecycle hooks feeding the
// registry. The streamable HTTP layer (POST create/continue, GET stream,
// DELETE terminate, Mcp-Session-Id header) is owned by the protocol SDK.
func newMCPServer(dispatcher *Dispatcher, sessions *SessionRegistry, logger *zap.Logger) *mcpserver.MCPServer {
	hooks := &mcpserver.Hooks{}

	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		info := &SessionInfo{
			SessionID: session.SessionID(),
			TenantKey: TenantKeyFromContext(ctx),
		}
		if withInfo, ok := session.(mcpserver.SessionWithClientInfo); ok {
			clientInfo := withInfo.GetClientInfo()
			info.ClientName = clientInfo.Name
			info.ClientVersion = clientInfo.Version
		}

		if err := sessions.Register(info); err != nil {
			logger.Warn("session registration rejected", zap.Error(err))
			return
		}
		activeSessions.Inc()
	})

	hooks.AddOnUnregisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		if _, ok := sessions.Get(session.SessionID()); ok {
			sessions.Remove(session.SessionID())
			activeSessions.Dec()
		}
	})

	s := mcpserver.NewMCPServer(
		"mcpgate",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	registerMetaTools(s, dispatcher)

	return s
}

// registerMetaTools exposes the aggregation surface as two gateway tools.
func registerMetaTools(s *mcpserver.MCPServer, dispatcher *Dispatcher) {
	listTool := mcp.NewTool("list_tools",
		mcp.WithDescription("List tools exposed by the configured downstream servers"),
		mcp.WithString("server",
			mcp.Description("Restrict the listing to one server by name")),
	)
	s.AddTool(listTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		serverFilter := request.GetString("server", "")

		tools, err := dispatcher.ListTools(ctx, TenantKeyFromContext(ctx), serverFilter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload, err := json.Marshal(map[string]any{"tools": tools})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode listing: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	})

	callTool := mcp.NewTool("call_tool",
		mcp.WithDescription("Call a tool on a downstream server"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Tool name, optionally prefixed server:tool")),
		mcp.WithString("server",
			mcp.Description("Server name, overriding any prefix in name")),
		mcp.WithObject("args",
			mcp.Description("Arguments forwarded to the downstream tool")),
	)
	s.AddTool(callTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		target := name
		if serverName := request.GetString("server", ""); serverName != "" {
			target = serverName + ":" + name
		}

		var args map[string]any
		if raw, ok := request.GetArguments()["args"].(map[string]any); ok {
			args = raw
		}

		result, err := dispatcher.CallTool(ctx, TenantKeyFromContext(ctx), target, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	})
}

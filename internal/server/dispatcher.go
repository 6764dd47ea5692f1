package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/auth"
	"github.com/mcpgate/mcpgate-go/internal/upstream"
)

// ToolInfo is one aggregated tool listing entry, keyed "server:tool".
type ToolInfo struct {
	Server      string              `json:"server"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"inputSchema"`
}

// Dispatcher aggregates tool listings and routes calls across the tenant's
// downstream connections, tolerating partial backend failure.
type Dispatcher struct {
	pool        *upstream.Pool
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher creates a tool dispatcher over the connector pool. A positive
// callTimeout bounds each forwarded tool call; zero leaves calls unbounded.
func NewDispatcher(pool *upstream.Pool, callTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{pool: pool, callTimeout: callTimeout, logger: logger}
}

// ListTools queries one (when filtered) or all of the tenant's connections.
// Entries are de-duplicated by server:tool, a missing input schema defaults
// to an empty object schema, and a server that errors is logged and
// skipped without aborting the rest.
func (d *Dispatcher) ListTools(ctx context.Context, tenantKey, serverFilter string) ([]ToolInfo, error) {
	if err := d.pool.EnsureConnected(ctx, tenantKey); err != nil {
		return nil, err
	}

	conns := d.pool.GetAllConnections(tenantKey)
	if serverFilter != "" {
		conn, ok := conns[serverFilter]
		if !ok {
			return nil, fmt.Errorf("%w: server %s", auth.ErrNotFound, serverFilter)
		}
		conns = map[string]upstream.Conn{serverFilter: conn}
	}

	seen := make(map[string]bool)
	var tools []ToolInfo
	for serverName, conn := range conns {
		serverTools, err := conn.ListTools(ctx)
		if err != nil {
			d.logger.Warn("tool listing failed, skipping server",
				zap.String("server", serverName),
				zap.Error(err))
			continue
		}

		for i := range serverTools {
			tool := &serverTools[i]
			key := serverName + ":" + tool.Name
			if seen[key] {
				continue
			}
			seen[key] = true

			schema := tool.InputSchema
			if schema.Type == "" {
				schema = mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}}
			}

			tools = append(tools, ToolInfo{
				Server:      serverName,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}

	return tools, nil
}

// CallTool resolves the target connection by explicit "server:tool" prefix
// or by scanning tool names across the tenant's connections, then forwards
// the call. A downstream failure comes back as a structured error result
// inside a well-formed response, never as a raised error, so clients can
// tell "rejected" from "executed but failed".
func (d *Dispatcher) CallTool(ctx context.Context, tenantKey, target string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := d.pool.EnsureConnected(ctx, tenantKey); err != nil {
		return nil, err
	}

	serverName, toolName, conn, err := d.resolveTarget(ctx, tenantKey, target)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	result, err := conn.CallTool(callCtx, toolName, args)
	if err != nil {
		failure := fmt.Errorf("%w: tool call %s on %s: %v", auth.ErrUpstreamFailure, toolName, serverName, err)
		d.logger.Warn("downstream tool call failed",
			zap.String("server", serverName),
			zap.String("tool", toolName),
			zap.Error(failure))
		toolCallsTotal.WithLabelValues("error").Inc()
		return mcp.NewToolResultError(failure.Error()), nil
	}

	toolCallsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// resolveTarget maps "server:tool" or a bare tool name onto a connection.
func (d *Dispatcher) resolveTarget(ctx context.Context, tenantKey, target string) (string, string, upstream.Conn, error) {
	if serverName, toolName, ok := strings.Cut(target, ":"); ok {
		conn, found := d.pool.GetConnection(tenantKey, serverName)
		if !found {
			return "", "", nil, fmt.Errorf("%w: server %s", auth.ErrNotFound, serverName)
		}
		return serverName, toolName, conn, nil
	}

	serverName, conn, ok := d.pool.FindConnectionExposingTool(ctx, tenantKey, target)
	if !ok {
		return "", "", nil, fmt.Errorf("%w: tool %s", auth.ErrNotFound, target)
	}
	return serverName, target, conn, nil
}

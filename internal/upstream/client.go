// Package upstream manages downstream MCP tool server connections,
// partitioned by tenant key so independent callers never share a transport.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate-go/internal/config"
)

// Conn is one live downstream connection, handshake already completed.
type Conn interface {
	ServerName() string
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer establishes a connection to one configured server, injecting the
// tenant's forwarded credential where the server config asks for it.
type Dialer func(ctx context.Context, serverConfig *config.ServerConfig, credential string) (Conn, error)

type mcpConn struct {
	name   string
	client *client.Client
}

// Dial is the production Dialer: it selects the transport from the server
// config's protocol discriminant, starts the client, and completes the MCP
// initialize handshake.
func Dial(ctx context.Context, serverConfig *config.ServerConfig, credential string) (Conn, error) {
	c, err := newClient(serverConfig, credential)
	if err != nil {
		return nil, err
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start client for %s: %w", serverConfig.Name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpgate",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.Initialize(ctx, initRequest); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize handshake failed for %s: %w", serverConfig.Name, err)
	}

	return &mcpConn{name: serverConfig.Name, client: c}, nil
}

// newClient builds the transport-specific MCP client. The protocol set is
// closed: stdio, http/streamable-http, sse.
func newClient(serverConfig *config.ServerConfig, credential string) (*client.Client, error) {
	switch serverConfig.TransportProtocol() {
	case config.ProtocolStdio:
		if serverConfig.Command == "" {
			return nil, fmt.Errorf("no command specified for stdio server %s", serverConfig.Name)
		}
		env := mergedEnv(serverConfig, credential)
		stdioTransport := transport.NewStdio(serverConfig.Command, env, serverConfig.Args...)
		return client.NewClient(stdioTransport), nil

	case config.ProtocolHTTP, config.ProtocolStreamableHTTP:
		if serverConfig.URL == "" {
			return nil, fmt.Errorf("no URL specified for HTTP server %s", serverConfig.Name)
		}
		headers := forwardedHeaders(serverConfig, credential)
		httpTransport, err := transport.NewStreamableHTTP(serverConfig.URL,
			transport.WithHTTPHeaders(headers),
			transport.WithHTTPTimeout(180*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP transport for %s: %w", serverConfig.Name, err)
		}
		return client.NewClient(httpTransport), nil

	case config.ProtocolSSE:
		if serverConfig.URL == "" {
			return nil, fmt.Errorf("no URL specified for SSE server %s", serverConfig.Name)
		}
		httpClient := &http.Client{Timeout: 180 * time.Second}
		sseClient, err := client.NewSSEMCPClient(serverConfig.URL,
			client.WithHTTPClient(httpClient),
			client.WithHeaders(forwardedHeaders(serverConfig, credential)))
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client for %s: %w", serverConfig.Name, err)
		}
		return sseClient, nil

	default:
		return nil, fmt.Errorf("unknown protocol %q for server %s", serverConfig.Protocol, serverConfig.Name)
	}
}

// mergedEnv layers the server's configured variables over the gateway
// environment, then injects the forwarded credential if requested.
func mergedEnv(serverConfig *config.ServerConfig, credential string) []string {
	env := os.Environ()

	override := make(map[string]string, len(serverConfig.Env))
	for k, v := range serverConfig.Env {
		override[k] = v
	}
	if serverConfig.ForwardAuthEnv != "" && credential != "" {
		override[serverConfig.ForwardAuthEnv] = credential
	}

	for i, kv := range env {
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			if v, ok := override[kv[:eq]]; ok {
				env[i] = kv[:eq] + "=" + v
				delete(override, kv[:eq])
			}
		}
	}
	for k, v := range override {
		env = append(env, k+"="+v)
	}

	return env
}

// forwardedHeaders clones the configured headers and injects the tenant's
// bearer credential when the server config names a forwarding header.
func forwardedHeaders(serverConfig *config.ServerConfig, credential string) map[string]string {
	headers := make(map[string]string, len(serverConfig.Headers)+1)
	for k, v := range serverConfig.Headers {
		headers[k] = v
	}
	if serverConfig.ForwardAuthHeader != "" && credential != "" {
		headers[serverConfig.ForwardAuthHeader] = "Bearer " + credential
	}
	return headers
}

func (c *mcpConn) ServerName() string {
	return c.name
}

func (c *mcpConn) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", c.name, err)
	}
	return result.Tools, nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := c.client.CallTool(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("tool call %s on %s failed: %w", name, c.name, err)
	}
	return result, nil
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}

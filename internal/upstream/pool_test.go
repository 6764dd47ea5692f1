package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
)

type stubConn struct {
	name       string
	tools      []mcp.Tool
	listErr    error
	closeErr   error
	closeCount atomic.Int32
}

func (s *stubConn) ServerName() string { return s.name }

func (s *stubConn) ListTools(_ context.Context) ([]mcp.Tool, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools, nil
}

func (s *stubConn) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("called " + name), nil
}

func (s *stubConn) Close() error {
	s.closeCount.Add(1)
	return s.closeErr
}

func testServers(names ...string) []*config.ServerConfig {
	servers := make([]*config.ServerConfig, 0, len(names))
	for _, name := range names {
		servers = append(servers, &config.ServerConfig{Name: name, Command: "echo", Enabled: true})
	}
	return servers
}

func TestEnsureConnectedConnectsAllServers(t *testing.T) {
	var dials atomic.Int32
	dial := func(_ context.Context, cfg *config.ServerConfig, _ string) (Conn, error) {
		dials.Add(1)
		return &stubConn{name: cfg.Name}, nil
	}

	pool := NewPool(testServers("a", "b", "c"), dial, zap.NewNop())
	require.NoError(t, pool.EnsureConnected(context.Background(), "tenant-1"))

	assert.Equal(t, int32(3), dials.Load())
	assert.Len(t, pool.GetAllConnections("tenant-1"), 3)

	_, ok := pool.GetConnection("tenant-1", "b")
	assert.True(t, ok)
	_, ok = pool.GetConnection("tenant-1", "nope")
	assert.False(t, ok)
}

func TestServersReturnsConfiguredDefinitions(t *testing.T) {
	servers := testServers("a", "b")
	pool := NewPool(servers, nil, zap.NewNop())

	got := pool.Servers()
	require.Len(t, got, 2)
	assert.Equal(t, servers, got)
}

func TestEnsureConnectedSkipsDisabledServers(t *testing.T) {
	servers := testServers("a", "b")
	servers[1].Enabled = false

	dial := func(_ context.Context, cfg *config.ServerConfig, _ string) (Conn, error) {
		return &stubConn{name: cfg.Name}, nil
	}

	pool := NewPool(servers, dial, zap.NewNop())
	require.NoError(t, pool.EnsureConnected(context.Background(), "t"))
	assert.Len(t, pool.GetAllConnections("t"), 1)
}

func TestEnsureConnectedToleratesPartialFailure(t *testing.T) {
	dial := func(_ context.Context, cfg *config.ServerConfig, _ string) (Conn, error) {
		if cfg.Name == "b" {
			return nil, errors.New("spawn failed")
		}
		return &stubConn{name: cfg.Name}, nil
	}

	pool := NewPool(testServers("a", "b", "c"), dial, zap.NewNop())
	require.NoError(t, pool.EnsureConnected(context.Background(), "t"))

	conns := pool.GetAllConnections("t")
	assert.Len(t, conns, 2)
	assert.Contains(t, conns, "a")
	assert.Contains(t, conns, "c")
	assert.NotContains(t, conns, "b")
}

func TestEnsureConnectedSerializesFirstConnect(t *testing.T) {
	var dials atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	dial := func(_ context.Context, cfg *config.ServerConfig, _ string) (Conn, error) {
		dials.Add(1)
		once.Do(func() { close(started) })
		<-release
		return &stubConn{name: cfg.Name}, nil
	}

	pool := NewPool(testServers("a", "b"), dial, zap.NewNop())

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.EnsureConnected(context.Background(), "tenant-1")
		}()
	}

	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), dials.Load(), "one dial per server, regardless of caller count")
	assert.Len(t, pool.GetAllConnections("tenant-1"), 2)
}

func TestEnsureConnectedIsolatesTenants(t *testing.T) {
	credentials := make(map[string]string)
	var mu sync.Mutex
	dial := func(_ context.Context, cfg *config.ServerConfig, credential string) (Conn, error) {
		mu.Lock()
		credentials[credential] = cfg.Name
		mu.Unlock()
		return &stubConn{name: cfg.Name}, nil
	}

	pool := NewPool(testServers("a"), dial, zap.NewNop())
	require.NoError(t, pool.EnsureConnected(context.Background(), "token-1"))
	require.NoError(t, pool.EnsureConnected(context.Background(), "token-2"))
	require.NoError(t, pool.EnsureConnected(context.Background(), config.DefaultTenantKey))

	assert.Len(t, pool.GetAllConnections("token-1"), 1)
	assert.Len(t, pool.GetAllConnections("token-2"), 1)

	// The bearer credential is forwarded for real tenants; the default key
	// forwards nothing.
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, credentials, "token-1")
	assert.Contains(t, credentials, "token-2")
	assert.Contains(t, credentials, "")
}

func TestFindConnectionExposingTool(t *testing.T) {
	conns := map[string]*stubConn{
		"a": {name: "a", tools: []mcp.Tool{{Name: "alpha"}}},
		"b": {name: "b", tools: []mcp.Tool{{Name: "x"}, {Name: "beta"}}},
		"c": {name: "c", listErr: errors.New("listing broken")},
	}
	dial := func(_ context.Context, cfg *config.ServerConfig, _ string) (Conn, error) {
		return conns[cfg.Name], nil
	}

	pool := NewPool(testServers("a", "b", "c"), dial, zap.NewNop())
	require.NoError(t, pool.EnsureConnected(context.Background(), "t"))

	serverName, conn, ok := pool.FindConnectionExposingTool(context.Background(), "t", "x")
	require.True(t, ok)
	assert.Equal(t, "b", serverName)
	assert.Equal(t, "b", conn.ServerName())

	_, _, ok = pool.FindConnectionExposingTool(context.Background(), "t", "does-not-exist")
	assert.False(t, ok)
}

func TestShutdownAllClosesEverythingOnce(t *testing.T) {
	created := make([]*stubConn, 0)
	var mu sync.Mutex
	dial := func(_ context.Context, cfg *config.ServerConfig, _ string) (Conn, error) {
		conn := &stubConn{name: cfg.Name}
		if cfg.Name == "a" {
			conn.closeErr = errors.New("close failed")
		}
		mu.Lock()
		created = append(created, conn)
		mu.Unlock()
		return conn, nil
	}

	pool := NewPool(testServers("a", "b"), dial, zap.NewNop())
	require.NoError(t, pool.EnsureConnected(context.Background(), "t1"))
	require.NoError(t, pool.EnsureConnected(context.Background(), "t2"))

	pool.ShutdownAll()
	pool.ShutdownAll() // idempotent

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created, 4)
	for _, conn := range created {
		assert.Equal(t, int32(1), conn.closeCount.Load())
	}
	assert.Empty(t, pool.GetAllConnections("t1"))
	assert.Empty(t, pool.GetAllConnections("t2"))
}

func TestMergedEnvOverridesAndInjects(t *testing.T) {
	t.Setenv("MCPGATE_TEST_PRESENT", "original")

	serverConfig := &config.ServerConfig{
		Name:           "s",
		Command:        "echo",
		Env:            map[string]string{"MCPGATE_TEST_PRESENT": "overridden", "EXTRA": "added"},
		ForwardAuthEnv: "MCP_BEARER",
	}

	env := mergedEnv(serverConfig, "secret-token")

	assert.Contains(t, env, "MCPGATE_TEST_PRESENT=overridden")
	assert.NotContains(t, env, "MCPGATE_TEST_PRESENT=original")
	assert.Contains(t, env, "EXTRA=added")
	assert.Contains(t, env, "MCP_BEARER=secret-token")
}

func TestForwardedHeaders(t *testing.T) {
	serverConfig := &config.ServerConfig{
		Name:              "s",
		URL:               "http://x",
		Headers:           map[string]string{"X-Custom": "v"},
		ForwardAuthHeader: "Authorization",
	}

	headers := forwardedHeaders(serverConfig, "tok")
	assert.Equal(t, "Bearer tok", headers["Authorization"])
	assert.Equal(t, "v", headers["X-Custom"])

	headers = forwardedHeaders(serverConfig, "")
	assert.NotContains(t, headers, "Authorization")
}

package upstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mcpgate/mcpgate-go/internal/config"
)

// connectTimeout bounds the handshake for a single downstream server.
const connectTimeout = 60 * time.Second

// Pool lazily provisions one connection per (tenant key, server name).
// Connections live until ShutdownAll; a tenant's first EnsureConnected is
// serialized per key so concurrent callers never double-provision.
type Pool struct {
	mu      sync.RWMutex
	servers []*config.ServerConfig
	conns   map[string]map[string]Conn // tenant key -> server name -> conn
	group   singleflight.Group
	dial    Dialer
	logger  *zap.Logger
	closed  bool
}

// NewPool records the desired servers without connecting to any of them.
func NewPool(servers []*config.ServerConfig, dial Dialer, logger *zap.Logger) *Pool {
	return &Pool{
		servers: servers,
		conns:   make(map[string]map[string]Conn),
		dial:    dial,
		logger:  logger,
	}
}

// Servers returns the configured server definitions.
func (p *Pool) Servers() []*config.ServerConfig {
	return p.servers
}

// EnsureConnected establishes a connection to every enabled server the
// tenant does not already have. One server failing is logged and skipped;
// the rest still connect. In-flight initialization for the same tenant key
// is awaited by late callers rather than retriggered.
func (p *Pool) EnsureConnected(ctx context.Context, tenantKey string) error {
	_, err, _ := p.group.Do(tenantKey, func() (interface{}, error) {
		return nil, p.connectMissing(ctx, tenantKey)
	})
	return err
}

func (p *Pool) connectMissing(ctx context.Context, tenantKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The default tenant key carries no credential to forward.
	credential := tenantKey
	if tenantKey == config.DefaultTenantKey {
		credential = ""
	}

	for _, serverConfig := range p.servers {
		if !serverConfig.Enabled {
			continue
		}
		if _, ok := p.GetConnection(tenantKey, serverConfig.Name); ok {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, err := p.dial(dialCtx, serverConfig, credential)
		cancel()
		if err != nil {
			p.logger.Warn("failed to connect to downstream server",
				zap.String("server", serverConfig.Name),
				zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return nil
		}
		if p.conns[tenantKey] == nil {
			p.conns[tenantKey] = make(map[string]Conn)
		}
		p.conns[tenantKey][serverConfig.Name] = conn
		p.mu.Unlock()

		p.logger.Info("connected to downstream server",
			zap.String("server", serverConfig.Name),
			zap.String("protocol", serverConfig.TransportProtocol()))
	}

	return nil
}

// GetConnection returns the tenant's connection to one server.
func (p *Pool) GetConnection(tenantKey, serverName string) (Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conn, ok := p.conns[tenantKey][serverName]
	return conn, ok
}

// GetAllConnections returns a snapshot of the tenant's connections.
func (p *Pool) GetAllConnections(tenantKey string) map[string]Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make(map[string]Conn, len(p.conns[tenantKey]))
	for name, conn := range p.conns[tenantKey] {
		snapshot[name] = conn
	}
	return snapshot
}

// FindConnectionExposingTool fans a listing query out to every connection
// for the tenant and returns the first one whose tool set contains
// toolName. Listing errors are logged and the remaining servers are still
// queried. No caching: the scan is linear in the configured server count.
func (p *Pool) FindConnectionExposingTool(ctx context.Context, tenantKey, toolName string) (string, Conn, bool) {
	for serverName, conn := range p.GetAllConnections(tenantKey) {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			p.logger.Warn("tool listing failed during lookup",
				zap.String("server", serverName),
				zap.Error(err))
			continue
		}
		for i := range tools {
			if tools[i].Name == toolName {
				return serverName, conn, true
			}
		}
	}
	return "", nil, false
}

// ShutdownAll closes every connection for every tenant. Close failures are
// logged and do not stop the teardown; calling it again is a no-op.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]map[string]Conn)
	p.closed = true
	p.mu.Unlock()

	for tenantKey, byServer := range conns {
		for serverName, conn := range byServer {
			if err := conn.Close(); err != nil {
				p.logger.Warn("failed to close downstream connection",
					zap.String("server", serverName),
					zap.String("tenant", tenantKey),
					zap.Error(err))
			}
		}
	}
}

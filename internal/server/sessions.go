package server

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionInfo holds metadata for one live protocol session.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	TenantKey     string    `json:"-"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// SessionRegistry maps session ids to live transports. The protocol SDK
// owns transport construction and id generation; the registry mirrors its
// lifecycle through registration hooks so shutdown and lookups stay
// testable. At most one transport per id; ids are never reused.
type SessionRegistry struct {
	sessions map[string]*SessionInfo
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry(logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*SessionInfo),
		logger:   logger,
	}
}

// Register records a freshly initialized session. A duplicate id is a
// protocol violation and is rejected.
func (r *SessionRegistry) Register(info *SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[info.SessionID]; exists {
		return fmt.Errorf("session %s already registered", info.SessionID)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	r.sessions[info.SessionID] = info

	r.logger.Debug("session registered",
		zap.String("session_id", info.SessionID),
		zap.String("client_name", info.ClientName),
		zap.String("client_version", info.ClientVersion))

	return nil
}

// Get retrieves session metadata
func (r *SessionRegistry) Get(sessionID string) (*SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.sessions[sessionID]
	return info, ok
}

// Remove drops a session after its transport has closed. The entry is gone
// once Remove returns; in-flight requests against the id fail at the
// transport layer rather than hanging.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	delete(r.sessions, sessionID)

	r.logger.Debug("session removed", zap.String("session_id", sessionID))
}

// Count returns the number of live sessions
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// List returns a snapshot of all live sessions
func (r *SessionRegistry) List() []*SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	return out
}

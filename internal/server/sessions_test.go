package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionRegistryLifecycle(t *testing.T) {
	registry := NewSessionRegistry(zap.NewNop())

	first := &SessionInfo{SessionID: uuid.New().String(), TenantKey: "t1", ClientName: "cli"}
	second := &SessionInfo{SessionID: uuid.New().String(), TenantKey: "t1"}

	require.NoError(t, registry.Register(first))
	require.NoError(t, registry.Register(second))
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, registry.Count())

	got, ok := registry.Get(first.SessionID)
	require.True(t, ok)
	assert.Equal(t, "cli", got.ClientName)
	assert.False(t, got.StartedAt.IsZero())

	registry.Remove(first.SessionID)
	_, ok = registry.Get(first.SessionID)
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Count())

	// Removing again is a no-op.
	registry.Remove(first.SessionID)
	assert.Equal(t, 1, registry.Count())
}

func TestSessionRegistryRejectsDuplicateID(t *testing.T) {
	registry := NewSessionRegistry(zap.NewNop())

	require.NoError(t, registry.Register(&SessionInfo{SessionID: "fixed"}))
	err := registry.Register(&SessionInfo{SessionID: "fixed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestSessionRegistryConcurrentAccess(t *testing.T) {
	registry := NewSessionRegistry(zap.NewNop())

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i)
			_ = registry.Register(&SessionInfo{SessionID: id})
			registry.Get(id)
			if i%2 == 0 {
				registry.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, registry.Count())
	assert.Len(t, registry.List(), n/2)
}

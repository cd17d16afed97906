package snapshot

import (
	"context"
	"sync"
)

// ClaimRegistry records which session owns a discovered snapshot so that
// concurrent sessions never adopt each other's snapshots.
type ClaimRegistry interface {
	// Claim assigns snapshotID to sessionID. It returns false when another
	// session already holds it.
	Claim(ctx context.Context, sessionID, snapshotID string) (bool, error)
	// ReleaseClaims drops every claim held by sessionID.
	ReleaseClaims(ctx context.Context, sessionID string) error
}

// MemoryClaims is an in-process ClaimRegistry.
type MemoryClaims struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemoryClaims creates an empty registry.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{owners: make(map[string]string)}
}

func (m *MemoryClaims) Claim(_ context.Context, sessionID, snapshotID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owners[snapshotID]; ok {
		return owner == sessionID, nil
	}
	m.owners[snapshotID] = sessionID
	return true, nil
}

func (m *MemoryClaims) ReleaseClaims(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, owner := range m.owners {
		if owner == sessionID {
			delete(m.owners, id)
		}
	}
	return nil
}

// Owner returns the session holding snapshotID.
func (m *MemoryClaims) Owner(snapshotID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[snapshotID]
	return owner, ok
}

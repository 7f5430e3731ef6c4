// Package optout tracks recipients who asked to stop receiving messages.
// The campaign runner and the message dispatcher consult the registry
// before every send; webhook STOP texts feed it.
package optout

import (
	"context"
	"strings"
	"sync"
)

// Registry is the opt-out store. Lookups must be cheap; they sit on the
// send path.
type Registry interface {
	IsOptedOut(ctx context.Context, accountID, address string) (bool, error)
	Add(ctx context.Context, accountID, address string) error
	Remove(ctx context.Context, accountID, address string) error
}

// stopWords are inbound message bodies treated as opt-out requests.
var stopWords = map[string]bool{
	"stop":        true,
	"unsubscribe": true,
	"baja":        true,
	"cancelar":    true,
}

// IsStopMessage reports whether an inbound text is an opt-out request.
func IsStopMessage(text string) bool {
	return stopWords[strings.ToLower(strings.TrimSpace(text))]
}

// Memory is an in-process registry for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]bool
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[string]bool)}
}

func (m *Memory) IsOptedOut(_ context.Context, accountID, address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[accountID][address], nil
}

func (m *Memory) Add(_ context.Context, accountID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[accountID] == nil {
		m.entries[accountID] = make(map[string]bool)
	}
	m.entries[accountID][address] = true
	return nil
}

func (m *Memory) Remove(_ context.Context, accountID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[accountID], address)
	return nil
}

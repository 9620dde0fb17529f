package lease

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory — внутрипроцессные аренды для тестов и одномашинных стендов.
// Семантика как у Manager, но без TTL: аренда живёт до Release.
type Memory struct {
	mu    sync.Mutex
	owner string
	held  map[uuid.UUID]string
}

// NewMemory создаёт Memory для владельца owner.
func NewMemory(owner string) *Memory {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Memory{
		owner: owner,
		held:  make(map[uuid.UUID]string),
	}
}

// Owner возвращает идентификатор владельца.
func (m *Memory) Owner() string {
	return m.owner
}

// Acquire захватывает аренду, если она свободна или уже наша.
func (m *Memory) Acquire(_ context.Context, invocationID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[invocationID]
	if ok && cur != m.owner {
		return false, nil
	}
	m.held[invocationID] = m.owner
	return true, nil
}

// Renew подтверждает, что аренда всё ещё наша.
func (m *Memory) Renew(_ context.Context, invocationID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[invocationID] == m.owner, nil
}

// Release снимает аренду, только если владелец совпадает.
func (m *Memory) Release(_ context.Context, invocationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[invocationID] == m.owner {
		delete(m.held, invocationID)
	}
	return nil
}

// Steal передаёт аренду другому владельцу. Только для тестов:
// имитирует воркера, который уже держит вызов.
func (m *Memory) Steal(invocationID uuid.UUID, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[invocationID] = owner
}

package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	token string
	until time.Time
}

// Memory is a process-local Locker. Replicas sharing one Memory contend the
// same way they would on a shared backend.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memEntry
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: map[string]memEntry{}, clock: time.Now}
}

// WithClock replaces the time source; used to step over lease expiry.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

func (m *Memory) TryAcquire(_ context.Context, name string, lease time.Duration) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("lock name required")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lock %s: lease must be positive", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if cur, ok := m.held[name]; ok && now.Before(cur.until) {
		return nil, nil
	}
	h := &Handle{Name: name, Token: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(lease)}
	m.held[name] = memEntry{token: h.Token, until: h.ExpiresAt}
	return h, nil
}

func (m *Memory) Release(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[h.Name]; ok && cur.token == h.Token {
		delete(m.held, h.Name)
	}
	return nil
}

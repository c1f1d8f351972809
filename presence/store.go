// Package presence tracks which users are online and tells everyone else
// when that changes.
package presence

import (
	"context"
	"sort"
	"sync"
)

// Store records the sessions each user is logged in on. A user is online
// while at least one of their sessions is.
type Store interface {
	// Add records sessionID for user and reports whether the user just came
	// online.
	Add(ctx context.Context, user, sessionID string) (first bool, err error)
	// Remove forgets sessionID and reports whether the user just went
	// offline.
	Remove(ctx context.Context, user, sessionID string) (last bool, err error)
	// Online lists online users in sorted order.
	Online(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore keeps presence in process; it is correct only for a single
// server.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[string]struct{})}
}

func (m *MemoryStore) Add(_ context.Context, user, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.users[user]
	if !ok {
		sessions = make(map[string]struct{})
		m.users[user] = sessions
	}
	sessions[sessionID] = struct{}{}
	return !ok, nil
}

func (m *MemoryStore) Remove(_ context.Context, user, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.users[user]
	if !ok {
		return false, nil
	}
	delete(sessions, sessionID)
	if len(sessions) > 0 {
		return false, nil
	}
	delete(m.users, user)
	return true, nil
}

func (m *MemoryStore) Online(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.users))
	for u := range m.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

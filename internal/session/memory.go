package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/facereg/internal/logging"
)

// MemoryStore keeps sessions in process. It suits a single instance
// deployment and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload []byte
	expires time.Time
}

// NewMemoryStore creates a store whose entries expire ttl after their last save.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// Sessions are stored serialized so callers never share buffers with the store.
func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = memoryEntry{payload: payload, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok && !m.now().Before(entry.expires) {
		delete(m.entries, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	var s Session
	if err := json.Unmarshal(entry.payload, &s); err != nil {
		return nil, logging.NewOperationError("session.decode", id, err)
	}
	if err := s.Validate(); err != nil {
		return nil, logging.NewOperationError("session.decode", id, err)
	}
	return &s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len reports the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.entries {
		if now.Before(e.expires) {
			n++
		} else {
			delete(m.entries, id)
		}
	}
	return n
}

package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/apiguard/pkg/clock"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
)

// DefaultTTL is the lifetime of a cached response.
const DefaultTTL = 5 * time.Minute

// MemoryConfig configures a Memory store.
type MemoryConfig struct {
	TTL time.Duration
	// MaxEntries bounds the store with LRU eviction. Zero means unbounded.
	MaxEntries int
	Clock      clock.Clock
	Logger     *logging.Logger
}

type memoryEntry struct {
	key      string
	data     []byte
	storedAt time.Time
}

// Memory is an in-process Store. An entry is valid while less than TTL has
// elapsed since it was stored; expired entries are dropped on read and by
// Sweep.
type Memory struct {
	mu         sync.Mutex
	clock      clock.Clock
	logger     *logging.Logger
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	lru        *list.List

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// NewMemory creates an in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Memory{
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

func (m *Memory) expired(e *memoryEntry, now time.Time) bool {
	return now.Sub(e.storedAt) >= m.ttl
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if m.expired(entry, m.clock.Now()) {
		m.removeElement(elem)
		m.expirations++
		m.misses++
		return nil, false, nil
	}

	m.lru.MoveToFront(elem)
	m.hits++
	return entry.data, true, nil
}

// Set implements Store. Storing under an existing key replaces the entry and
// restarts its TTL.
func (m *Memory) Set(_ context.Context, key string, data []byte) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.data = data
		entry.storedAt = now
		m.lru.MoveToFront(elem)
		return nil
	}

	m.entries[key] = m.lru.PushFront(&memoryEntry{key: key, data: data, storedAt: now})

	for m.maxEntries > 0 && m.lru.Len() > m.maxEntries {
		m.removeElement(m.lru.Back())
		m.evictions++
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeElement(elem)
	}
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	return nil
}

// Stats implements Store. Keys are sorted. Expired entries that have not
// been swept yet are left out.
func (m *Memory) Stats(_ context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	keys := make([]string, 0, len(m.entries))
	for key, elem := range m.entries {
		if m.expired(elem.Value.(*memoryEntry), now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return Stats{
		Backend:     "memory",
		Entries:     len(keys),
		Keys:        keys,
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		Expirations: m.expirations,
		TTL:         m.ttl,
	}
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for elem := m.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if m.expired(elem.Value.(*memoryEntry), now) {
			m.removeElement(elem)
			m.expirations++
			removed++
		}
		elem = prev
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("Swept expired cache entries", "removed", removed, "remaining", m.Len())
			}
		}
	}
}

// removeElement must be called with mu held.
func (m *Memory) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(m.entries, entry.key)
	m.lru.Remove(elem)
}

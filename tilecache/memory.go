package tilecache

import (
	"container/list"
	"context"
	"sync"

	"github.com/pdok/tegel/tiling"
)

type memoryItem struct {
	addr  tiling.Address
	entry Entry
}

// Memory keeps entries in process memory, least recently used first out when maxSize is set.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	items   map[tiling.Address]*list.Element
	lruList *list.List
}

// NewMemory creates a memory backend, maxSize 0 is unbounded.
func NewMemory(maxSize int) *Memory {
	return &Memory{
		maxSize: maxSize,
		items:   make(map[tiling.Address]*list.Element),
		lruList: list.New(),
	}
}

func (m *Memory) Stat(_ context.Context, addr tiling.Address) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.items[addr]
	if !ok {
		return false, false, nil
	}
	return elem.Value.(*memoryItem).entry.Empty, true, nil
}

func (m *Memory) Get(_ context.Context, addr tiling.Address) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.items[addr]
	if !ok {
		return Entry{}, false, nil
	}
	m.lruList.MoveToFront(elem)
	return elem.Value.(*memoryItem).entry, true, nil
}

func (m *Memory) Put(_ context.Context, addr tiling.Address, e Entry) error {
	if _, err := storageKey(addr.Collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[addr]; ok {
		elem.Value.(*memoryItem).entry = e
		m.lruList.MoveToFront(elem)
		return nil
	}
	m.insert(addr, e)
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, addr tiling.Address, e Entry) (bool, error) {
	if _, err := storageKey(addr.Collection); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[addr]; ok {
		return false, nil
	}
	m.insert(addr, e)
	return true, nil
}

func (m *Memory) insert(addr tiling.Address, e Entry) {
	if m.maxSize > 0 && m.lruList.Len() >= m.maxSize {
		if oldest := m.lruList.Back(); oldest != nil {
			delete(m.items, oldest.Value.(*memoryItem).addr)
			m.lruList.Remove(oldest)
		}
	}
	m.items[addr] = m.lruList.PushFront(&memoryItem{addr: addr, entry: e})
}

func (m *Memory) Delete(_ context.Context, addr tiling.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[addr]; ok {
		delete(m.items, addr)
		m.lruList.Remove(elem)
	}
	return nil
}

func (m *Memory) Walk(ctx context.Context, f Filter, fn func(tiling.Address) error) error {
	m.mu.Lock()
	addrs := make([]tiling.Address, 0, len(m.items))
	for addr := range m.items {
		if f.matches(addr) {
			addrs = append(addrs, addr)
		}
	}
	m.mu.Unlock()
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(addr); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps the whole document in process. Used for tests and the memory driver.
type MemoryStore struct {
	mu   sync.RWMutex
	root map[string]any
	hub  hub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: map[string]any{}}
}

func (m *MemoryStore) Get(_ context.Context, path string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cur any = m.root
	for _, part := range split(path) {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = node[part]
		if !ok {
			return nil, false, nil
		}
	}
	if node, ok := cur.(map[string]any); ok && len(node) == 0 {
		return nil, false, nil
	}

	out, err := normalize(cur)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (m *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changed := make([]string, 0, len(keys))
	values := make([]any, 0, len(keys))
	for _, k := range keys {
		nv, err := normalize(fields[k])
		if err != nil {
			return err
		}
		changed = append(changed, Join(path, k))
		values = append(values, nv)
	}

	m.mu.Lock()
	for i, full := range changed {
		m.set(full, values[i])
	}
	m.mu.Unlock()

	m.hub.notify(changed...)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, path string) error {
	path = Clean(path)
	m.mu.Lock()
	if path == "" {
		m.root = map[string]any{}
	} else {
		m.set(path, nil)
	}
	m.mu.Unlock()

	m.hub.notify(path)
	return nil
}

func (m *MemoryStore) Subscribe(path string, fn func(string)) func() {
	return m.hub.subscribe(path, fn)
}

// set writes v at path, creating or replacing intermediate nodes. nil deletes. Caller holds mu.
func (m *MemoryStore) set(path string, v any) {
	parts := split(path)
	if len(parts) == 0 {
		if obj, ok := v.(map[string]any); ok {
			m.root = obj
		} else {
			m.root = map[string]any{}
		}
		return
	}

	node := m.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}

	last := parts[len(parts)-1]
	if v == nil {
		delete(node, last)
		return
	}
	node[last] = v
}

func split(path string) []string {
	path = Clean(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Store is the hierarchical key/value document shared with the dashboards and the outlets.
// Values are JSON-shaped: map[string]any, []any, string, float64, bool.
type Store interface {
	// Get returns the value at path. found is false when nothing is stored there.
	Get(ctx context.Context, path string) (value any, found bool, err error)
	// Update merges fields into the node at path. Keys may contain slashes to reach deeper;
	// a nil value removes that child.
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Subscribe calls fn with the changed path whenever anything at, above or below path changes.
	Subscribe(path string, fn func(changed string)) (cancel func())
}

// Clean trims surrounding and duplicate slashes.
func Clean(path string) string {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	return strings.Join(parts, "/")
}

func Join(parts ...string) string {
	return Clean(strings.Join(parts, "/"))
}

// Related reports whether a change at a should be seen by a watcher of b, or vice versa.
func Related(a, b string) bool {
	a, b = Clean(a), Clean(b)
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// normalize converts v into plain JSON types and copies it.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

type subscription struct {
	id   int
	path string
	fn   func(string)
}

// hub fans change notifications out to in-process subscribers.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

func (h *hub) subscribe(path string, fn func(string)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, path: Clean(path), fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// notify must be called without any store lock held; subscribers may read back.
func (h *hub) notify(changed ...string) {
	h.mu.Lock()
	subs := make([]subscription, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		for _, c := range changed {
			if Related(c, s.path) {
				s.fn(c)
				break
			}
		}
	}
}

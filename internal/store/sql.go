package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/thatsimonsguy/outlet-controller/db"
)

// SQLStore persists the document as one row per leaf in the nodes table.
type SQLStore struct {
	conn *sql.DB
	hub  hub
}

func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{conn: conn}
}

func (s *SQLStore) Get(_ context.Context, path string) (any, bool, error) {
	path = Clean(path)
	nodes, err := db.GetSubtree(s.conn, path)
	if err != nil {
		return nil, false, err
	}
	if len(nodes) == 0 {
		return nil, false, nil
	}

	var root any
	for _, n := range nodes {
		var leaf any
		if err := json.Unmarshal([]byte(n.Value), &leaf); err != nil {
			return nil, false, fmt.Errorf("decode node %s: %w", n.Path, err)
		}
		if n.Path == path {
			// a leaf at path hides anything stale below it
			return leaf, true, nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(n.Path, path), "/")
		root = insert(root, strings.Split(rel, "/"), leaf)
	}
	return root, true, nil
}

func insert(node any, parts []string, leaf any) any {
	if len(parts) == 0 {
		return leaf
	}
	obj, ok := node.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[parts[0]] = insert(obj[parts[0]], parts[1:], leaf)
	return obj
}

func (s *SQLStore) Update(_ context.Context, path string, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]db.Write, 0, len(fields))
	changed := make([]string, 0, len(fields))
	for _, k := range keys {
		full := Join(path, k)
		v, err := normalize(fields[k])
		if err != nil {
			return err
		}
		leaves, err := flatten(full, v, nil)
		if err != nil {
			return err
		}
		writes = append(writes, db.Write{Path: full, Leaves: leaves})
		changed = append(changed, full)
	}

	if err := db.ApplyWrites(s.conn, writes); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	s.hub.notify(changed...)
	return nil
}

// flatten turns v into leaf rows. Objects recurse; arrays and scalars are stored whole.
func flatten(path string, v any, out []db.Node) ([]db.Node, error) {
	switch val := v.(type) {
	case nil:
		return out, nil
	case map[string]any:
		for k, child := range val {
			var err error
			out, err = flatten(Join(path, k), child, out)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode node %s: %w", path, err)
		}
		return append(out, db.Node{Path: path, Value: string(b)}), nil
	}
}

func (s *SQLStore) Remove(_ context.Context, path string) error {
	path = Clean(path)
	if err := db.DeleteSubtree(s.conn, path); err != nil {
		return err
	}
	s.hub.notify(path)
	return nil
}

// Subscribe only sees writes made through this process.
func (s *SQLStore) Subscribe(path string, fn func(string)) func() {
	return s.hub.subscribe(path, fn)
}

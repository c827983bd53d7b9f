package db

import (
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Node is a single JSON-encoded leaf addressed by its slash-separated path.
type Node struct {
	Path  string
	Value string
}

// GetNode retrieves the leaf stored at exactly path.
func GetNode(db *sql.DB, path string) (Node, bool, error) {
	n := Node{Path: path}
	err := db.QueryRow(rebind(`SELECT node_value FROM nodes WHERE node_path = ?`), path).Scan(&n.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return n, false, nil
	}
	if err != nil {
		return n, false, fmt.Errorf("failed to get node %s: %w", path, err)
	}
	return n, true, nil
}

// GetSubtree retrieves the leaf at path and every leaf below it. An empty path returns everything.
func GetSubtree(db *sql.DB, path string) ([]Node, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if path == "" {
		rows, err = db.Query(`SELECT node_path, node_value FROM nodes ORDER BY node_path`)
	} else {
		prefix := path + "/"
		// substr instead of LIKE: outlet keys contain '_'
		rows, err = db.Query(rebind(`SELECT node_path, node_value FROM nodes
			WHERE node_path = ? OR substr(node_path, 1, ?) = ?
			ORDER BY node_path`), path, utf8.RuneCountInString(prefix), prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subtree %s: %w", path, err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.Path, &n.Value); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func CountNodes(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}

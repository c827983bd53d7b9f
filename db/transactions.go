package db

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// Write replaces everything at Path with Leaves. No leaves means delete.
type Write struct {
	Path   string
	Leaves []Node
}

// ApplyWrites performs every write in one transaction.
func ApplyWrites(db *sql.DB, writes []Write) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err := ReplaceSubtreeWithTx(tx, w.Path, w.Leaves); err != nil {
			RollbackTransaction(tx)
			return err
		}
	}
	return CommitTransaction(tx)
}

// ReplaceSubtreeWithTx clears path, its descendants and any ancestor leaf that would shadow it,
// then inserts leaves.
func ReplaceSubtreeWithTx(tx *sql.Tx, path string, leaves []Node) error {
	if err := DeleteSubtreeWithTx(tx, path); err != nil {
		return err
	}

	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		ancestor := strings.Join(parts[:i], "/")
		if _, err := tx.Exec(rebind(`DELETE FROM nodes WHERE node_path = ?`), ancestor); err != nil {
			return fmt.Errorf("clear ancestor %s: %w", ancestor, err)
		}
	}

	for _, n := range leaves {
		_, err := tx.Exec(rebind(`INSERT INTO nodes (node_path, node_value) VALUES (?, ?)
			ON CONFLICT(node_path) DO UPDATE SET node_value = excluded.node_value`), n.Path, n.Value)
		if err != nil {
			return fmt.Errorf("upsert node %s: %w", n.Path, err)
		}
	}
	return nil
}

func DeleteSubtreeWithTx(tx *sql.Tx, path string) error {
	if path == "" {
		if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
			return fmt.Errorf("clear nodes: %w", err)
		}
		return nil
	}
	prefix := path + "/"
	_, err := tx.Exec(rebind(`DELETE FROM nodes WHERE node_path = ? OR substr(node_path, 1, ?) = ?`),
		path, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return fmt.Errorf("delete subtree %s: %w", path, err)
	}
	return nil
}

func DeleteSubtree(db *sql.DB, path string) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if err := DeleteSubtreeWithTx(tx, path); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

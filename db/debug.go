package db

import (
	"database/sql"
	"fmt"
	"io"
)

// DumpSubtreeCLI prints every leaf at or below prefix.
func DumpSubtreeCLI(dbPath, prefix string, w io.Writer) error {
	dbConn, err := sql.Open(DriverSQLite, dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	nodes, err := GetSubtree(dbConn, prefix)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Fprintf(w, "No nodes under %q\n", prefix)
		return nil
	}
	for _, n := range nodes {
		fmt.Fprintf(w, "%s = %s\n", n.Path, n.Value)
	}
	return nil
}

// RemoveSubtreeCLI deletes prefix and everything below it.
func RemoveSubtreeCLI(dbPath, prefix string) error {
	dbConn, err := sql.Open(DriverSQLite, dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if err := DeleteSubtree(dbConn, prefix); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", prefix)
	return nil
}

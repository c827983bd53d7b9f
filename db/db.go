package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// dialect selects the placeholder style for every query in this package.
var dialect = DriverSQLite

// Open connects to the node store and applies migrations.
func Open(driver, dsn string) (*sql.DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	dialect = driver

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY between the policy loop and the api
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := ApplyMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Node store ready")
	return conn, nil
}

func ApplyMigrations(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			node_path TEXT PRIMARY KEY,
			node_value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(query string) string {
	if dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Package sqldb opens the application database and describes its schema.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/errors"
)

// Dialect supplies the catalog query for one database engine. The query
// returns (table, column, type) rows ordered by table and column position.
type Dialect struct {
	Name        string
	SchemaQuery string
}

var (
	Postgres = Dialect{
		Name: "postgres",
		SchemaQuery: `SELECT table_name, column_name, data_type
			FROM information_schema.columns
			WHERE table_schema = 'public'
			ORDER BY table_name, ordinal_position`,
	}
	SQLite = Dialect{
		Name: "sqlite",
		SchemaQuery: `SELECT m.name, p.name, p.type
			FROM sqlite_master m JOIN pragma_table_info(m.name) p
			WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
			ORDER BY m.name, p.cid`,
	}
)

func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, errors.New("unsupported database dialect %q", name)
}

// Open opens the database described by cfg and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	dialect, err := DialectByName(cfg.Dialect)
	if err != nil {
		return nil, Dialect{}, err
	}
	if cfg.DSN == "" {
		return nil, Dialect{}, errors.E(errors.KindConfigurationMissing, "database dsn is not configured")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, Dialect{}, errors.Wrapf(err, "open %s database", cfg.Driver)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, Dialect{}, errors.Wrapf(err, "ping %s database", cfg.Driver)
	}
	return db, dialect, nil
}

// Column is one column of a described table.
type Column struct {
	Name string
	Type string
}

// Table is a described table.
type Table struct {
	Name    string
	Columns []Column
}

func (t Table) String() string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = fmt.Sprintf("%s: %s", c.Name, c.Type)
	}
	return fmt.Sprintf("Table: %s (%s)", t.Name, strings.Join(cols, ", "))
}

// Describe lists the tables whose names match any of patterns, using
// doublestar syntax. An empty pattern list matches every table.
func Describe(ctx context.Context, db *sql.DB, d Dialect, patterns []string) ([]Table, error) {
	rows, err := db.QueryContext(ctx, d.SchemaQuery)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s catalog", d.Name)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var table, column, typ string
		if err := rows.Scan(&table, &column, &typ); err != nil {
			return nil, errors.Wrapf(err, "scan catalog row")
		}
		ok, err := matchesAny(table, patterns)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if n := len(tables); n == 0 || tables[n-1].Name != table {
			tables = append(tables, Table{Name: table})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, Column{Name: column, Type: typ})
	}
	return tables, rows.Err()
}

// FormatSchema renders tables one per line.
func FormatSchema(tables []Table) string {
	lines := make([]string, len(tables))
	for i, t := range tables {
		lines[i] = t.String()
	}
	return strings.Join(lines, "\n")
}

func matchesAny(name string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, errors.Wrapf(err, "invalid table pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

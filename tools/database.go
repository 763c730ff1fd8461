package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/sqldb"
	"github.com/rs/zerolog/log"
)

const DatabaseToolName = "DatabaseTool"

const schemaCacheKey = "schema"

// DatabaseTool inspects the application schema and runs single SQL
// statements on behalf of the model. Failures are returned as text so the
// model can correct itself.
type DatabaseTool struct {
	db       *sql.DB
	dialect  sqldb.Dialect
	patterns []string
	schema   *expirable.LRU[string, string]

	mu   sync.Mutex
	last map[string]string
}

// NewDatabaseTool creates the SQL tool. The formatted schema is cached for ttl.
func NewDatabaseTool(db *sql.DB, dialect sqldb.Dialect, tablePatterns []string, ttl time.Duration) *DatabaseTool {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DatabaseTool{
		db:       db,
		dialect:  dialect,
		patterns: tablePatterns,
		schema:   expirable.NewLRU[string, string](1, nil, ttl),
		last:     make(map[string]string),
	}
}

func (t *DatabaseTool) Name() string { return DatabaseToolName }

func (t *DatabaseTool) Description() string {
	return "Reads the database schema or executes a single SQL statement. " +
		"Call with get_schema=true to list tables and columns. " +
		"Call with sql to run a statement; set execute=false to only prepare it. " +
		"Only SELECT, INSERT, UPDATE and DELETE are permitted."
}

func (t *DatabaseTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "sql", Type: TypeString, Description: "The SQL statement to run."},
		{Name: "get_schema", Type: TypeBoolean, Description: "Set to true to return the database schema."},
		{Name: "execute", Type: TypeBoolean, Description: "Set to false to generate the SQL without running it. Defaults to true."},
	}
}

// LastSQL returns the most recent SQL text seen for userID, successful or not.
func (t *DatabaseTool) LastSQL(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[userID]
}

// CallSQL returns the statement a call records, whether or not it runs.
func (t *DatabaseTool) CallSQL(args map[string]interface{}) string {
	return StringArg(args, "sql")
}

func (t *DatabaseTool) remember(userID, sqlText string) {
	t.mu.Lock()
	t.last[userID] = sqlText
	t.mu.Unlock()
}

func (t *DatabaseTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	sqlText := StringArg(args, "sql")
	getSchema := BoolArg(args, "get_schema", false)
	execute := BoolArg(args, "execute", true)

	if sqlText != "" {
		t.remember(UserID(ctx), sqlText)
		if err := CheckSQL(sqlText); err != nil {
			log.Warn().Str("tool", DatabaseToolName).Str("user", UserID(ctx)).Msg("statement rejected by guardrail")
			return errors.UserMessage(err), nil
		}
	}

	if getSchema {
		schema, err := t.Schema(ctx)
		if err != nil {
			return "Database Error: " + err.Error(), nil
		}
		return schema, nil
	}

	if sqlText == "" {
		return "Error: Please provide either 'sql' to run a statement or 'get_schema': true to read the schema.", nil
	}
	if !execute {
		return "SQL Generated (Not Executed): " + sqlText, nil
	}
	return t.run(ctx, sqlText), nil
}

// Schema returns the formatted schema of the matching tables, from cache when fresh.
func (t *DatabaseTool) Schema(ctx context.Context) (string, error) {
	if s, ok := t.schema.Get(schemaCacheKey); ok {
		return s, nil
	}
	tables, err := sqldb.Describe(ctx, t.db, t.dialect, t.patterns)
	if err != nil {
		return "", err
	}
	s := sqldb.FormatSchema(tables)
	if s == "" {
		s = "No tables found."
	}
	t.schema.Add(schemaCacheKey, s)
	return s, nil
}

// InvalidateSchema drops the cached schema.
func (t *DatabaseTool) InvalidateSchema() {
	t.schema.Purge()
}

func (t *DatabaseTool) run(ctx context.Context, sqlText string) string {
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return "Database Error: " + err.Error()
	}
	defer conn.Close()

	if IsReadStatement(sqlText) {
		out, err := queryRows(ctx, conn, sqlText)
		if err != nil {
			return "Database Error: " + err.Error()
		}
		return out
	}

	res, err := conn.ExecContext(ctx, sqlText)
	if err != nil {
		return "Database Error: " + err.Error()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "Database Error: " + err.Error()
	}
	return fmt.Sprintf("Command executed successfully. Rows affected: %d", n)
}

func queryRows(ctx context.Context, conn *sql.Conn, sqlText string) (string, error) {
	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		rec := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = values[i]
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No records found.", nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

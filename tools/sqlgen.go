package tools

import (
	"context"
	"sync"
)

const GenerateSQLToolName = "GenerateSqlTool"

// GenerateSQLTool records a SQL statement proposed by the model for later
// review. It never touches the database.
type GenerateSQLTool struct {
	mu          sync.Mutex
	last        map[string]string
	explanation map[string]string
}

func NewGenerateSQLTool() *GenerateSQLTool {
	return &GenerateSQLTool{last: make(map[string]string), explanation: make(map[string]string)}
}

func (t *GenerateSQLTool) Name() string { return GenerateSQLToolName }

func (t *GenerateSQLTool) Description() string {
	return "Records the final SQL query that answers the user's request, together with a short explanation. " +
		"Call this once you have the query; it is not executed."
}

func (t *GenerateSQLTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "sql", Type: TypeString, Description: "The final SQL query.", Required: true},
		{Name: "explanation", Type: TypeString, Description: "A short explanation of the query."},
	}
}

func (t *GenerateSQLTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	sqlText := StringArg(args, "sql")
	if sqlText == "" {
		return "Error: 'sql' is required.", nil
	}
	user := UserID(ctx)
	t.mu.Lock()
	t.last[user] = sqlText
	t.explanation[user] = StringArg(args, "explanation")
	t.mu.Unlock()
	return "SUCCESS: SQL recorded. TASK COMPLETE.", nil
}

func (t *GenerateSQLTool) CallSQL(args map[string]interface{}) string {
	return StringArg(args, "sql")
}

func (t *GenerateSQLTool) LastSQL(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[userID]
}

func (t *GenerateSQLTool) LastExplanation(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.explanation[userID]
}

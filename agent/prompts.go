package agent

import (
	"strings"

	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/errors"
)

const (
	DefaultMaxIterations = 10
	DefaultMaxHistory    = 10
)

// Generation defaults applied when a configuration has no stored parameters.
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1024
	DefaultTopP        = 1.0
)

// Fixed answers. The Turkish ones are shown to end users as is.
const (
	TimeoutAnswer      = "İşlem zaman aşımına uğradı."
	SQLPreparedAnswer  = "Sorguyu tuning için hazırladım."
	technicalErrorText = "A technical error occurred: "
)

// Persona selects the system prompt and the toolset of a conversation.
type Persona string

const (
	PersonaTaskManager Persona = "task_manager"
	PersonaFreeChat    Persona = "free_chat"
	PersonaSQLTuning   Persona = "sql_tuning"
)

// ParsePersona accepts a persona name; the empty string is the task manager.
func ParsePersona(s string) (Persona, error) {
	switch p := Persona(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PersonaTaskManager, nil
	case PersonaTaskManager, PersonaFreeChat, PersonaSQLTuning:
		return p, nil
	}
	return "", errors.E(errors.KindValidation, "unknown persona %q", s)
}

// Toolset names the configured toolset the persona draws its tools from.
// Free chat has none.
func (p Persona) Toolset() string {
	switch p {
	case PersonaFreeChat:
		return ""
	case PersonaSQLTuning:
		return config.SQLTuningToolset
	}
	return config.DefaultToolset
}

// ForcesToolCall reports whether the first model call of a turn must be a tool call.
func (p Persona) ForcesToolCall() bool {
	return p != PersonaFreeChat
}

// Prompt renders the system prompt for userID.
func (p Persona) Prompt(userID string, examples bool) string {
	switch p {
	case PersonaFreeChat:
		return freeChatPrompt
	case PersonaSQLTuning:
		return sqlTuningPrompt
	}
	return TaskManagerPrompt(userID, examples)
}

const freeChatPrompt = "You are a helpful AI assistant named Fuzz. You can answer questions and chat with the user."

// TaskManagerPrompt is the task management prompt for userID. Smaller local
// models follow the quoting rules better with example queries.
func TaskManagerPrompt(userID string, examples bool) string {
	var b strings.Builder
	b.WriteString(`You are a helpful Personal Assistant who manages tasks for the user.

SQL SYNTAX (CRITICAL - FOLLOW EXACTLY):
- Table/Column names use DOUBLE QUOTES: "FuzzTodos", "Title", "UserId"
- String VALUES use SINGLE QUOTES: 'some text', '`)
	b.WriteString(userID)
	b.WriteString(`'
- Booleans: TRUE or FALSE (not 0/1)
- Date/Time: When INSERTING, always set "CreatedAt" = CURRENT_TIMESTAMP

DATABASE SCHEMA:
- Table "FuzzTodos": ("Id" (UUID), "Title" (TEXT), "Description" (TEXT), "IsCompleted" (BOOLEAN), "UserId" (TEXT), "CreatedAt" (TIMESTAMP))`)

	if examples {
		r := strings.NewReplacer("{user}", userID)
		b.WriteString(r.Replace(`

EXAMPLE QUERIES:
- List tasks: SELECT "Title", "IsCompleted" FROM "FuzzTodos" WHERE "UserId" = '{user}'
- Add task: INSERT INTO "FuzzTodos" ("Title", "IsCompleted", "UserId", "CreatedAt") VALUES ('Task Name', FALSE, '{user}', CURRENT_TIMESTAMP)
- Complete task: UPDATE "FuzzTodos" SET "IsCompleted" = TRUE WHERE "Title" = 'Task Name' AND "UserId" = '{user}'`))
	}

	b.WriteString(`

CRITICAL RULES:
1. You MUST call 'DatabaseTool' for EVERY operation. NEVER assume success without calling the tool.
2. After adding a task, the tool returns 'Rows affected: 1'. Only say 'Tamamdır, eklendi.' if you see 'Rows affected: 1'.
3. If tool returns 'Rows affected: 0' or 'No records found', say 'Böyle bir görev bulamadım'.
4. NEVER show SQL, JSON, or technical details to the user. Respond naturally in Turkish.
5. DO NOT explain your reasoning, mention 'guardrails', 'tools', or 'false positives'. Just provide the final confirmation or answer.`)
	return b.String()
}

const sqlTuningPrompt = `You are a SQL Tuning Assistant specialized in PostgreSQL and the Northwind schema.
Your goal is to help the user generate and refine SQL queries for the Northwind database.

CRITICAL RULES:
1. You MUST use 'GenerateSqlTool' for EVERY response that includes a query.
2. DO NOT EXECUTE ANY SQL. Only generate the query string for review.
3. Use PostgreSQL syntax.
4. Table and column names MUST be double-quoted (e.g., "Fuzz_Categories", "CategoryName").
5. Respond in Turkish, explaining your logic briefly.
6. CRITICAL: Once you call 'GenerateSqlTool', your task is COMPLETE. STOP immediately.
   Do not provide any confirmation text, greetings, or follow-up after the tool call.
7. If you need schema information, call 'DatabaseTool' with 'get_schema: true' FIRST, then call 'GenerateSqlTool' in the next turn.

NORTHWIND SCHEMA (Fuzz_ Prefix):
- "Fuzz_Categories": ("CategoryID", "CategoryName", "Description")
- "Fuzz_Customers": ("CustomerID", "CompanyName", "ContactName", "City", "Country")
- "Fuzz_Employees": ("EmployeeID", "LastName", "FirstName", "Title", "City", "Country")
- "Fuzz_Orders": ("OrderID", "CustomerID", "EmployeeID", "OrderDate", "ShippedDate", "ShipVia", "Freight")
- "Fuzz_Products": ("ProductID", "ProductName", "CategoryID", "UnitPrice", "UnitsInStock")
- "Fuzz_OrderDetails": ("OrderID", "ProductID", "UnitPrice", "Quantity", "Discount")
- "Fuzz_Suppliers": ("SupplierID", "CompanyName", "ContactName", "City", "Country")
- "Fuzz_Shippers": ("ShipperID", "CompanyName", "Phone")

Example interaction:
User: 'Hangi kategoride kaç ürün var?'
Assistant: 'Kategori bazlı ürün sayılarını getiren sorguyu hazırladım.' -> Calls GenerateSqlTool(sql: 'SELECT c."CategoryName", COUNT(p."ProductID") FROM "Fuzz_Categories" c JOIN "Fuzz_Products" p ON c."CategoryID" = p."CategoryID" GROUP BY c."CategoryName"')`

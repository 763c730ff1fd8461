package tools

import (
	"strings"
	"testing"

	"github.com/m4xw311/fuzz/errors"
)

func TestCheckSQL(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantErr string
	}{
		{"select", `SELECT * FROM "FuzzTodos" WHERE "UserId" = 'u1'`, ""},
		{"insert", `INSERT INTO "FuzzTodos" ("Title") VALUES ('buy milk')`, ""},
		{"update", `UPDATE "FuzzTodos" SET "IsCompleted" = true WHERE "Id" = 3`, ""},
		{"delete with where", `DELETE FROM "FuzzTodos" WHERE "Id" = 3`, ""},
		{"column containing keyword", `SELECT "CreatedAt", "UpdatedDrop" FROM "FuzzTodos"`, ""},
		{"drop", `DROP TABLE "FuzzTodos"`, "Forbidden keyword 'DROP'"},
		{"lowercase truncate", `truncate "FuzzTodos"`, "Forbidden keyword 'TRUNCATE'"},
		{"create", `create table x (id int)`, "Forbidden keyword 'CREATE'"},
		{"grant", `GRANT ALL ON "FuzzTodos" TO bob`, "Forbidden keyword 'GRANT'"},
		{"delete without where", `DELETE FROM "FuzzTodos"`, "DELETE statement must contain a WHERE clause"},
		{"chained drop", `SELECT 1; DROP TABLE x`, "Forbidden keyword 'DROP'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSQL(tt.sql)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckSQL(%q) = %v, want nil", tt.sql, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("CheckSQL(%q) = nil, want %q", tt.sql, tt.wantErr)
			}
			if !errors.IsKind(err, errors.KindGuardrail) {
				t.Errorf("kind = %v, want guardrail", errors.KindOf(err))
			}
			msg := errors.UserMessage(err)
			if !strings.HasPrefix(msg, "Guardrails Alert:") || !strings.Contains(msg, tt.wantErr) {
				t.Errorf("message = %q, want it to contain %q", msg, tt.wantErr)
			}
		})
	}
}

func TestCheckSQLRejectsEveryForbiddenKeyword(t *testing.T) {
	templates := []string{"%s TABLE t", "select 1; %s t", "  %s"}
	for _, kw := range ForbiddenKeywords {
		for _, tmpl := range templates {
			for _, word := range []string{kw, strings.ToLower(kw)} {
				sql := strings.Replace(tmpl, "%s", word, 1)
				if err := CheckSQL(sql); err == nil {
					t.Errorf("CheckSQL(%q) = nil, want rejection", sql)
				}
			}
		}
	}
}

func TestIsReadStatement(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET a = 1 WHERE b = 2", false},
	}
	for _, tt := range tests {
		if got := IsReadStatement(tt.sql); got != tt.want {
			t.Errorf("IsReadStatement(%q) = %v, want %v", tt.sql, got, tt.want)
		}
	}
}

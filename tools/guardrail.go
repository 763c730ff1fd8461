package tools

import (
	"regexp"
	"strings"

	"github.com/m4xw311/fuzz/errors"
)

// ForbiddenKeywords are schema-altering or privilege-changing statements the
// SQL tool refuses. Only SELECT, INSERT, UPDATE and DELETE are allowed.
var ForbiddenKeywords = []string{"DROP", "TRUNCATE", "ALTER", "GRANT", "REVOKE", "CREATE", "RENAME", "REPLACE"}

var (
	forbiddenPatterns = compileWords(ForbiddenKeywords)
	deletePattern     = regexp.MustCompile(`(?i)\bDELETE\b`)
	wherePattern      = regexp.MustCompile(`(?i)\bWHERE\b`)
)

func compileWords(words []string) map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(words))
	for _, w := range words {
		m[w] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return m
}

// CheckSQL rejects statements containing a forbidden keyword as a whole word
// and DELETE statements without a WHERE clause.
func CheckSQL(sqlText string) error {
	for _, w := range ForbiddenKeywords {
		if forbiddenPatterns[w].MatchString(sqlText) {
			return errors.E(errors.KindGuardrail,
				"Guardrails Alert: Forbidden keyword '%s' detected. DDL actions are not allowed. Only CRUD (SELECT, INSERT, UPDATE, DELETE) is permitted.", w)
		}
	}
	if deletePattern.MatchString(sqlText) && !wherePattern.MatchString(sqlText) {
		return errors.E(errors.KindGuardrail, "Guardrails Alert: DELETE statement must contain a WHERE clause.")
	}
	return nil
}

// IsReadStatement reports whether a statement returns rows.
func IsReadStatement(sqlText string) bool {
	s := strings.ToUpper(strings.TrimLeft(sqlText, " \t\r\n("))
	return strings.HasPrefix(s, "SELECT") || strings.HasPrefix(s, "WITH")
}

package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Sentinel codes emitted by the SQL generator instead of guessing.
const (
	SentinelPrefix = "ERR::"

	CodeNoRelevantTable = "NO_RELEVANT_TABLE"
	CodeNeedSchemaField = "NEED_SCHEMA_FIELD"
)

// NoRelevantTableSQL is returned when retrieval produced no candidate tables.
const NoRelevantTableSQL = "SELECT 'ERR::NO_RELEVANT_TABLE' AS error;"

var sentinelRe = regexp.MustCompile(`'(?:ERR::)?([A-Z_]+)(?:::|:\s*)?([^']*)'\s+(?i:AS\s+error)`)

// NeedSchemaFieldSQL builds the sentinel for a field the schema does not have.
func NeedSchemaFieldSQL(field string) string {
	return fmt.Sprintf("SELECT 'ERR::%s::%s' AS error;", CodeNeedSchemaField, field)
}

// Sentinel is a parsed structured error statement.
type Sentinel struct {
	Code  string
	Field string
}

// ParseSentinel recognises sentinel statements, including the legacy
// "NEED_SCHEMA_FIELD: col" spelling.
func ParseSentinel(sql string) (Sentinel, bool) {
	trimmed := strings.TrimSpace(sql)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return Sentinel{}, false
	}
	if !strings.Contains(trimmed, SentinelPrefix) && !strings.Contains(trimmed, CodeNeedSchemaField) {
		return Sentinel{}, false
	}
	m := sentinelRe.FindStringSubmatch(trimmed)
	if m == nil {
		return Sentinel{}, false
	}
	switch m[1] {
	case CodeNoRelevantTable, CodeNeedSchemaField:
	default:
		if !strings.Contains(trimmed, SentinelPrefix) {
			return Sentinel{}, false
		}
	}
	return Sentinel{Code: m[1], Field: strings.TrimSpace(m[2])}, true
}

// IsSentinel reports whether sql is a structured error statement.
func IsSentinel(sql string) bool {
	_, ok := ParseSentinel(sql)
	return ok
}

// SQL renders the canonical statement for s.
func (s Sentinel) SQL() string {
	switch {
	case s.Code == CodeNoRelevantTable:
		return NoRelevantTableSQL
	case s.Field != "":
		return fmt.Sprintf("SELECT 'ERR::%s::%s' AS error;", s.Code, s.Field)
	default:
		return fmt.Sprintf("SELECT 'ERR::%s' AS error;", s.Code)
	}
}

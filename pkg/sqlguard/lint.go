// Package sqlguard holds the static checks applied to generated SQL before it
// reaches a database: the hallucination lint, the read-only guardrail and the
// structured error sentinels.
package sqlguard

import (
	"regexp"
	"strings"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

var (
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe  = regexp.MustCompile(`(?m)--.*$`)
	stringLitRe    = regexp.MustCompile(`'(?:[^'\\]|\\.|'')*'`)
	quotedIdentRe  = regexp.MustCompile("[`\"]([^`\"]+)[`\"]")

	tableRefRe  = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][\w.]*)(?:\s+(?:AS\s+)?([A-Za-z_]\w*))?`)
	columnRefRe = regexp.MustCompile(`\b([A-Za-z_0-9]\w*)\.([A-Za-z_]\w*|\*)`)
)

// Words that can follow a table reference but are never aliases.
var reservedAfterTable = map[string]struct{}{
	"where": {}, "join": {}, "left": {}, "right": {}, "inner": {}, "outer": {}, "full": {},
	"cross": {}, "natural": {}, "on": {}, "using": {}, "group": {}, "order": {}, "limit": {},
	"having": {}, "union": {}, "intersect": {}, "except": {}, "window": {}, "final": {},
	"sample": {}, "prewhere": {}, "array": {}, "global": {}, "any": {}, "all": {}, "semi": {},
	"anti": {}, "asof": {}, "lateral": {}, "straight_join": {}, "force": {}, "use": {},
	"ignore": {}, "partition": {}, "offset": {}, "format": {}, "settings": {}, "for": {},
	"select": {}, "as": {},
}

// Violation describes a column reference that the whitelist cannot back.
type Violation struct {
	Alias  string
	Table  string
	Column string
}

// Lint checks every alias.column reference in sql against the whitelist and
// returns the first column that does not exist on its resolved table.
//
// References whose alias cannot be resolved to a whitelisted table are not
// reported; the live validator is authoritative for table existence. Numeric
// aliases and star projections are ignored. Lint performs no I/O.
func Lint(sql string, whitelist catalog.Whitelist) (Violation, bool) {
	cleaned := stripForLint(sql)
	aliases := aliasMap(cleaned)

	for _, m := range columnRefRe.FindAllStringSubmatch(cleaned, -1) {
		alias, column := m[1], m[2]
		if column == "*" || isNumeric(alias) {
			continue
		}
		table, ok := aliases[strings.ToLower(alias)]
		if !ok {
			continue
		}
		found, known := whitelist.HasColumn(table, column)
		if !known {
			continue
		}
		if !found {
			return Violation{Alias: alias, Table: table, Column: column}, true
		}
	}
	return Violation{}, false
}

// aliasMap builds alias -> logical table from FROM/JOIN clauses. A table with
// no explicit alias is addressable by its own name; database prefixes are
// dropped.
func aliasMap(sql string) map[string]string {
	aliases := make(map[string]string)
	for _, m := range tableRefRe.FindAllStringSubmatch(sql, -1) {
		ref := m[1]
		table := ref
		if i := strings.LastIndex(ref, "."); i >= 0 {
			table = ref[i+1:]
		}
		if table == "" {
			continue
		}
		aliases[strings.ToLower(table)] = table
		aliases[strings.ToLower(ref)] = table

		alias := m[2]
		if alias == "" {
			continue
		}
		if _, reserved := reservedAfterTable[strings.ToLower(alias)]; reserved {
			continue
		}
		aliases[strings.ToLower(alias)] = table
	}
	return aliases
}

func stripForLint(sql string) string {
	s := blockCommentRe.ReplaceAllString(sql, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")
	s = stringLitRe.ReplaceAllString(s, "''")
	s = quotedIdentRe.ReplaceAllString(s, "$1")
	return s
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

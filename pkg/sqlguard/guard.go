package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrEmpty              = errors.New("sql is empty")
	ErrMultipleStatements = errors.New("multiple statements are not allowed")
	ErrReadOnly           = errors.New("only SELECT or WITH ... SELECT statements are allowed")
)

var denyKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "truncate", "create", "replace",
	"grant", "revoke", "commit", "rollback", "set", "call", "load", "outfile", "dumpfile",
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// limitRe matches the statement's own trailing LIMIT; a LIMIT inside a
	// subquery is followed by more text and does not match.
	limitRe = regexp.MustCompile(`(?i)\blimit\s+(\d+)(?:\s*,\s*(\d+))?(?:\s+offset\s+\d+)?\s*$`)
	denyRes = buildDenyRes()
)

func buildDenyRes() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(denyKeywords))
	for _, kw := range denyKeywords {
		out[kw] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return out
}

// DeniedKeywordError reports a write or session keyword found in a query.
type DeniedKeywordError struct {
	Keyword string
}

func (e *DeniedKeywordError) Error() string {
	return fmt.Sprintf("denied keyword: %s", e.Keyword)
}

// Normalize strips comments, collapses whitespace and drops one trailing
// semicolon.
func Normalize(sql string) string {
	s := blockCommentRe.ReplaceAllString(sql, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	return s
}

// CheckReadOnly validates that sql is a single read-only statement and returns
// its normalized form. Keyword checks ignore the contents of string literals.
func CheckReadOnly(sql string) (string, error) {
	if strings.TrimSpace(sql) == "" {
		return "", ErrEmpty
	}
	normalized := Normalize(sql)
	if normalized == "" {
		return "", ErrEmpty
	}

	scan := stringLitRe.ReplaceAllString(normalized, "''")
	if strings.Contains(scan, ";") {
		return "", ErrMultipleStatements
	}

	lower := strings.ToLower(scan)
	if !strings.HasPrefix(lower, "select ") && !(strings.HasPrefix(lower, "with ") && strings.Contains(lower, "select")) {
		return "", ErrReadOnly
	}

	for _, kw := range denyKeywords {
		if denyRes[kw].MatchString(scan) {
			return "", &DeniedKeywordError{Keyword: kw}
		}
	}
	return normalized, nil
}

// RewriteLimit appends LIMIT defaultLimit when the statement has no trailing
// LIMIT, and clamps a trailing LIMIT above maxLimit. For "LIMIT offset, count"
// the count is clamped. The second result reports whether a clamp happened.
func RewriteLimit(sql string, defaultLimit, maxLimit int) (string, bool) {
	loc := limitRe.FindStringSubmatchIndex(sql)
	if loc == nil {
		return fmt.Sprintf("%s LIMIT %d", sql, defaultLimit), false
	}
	start, end := loc[2], loc[3]
	if loc[4] >= 0 {
		start, end = loc[4], loc[5]
	}
	n, err := strconv.Atoi(sql[start:end])
	if err != nil || n <= maxLimit {
		return sql, false
	}
	return sql[:start] + strconv.Itoa(maxLimit) + sql[end:], true
}

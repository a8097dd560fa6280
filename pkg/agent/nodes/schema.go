package nodes

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metadata"
)

const (
	maxTableSchemaChars   = 2000
	maxColumnsBlockChars  = 1500
	maxSummaryTableChars  = 800
	schemaTruncatedSuffix = "\n...(samples truncated)"
)

// BuildSchemaContext renders the candidate tables for the generator prompt.
// Each table's card is capped; the verified column list from the whitelist is
// appended so the model sees the authoritative names even when the card was
// cut.
func BuildSchemaContext(tables []catalog.Table, whitelist catalog.Whitelist) string {
	var sb strings.Builder
	for i, t := range tables {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### Table: %s", t.LogicalName)
		if t.DB != "" {
			fmt.Fprintf(&sb, " (database %s)", t.DB)
		}
		sb.WriteString("\n")
		sb.WriteString(capSchemaText(t.SchemaText))
		if cols, ok := whitelist.Lookup(t.LogicalName); ok && len(cols) > 0 {
			fmt.Fprintf(&sb, "\nVerified columns: %s", strings.Join(cols, ", "))
		}
	}
	return sb.String()
}

// SchemaSummary renders a shorter view of the tables for the reflection
// critic.
func SchemaSummary(tables []catalog.Table) string {
	var sb strings.Builder
	for i, t := range tables {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Table %s:\n%s", t.LogicalName, truncate(t.SchemaText, maxSummaryTableChars))
	}
	return sb.String()
}

// capSchemaText keeps the card header and the start of the column block when
// the card is too long. Sample rows usually follow the columns and are the
// first thing dropped.
func capSchemaText(text string) string {
	if utf8.RuneCountInString(text) <= maxTableSchemaChars {
		return text
	}
	idx := strings.Index(text, metadata.ColumnsMarker)
	if idx < 0 {
		return truncate(text, maxTableSchemaChars) + schemaTruncatedSuffix
	}
	header := strings.TrimRight(text[:idx], "\n ")
	cols := truncate(text[idx:], maxColumnsBlockChars)
	if header == "" {
		return cols + schemaTruncatedSuffix
	}
	return header + "\n" + cols + schemaTruncatedSuffix
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Package metadata resolves the authoritative column whitelist for candidate
// tables from the live schema.
package metadata

import (
	"context"
	"regexp"
	"strings"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

// Resolver fetches the real columns of the named tables. Tables without
// metadata are simply absent from the result.
type Resolver interface {
	ColumnsOf(ctx context.Context, tables []string) (catalog.Whitelist, error)
}

// ColumnsMarker introduces the column list inside a table's schema text.
const ColumnsMarker = "Columns:"

var (
	identRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	bulletLineRe = regexp.MustCompile("^\\s*[-*]\\s*`?([A-Za-z_][A-Za-z0-9_]*)`?")
)

// splitQualified splits "db.table" into its parts. A bare name has no db.
func splitQualified(name string) (db, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// ParseSchemaText extracts column names from a schema card. It understands
// bullet lists ("- name (Type) comment") after the columns marker as well as
// an inline comma separated list on the marker line.
func ParseSchemaText(text string) []string {
	idx := strings.Index(text, ColumnsMarker)
	if idx < 0 {
		return nil
	}
	body := text[idx+len(ColumnsMarker):]

	var cols []string
	seen := make(map[string]struct{})
	add := func(name string) {
		k := strings.ToLower(name)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		cols = append(cols, name)
	}

	lines := strings.Split(body, "\n")
	if inline := strings.TrimSpace(lines[0]); inline != "" {
		for _, part := range strings.Split(inline, ",") {
			fields := strings.Fields(strings.TrimSpace(part))
			if len(fields) > 0 && identRe.MatchString(fields[0]) {
				add(fields[0])
			}
		}
	}
	for _, line := range lines[1:] {
		if m := bulletLineRe.FindStringSubmatch(line); m != nil {
			add(m[1])
			continue
		}
		if strings.TrimSpace(line) != "" && !strings.HasPrefix(strings.TrimSpace(line), "-") && len(cols) > 0 {
			break
		}
	}
	return cols
}

// WhitelistFromTables builds a whitelist purely from schema text.
func WhitelistFromTables(tables []catalog.Table) catalog.Whitelist {
	wl := make(catalog.Whitelist, len(tables))
	for _, t := range tables {
		if cols := ParseSchemaText(t.SchemaText); len(cols) > 0 {
			wl[t.LogicalName] = cols
		}
	}
	return wl
}

// Fill returns resolved extended with schema-text columns for every table
// that the resolver had no metadata for.
func Fill(resolved catalog.Whitelist, tables []catalog.Table) catalog.Whitelist {
	out := resolved.Clone()
	for _, t := range tables {
		if _, ok := out.Lookup(t.LogicalName); ok {
			continue
		}
		if cols := ParseSchemaText(t.SchemaText); len(cols) > 0 {
			out[t.LogicalName] = cols
		}
	}
	return out
}

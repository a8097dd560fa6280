// Package catalog holds the schema units shared by retrieval, metadata
// resolution, SQL generation and linting.
package catalog

import (
	"sort"
	"strings"
)

// Table is a schema unit returned by retrieval. It is never mutated after
// retrieval; repair rounds only append new tables.
type Table struct {
	LogicalName    string  `json:"logical_name"`
	DB             string  `json:"db"`
	RelevanceScore float64 `json:"relevance_score"`
	SchemaText     string  `json:"schema_text"`
}

// FullName is the dedupe key for a table across retrieval rounds.
func (t Table) FullName() string {
	if t.DB == "" {
		return t.LogicalName
	}
	return t.DB + "." + t.LogicalName
}

// MergeTables appends the tables from add that are not already present in
// base (by FullName), preserving order. It returns the merged list and the
// tables that were actually added.
func MergeTables(base, add []Table) (merged []Table, added []Table) {
	seen := make(map[string]struct{}, len(base)+len(add))
	merged = make([]Table, 0, len(base)+len(add))
	for _, t := range base {
		seen[t.FullName()] = struct{}{}
		merged = append(merged, t)
	}
	for _, t := range add {
		key := t.FullName()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
		added = append(added, t)
	}
	return merged, added
}

// Names returns the logical names of the given tables.
func Names(tables []Table) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.LogicalName)
	}
	return names
}

// FullNames returns the db-qualified names of the given tables.
func FullNames(tables []Table) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.FullName())
	}
	return names
}

// Whitelist maps a logical table name to the real column names of that table.
// Table lookups are case-insensitive, as are column membership checks.
type Whitelist map[string][]string

// Lookup resolves a table name case-insensitively.
func (w Whitelist) Lookup(table string) ([]string, bool) {
	if cols, ok := w[table]; ok {
		return cols, true
	}
	for name, cols := range w {
		if strings.EqualFold(name, table) {
			return cols, true
		}
	}
	return nil, false
}

// HasColumn reports whether column exists on table. The second result is false
// when the table itself is unknown to the whitelist.
func (w Whitelist) HasColumn(table, column string) (found bool, tableKnown bool) {
	cols, ok := w.Lookup(table)
	if !ok {
		return false, false
	}
	for _, c := range cols {
		if strings.EqualFold(c, column) {
			return true, true
		}
	}
	return false, true
}

// Merge returns a new whitelist holding the union of w and other. Existing
// columns are never removed.
func (w Whitelist) Merge(other Whitelist) Whitelist {
	out := make(Whitelist, len(w)+len(other))
	for table, cols := range w {
		out[table] = append([]string(nil), cols...)
	}
	for table, cols := range other {
		key := table
		if existing, ok := out.canonical(table); ok {
			key = existing
		}
		out[key] = unionColumns(out[key], cols)
	}
	return out
}

// Clone returns a deep copy.
func (w Whitelist) Clone() Whitelist {
	return Whitelist(nil).Merge(w)
}

// Tables returns the sorted table names.
func (w Whitelist) Tables() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w Whitelist) canonical(table string) (string, bool) {
	if _, ok := w[table]; ok {
		return table, true
	}
	for name := range w {
		if strings.EqualFold(name, table) {
			return name, true
		}
	}
	return "", false
}

func unionColumns(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, c := range base {
		seen[strings.ToLower(c)] = struct{}{}
		out = append(out, c)
	}
	for _, c := range add {
		k := strings.ToLower(c)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

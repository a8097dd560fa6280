package repair

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/logger"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

type fakeSearcher struct {
	mu      sync.Mutex
	byQuery map[string][]catalog.Table
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, k int) ([]catalog.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	tables := f.byQuery[query]
	if len(tables) > k {
		tables = tables[:k]
	}
	return tables, nil
}

type fakeResolver struct {
	wl  catalog.Whitelist
	err error
}

func (f *fakeResolver) ColumnsOf(_ context.Context, tables []string) (catalog.Whitelist, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := catalog.Whitelist{}
	for _, t := range tables {
		if i := strings.LastIndex(t, "."); i >= 0 {
			t = t[i+1:]
		}
		if cols, ok := f.wl.Lookup(t); ok {
			out[t] = cols
		}
	}
	return out, nil
}

var (
	orders  = catalog.Table{LogicalName: "orders", DB: "shop", SchemaText: "Columns:\n- id (UInt64)\n- total (Decimal)"}
	regions = catalog.Table{LogicalName: "user_regions", DB: "crm", SchemaText: "Columns:\n- user_id (UInt64)\n- region (String)"}
)

func newStrategist(t *testing.T, s *fakeSearcher, r *fakeResolver) *Strategist {
	t.Helper()
	cfg := Config{Logger: logger.New(false), Searcher: s}
	if r != nil {
		cfg.Resolver = r
	}
	st, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestRepair_FeedbackQueryKeepsRunes(t *testing.T) {
	t.Parallel()

	st := newStrategist(t, &fakeSearcher{}, nil)
	source, queries := st.Queries(Input{Feedback: strings.Repeat("缺少地区字段", 50)})
	assert.Equal(t, SourceFeedback, source)
	require.Len(t, queries, 1)
	assert.True(t, utf8.ValidString(queries[0]))
	assert.Equal(t, maxFeedbackQueryLen, utf8.RuneCountInString(queries[0]))
}

func TestRepair_QueriesPriority(t *testing.T) {
	t.Parallel()

	st := newStrategist(t, &fakeSearcher{}, nil)

	tests := []struct {
		name   string
		in     Input
		source Source
		want   []string
	}{
		{
			name:   "keywords win",
			in:     Input{Keywords: []string{"region", " ", "country", "city", "zip"}, Feedback: "missing region", ValidationError: "Unknown column 'x'"},
			source: SourceKeywords,
			want:   []string{"region table schema", "country table schema", "city table schema"},
		},
		{
			name:   "feedback before sentinel",
			in:     Input{Feedback: "needs the refund status", SQL: sqlguard.NeedSchemaFieldSQL("refund_status")},
			source: SourceFeedback,
			want:   []string{"needs the refund status"},
		},
		{
			name:   "sentinel field",
			in:     Input{SQL: sqlguard.NeedSchemaFieldSQL("refund_status"), ValidationError: "Unknown column 'x'"},
			source: SourceSchemaField,
			want:   []string{"refund_status table schema"},
		},
		{
			name:   "database error identifier",
			in:     Input{SQL: "SELECT region FROM orders", ValidationError: "Unknown column 'region' in 'field list'"},
			source: SourceDBError,
			want:   []string{"region table schema"},
		},
		{
			name:   "missing table name",
			in:     Input{SQL: "SELECT * FROM refunds", ValidationError: "Table shop.refunds does not exist"},
			source: SourceDBError,
			want:   []string{"refunds table schema"},
		},
		{
			name:   "question as last resort",
			in:     Input{Question: "GMV by region", ValidationError: "Syntax error"},
			source: SourceQuestion,
			want:   []string{"GMV by region related tables"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, queries := st.Queries(tt.in)
			assert.Equal(t, tt.source, source)
			assert.Equal(t, tt.want, queries)
		})
	}
}

func TestRepair_MergesNewTables(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{byQuery: map[string][]catalog.Table{
		"region table schema": {orders, regions},
	}}
	r := &fakeResolver{wl: catalog.Whitelist{"user_regions": {"user_id", "region", "updated_at"}}}
	st := newStrategist(t, s, r)

	in := Input{
		Question:        "GMV by region",
		SQL:             "SELECT region, sum(total) FROM orders GROUP BY region",
		ValidationError: "Unknown column 'region' in 'field list'",
		Tables:          []catalog.Table{orders},
		Whitelist:       catalog.Whitelist{"orders": {"id", "total"}},
	}
	res, err := st.Repair(t.Context(), in)
	require.NoError(t, err)

	assert.Equal(t, SourceDBError, res.Source)
	assert.Equal(t, []string{"orders", "user_regions"}, catalog.Names(res.Tables))
	assert.Equal(t, []string{"user_regions"}, catalog.Names(res.Added))
	assert.Equal(t, []string{"user_id", "region", "updated_at"}, res.Whitelist["user_regions"])
	assert.Equal(t, []string{"id", "total"}, res.Whitelist["orders"])
	assert.Len(t, in.Whitelist, 1, "input whitelist must not be mutated")
}

func TestRepair_SearchFailureKeepsPool(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{err: errors.New("index down")}
	st := newStrategist(t, s, nil)

	in := Input{Keywords: []string{"region", "country"}, Tables: []catalog.Table{orders}, Whitelist: catalog.Whitelist{"orders": {"id"}}}
	res, err := st.Repair(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, in.Tables, res.Tables)
	assert.Empty(t, res.Added)
	assert.Equal(t, in.Whitelist, res.Whitelist)
	assert.ElementsMatch(t, []string{"region table schema", "country table schema"}, s.queries)
}

func TestRepair_MetadataFailureUsesSchemaText(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{byQuery: map[string][]catalog.Table{"region table schema": {regions}}}
	r := &fakeResolver{err: errors.New("clickhouse unavailable")}
	st := newStrategist(t, s, r)

	res, err := st.Repair(t.Context(), Input{Keywords: []string{"region"}, Tables: []catalog.Table{orders}})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id", "region"}, res.Whitelist["user_regions"])
}

func TestRepair_CanceledContext(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{byQuery: map[string][]catalog.Table{"region table schema": {regions}}}
	st := newStrategist(t, s, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := st.Repair(ctx, Input{Keywords: []string{"region"}, Tables: []catalog.Table{orders}})
	require.Error(t, err)
}

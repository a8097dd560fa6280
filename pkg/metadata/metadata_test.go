package metadata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

const ordersCard = `Database: trade
Table: orders
Description: customer orders
Primary key: id
Columns:
- id (UInt64) order id
- total (Decimal(18, 2)) order amount
- created_at (DateTime)
- ` + "`user_id`" + ` (UInt64)
Samples:
- 1, 9.99, 2024-01-01`

func TestMetadata_ParseSchemaText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "bullets", text: ordersCard, want: []string{"id", "total", "created_at", "user_id"}},
		{name: "inline", text: "Table: users\nColumns: id UInt64, name String, region String", want: []string{"id", "name", "region"}},
		{name: "no marker", text: "Table: t\nsome prose", want: nil},
		{name: "dedupe", text: "Columns:\n- id (UInt64)\n- ID (UInt64)", want: []string{"id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseSchemaText(tt.text))
		})
	}
}

func TestMetadata_Fill(t *testing.T) {
	t.Parallel()

	resolved := catalog.Whitelist{"users": {"id", "name"}}
	tables := []catalog.Table{
		{LogicalName: "users", SchemaText: "Columns: id, name, email"},
		{LogicalName: "orders", SchemaText: ordersCard},
		{LogicalName: "empty"},
	}
	got := Fill(resolved, tables)
	assert.Equal(t, []string{"id", "name"}, got["users"])
	assert.Equal(t, []string{"id", "total", "created_at", "user_id"}, got["orders"])
	_, ok := got["empty"]
	assert.False(t, ok)
	_, ok = resolved["orders"]
	assert.False(t, ok, "input must not be mutated")
}

type countingResolver struct {
	mu    sync.Mutex
	calls [][]string
	data  catalog.Whitelist
	err   error
}

func (r *countingResolver) ColumnsOf(_ context.Context, tables []string) (catalog.Whitelist, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), tables...))
	if r.err != nil {
		return nil, r.err
	}
	out := catalog.Whitelist{}
	for _, t := range tables {
		if cols, ok := r.data[t]; ok {
			_, table := splitQualified(t)
			out[table] = cols
		}
	}
	return out, nil
}

func TestMetadata_CachingResolver(t *testing.T) {
	t.Parallel()

	inner := &countingResolver{data: catalog.Whitelist{"orders": {"id", "total"}}}
	r := NewCachingResolver(inner, time.Minute)

	wl, err := r.ColumnsOf(t.Context(), []string{"orders", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, wl["orders"])

	wl, err = r.ColumnsOf(t.Context(), []string{"orders", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, wl["orders"])

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"ghost"}, inner.calls[1], "cached tables are not refetched")
}

func TestMetadata_CachingResolver_PropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("clickhouse down")
	r := NewCachingResolver(&countingResolver{err: boom}, time.Minute)
	_, err := r.ColumnsOf(t.Context(), []string{"orders"})
	require.ErrorIs(t, err, boom)
}

func TestMetadata_ClickHouseResolver_ColumnsQuery(t *testing.T) {
	t.Parallel()

	r := &ClickHouseResolver{log: slog.Default(), database: "trade"}
	q, ok := r.columnsQuery([]string{"orders", "trade.users", "bad;name"})
	require.True(t, ok)
	assert.Equal(t,
		"SELECT table, name FROM system.columns WHERE database = 'trade' AND table IN ('orders', 'users') ORDER BY table, position",
		q)

	_, ok = r.columnsQuery([]string{"drop table x"})
	assert.False(t, ok)

	r.database = ""
	q, ok = r.columnsQuery([]string{"orders"})
	require.True(t, ok)
	assert.Contains(t, q, "database = currentDatabase()")
}

func TestMetadata_ClickHouseResolver_ColumnsQueryAcrossDatabases(t *testing.T) {
	t.Parallel()

	r := &ClickHouseResolver{log: slog.Default(), database: "shop"}
	q, ok := r.columnsQuery([]string{"shop.orders", "crm.user_regions", "payments", "bad-db.x"})
	require.True(t, ok)
	assert.Equal(t,
		"SELECT table, name FROM system.columns WHERE (database = 'shop' AND table IN ('orders', 'payments')) OR (database = 'crm' AND table IN ('user_regions')) ORDER BY table, position",
		q)
}

func TestMetadata_CachingResolver_QualifiedNames(t *testing.T) {
	t.Parallel()

	inner := &countingResolver{data: catalog.Whitelist{"crm.user_regions": {"user_id", "region"}}}
	r := NewCachingResolver(inner, time.Minute)

	for range 2 {
		wl, err := r.ColumnsOf(t.Context(), []string{"crm.user_regions"})
		require.NoError(t, err)
		assert.Equal(t, []string{"user_id", "region"}, wl["user_regions"])
	}
	assert.Len(t, inner.calls, 1)
}

func TestMetadata_ClickHouseResolverConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := ClickHouseResolverConfig{Logger: slog.Default()}
	require.EqualError(t, cfg.Validate(), "clickhouse client is required")
}

package sqlexec

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	chgo "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

type fakeColumnType struct {
	name string
	typ  reflect.Type
}

func (c fakeColumnType) Name() string             { return c.name }
func (c fakeColumnType) Nullable() bool           { return false }
func (c fakeColumnType) ScanType() reflect.Type   { return c.typ }
func (c fakeColumnType) DatabaseTypeName() string { return c.typ.String() }

type fakeRows struct {
	columns []string
	types   []reflect.Type
	data    [][]any
	pos     int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func (r *fakeRows) ScanStruct(any) error { return errors.New("not implemented") }
func (r *fakeRows) ColumnTypes() []driver.ColumnType {
	out := make([]driver.ColumnType, len(r.columns))
	for i, c := range r.columns {
		out[i] = fakeColumnType{name: c, typ: r.types[i]}
	}
	return out
}
func (r *fakeRows) Totals(...any) error { return nil }
func (r *fakeRows) Columns() []string   { return r.columns }
func (r *fakeRows) Close() error        { return nil }
func (r *fakeRows) Err() error          { return nil }

type fakeClient struct {
	mu      sync.Mutex
	queries []string
	rows    func() *fakeRows
	err     error
}

func (c *fakeClient) Conn(context.Context) (clickhouse.Connection, error) { return c, nil }
func (c *fakeClient) Close() error                                        { return nil }

func (c *fakeClient) Query(_ context.Context, query string, _ ...any) (driver.Rows, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.rows == nil {
		return &fakeRows{}, nil
	}
	return c.rows(), nil
}

func newTestExecutor(t *testing.T, client *fakeClient, maxRows int) *ClickHouseExecutor {
	t.Helper()
	e, err := NewClickHouseExecutor(Config{Logger: slog.Default(), Client: client, MaxRows: maxRows})
	require.NoError(t, err)
	return e
}

func TestSQLExec_Explain(t *testing.T) {
	t.Parallel()

	t.Run("runs explain on normalized sql", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{}
		e := newTestExecutor(t, client, 0)
		require.NoError(t, e.Explain(t.Context(), "SELECT id FROM orders;"))
		assert.Equal(t, []string{"EXPLAIN SELECT id FROM orders"}, client.queries)
	})

	t.Run("guard rejects before touching the database", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{}
		e := newTestExecutor(t, client, 0)
		err := e.Explain(t.Context(), "DROP TABLE orders")
		require.ErrorIs(t, err, sqlguard.ErrReadOnly)
		assert.Equal(t, capability.KindRejected, capability.KindOf(err))
		assert.Empty(t, client.queries)
	})

	t.Run("server exception is rejected with its message", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{err: &chgo.Exception{Code: 47, Message: "Unknown identifier: region"}}
		e := newTestExecutor(t, client, 0)
		err := e.Explain(t.Context(), "SELECT region FROM orders")
		require.Error(t, err)
		assert.Equal(t, capability.KindRejected, capability.KindOf(err))
		assert.Contains(t, Message(err), "Unknown identifier: region")
		assert.NotContains(t, Message(err), "sqlexec.explain")
	})

	t.Run("transport failure stays unavailable", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{err: errors.New("connection refused")}
		e := newTestExecutor(t, client, 0)
		err := e.Explain(t.Context(), "SELECT 1")
		assert.Equal(t, capability.KindUnavailable, capability.KindOf(err))
	})
}

func TestSQLExec_Execute(t *testing.T) {
	t.Parallel()

	rows := func() *fakeRows {
		return &fakeRows{
			columns: []string{"id", "total"},
			types:   []reflect.Type{reflect.TypeOf(uint64(0)), reflect.TypeOf(float64(0))},
			data:    [][]any{{uint64(1), 9.5}, {uint64(2), 3.0}, {uint64(3), 1.25}},
		}
	}

	t.Run("appends default limit", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{rows: rows}
		e := newTestExecutor(t, client, 0)
		res, err := e.Execute(t.Context(), "SELECT id, total FROM orders")
		require.NoError(t, err)
		assert.Equal(t, "SELECT id, total FROM orders LIMIT 200", res.SQL)
		assert.Equal(t, 3, res.Count)
		assert.Equal(t, []string{"id", "total"}, res.Columns)
		assert.Equal(t, uint64(2), res.Rows[1]["id"])
		assert.False(t, res.Truncated)
	})

	t.Run("row cap marks truncation", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{rows: rows}
		e := newTestExecutor(t, client, 2)
		res, err := e.Execute(t.Context(), "SELECT id, total FROM orders LIMIT 10")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Count)
		assert.True(t, res.Truncated)
	})

	t.Run("limit clamp marks truncation", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{rows: rows}
		e := newTestExecutor(t, client, 0)
		res, err := e.Execute(t.Context(), "SELECT id FROM orders LIMIT 100000")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(res.SQL, "LIMIT 1000"))
		assert.True(t, res.Truncated)
	})

	t.Run("denied keyword", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{rows: rows}
		e := newTestExecutor(t, client, 0)
		_, err := e.Execute(t.Context(), "SELECT 1; DELETE FROM orders")
		require.ErrorIs(t, err, sqlguard.ErrMultipleStatements)
		assert.Empty(t, client.queries)
	})
}

func TestSQLExec_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: slog.Default(), Client: &fakeClient{}, DefaultLimit: 500, MaxLimit: 100}
	require.EqualError(t, cfg.Validate(), "default limit 500 exceeds max limit 100")
}

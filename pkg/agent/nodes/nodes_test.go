package nodes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/logger"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

type mockLLM struct {
	mu         sync.Mutex
	resp       string
	err        error
	calls      int
	lastUser   string
	lastSystem string
}

func (m *mockLLM) Complete(_ context.Context, systemPrompt, userPrompt string, _ ...llm.CompleteOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastSystem = systemPrompt
	m.lastUser = userPrompt
	return m.resp, m.err
}

func testConfig(t *testing.T, client llm.Client) Config {
	t.Helper()
	p, err := LoadPrompts()
	require.NoError(t, err)
	return Config{Logger: logger.New(false), LLM: client, Prompts: p}
}

var ordersTable = catalog.Table{
	LogicalName: "orders",
	DB:          "shop",
	SchemaText:  "Table orders: customer orders\nColumns:\n- id (UInt64)\n- total (Decimal)\n- created_at (DateTime)",
}

func TestNodes_LoadPrompts(t *testing.T) {
	t.Parallel()

	p, err := LoadPrompts()
	require.NoError(t, err)
	for name, text := range map[string]string{
		"intent":         p.Intent,
		"rewrite":        p.Rewrite,
		"generate":       p.Generate,
		"reflect":        p.Reflect,
		"classify_error": p.ClassifyError,
		"summarize":      p.Summarize,
	} {
		assert.NotEmpty(t, text, name)
	}
	assert.Contains(t, p.Generate, "ERR::NO_RELEVANT_TABLE")
}

func TestNodes_IntentClassifier(t *testing.T) {
	t.Parallel()

	t.Run("chat with reply", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"intent": "chat", "reason": "small talk", "reply": "I can only help with business data."}`}
		c, err := NewIntentClassifier(testConfig(t, m))
		require.NoError(t, err)

		res, err := c.Classify(t.Context(), "What's the weather today?", nil)
		require.NoError(t, err)
		assert.Equal(t, IntentChat, res.Intent)
		assert.Equal(t, "I can only help with business data.", res.Reply)
		assert.Contains(t, m.lastUser, "What's the weather today?")
	})

	t.Run("invalid intent is malformed", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"intent": "SENSITIVE", "reason": "x"}`}
		c, err := NewIntentClassifier(testConfig(t, m))
		require.NoError(t, err)

		_, err = c.Classify(t.Context(), "q", nil)
		require.Error(t, err)
		assert.Equal(t, capability.KindMalformedOutput, capability.KindOf(err))
	})

	t.Run("history is included", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"intent": "DATA_QUERY", "reason": "follow-up"}`}
		c, err := NewIntentClassifier(testConfig(t, m))
		require.NoError(t, err)

		history := []Message{{Role: RoleUser, Content: "GMV last week"}, {Role: RoleAssistant, Content: "GMV was 10k"}}
		res, err := c.Classify(t.Context(), "and by region?", history)
		require.NoError(t, err)
		assert.Equal(t, IntentDataQuery, res.Intent)
		assert.Contains(t, m.lastUser, "User: GMV last week")
		assert.Contains(t, m.lastUser, "Assistant: GMV was 10k")
	})

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{err: context.DeadlineExceeded}
		c, err := NewIntentClassifier(testConfig(t, m))
		require.NoError(t, err)

		_, err = c.Classify(t.Context(), "q", nil)
		require.Error(t, err)
		assert.Equal(t, capability.KindTimeout, capability.KindOf(err))
	})
}

func TestNodes_QueryRewriter(t *testing.T) {
	t.Parallel()

	m := &mockLLM{resp: "```\n\"orders paid amount GMV last week\"\nextra line\n```"}
	r, err := NewQueryRewriter(testConfig(t, m))
	require.NoError(t, err)

	q, err := r.Rewrite(t.Context(), "GMV last week", nil)
	require.NoError(t, err)
	assert.Equal(t, "orders paid amount GMV last week", q)

	m.resp = "   "
	_, err = r.Rewrite(t.Context(), "GMV last week", nil)
	assert.Equal(t, capability.KindMalformedOutput, capability.KindOf(err))
}

func TestNodes_SQLGenerator(t *testing.T) {
	t.Parallel()

	t.Run("no tables never calls the model", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"sql": "SELECT 1", "confidence": 1}`}
		g, err := NewSQLGenerator(testConfig(t, m))
		require.NoError(t, err)

		res, err := g.Generate(t.Context(), GenerateInput{Question: "how many unicorns"})
		require.NoError(t, err)
		assert.Equal(t, sqlguard.NoRelevantTableSQL, res.SQL)
		assert.Zero(t, m.calls)
	})

	t.Run("read-only statement is normalized", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"sql": "SELECT count(*)\n  FROM orders;", "tables_used": ["orders"], "confidence": 0.9}`}
		g, err := NewSQLGenerator(testConfig(t, m))
		require.NoError(t, err)

		res, err := g.Generate(t.Context(), GenerateInput{
			Question:     "how many orders",
			Tables:       []catalog.Table{ordersTable},
			Whitelist:    catalog.Whitelist{"orders": {"id", "total", "created_at"}},
			ErrorContext: "The database rejected it: boom",
		})
		require.NoError(t, err)
		assert.Equal(t, "SELECT count(*) FROM orders", res.SQL)
		assert.Equal(t, []string{"orders"}, res.TablesUsed)
		assert.Contains(t, m.lastUser, "### Table: orders")
		assert.Contains(t, m.lastUser, "Verified columns: id, total, created_at")
		assert.Contains(t, m.lastUser, "## Previous attempt failed")
	})

	t.Run("write statement is rejected", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"sql": "DELETE FROM orders", "confidence": 0.9}`}
		g, err := NewSQLGenerator(testConfig(t, m))
		require.NoError(t, err)

		_, err = g.Generate(t.Context(), GenerateInput{Question: "drop them", Tables: []catalog.Table{ordersTable}})
		require.Error(t, err)
		assert.Equal(t, capability.KindRejected, capability.KindOf(err))
	})

	t.Run("sentinel is canonicalized", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"sql": "select 'NEED_SCHEMA_FIELD: refund_amount' as error", "confidence": 0.2}`}
		g, err := NewSQLGenerator(testConfig(t, m))
		require.NoError(t, err)

		res, err := g.Generate(t.Context(), GenerateInput{Question: "refunds", Tables: []catalog.Table{ordersTable}})
		require.NoError(t, err)
		assert.Equal(t, sqlguard.NeedSchemaFieldSQL("refund_amount"), res.SQL)
	})
}

func TestNodes_BuildErrorContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, BuildErrorContext(ErrorContextInput{SQL: "SELECT 1"}))

	got := BuildErrorContext(ErrorContextInput{SQL: "SELECT o.amt FROM orders o", ReflectionRejected: true, ReflectionFeedback: "amt is not a column"})
	assert.Contains(t, got, "A reviewer rejected it: amt is not a column")

	got = BuildErrorContext(ErrorContextInput{SQL: "SELECT region FROM orders", ValidationError: "Unknown column 'region' in 'field list'"})
	assert.Contains(t, got, "region does not exist")
	assert.Contains(t, got, "ERR::NEED_SCHEMA_FIELD")

	got = BuildErrorContext(ErrorContextInput{SQL: "SELEC 1", ValidationError: "Syntax error: failed at position 1"})
	assert.Contains(t, got, "The database rejected it: Syntax error")
}

func TestNodes_MissingColumn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want string
	}{
		{"Unknown column 'region' in 'field list'", "region"},
		{"Code: 47. DB::Exception: Missing columns: 'region' while processing query", "region"},
		{"Code: 47. DB::Exception: Unknown expression identifier `o.region` in scope", "region"},
		{"NEED_SCHEMA_FIELD: refund_amount", "refund_amount"},
		{"Syntax error: failed at position 8", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MissingColumn(tt.msg), tt.msg)
	}
}

func TestNodes_ReflectionCritic(t *testing.T) {
	t.Parallel()

	m := &mockLLM{resp: `{"is_valid": false, "reason": "uses sum instead of count", "missing_info": "order count", "suggested_search_keywords": ["order_id", " ", "ORDER_ID", "status"]}`}
	c, err := NewReflectionCritic(testConfig(t, m))
	require.NoError(t, err)

	res, err := c.Critique(t.Context(), "q", "summary", sqlguard.NoRelevantTableSQL)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Zero(t, m.calls)

	res, err = c.Critique(t.Context(), "how many orders", "summary", "SELECT sum(total) FROM orders")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{"order_id", "status"}, res.SuggestedSearchKeywords)
	assert.Equal(t, "uses sum instead of count (missing: order count)", res.Feedback())
	assert.Equal(t, 1, m.calls)
}

func TestNodes_ErrorClassifier(t *testing.T) {
	t.Parallel()

	t.Run("schema field signal skips the model", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"error_type": "SYNTAX_ERROR", "analysis": "x"}`}
		c, err := NewErrorClassifier(testConfig(t, m))
		require.NoError(t, err)

		res := c.Classify(t.Context(), sqlguard.NeedSchemaFieldSQL("region"), "NEED_SCHEMA_FIELD: region")
		assert.Equal(t, ErrorMissingColumn, res.Kind)
		assert.Equal(t, []string{"region"}, res.SearchKeywords)
		assert.Equal(t, SourceSentinel, res.Source)
		assert.Zero(t, m.calls)
	})

	t.Run("model answer", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{resp: `{"error_type": "wrong_table", "analysis": "orders has no regions"}`}
		c, err := NewErrorClassifier(testConfig(t, m))
		require.NoError(t, err)

		res := c.Classify(t.Context(), "SELECT region FROM orders", "Unknown column 'region'")
		assert.Equal(t, ErrorWrongTable, res.Kind)
		assert.Equal(t, []string{"region"}, res.SearchKeywords)
		assert.Equal(t, SourceLLM, res.Source)
	})

	t.Run("model failure falls back to heuristics", func(t *testing.T) {
		t.Parallel()
		m := &mockLLM{err: errors.New("503")}
		c, err := NewErrorClassifier(testConfig(t, m))
		require.NoError(t, err)

		res := c.Classify(t.Context(), "SELECT region FROM orders", "Unknown column 'region' in 'field list'")
		assert.Equal(t, ErrorMissingColumn, res.Kind)
		assert.Equal(t, []string{"region"}, res.SearchKeywords)
		assert.Equal(t, SourceHeuristic, res.Source)
	})
}

func TestNodes_ClassifyErrorHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"Unknown column 'region' in 'field list'", ErrorMissingColumn},
		{"Code: 60. DB::Exception: Table shop.refunds does not exist", ErrorMissingTable},
		{"Code: 497. DB::Exception: default: Not enough privileges", ErrorNonFixable},
		{"Syntax error: failed at position 1", ErrorSyntax},
		{"llm.generate: timeout: context deadline exceeded", ErrorSyntax},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyErrorHeuristic(tt.msg).Kind, tt.msg)
	}
	assert.Equal(t, []string{"refunds"}, ClassifyErrorHeuristic("Table shop.refunds does not exist").SearchKeywords)
}

func TestNodes_CapSchemaText(t *testing.T) {
	t.Parallel()

	short := "Table t\nColumns:\n- id (UInt64)"
	assert.Equal(t, short, capSchemaText(short))

	long := "Table big: header line\n" + "Columns:\n" + strings.Repeat("- col (String) comment\n", 200)
	got := capSchemaText(long)
	assert.True(t, strings.HasPrefix(got, "Table big: header line\nColumns:"))
	assert.True(t, strings.HasSuffix(got, "...(samples truncated)"))
	assert.Less(t, len(got), 2000)

	summary := SchemaSummary([]catalog.Table{{LogicalName: "big", SchemaText: long}})
	assert.LessOrEqual(t, len(summary), len("Table big:\n")+800)
}

func TestNodes_Answers(t *testing.T) {
	t.Parallel()

	got := FallbackAnswer(FallbackReflectionLimit, "Uses sum instead of count.", "")
	assert.Contains(t, got, "Sorry")
	assert.Contains(t, got, "rejected because uses sum instead of count.")
	assert.NotContains(t, got, "SELECT")

	got = FallbackAnswer(FallbackRetryLimit, "", "Unknown column 'region'")
	assert.Contains(t, got, `"region"`)

	got = FallbackAnswer(FallbackNonFixable, "", "")
	assert.Contains(t, got, "refused")

	assert.Contains(t, SentinelAnswer(sqlguard.Sentinel{Code: sqlguard.CodeNeedSchemaField, Field: "refund_amount"}), "refund_amount")
	assert.NotContains(t, SentinelAnswer(sqlguard.Sentinel{Code: sqlguard.CodeNoRelevantTable}), "ERR::")
	assert.Contains(t, LintBlockedAnswer(sqlguard.Violation{Alias: "o", Table: "orders", Column: "amt"}), `"amt"`)
}

func TestNodes_MultibyteText(t *testing.T) {
	t.Parallel()

	got := FallbackAnswer(FallbackReflectionLimit, "缺少地区字段", "")
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "rejected because 缺少地区字段.")
	assert.Equal(t, "ünicode", lowerFirst("Ünicode"))

	long := strings.Repeat("数据", 400)
	history := FormatHistory([]Message{
		{Role: RoleUser, Content: "上周的订单"},
		{Role: RoleAssistant, Content: long},
	})
	assert.True(t, utf8.ValidString(history))
	assert.Contains(t, history, "Assistant: "+strings.Repeat("数据", maxHistoryRunes/2)+"...\n")

	q := cleanQueryLine(strings.Repeat("订", maxSearchQueryLen+10))
	assert.True(t, utf8.ValidString(q))
	assert.Equal(t, maxSearchQueryLen, utf8.RuneCountInString(q))
}

func TestNodes_Analyst(t *testing.T) {
	t.Parallel()

	m := &mockLLM{resp: "There were 3 orders."}
	a, err := NewAnalyst(testConfig(t, m))
	require.NoError(t, err)

	got, err := a.Summarize(t.Context(), "how many orders", "SELECT count() FROM orders", []map[string]any{{"c": 3}}, 1)
	require.NoError(t, err)
	assert.Equal(t, "There were 3 orders.", got)
	assert.Contains(t, m.lastUser, `[{"c":3}]`)

	assert.Contains(t, DefaultSummary(0, 0, false), "no rows")
	assert.Contains(t, DefaultSummary(12, 12, false), "12 rows")
	assert.Contains(t, DefaultSummary(12, 5, false), "showing the first 5")
	assert.Contains(t, DefaultSummary(1000, 5, true), "showing 5 of the first 1000 rows")
}

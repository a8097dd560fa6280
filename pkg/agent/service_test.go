package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/workflow"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/logger"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlexec"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

type fakeRunner struct {
	state workflow.State
	err   error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (f *fakeRunner) Run(_ context.Context, question, conversationID, traceID string) (workflow.State, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return workflow.State{}, f.err
	}
	s := f.state
	s.Question = question
	s.ConversationID = conversationID
	s.TraceID = traceID
	return s, nil
}

type fakeExecutor struct {
	res   sqlexec.Result
	err   error
	calls int
}

func (f *fakeExecutor) Execute(_ context.Context, sql string) (sqlexec.Result, error) {
	f.calls++
	if f.err != nil {
		return sqlexec.Result{}, f.err
	}
	res := f.res
	res.SQL = sql + " LIMIT 200"
	return res, nil
}

type fakeAnalyst struct {
	summary string
	err     error
	preview []map[string]any
	total   int
}

func (f *fakeAnalyst) Summarize(_ context.Context, _, _ string, preview []map[string]any, total int) (string, error) {
	f.preview = preview
	f.total = total
	return f.summary, f.err
}

func rows(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": i}
	}
	return out
}

func newService(t *testing.T, r Runner, e sqlexec.Executor, a Summarizer) *Service {
	t.Helper()
	s, err := NewService(Config{Logger: logger.New(false), Workflow: r, Executor: e, Analyst: a})
	require.NoError(t, err)
	return s
}

func TestAgent_Ask_DataAnswer(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{state: workflow.State{
		Intent:      nodes.IntentDataQuery,
		FinalAnswer: workflow.SQLResultPrefix + "SELECT id FROM orders",
		Steps:       []string{"INTENT", "TERMINATE"},
	}}
	e := &fakeExecutor{res: sqlexec.Result{Columns: []string{"id"}, Rows: rows(12), Count: 12}}
	a := &fakeAnalyst{summary: "There are 12 orders."}
	svc := newService(t, r, e, a)

	resp, err := svc.Ask(t.Context(), "list orders", "conv-1")
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, TypeData, resp.Type)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.NotEmpty(t, resp.TraceID)
	assert.Equal(t, "SELECT id FROM orders LIMIT 200", resp.SQL)
	assert.Len(t, resp.Data, 5)
	assert.Equal(t, 12, resp.RowCount)
	assert.Equal(t, "There are 12 orders.", resp.Message)
	assert.Equal(t, []string{"INTENT", "TERMINATE"}, resp.Steps)
	assert.Len(t, a.preview, 5)
	assert.Equal(t, 12, a.total)
}

func TestAgent_Ask_SummaryFailureUsesDefault(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{state: workflow.State{Intent: nodes.IntentDataQuery, FinalAnswer: workflow.SQLResultPrefix + "SELECT 1"}}
	e := &fakeExecutor{res: sqlexec.Result{Rows: rows(3), Count: 3}}
	svc := newService(t, r, e, &fakeAnalyst{err: errors.New("timeout")})

	resp, err := svc.Ask(t.Context(), "q", "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, nodes.DefaultSummary(3, 3, false), resp.Message)
	assert.NotEmpty(t, resp.ConversationID)
}

func TestAgent_Ask_DefaultSummaryCountsPreview(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{state: workflow.State{Intent: nodes.IntentDataQuery, FinalAnswer: workflow.SQLResultPrefix + "SELECT id FROM orders"}}
	e := &fakeExecutor{res: sqlexec.Result{Rows: rows(200), Count: 200, Truncated: true}}
	svc := newService(t, r, e, nil)

	resp, err := svc.Ask(t.Context(), "list orders", "")
	require.NoError(t, err)
	require.Len(t, resp.Data, 5)
	assert.True(t, resp.Truncated)
	assert.Equal(t, nodes.DefaultSummary(200, 5, true), resp.Message)
	assert.Contains(t, resp.Message, "showing 5 of the first 200 rows")
}

func TestAgent_Ask_TextAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		state   workflow.State
		success bool
		sql     string
		message string
	}{
		{
			name:    "chat",
			state:   workflow.State{Intent: nodes.IntentChat, FinalAnswer: "Hello!"},
			success: true,
			message: "Hello!",
		},
		{
			name:    "no relevant table",
			state:   workflow.State{Intent: nodes.IntentDataQuery, GeneratedSQL: sqlguard.NoRelevantTableSQL, FinalAnswer: workflow.SQLResultPrefix + sqlguard.NoRelevantTableSQL},
			sql:     sqlguard.NoRelevantTableSQL,
			message: nodes.SentinelAnswer(sqlguard.Sentinel{Code: sqlguard.CodeNoRelevantTable}),
		},
		{
			name:    "lint blocked",
			state:   workflow.State{Intent: nodes.IntentDataQuery, LintBlocked: true, GeneratedSQL: "SELECT o.amt FROM orders o", FinalAnswer: "stopped"},
			sql:     "SELECT o.amt FROM orders o",
			message: "stopped",
		},
		{
			name:    "fallback",
			state:   workflow.State{Intent: nodes.IntentTerminal, GeneratedSQL: "SELECT 1", FinalAnswer: "Sorry"},
			message: "Sorry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := &fakeExecutor{}
			svc := newService(t, &fakeRunner{state: tt.state}, e, nil)

			resp, err := svc.Ask(t.Context(), "q", "conv")
			require.NoError(t, err)
			assert.Equal(t, TypeText, resp.Type)
			assert.Equal(t, tt.success, resp.Success)
			assert.Equal(t, tt.sql, resp.SQL)
			assert.Equal(t, tt.message, resp.Message)
			assert.Empty(t, resp.Data)
			assert.NotNil(t, resp.Data)
			assert.Zero(t, e.calls, "nothing is executed for text answers")
		})
	}
}

func TestAgent_Ask_ExecutionFailure(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{state: workflow.State{Intent: nodes.IntentDataQuery, FinalAnswer: workflow.SQLResultPrefix + "SELECT 1"}}
	e := &fakeExecutor{err: errors.New("Code: 159. DB::Exception: Timeout exceeded")}
	svc := newService(t, r, e, nil)

	resp, err := svc.Ask(t.Context(), "q", "conv")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, TypeText, resp.Type)
	assert.Equal(t, "SELECT 1", resp.SQL)
	assert.NotContains(t, resp.Message, "Code: 159")
}

func TestAgent_Ask_Errors(t *testing.T) {
	t.Parallel()

	svc := newService(t, &fakeRunner{err: errors.New("checkpoint store down")}, &fakeExecutor{}, nil)

	_, err := svc.Ask(t.Context(), "   ", "conv")
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = svc.Ask(t.Context(), "q", "conv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint store down")
}

func TestAgent_Ask_SerialisesConversation(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{state: workflow.State{Intent: nodes.IntentChat, FinalAnswer: "hi"}, delay: 20 * time.Millisecond}
	svc := newService(t, r, &fakeExecutor{}, nil)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ask(t.Context(), "hello", "same-conv")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), r.maxInFlight.Load())
	assert.Empty(t, svc.locks.locks, "idle locks are released")
}

func TestAgent_KeyedMutex(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	unlock, err := k.Lock(t.Context(), "a")
	require.NoError(t, err)

	unlockB, err := k.Lock(t.Context(), "b")
	require.NoError(t, err, "different keys do not block each other")
	unlockB()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := k.Lock(t.Context(), "a")
	require.NoError(t, err)
	unlock2()
	assert.Empty(t, k.locks)
}

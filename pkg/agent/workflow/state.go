package workflow

import (
	"slices"
	"strings"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

// SQLResultPrefix marks a final answer that carries SQL to execute.
const SQLResultPrefix = "SQL_RESULT:"

// State is the unit of work threaded through one turn of the state machine.
type State struct {
	ConversationID string
	TraceID        string
	Question       string
	SearchQuery    string
	Intent         nodes.Intent

	// CandidateTables and ColumnWhitelist only grow within a turn.
	CandidateTables []catalog.Table
	ColumnWhitelist catalog.Whitelist

	GeneratedSQL       string
	LintBlocked        bool
	ReflectionPassed   *bool
	ReflectionFeedback string
	RepairKeywords     []string
	ValidationError    string
	ErrorKind          nodes.ErrorKind

	RetryCount      int
	ReflectionCount int

	FinalAnswer string
	History     []nodes.Message

	// Steps is the route taken in this turn.
	Steps []string
}

// SQL returns the statement carried by a SQL_RESULT final answer.
func (s State) SQL() (string, bool) {
	if !strings.HasPrefix(s.FinalAnswer, SQLResultPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s.FinalAnswer, SQLResultPrefix)), true
}

// newTurn starts a turn from the previous state of the conversation. The
// transcript and the verified column whitelist carry over; everything else,
// counters included, is reset.
func (s State) newTurn(question, traceID string) State {
	return State{
		ConversationID:  s.ConversationID,
		TraceID:         traceID,
		Question:        question,
		ColumnWhitelist: s.ColumnWhitelist.Clone(),
		History:         slices.Clip(s.History),
	}
}

// enter records step in the route and bumps the counter owned by it.
func (s State) enter(step Step) State {
	switch step {
	case StepGenerate:
		s.RetryCount++
	case StepReflection:
		s.ReflectionCount++
	}
	s.Steps = append(slices.Clip(s.Steps), step.String())
	return s
}

// Opt is an optional field of an Update.
type Opt[T any] struct {
	v   T
	set bool
}

// Set marks v as the new value of a field.
func Set[T any](v T) Opt[T] {
	return Opt[T]{v: v, set: true}
}

func (o Opt[T]) apply(dst *T) {
	if o.set {
		*dst = o.v
	}
}

// Update is the partial result of one node. Only set fields are written;
// tables and columns can only be added.
type Update struct {
	SearchQuery        Opt[string]
	Intent             Opt[nodes.Intent]
	AddTables          []catalog.Table
	AddColumns         catalog.Whitelist
	GeneratedSQL       Opt[string]
	LintBlocked        Opt[bool]
	ReflectionPassed   Opt[*bool]
	ReflectionFeedback Opt[string]
	RepairKeywords     Opt[[]string]
	ValidationError    Opt[string]
	ErrorKind          Opt[nodes.ErrorKind]
	FinalAnswer        Opt[string]

	// detail and err describe the node run for audit and metrics.
	detail string
	err    error
}

// Apply returns s with u written over it. s is not modified.
func (u Update) Apply(s State) State {
	u.SearchQuery.apply(&s.SearchQuery)
	u.Intent.apply(&s.Intent)
	if len(u.AddTables) > 0 {
		s.CandidateTables, _ = catalog.MergeTables(s.CandidateTables, u.AddTables)
	}
	if len(u.AddColumns) > 0 {
		s.ColumnWhitelist = s.ColumnWhitelist.Merge(u.AddColumns)
	}
	u.GeneratedSQL.apply(&s.GeneratedSQL)
	u.LintBlocked.apply(&s.LintBlocked)
	u.ReflectionPassed.apply(&s.ReflectionPassed)
	u.ReflectionFeedback.apply(&s.ReflectionFeedback)
	u.RepairKeywords.apply(&s.RepairKeywords)
	u.ValidationError.apply(&s.ValidationError)
	u.ErrorKind.apply(&s.ErrorKind)
	u.FinalAnswer.apply(&s.FinalAnswer)
	return s
}

func boolPtr(b bool) *bool { return &b }

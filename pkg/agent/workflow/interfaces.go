package workflow

import (
	"context"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/repair"
)

// IntentClassifier labels a user message.
type IntentClassifier interface {
	Classify(ctx context.Context, question string, history []nodes.Message) (nodes.IntentResult, error)
}

// QueryRewriter expands a question into a retrieval query.
type QueryRewriter interface {
	Rewrite(ctx context.Context, question string, history []nodes.Message) (string, error)
}

// SQLGenerator writes SQL for a question over the candidate tables.
type SQLGenerator interface {
	Generate(ctx context.Context, in nodes.GenerateInput) (nodes.SQLResult, error)
}

// ReflectionCritic reviews generated SQL before validation.
type ReflectionCritic interface {
	Critique(ctx context.Context, question, schemaSummary, sql string) (nodes.Reflection, error)
}

// ErrorClassifier decides how a failed statement is retried.
type ErrorClassifier interface {
	Classify(ctx context.Context, sql, errMsg string) nodes.ErrorClassification
}

// RepairStrategist grows the candidate pool after a failure.
type RepairStrategist interface {
	Repair(ctx context.Context, in repair.Input) (repair.Result, error)
}

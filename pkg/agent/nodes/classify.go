package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const opClassifyError = "llm.classify_error"

// Where an ErrorClassification came from.
const (
	SourceSentinel  = "sentinel"
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

var (
	missingTableRe     = regexp.MustCompile(`(?i)unknown table|table .* (?:doesn't|does not) exist|UNKNOWN_TABLE|no such table`)
	nonFixableRe       = regexp.MustCompile(`(?i)access denied|not enough privileges|permission|readonly|read-only|only select|denied keyword|authentication|connection refused`)
	missingTableNameRe = regexp.MustCompile("(?i)table\\s+['`\"]?([A-Za-z_][A-Za-z0-9_.]*)['`\"]?\\s+(?:doesn't|does not) exist")
)

// ErrorClassification is the structured output of the error classifier.
type ErrorClassification struct {
	Kind           ErrorKind `json:"error_type" jsonschema:"one of MISSING_COLUMN, MISSING_TABLE, WRONG_TABLE, SYNTAX_ERROR, NON_FIXABLE"`
	Analysis       string    `json:"analysis" jsonschema:"one sentence diagnosis"`
	SearchKeywords []string  `json:"search_keywords,omitempty" jsonschema:"schema search keywords for the repair round"`
	Source         string    `json:"-"`
}

// ErrorClassifier decides how a failed statement should be retried.
type ErrorClassifier struct {
	log     *slog.Logger
	llm     llm.Client
	prompt  string
	timeout time.Duration
}

func NewErrorClassifier(cfg Config) (*ErrorClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ErrorClassifier{log: cfg.Logger, llm: cfg.LLM, prompt: cfg.Prompts.ClassifyError, timeout: cfg.Timeout}, nil
}

// Classify never fails: a NEED_SCHEMA_FIELD signal is classified without the
// model, and model failures fall back to message heuristics.
func (c *ErrorClassifier) Classify(ctx context.Context, sql, errMsg string) ErrorClassification {
	if field, ok := schemaFieldSignal(sql, errMsg); ok {
		return ErrorClassification{
			Kind:           ErrorMissingColumn,
			Analysis:       fmt.Sprintf("the schema has no field for %q", field),
			SearchKeywords: cleanKeywords([]string{field}),
			Source:         SourceSentinel,
		}
	}

	userPrompt := fmt.Sprintf("## SQL\n%s\n\n## Error\n%s\n", sql, errMsg)
	res, err := capability.Call(ctx, c.timeout, opClassifyError, func(ctx context.Context) (ErrorClassification, error) {
		out, err := llm.CompleteJSON[ErrorClassification](ctx, c.llm, opClassifyError, c.prompt, userPrompt, llm.WithCacheControl(), llm.WithTemperature(0))
		if err != nil {
			return out, err
		}
		out.Kind = ErrorKind(strings.ToUpper(strings.TrimSpace(string(out.Kind))))
		if !out.Kind.Valid() {
			return out, capability.Malformed(opClassifyError, fmt.Errorf("invalid error type: %q", out.Kind))
		}
		return out, nil
	})
	if err != nil {
		c.log.Warn("nodes: error classification failed, using heuristics", "error", err)
		return ClassifyErrorHeuristic(errMsg)
	}
	res.SearchKeywords = cleanKeywords(res.SearchKeywords)
	if len(res.SearchKeywords) == 0 {
		if col := MissingColumn(errMsg); col != "" {
			res.SearchKeywords = []string{col}
		}
	}
	res.Source = SourceLLM
	return res
}

// ClassifyErrorHeuristic maps well known database messages to a kind.
// Anything unrecognised, timeouts included, is treated as a syntax problem so
// that the statement is regenerated.
func ClassifyErrorHeuristic(errMsg string) ErrorClassification {
	out := ErrorClassification{Source: SourceHeuristic, Analysis: errMsg}
	switch {
	case MissingColumn(errMsg) != "":
		out.Kind = ErrorMissingColumn
		out.SearchKeywords = []string{MissingColumn(errMsg)}
	case missingTableRe.MatchString(errMsg):
		out.Kind = ErrorMissingTable
		if m := missingTableNameRe.FindStringSubmatch(errMsg); m != nil {
			name := m[1]
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			out.SearchKeywords = []string{name}
		}
	case nonFixableRe.MatchString(errMsg):
		out.Kind = ErrorNonFixable
	default:
		out.Kind = ErrorSyntax
	}
	return out
}

func schemaFieldSignal(sql, errMsg string) (string, bool) {
	if s, ok := sqlguard.ParseSentinel(sql); ok && s.Code == sqlguard.CodeNeedSchemaField {
		return s.Field, s.Field != ""
	}
	if strings.Contains(errMsg, sqlguard.CodeNeedSchemaField) {
		field := MissingColumn(errMsg)
		return field, field != ""
	}
	return "", false
}

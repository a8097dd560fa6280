package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const (
	opGenerate = "llm.generate"

	// GeneratorHistoryTurns is how many transcript entries the generator sees.
	GeneratorHistoryTurns = 5
)

var unknownColumnRe = regexp.MustCompile("(?i)(?:unknown (?:expression )?(?:column|identifier)|missing columns?:?)\\s*['`\"]?([A-Za-z_][A-Za-z0-9_.]*)")

// SQLResult is the structured output of the SQL generator.
type SQLResult struct {
	SQL         string   `json:"sql" jsonschema:"a single SELECT or WITH statement, or a sentinel error statement"`
	TablesUsed  []string `json:"tables_used,omitempty" jsonschema:"table names referenced by the statement"`
	Assumptions []string `json:"assumptions,omitempty" jsonschema:"interpretations made while writing the statement"`
	Confidence  float64  `json:"confidence" jsonschema:"confidence between 0 and 1"`
}

// GenerateInput is everything the generator may look at.
type GenerateInput struct {
	Question     string
	Tables       []catalog.Table
	Whitelist    catalog.Whitelist
	History      []Message
	ErrorContext string
}

// SQLGenerator writes constrained, read-only SQL for a question.
type SQLGenerator struct {
	llm     llm.Client
	prompt  string
	timeout time.Duration
}

func NewSQLGenerator(cfg Config) (*SQLGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SQLGenerator{llm: cfg.LLM, prompt: cfg.Prompts.Generate, timeout: cfg.Timeout}, nil
}

// Generate produces SQL for in. With no candidate tables it returns the
// NO_RELEVANT_TABLE sentinel without calling the model. Output that is not a
// sentinel and not a single read-only statement is rejected.
func (g *SQLGenerator) Generate(ctx context.Context, in GenerateInput) (SQLResult, error) {
	if len(in.Tables) == 0 {
		return SQLResult{SQL: sqlguard.NoRelevantTableSQL, Confidence: 1}, nil
	}

	userPrompt := buildGeneratePrompt(in)
	res, err := capability.Call(ctx, g.timeout, opGenerate, func(ctx context.Context) (SQLResult, error) {
		return llm.CompleteJSON[SQLResult](ctx, g.llm, opGenerate, g.prompt, userPrompt, llm.WithCacheControl(), llm.WithTemperature(0))
	})
	if err != nil {
		return SQLResult{}, err
	}

	sql := stripCodeFence(res.SQL)
	if s, ok := sqlguard.ParseSentinel(sql); ok {
		res.SQL = s.SQL()
		return res, nil
	}
	normalized, err := sqlguard.CheckReadOnly(sql)
	if err != nil {
		return SQLResult{}, capability.Rejected(opGenerate, err)
	}
	res.SQL = normalized
	return res, nil
}

func buildGeneratePrompt(in GenerateInput) string {
	var sb strings.Builder
	sb.WriteString("## Schema\n")
	sb.WriteString(BuildSchemaContext(in.Tables, in.Whitelist))
	sb.WriteString("\n\n")
	if h := FormatHistory(Recent(in.History, GeneratorHistoryTurns)); h != "" {
		sb.WriteString("## Conversation\n")
		sb.WriteString(h)
	}
	fmt.Fprintf(&sb, "## Question\n%s\n", in.Question)
	if in.ErrorContext != "" {
		fmt.Fprintf(&sb, "\n## Previous attempt failed\n%s\n", in.ErrorContext)
	}
	return sb.String()
}

// ErrorContextInput describes the last failed attempt.
type ErrorContextInput struct {
	SQL                string
	ReflectionRejected bool
	ReflectionFeedback string
	ValidationError    string
	Kind               ErrorKind
}

// BuildErrorContext explains the previous failure to the generator. It
// returns "" when there is nothing to correct.
func BuildErrorContext(in ErrorContextInput) string {
	var sb strings.Builder
	if in.SQL != "" {
		fmt.Fprintf(&sb, "Previous SQL:\n%s\n\n", in.SQL)
	}
	switch {
	case in.ReflectionRejected:
		fmt.Fprintf(&sb, "A reviewer rejected it: %s\nFix that problem. Use only columns listed in the schema.", orDefault(in.ReflectionFeedback, "the query does not answer the question"))
	case in.ValidationError != "":
		if col := MissingColumn(in.ValidationError); col != "" || in.Kind == ErrorMissingColumn {
			if col == "" {
				col = "a referenced column"
			}
			fmt.Fprintf(&sb, "The database reported that %s does not exist: %s\nFind a real column with the same meaning in the schema. If there is none, return %s", col, in.ValidationError, sqlguard.NeedSchemaFieldSQL("<field>"))
		} else {
			fmt.Fprintf(&sb, "The database rejected it: %s\nCorrect the statement.", in.ValidationError)
		}
	default:
		return ""
	}
	return sb.String()
}

// MissingColumn extracts the offending identifier from an unknown-column
// error or a NEED_SCHEMA_FIELD sentinel. Qualified names keep only the
// column part.
func MissingColumn(errMsg string) string {
	if s, ok := sqlguard.ParseSentinel(errMsg); ok && s.Code == sqlguard.CodeNeedSchemaField {
		return s.Field
	}
	if _, field, ok := strings.Cut(errMsg, sqlguard.CodeNeedSchemaField); ok {
		field = strings.TrimLeft(field, ": ")
		if f := strings.Fields(field); len(f) > 0 {
			return strings.Trim(f[0], "'`\";")
		}
	}
	m := unknownColumnRe.FindStringSubmatch(errMsg)
	if m == nil {
		return ""
	}
	name := m[1]
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 && !strings.Contains(s[:nl], " ") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const opReflect = "llm.reflect"

// Reflection is the critic's verdict on a generated statement.
type Reflection struct {
	IsValid                 bool     `json:"is_valid" jsonschema:"true when the statement has no real defect"`
	Reason                  string   `json:"reason" jsonschema:"short explanation of the verdict"`
	MissingInfo             string   `json:"missing_info,omitempty" jsonschema:"the missing or wrong concept when invalid"`
	SuggestedSearchKeywords []string `json:"suggested_search_keywords,omitempty" jsonschema:"schema search keywords that would help fix the statement"`
}

// Feedback is the text handed back to the generator on rejection.
func (r Reflection) Feedback() string {
	switch {
	case r.MissingInfo != "" && r.Reason != "":
		return r.Reason + " (missing: " + r.MissingInfo + ")"
	case r.Reason != "":
		return r.Reason
	default:
		return r.MissingInfo
	}
}

// ReflectionCritic reviews generated SQL against the question before it is
// validated against the database.
type ReflectionCritic struct {
	llm     llm.Client
	prompt  string
	timeout time.Duration
}

func NewReflectionCritic(cfg Config) (*ReflectionCritic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ReflectionCritic{llm: cfg.LLM, prompt: cfg.Prompts.Reflect, timeout: cfg.Timeout}, nil
}

// Critique judges sql. Sentinel statements always pass without a model call.
func (c *ReflectionCritic) Critique(ctx context.Context, question, schemaSummary, sql string) (Reflection, error) {
	if sqlguard.IsSentinel(sql) {
		return Reflection{IsValid: true, Reason: "sentinel statement"}, nil
	}

	userPrompt := fmt.Sprintf("## Question\n%s\n\n## Schema summary\n%s\n\n## SQL\n%s\n", question, schemaSummary, sql)
	res, err := capability.Call(ctx, c.timeout, opReflect, func(ctx context.Context) (Reflection, error) {
		return llm.CompleteJSON[Reflection](ctx, c.llm, opReflect, c.prompt, userPrompt, llm.WithCacheControl(), llm.WithTemperature(0))
	})
	if err != nil {
		return Reflection{}, err
	}
	res.SuggestedSearchKeywords = cleanKeywords(res.SuggestedSearchKeywords)
	return res, nil
}

// cleanKeywords trims, dedupes case-insensitively and drops empty entries.
func cleanKeywords(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}

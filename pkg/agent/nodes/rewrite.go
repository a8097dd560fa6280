package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
)

const (
	opRewrite = "llm.rewrite"

	maxSearchQueryLen = 512
)

// QueryRewriter expands a question into a retrieval query.
type QueryRewriter struct {
	llm     llm.Client
	prompt  string
	timeout time.Duration
}

func NewQueryRewriter(cfg Config) (*QueryRewriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &QueryRewriter{llm: cfg.LLM, prompt: cfg.Prompts.Rewrite, timeout: cfg.Timeout}, nil
}

// Rewrite returns a single-line search query for question.
func (r *QueryRewriter) Rewrite(ctx context.Context, question string, history []Message) (string, error) {
	userPrompt := fmt.Sprintf("%sQuestion: %s", FormatHistory(history), question)

	resp, err := capability.Call(ctx, r.timeout, opRewrite, func(ctx context.Context) (string, error) {
		return r.llm.Complete(ctx, r.prompt, userPrompt, llm.WithCacheControl(), llm.WithTemperature(0), llm.WithMaxTokens(256))
	})
	if err != nil {
		return "", err
	}

	query := cleanQueryLine(resp)
	if query == "" {
		return "", capability.Malformed(opRewrite, errors.New("empty search query"))
	}
	return query, nil
}

func cleanQueryLine(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimSpace(strings.Trim(resp, "`"))
	if line, _, ok := strings.Cut(resp, "\n"); ok {
		resp = line
	}
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "Query:")
	resp = strings.Trim(strings.TrimSpace(resp), `"'`)
	return truncate(resp, maxSearchQueryLen)
}

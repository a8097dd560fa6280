package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
)

const opSummarize = "llm.summarize"

// Analyst turns query results into a short natural-language answer.
type Analyst struct {
	llm     llm.Client
	prompt  string
	timeout time.Duration
}

func NewAnalyst(cfg Config) (*Analyst, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Analyst{llm: cfg.LLM, prompt: cfg.Prompts.Summarize, timeout: cfg.Timeout}, nil
}

// Summarize describes preview, a sample of total rows returned by sql.
func (a *Analyst) Summarize(ctx context.Context, question, sql string, preview []map[string]any, total int) (string, error) {
	data, err := json.Marshal(preview)
	if err != nil {
		return "", fmt.Errorf("failed to marshal preview: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Question\n%s\n\n## SQL\n%s\n\n", question, sql)
	if total > len(preview) {
		fmt.Fprintf(&sb, "## Result\n%d rows in total; the first %d are shown:\n%s\n", total, len(preview), data)
	} else {
		fmt.Fprintf(&sb, "## Result\n%d rows:\n%s\n", total, data)
	}

	resp, err := capability.Call(ctx, a.timeout, opSummarize, func(ctx context.Context) (string, error) {
		return a.llm.Complete(ctx, a.prompt, sb.String(), llm.WithCacheControl(), llm.WithTemperature(0.7), llm.WithMaxTokens(1024))
	})
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return "", capability.Malformed(opSummarize, errors.New("empty summary"))
	}
	return resp, nil
}

// DefaultSummary is used when the analyst is unavailable. total is the number
// of rows fetched and shown the number included in the response.
func DefaultSummary(total, shown int, truncated bool) string {
	switch {
	case total == 0:
		return "The query ran successfully but returned no rows."
	case truncated:
		return fmt.Sprintf("The query returned more rows than the display limit; showing %d of the first %d rows.", shown, total)
	case shown < total:
		return fmt.Sprintf("The query returned %d rows; showing the first %d.", total, shown)
	default:
		return fmt.Sprintf("The query returned %d rows; see the table below for details.", total)
	}
}

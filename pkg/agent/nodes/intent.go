package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
)

const opIntent = "llm.intent"

// IntentResult is the structured output of the intent classifier.
type IntentResult struct {
	Intent Intent `json:"intent" jsonschema:"one of DATA_QUERY, CHAT or UNKNOWN"`
	Reason string `json:"reason" jsonschema:"one sentence explaining the decision"`
	Reply  string `json:"reply,omitempty" jsonschema:"answer for CHAT or clarifying question for UNKNOWN"`
}

// IntentClassifier routes a user message to the data path or a direct reply.
type IntentClassifier struct {
	llm     llm.Client
	prompt  string
	timeout time.Duration
}

func NewIntentClassifier(cfg Config) (*IntentClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &IntentClassifier{llm: cfg.LLM, prompt: cfg.Prompts.Intent, timeout: cfg.Timeout}, nil
}

// Classify labels question given the recent history. Failures are returned as
// capability errors; callers decide the default.
func (c *IntentClassifier) Classify(ctx context.Context, question string, history []Message) (IntentResult, error) {
	userPrompt := fmt.Sprintf("%sMessage to classify: %s", FormatHistory(history), question)

	res, err := capability.Call(ctx, c.timeout, opIntent, func(ctx context.Context) (IntentResult, error) {
		return llm.CompleteJSON[IntentResult](ctx, c.llm, opIntent, c.prompt, userPrompt, llm.WithCacheControl(), llm.WithTemperature(0))
	})
	if err != nil {
		return IntentResult{}, err
	}

	res.Intent = Intent(strings.ToUpper(strings.TrimSpace(string(res.Intent))))
	switch res.Intent {
	case IntentDataQuery, IntentChat, IntentUnknown:
	default:
		return IntentResult{}, capability.Malformed(opIntent, fmt.Errorf("invalid intent: %q", res.Intent))
	}
	res.Reply = strings.TrimSpace(res.Reply)
	return res, nil
}

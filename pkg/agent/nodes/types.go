// Package nodes holds the LLM-backed capability nodes of the workflow: intent
// classification, query rewriting, SQL generation, reflection, error
// classification and result summarisation. Each node owns one prompt contract
// and one typed output.
package nodes

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
)

// Intent is the routing class of a user message.
type Intent string

const (
	IntentDataQuery Intent = "DATA_QUERY"
	IntentChat      Intent = "CHAT"
	IntentUnknown   Intent = "UNKNOWN"
	// IntentTerminal marks a turn that ended in the fallback responder.
	IntentTerminal Intent = "TERMINAL"
)

// ErrorKind classifies a failed validation so the workflow can pick a repair
// route.
type ErrorKind string

const (
	ErrorMissingColumn ErrorKind = "MISSING_COLUMN"
	ErrorMissingTable  ErrorKind = "MISSING_TABLE"
	ErrorWrongTable    ErrorKind = "WRONG_TABLE"
	ErrorSyntax        ErrorKind = "SYNTAX_ERROR"
	ErrorNonFixable    ErrorKind = "NON_FIXABLE"
)

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorMissingColumn, ErrorMissingTable, ErrorWrongTable, ErrorSyntax, ErrorNonFixable:
		return true
	}
	return false
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	maxHistoryRunes = 500
)

// Message is one entry of the conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Recent returns the last n messages of history.
func Recent(history []Message, n int) []Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// FormatHistory renders history as a prompt block. Long assistant messages are
// truncated.
func FormatHistory(history []Message) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for _, msg := range history {
		if msg.Role == RoleUser {
			fmt.Fprintf(&sb, "User: %s\n", msg.Content)
			continue
		}
		content := msg.Content
		if t := truncate(content, maxHistoryRunes); t != content {
			content = t + "..."
		}
		fmt.Fprintf(&sb, "Assistant: %s\n", content)
	}
	sb.WriteString("\n")
	return sb.String()
}

// Config is shared by every node constructor.
type Config struct {
	Logger  *slog.Logger
	LLM     llm.Client
	Prompts *Prompts
	// Timeout bounds each LLM call. Zero leaves the caller's deadline alone.
	Timeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.LLM == nil {
		return fmt.Errorf("llm client is required")
	}
	if cfg.Prompts == nil {
		return fmt.Errorf("prompts are required")
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

package nodes

import (
	"fmt"
	"strings"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/prompts"
)

// Prompts contains the node system prompts loaded from embedded files.
type Prompts struct {
	Intent        string
	Rewrite       string
	Generate      string
	Reflect       string
	ClassifyError string
	Summarize     string
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Intent, err = loadPrompt("INTENT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTENT: %w", err)
	}
	if p.Rewrite, err = loadPrompt("REWRITE.md"); err != nil {
		return nil, fmt.Errorf("failed to load REWRITE: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Reflect, err = loadPrompt("REFLECT.md"); err != nil {
		return nil, fmt.Errorf("failed to load REFLECT: %w", err)
	}
	if p.ClassifyError, err = loadPrompt("CLASSIFY_ERROR.md"); err != nil {
		return nil, fmt.Errorf("failed to load CLASSIFY_ERROR: %w", err)
	}
	if p.Summarize, err = loadPrompt("SUMMARIZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load SUMMARIZE: %w", err)
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

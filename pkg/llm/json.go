package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
)

type compiledSchema struct {
	text     string
	resolved *jsonschema.Resolved
}

var schemaCache sync.Map // reflect.Type -> *compiledSchema

func schemaFor[T any]() (*compiledSchema, error) {
	key := reflect.TypeFor[T]()
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*compiledSchema), nil
	}
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema for %s: %w", key, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema for %s: %w", key, err)
	}
	text, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", key, err)
	}
	cs := &compiledSchema{text: string(text), resolved: resolved}
	schemaCache.Store(key, cs)
	return cs, nil
}

// CompleteJSON asks the model for a JSON object matching the schema derived
// from T, validates the response against it and decodes it. Transport
// failures are returned as capability errors for op; unparseable or invalid
// output is returned as capability.KindMalformedOutput.
func CompleteJSON[T any](ctx context.Context, client Client, op, systemPrompt, userPrompt string, opts ...CompleteOption) (T, error) {
	var zero T
	cs, err := schemaFor[T]()
	if err != nil {
		return zero, err
	}

	system := systemPrompt + "\n\nRespond with a single JSON object that conforms to this JSON Schema. Do not add prose.\n```json\n" + cs.text + "\n```"
	resp, err := client.Complete(ctx, system, userPrompt, opts...)
	if err != nil {
		return zero, capability.Wrap(op, err)
	}

	raw := ExtractJSON(resp)
	if raw == "" {
		return zero, capability.Malformed(op, errors.New("no JSON found in response"))
	}

	var instance map[string]any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return zero, capability.Malformed(op, fmt.Errorf("failed to parse JSON: %w", err))
	}
	if err := cs.resolved.Validate(instance); err != nil {
		return zero, capability.Malformed(op, fmt.Errorf("response does not match schema: %w", err))
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, capability.Malformed(op, fmt.Errorf("failed to decode JSON: %w", err))
	}
	return out, nil
}

// ExtractJSON finds the first JSON object in a model response, looking in
// fenced code blocks before falling back to the first balanced object.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				return content
			}
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractJSONObject(response, start)
	}
	return ""
}

// extractJSONObject returns the balanced object starting at start, honouring
// braces inside strings.
func extractJSONObject(s string, start int) string {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

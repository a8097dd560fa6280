package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

// StateSchemaVersion is the version written into every checkpoint.
const StateSchemaVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported checkpoint schema version")

// snapshotV1 is the persisted form of State.
type snapshotV1 struct {
	Version            int               `json:"version"`
	ConversationID     string            `json:"conversation_id"`
	TraceID            string            `json:"trace_id"`
	Question           string            `json:"question"`
	SearchQuery        string            `json:"search_query,omitempty"`
	Intent             string            `json:"intent"`
	CandidateTables    []catalog.Table   `json:"candidate_tables"`
	ColumnWhitelist    catalog.Whitelist `json:"column_whitelist"`
	GeneratedSQL       string            `json:"generated_sql,omitempty"`
	LintBlocked        bool              `json:"lint_blocked"`
	ReflectionPassed   *bool             `json:"reflection_passed"`
	ReflectionFeedback string            `json:"reflection_feedback,omitempty"`
	RepairKeywords     []string          `json:"repair_keywords,omitempty"`
	ValidationError    string            `json:"validation_error,omitempty"`
	ErrorKind          string            `json:"error_kind,omitempty"`
	RetryCount         int               `json:"retry_count"`
	ReflectionCount    int               `json:"reflection_count"`
	FinalAnswer        string            `json:"final_answer"`
	History            []nodes.Message   `json:"history"`
	Steps              []string          `json:"steps,omitempty"`
}

// turnMetadata is stored next to the state in a checkpoint.
type turnMetadata struct {
	TraceID string   `json:"trace_id"`
	Outcome string   `json:"outcome"`
	Steps   []string `json:"steps"`
}

// EncodeState serialises s for the checkpoint store.
func EncodeState(s State) ([]byte, error) {
	snap := snapshotV1{
		Version:            StateSchemaVersion,
		ConversationID:     s.ConversationID,
		TraceID:            s.TraceID,
		Question:           s.Question,
		SearchQuery:        s.SearchQuery,
		Intent:             string(s.Intent),
		CandidateTables:    s.CandidateTables,
		ColumnWhitelist:    s.ColumnWhitelist,
		GeneratedSQL:       s.GeneratedSQL,
		LintBlocked:        s.LintBlocked,
		ReflectionPassed:   s.ReflectionPassed,
		ReflectionFeedback: s.ReflectionFeedback,
		RepairKeywords:     s.RepairKeywords,
		ValidationError:    s.ValidationError,
		ErrorKind:          string(s.ErrorKind),
		RetryCount:         s.RetryCount,
		ReflectionCount:    s.ReflectionCount,
		FinalAnswer:        s.FinalAnswer,
		History:            s.History,
		Steps:              s.Steps,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// DecodeState parses a checkpoint written by EncodeState.
func DecodeState(data []byte) (State, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return State{}, fmt.Errorf("failed to parse state: %w", err)
	}
	if head.Version != StateSchemaVersion {
		return State{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, head.Version)
	}

	var snap snapshotV1
	if err := json.Unmarshal(data, &snap); err != nil {
		return State{}, fmt.Errorf("failed to parse state: %w", err)
	}
	return State{
		ConversationID:     snap.ConversationID,
		TraceID:            snap.TraceID,
		Question:           snap.Question,
		SearchQuery:        snap.SearchQuery,
		Intent:             nodes.Intent(snap.Intent),
		CandidateTables:    snap.CandidateTables,
		ColumnWhitelist:    snap.ColumnWhitelist,
		GeneratedSQL:       snap.GeneratedSQL,
		LintBlocked:        snap.LintBlocked,
		ReflectionPassed:   snap.ReflectionPassed,
		ReflectionFeedback: snap.ReflectionFeedback,
		RepairKeywords:     snap.RepairKeywords,
		ValidationError:    snap.ValidationError,
		ErrorKind:          nodes.ErrorKind(snap.ErrorKind),
		RetryCount:         snap.RetryCount,
		ReflectionCount:    snap.ReflectionCount,
		FinalAnswer:        snap.FinalAnswer,
		History:            snap.History,
		Steps:              snap.Steps,
	}, nil
}

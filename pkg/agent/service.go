// Package agent answers natural-language questions over the company's
// databases. It runs the workflow for a turn, executes the resulting SQL and
// assembles the response shown to the user.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/workflow"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlexec"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const (
	defaultPreviewRows = 5
	maxQuestionLen     = 4000

	TypeData = "data"
	TypeText = "text"
)

var ErrEmptyQuestion = errors.New("question is empty")

// Runner runs one workflow turn.
type Runner interface {
	Run(ctx context.Context, question, conversationID, traceID string) (workflow.State, error)
}

// Summarizer describes query results in plain language.
type Summarizer interface {
	Summarize(ctx context.Context, question, sql string, preview []map[string]any, total int) (string, error)
}

type Config struct {
	Logger   *slog.Logger
	Workflow Runner
	Executor sqlexec.Executor
	// Analyst is optional; without it a fixed summary is used.
	Analyst     Summarizer
	PreviewRows int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Workflow == nil {
		return errors.New("workflow is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = defaultPreviewRows
	}
	return nil
}

// Response is the boundary shape returned to the presentation layer.
type Response struct {
	TraceID        string           `json:"trace_id"`
	ConversationID string           `json:"conversation_id"`
	Success        bool             `json:"success"`
	Type           string           `json:"type"`
	Intent         string           `json:"intent"`
	Message        string           `json:"message"`
	Data           []map[string]any `json:"data"`
	RowCount       int              `json:"row_count"`
	Truncated      bool             `json:"truncated,omitempty"`
	SQL            string           `json:"sql,omitempty"`
	Steps          []string         `json:"steps"`
}

// Service answers questions. Turns of the same conversation are serialised;
// different conversations run concurrently.
type Service struct {
	log   *slog.Logger
	cfg   Config
	locks *keyedMutex
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg, locks: newKeyedMutex()}, nil
}

// Ask runs a turn for question. An empty conversationID starts a new
// conversation. Errors are returned only when the turn could not run at all.
func (s *Service) Ask(ctx context.Context, question, conversationID string) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}
	if len(question) > maxQuestionLen {
		return Response{}, fmt.Errorf("question is longer than %d bytes", maxQuestionLen)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	traceID := uuid.NewString()
	log := s.log.With("trace_id", traceID, "conversation_id", conversationID)

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return Response{}, fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	defer unlock()

	log.Info("agent: turn started", "question", question)
	state, err := s.cfg.Workflow.Run(ctx, question, conversationID, traceID)
	if err != nil {
		return Response{}, fmt.Errorf("failed to run workflow: %w", err)
	}

	resp := Response{
		TraceID:        traceID,
		ConversationID: conversationID,
		Type:           TypeText,
		Intent:         string(state.Intent),
		Data:           []map[string]any{},
		Steps:          state.Steps,
	}

	sql, isSQL := state.SQL()
	switch {
	case state.Intent == nodes.IntentChat || state.Intent == nodes.IntentUnknown:
		resp.Success = true
		resp.Message = state.FinalAnswer
	case state.LintBlocked:
		resp.Message = state.FinalAnswer
		resp.SQL = state.GeneratedSQL
	case !isSQL:
		resp.Message = state.FinalAnswer
	default:
		resp.SQL = sql
		if sent, ok := sqlguard.ParseSentinel(sql); ok {
			resp.Message = nodes.SentinelAnswer(sent)
			break
		}
		s.execute(ctx, log, question, sql, &resp)
	}

	log.Info("agent: turn finished", "success", resp.Success, "type", resp.Type, "rows", resp.RowCount)
	return resp, nil
}

func (s *Service) execute(ctx context.Context, log *slog.Logger, question, sql string, resp *Response) {
	res, err := s.cfg.Executor.Execute(ctx, sql)
	if err != nil {
		log.Warn("agent: execution failed", "sql", sql, "error", err)
		resp.Message = "The query was validated but failed when it ran against the database. Please try again in a moment or narrow the question."
		return
	}
	if res.SQL != "" {
		resp.SQL = res.SQL
	}

	preview := res.Rows
	if len(preview) > s.cfg.PreviewRows {
		preview = preview[:s.cfg.PreviewRows]
	}
	resp.Success = true
	resp.Type = TypeData
	resp.Data = preview
	resp.RowCount = res.Count
	resp.Truncated = res.Truncated

	resp.Message = nodes.DefaultSummary(res.Count, len(preview), res.Truncated)
	if s.cfg.Analyst == nil {
		return
	}
	summary, err := s.cfg.Analyst.Summarize(ctx, question, resp.SQL, preview, res.Count)
	if err != nil {
		log.Warn("agent: summary failed, using default", "error", err)
		return
	}
	resp.Message = summary
}

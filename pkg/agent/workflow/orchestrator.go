// Package workflow is the state machine that turns a question into validated
// SQL or a text answer. Nodes return partial updates; the interpreter applies
// them, picks the next step from the transition table and checkpoints the
// state at the end of every turn.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/audit"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/checkpoint"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metadata"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metrics"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/retrieval"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlexec"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const (
	defaultTopK           = 5
	defaultGroundingTurns = 6

	maxSteps = 64
)

// Turn outcomes, used for metrics and checkpoint metadata.
const (
	OutcomeChat        = "chat"
	OutcomeClarify     = "clarify"
	OutcomeSQL         = "sql"
	OutcomeSentinel    = "sentinel"
	OutcomeLintBlocked = "lint_blocked"
	OutcomeFallback    = "fallback"
)

type Config struct {
	Logger *slog.Logger

	Intent     IntentClassifier
	Rewriter   QueryRewriter
	Generator  SQLGenerator
	Critic     ReflectionCritic
	Classifier ErrorClassifier
	Repair     RepairStrategist

	Searcher  retrieval.Searcher
	Resolver  metadata.Resolver
	Validator sqlexec.Validator
	Store     checkpoint.Store
	Audit     audit.Sink

	Limits Limits
	// TopK is the number of tables retrieved for a question.
	TopK int
	// GroundingTurns is how many transcript entries the intent and rewrite
	// prompts see.
	GroundingTurns int

	RetrievalTimeout  time.Duration
	MetadataTimeout   time.Duration
	ValidationTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Intent == nil || cfg.Rewriter == nil || cfg.Generator == nil || cfg.Critic == nil || cfg.Classifier == nil {
		return errors.New("intent, rewriter, generator, critic and classifier nodes are required")
	}
	if cfg.Repair == nil {
		return errors.New("repair strategist is required")
	}
	if cfg.Searcher == nil {
		return errors.New("searcher is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Store == nil {
		return errors.New("checkpoint store is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits
	}
	if cfg.Limits.MaxRetries < 1 || cfg.Limits.MaxReflections < 1 {
		return errors.New("retry and reflection limits must be at least 1")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.GroundingTurns <= 0 {
		cfg.GroundingTurns = defaultGroundingTurns
	}
	return nil
}

// Orchestrator runs turns of the workflow. It is safe for concurrent use by
// different conversations; callers serialise turns of the same conversation.
type Orchestrator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// Run executes one turn for question and checkpoints the resulting state.
// Capability failures are absorbed into the state; only checkpoint store
// failures and cancellation are returned. A cancelled turn writes nothing.
func (o *Orchestrator) Run(ctx context.Context, question, conversationID, traceID string) (State, error) {
	log := o.log.With("trace_id", traceID, "conversation_id", conversationID)

	prev, err := o.load(ctx, log, conversationID)
	if err != nil {
		return State{}, err
	}
	state := prev.newTurn(question, traceID)

	step := StepIntent
	for i := 0; step != StepTerminate; i++ {
		if i == maxSteps {
			log.Error("workflow: step limit reached, forcing fallback", "steps", state.Steps)
			step = StepFallback
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		state = state.enter(step)
		start := time.Now()
		upd := o.exec(ctx, log, step, state)
		elapsed := time.Since(start)
		if err := ctx.Err(); err != nil {
			return state, err
		}
		state = upd.Apply(state)
		o.observe(ctx, log, step, state, upd, elapsed)

		next := Next(step, state, o.cfg.Limits)
		log.Debug("workflow: transition", "from", step, "to", next, "retry_count", state.RetryCount, "reflection_count", state.ReflectionCount)
		step = next
	}
	state.Steps = append(state.Steps, StepTerminate.String())

	state.History = append(state.History,
		nodes.Message{Role: nodes.RoleUser, Content: state.Question},
		nodes.Message{Role: nodes.RoleAssistant, Content: state.FinalAnswer},
	)

	outcome := Outcome(state)
	if err := o.save(ctx, state, outcome); err != nil {
		return state, err
	}
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	log.Info("workflow: turn complete", "outcome", outcome, "steps", state.Steps, "retry_count", state.RetryCount, "reflection_count", state.ReflectionCount)
	return state, nil
}

func (o *Orchestrator) exec(ctx context.Context, log *slog.Logger, step Step, s State) Update {
	switch step {
	case StepIntent:
		return o.intent(ctx, log, s)
	case StepRewrite:
		return o.rewrite(ctx, log, s)
	case StepRetrieve:
		return o.retrieve(ctx, log, s)
	case StepGenerate:
		return o.generate(ctx, log, s)
	case StepReflection:
		return o.reflect(ctx, log, s)
	case StepValidate:
		return o.validate(ctx, s)
	case StepClassify:
		return o.classify(ctx, s)
	case StepRepair:
		return o.repair(ctx, log, s)
	case StepFallback:
		return o.fallback(s)
	}
	return Update{err: fmt.Errorf("unknown step %d", step)}
}

func (o *Orchestrator) observe(ctx context.Context, log *slog.Logger, step Step, s State, upd Update, elapsed time.Duration) {
	result := "ok"
	errText := ""
	if upd.err != nil {
		result = "error"
		errText = upd.err.Error()
	}
	metrics.NodeExecutionsTotal.WithLabelValues(step.String(), result).Inc()
	metrics.NodeDuration.WithLabelValues(step.String()).Observe(elapsed.Seconds())

	ev := audit.Event{
		TraceID:        s.TraceID,
		ConversationID: s.ConversationID,
		Route:          step.String(),
		SQL:            s.GeneratedSQL,
		Detail:         upd.detail,
		LatencyMS:      elapsed.Milliseconds(),
		Error:          errText,
		TS:             time.Now().UTC(),
	}
	if err := o.cfg.Audit.Emit(ctx, ev); err != nil {
		log.Warn("workflow: failed to emit audit event", "step", step, "error", err)
	}
}

func (o *Orchestrator) load(ctx context.Context, log *slog.Logger, conversationID string) (State, error) {
	fresh := State{ConversationID: conversationID}
	rec, err := o.cfg.Store.GetLatest(ctx, conversationID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fresh, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	s, err := DecodeState(rec.State)
	if err != nil {
		log.Warn("workflow: discarding unreadable checkpoint", "version_id", rec.VersionID, "error", err)
		return fresh, nil
	}
	s.ConversationID = conversationID
	return s, nil
}

func (o *Orchestrator) save(ctx context.Context, s State, outcome string) error {
	data, err := EncodeState(s)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(turnMetadata{TraceID: s.TraceID, Outcome: outcome, Steps: s.Steps})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}
	if _, err := o.cfg.Store.Put(ctx, s.ConversationID, data, meta); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Outcome names how a finished turn ended.
func Outcome(s State) string {
	switch {
	case s.Intent == nodes.IntentTerminal:
		return OutcomeFallback
	case s.Intent == nodes.IntentChat:
		return OutcomeChat
	case s.Intent == nodes.IntentUnknown:
		return OutcomeClarify
	case s.LintBlocked:
		return OutcomeLintBlocked
	}
	if sql, ok := s.SQL(); ok && sqlguard.IsSentinel(sql) {
		return OutcomeSentinel
	}
	return OutcomeSQL
}

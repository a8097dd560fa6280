package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/repair"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metadata"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metrics"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlexec"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const (
	defaultChatReply = "Hi! I answer questions about your business data, such as orders, users or inventory. What would you like to know?"
	clarifyReply     = "I'm not sure what you are asking. Could you rephrase the question and mention the data you are interested in?"
)

func (o *Orchestrator) intent(ctx context.Context, log *slog.Logger, s State) Update {
	res, err := o.cfg.Intent.Classify(ctx, s.Question, nodes.Recent(s.History, o.cfg.GroundingTurns))
	if err != nil {
		log.Warn("workflow: intent classification failed, defaulting to DATA_QUERY", "error", err)
		return Update{Intent: Set(nodes.IntentDataQuery), detail: "fail-open", err: err}
	}

	upd := Update{Intent: Set(res.Intent), detail: res.Reason}
	switch res.Intent {
	case nodes.IntentChat:
		upd.FinalAnswer = Set(orDefault(res.Reply, defaultChatReply))
	case nodes.IntentUnknown:
		upd.FinalAnswer = Set(orDefault(res.Reply, clarifyReply))
	}
	return upd
}

func (o *Orchestrator) rewrite(ctx context.Context, log *slog.Logger, s State) Update {
	query, err := o.cfg.Rewriter.Rewrite(ctx, s.Question, nodes.Recent(s.History, o.cfg.GroundingTurns))
	if err != nil {
		log.Warn("workflow: query rewrite failed, searching with the question", "error", err)
		return Update{SearchQuery: Set(s.Question), err: err}
	}
	return Update{SearchQuery: Set(query), detail: query}
}

func (o *Orchestrator) retrieve(ctx context.Context, log *slog.Logger, s State) Update {
	query := orDefault(s.SearchQuery, s.Question)
	tables, err := capability.Call(ctx, o.cfg.RetrievalTimeout, "retrieval.search", func(ctx context.Context) ([]catalog.Table, error) {
		return o.cfg.Searcher.Search(ctx, query, o.cfg.TopK)
	})
	if err != nil {
		log.Warn("workflow: retrieval failed, continuing without candidates", "error", err)
		return Update{err: err}
	}
	if len(tables) == 0 {
		return Update{detail: "no candidate tables"}
	}
	return Update{
		AddTables:  tables,
		AddColumns: o.resolveColumns(ctx, log, tables),
		detail:     fmt.Sprintf("tables=%v", catalog.Names(tables)),
	}
}

func (o *Orchestrator) resolveColumns(ctx context.Context, log *slog.Logger, tables []catalog.Table) catalog.Whitelist {
	var resolved catalog.Whitelist
	if o.cfg.Resolver != nil {
		wl, err := capability.Call(ctx, o.cfg.MetadataTimeout, "metadata.columns", func(ctx context.Context) (catalog.Whitelist, error) {
			return o.cfg.Resolver.ColumnsOf(ctx, catalog.FullNames(tables))
		})
		if err != nil {
			log.Warn("workflow: metadata lookup failed, using schema text", "error", err)
		} else {
			resolved = wl
		}
	}
	return metadata.Fill(resolved, tables)
}

func (o *Orchestrator) generate(ctx context.Context, log *slog.Logger, s State) Update {
	if len(s.CandidateTables) == 0 {
		return Update{
			GeneratedSQL:     Set(sqlguard.NoRelevantTableSQL),
			ReflectionPassed: Set(boolPtr(true)),
			ValidationError:  Set(""),
			FinalAnswer:      Set(SQLResultPrefix + sqlguard.NoRelevantTableSQL),
			detail:           "no candidate tables",
		}
	}

	res, err := o.cfg.Generator.Generate(ctx, nodes.GenerateInput{
		Question:     s.Question,
		Tables:       s.CandidateTables,
		Whitelist:    s.ColumnWhitelist,
		History:      s.History,
		ErrorContext: errorContext(s),
	})
	if err != nil {
		log.Warn("workflow: generation failed", "attempt", s.RetryCount, "error", err)
		return Update{
			ValidationError:  Set(fmt.Sprintf("sql generation failed: %v", err)),
			ReflectionPassed: Set[*bool](nil),
			FinalAnswer:      Set(""),
			err:              err,
		}
	}

	upd := Update{
		GeneratedSQL:       Set(res.SQL),
		ValidationError:    Set(""),
		ReflectionPassed:   Set[*bool](nil),
		ReflectionFeedback: Set(""),
		FinalAnswer:        Set(SQLResultPrefix + res.SQL),
		detail:             fmt.Sprintf("attempt=%d confidence=%.2f", s.RetryCount, res.Confidence),
	}
	if v, blocked := sqlguard.Lint(res.SQL, s.ColumnWhitelist); blocked {
		metrics.LintBlocksTotal.Inc()
		log.Warn("workflow: lint blocked generated sql", "table", v.Table, "column", v.Column, "sql", res.SQL)
		upd.LintBlocked = Set(true)
		upd.FinalAnswer = Set(nodes.LintBlockedAnswer(v))
		upd.detail = fmt.Sprintf("lint blocked %s.%s", v.Table, v.Column)
	}
	return upd
}

func errorContext(s State) string {
	if s.RetryCount <= 1 {
		return ""
	}
	return nodes.BuildErrorContext(nodes.ErrorContextInput{
		SQL:                s.GeneratedSQL,
		ReflectionRejected: s.ReflectionPassed != nil && !*s.ReflectionPassed,
		ReflectionFeedback: s.ReflectionFeedback,
		ValidationError:    s.ValidationError,
		Kind:               s.ErrorKind,
	})
}

func (o *Orchestrator) reflect(ctx context.Context, log *slog.Logger, s State) Update {
	res, err := o.cfg.Critic.Critique(ctx, s.Question, nodes.SchemaSummary(s.CandidateTables), s.GeneratedSQL)
	if err != nil {
		log.Warn("workflow: reflection failed, passing statement to validation", "error", err)
		return Update{ReflectionPassed: Set(boolPtr(true)), detail: "fail-open", err: err}
	}
	if res.IsValid {
		return Update{ReflectionPassed: Set(boolPtr(true)), ReflectionFeedback: Set(""), detail: res.Reason}
	}
	log.Info("workflow: reflection rejected sql", "attempt", s.ReflectionCount, "reason", res.Reason, "keywords", res.SuggestedSearchKeywords)
	return Update{
		ReflectionPassed:   Set(boolPtr(false)),
		ReflectionFeedback: Set(res.Feedback()),
		RepairKeywords:     Set(res.SuggestedSearchKeywords),
		detail:             res.Feedback(),
	}
}

func (o *Orchestrator) validate(ctx context.Context, s State) Update {
	if sent, ok := sqlguard.ParseSentinel(s.GeneratedSQL); ok {
		if sent.Code == sqlguard.CodeNeedSchemaField {
			return Update{ValidationError: Set(fmt.Sprintf("%s: %s", sqlguard.CodeNeedSchemaField, sent.Field)), detail: "schema field missing"}
		}
		return Update{ValidationError: Set(""), detail: "sentinel " + sent.Code}
	}

	_, err := capability.Call(ctx, o.cfg.ValidationTimeout, "sql.explain", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.cfg.Validator.Explain(ctx, s.GeneratedSQL)
	})
	if err != nil {
		msg := sqlexec.Message(err)
		if capability.KindOf(err) == capability.KindTimeout {
			msg = "validation timeout: " + msg
		}
		return Update{ValidationError: Set(msg), err: err}
	}
	return Update{ValidationError: Set(""), FinalAnswer: Set(SQLResultPrefix + s.GeneratedSQL)}
}

func (o *Orchestrator) classify(ctx context.Context, s State) Update {
	res := o.cfg.Classifier.Classify(ctx, s.GeneratedSQL, s.ValidationError)
	return Update{
		ErrorKind:      Set(res.Kind),
		RepairKeywords: Set(res.SearchKeywords),
		detail:         fmt.Sprintf("%s (%s): %s", res.Kind, res.Source, res.Analysis),
	}
}

func (o *Orchestrator) repair(ctx context.Context, log *slog.Logger, s State) Update {
	in := repair.Input{
		Question:        s.Question,
		Keywords:        s.RepairKeywords,
		SQL:             s.GeneratedSQL,
		ValidationError: s.ValidationError,
		Tables:          s.CandidateTables,
		Whitelist:       s.ColumnWhitelist,
	}
	if s.ReflectionPassed != nil && !*s.ReflectionPassed {
		in.Feedback = s.ReflectionFeedback
	}

	res, err := o.cfg.Repair.Repair(ctx, in)
	if err != nil {
		log.Warn("workflow: repair failed, regenerating with the current pool", "error", err)
		return Update{err: err}
	}
	return Update{
		AddTables:  res.Added,
		AddColumns: res.Whitelist,
		detail:     fmt.Sprintf("source=%s queries=%v added=%v", res.Source, res.Queries, catalog.Names(res.Added)),
	}
}

func (o *Orchestrator) fallback(s State) Update {
	reason := nodes.FallbackRetryLimit
	feedback := ""
	switch {
	case s.ReflectionPassed != nil && !*s.ReflectionPassed:
		feedback = s.ReflectionFeedback
		if s.ReflectionCount >= o.cfg.Limits.MaxReflections {
			reason = nodes.FallbackReflectionLimit
		}
	case s.ErrorKind == nodes.ErrorNonFixable:
		reason = nodes.FallbackNonFixable
	}
	metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	return Update{
		Intent:      Set(nodes.IntentTerminal),
		FinalAnswer: Set(nodes.FallbackAnswer(reason, feedback, s.ValidationError)),
		detail:      reason,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

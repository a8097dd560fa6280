package nodes

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

// Reasons a turn ends in the fallback responder.
const (
	FallbackReflectionLimit = "reflection_limit"
	FallbackRetryLimit      = "retry_limit"
	FallbackNonFixable      = "non_fixable"
)

// FallbackAnswer builds the terminal apology shown when repair attempts are
// exhausted. It never contains SQL or raw error codes.
func FallbackAnswer(reason, feedback, lastError string) string {
	var sb strings.Builder
	sb.WriteString("Sorry, I could not build a reliable query for this question.")

	switch detail := explainFailure(feedback, lastError); {
	case detail != "":
		fmt.Fprintf(&sb, " %s", detail)
	case reason == FallbackNonFixable:
		sb.WriteString(" The database refused the request and it cannot be fixed by rewriting the query.")
	}

	sb.WriteString(" Try naming the table or metric you are interested in, narrowing the time range, or asking a data owner whether this information is recorded.")
	return sb.String()
}

func explainFailure(feedback, lastError string) string {
	if field := MissingColumn(lastError); field != "" {
		return fmt.Sprintf("The available tables do not seem to record %q.", field)
	}
	if feedback = strings.TrimSpace(feedback); feedback != "" {
		return "The last attempt was rejected because " + lowerFirst(strings.TrimSuffix(feedback, ".")) + "."
	}
	if lastError != "" {
		switch ClassifyErrorHeuristic(lastError).Kind {
		case ErrorMissingTable:
			return "The tables needed for this question could not be found."
		case ErrorNonFixable:
			return "The database refused the request."
		default:
			return "The database could not run the generated query."
		}
	}
	return ""
}

// SentinelAnswer explains a sentinel statement in plain language.
func SentinelAnswer(s sqlguard.Sentinel) string {
	switch s.Code {
	case sqlguard.CodeNoRelevantTable:
		return "I could not find any table that holds data for this question. Try rephrasing it with the business terms used in your reports."
	case sqlguard.CodeNeedSchemaField:
		if s.Field != "" {
			return fmt.Sprintf("The relevant tables do not contain a field for %q, so I cannot answer this without guessing.", s.Field)
		}
		return "The relevant tables do not contain a field needed for this question, so I cannot answer it without guessing."
	default:
		return "I could not answer this question from the available data."
	}
}

// LintBlockedAnswer explains a statement stopped by the hallucination lint.
func LintBlockedAnswer(v sqlguard.Violation) string {
	return fmt.Sprintf("I stopped the generated query before running it: it uses column %q, which does not exist on table %q. Please check the field name or rephrase the question.", v.Column, v.Table)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

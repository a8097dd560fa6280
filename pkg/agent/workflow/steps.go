package workflow

import "github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"

// Step is a state of the workflow machine.
type Step int

const (
	StepIntent Step = iota
	StepRewrite
	StepRetrieve
	StepGenerate
	StepReflection
	StepValidate
	StepClassify
	StepRepair
	StepFallback
	StepTerminate
)

var stepNames = [...]string{
	StepIntent:     "INTENT",
	StepRewrite:    "REWRITE",
	StepRetrieve:   "RETRIEVE",
	StepGenerate:   "GENERATE",
	StepReflection: "REFLECTION",
	StepValidate:   "VALIDATE",
	StepClassify:   "CLASSIFY",
	StepRepair:     "REPAIR",
	StepFallback:   "FALLBACK",
	StepTerminate:  "TERMINATE",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "UNKNOWN"
	}
	return stepNames[s]
}

// Limits bounds the generate and reflection loops.
type Limits struct {
	MaxRetries     int
	MaxReflections int
}

// DefaultLimits allows three generation and three reflection passes per turn.
var DefaultLimits = Limits{MaxRetries: 3, MaxReflections: 3}

// Next is the transition table: it picks the step that follows step given the
// state after step ran.
func Next(step Step, s State, lim Limits) Step {
	switch step {
	case StepIntent:
		if s.Intent == nodes.IntentDataQuery {
			return StepRewrite
		}
		return StepTerminate
	case StepRewrite:
		return StepRetrieve
	case StepRetrieve:
		return toGenerate(s, lim)
	case StepGenerate:
		switch {
		case s.LintBlocked, len(s.CandidateTables) == 0:
			return StepTerminate
		case s.ValidationError != "":
			return StepClassify
		default:
			return StepReflection
		}
	case StepReflection:
		switch {
		case s.ReflectionPassed != nil && *s.ReflectionPassed:
			return StepValidate
		case s.ReflectionCount < lim.MaxReflections:
			return StepRepair
		default:
			return StepFallback
		}
	case StepValidate:
		if s.ValidationError == "" {
			return StepTerminate
		}
		return StepClassify
	case StepClassify:
		switch {
		case s.RetryCount >= lim.MaxRetries, s.ErrorKind == nodes.ErrorNonFixable:
			return StepFallback
		case s.ErrorKind == nodes.ErrorSyntax:
			return toGenerate(s, lim)
		default:
			return StepRepair
		}
	case StepRepair:
		return toGenerate(s, lim)
	}
	return StepTerminate
}

// toGenerate guards every edge into GENERATE so the retry bound holds on all
// paths.
func toGenerate(s State, lim Limits) Step {
	if s.RetryCount >= lim.MaxRetries {
		return StepFallback
	}
	return StepGenerate
}

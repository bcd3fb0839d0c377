package orchestrator

import "strings"

// Signal is the follow-up classification of a tool result.
type Signal string

const (
	SignalNone             Signal = ""
	SignalMissingArguments Signal = "missing_arguments"
	SignalToolError        Signal = "tool_error"
	SignalNoResults        Signal = "no_results"
	SignalEmptyResult      Signal = "empty_result"
)

// Outcome is what a classifier sees of one tool call.
type Outcome struct {
	Tool    string
	Content string
	IsError bool
	Err     error
}

// Classifier turns a tool outcome into a follow-up signal.
type Classifier interface {
	Classify(o Outcome) Signal
}

// ClassifierFunc adapts a function to [Classifier].
type ClassifierFunc func(o Outcome) Signal

// Classify implements [Classifier].
func (f ClassifierFunc) Classify(o Outcome) Signal { return f(o) }

// DefaultNoResultPhrases mark a successful call that found nothing.
var DefaultNoResultPhrases = []string{
	"no results",
	"no result found",
	"no events found",
	"no matches",
	"no matching",
	"nothing found",
	"not found",
	"0 results",
	"no items",
	"no records",
	"could not find",
	"couldn't find",
	"returned no",
}

// DefaultMissingArgumentPhrases mark a failure caused by absent arguments.
var DefaultMissingArgumentPhrases = []string{
	"missing required",
	"missing argument",
	"missing parameter",
	"required argument",
	"required parameter",
	"is required",
}

// PhraseClassifier matches lowercase phrases against the tool output.
type PhraseClassifier struct {
	NoResults        []string
	MissingArguments []string
}

// NewPhraseClassifier returns a classifier using the default phrase lists.
func NewPhraseClassifier() *PhraseClassifier {
	return &PhraseClassifier{NoResults: DefaultNoResultPhrases, MissingArguments: DefaultMissingArgumentPhrases}
}

// Classify implements [Classifier]. Failures are missing_arguments or
// tool_error; successes are empty_result, no_results or none.
func (c *PhraseClassifier) Classify(o Outcome) Signal {
	text := strings.ToLower(o.Content)
	if o.Err != nil {
		text += " " + strings.ToLower(o.Err.Error())
	}
	if o.Err != nil || o.IsError {
		if containsAny(text, c.MissingArguments) {
			return SignalMissingArguments
		}
		return SignalToolError
	}
	if strings.TrimSpace(o.Content) == "" {
		return SignalEmptyResult
	}
	if containsAny(text, c.NoResults) {
		return SignalNoResults
	}
	return SignalNone
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

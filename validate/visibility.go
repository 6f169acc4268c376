package validate

import (
	"strconv"
	"strings"
	"sync"

	"github.com/mbolis/field-survey/model"
)

// Answers gives the value of an answered question. Skipped, empty or hidden
// questions are reported as absent.
type Answers interface {
	Get(questionID string) (any, bool)
}

// AnswerSet is a plain Answers over a map.
type AnswerSet map[string]any

func (a AnswerSet) Get(questionID string) (any, bool) {
	v, ok := a[questionID]
	return v, ok
}

// Operator compares the prerequisite answer with the rule's value.
type Operator func(actual, expected any) bool

var (
	operatorsMu sync.RWMutex
	operators   = map[string]Operator{
		"equals":     equals,
		"not_equals": func(a, e any) bool { return !equals(a, e) },
		"in":         in,
		"not_in":     func(a, e any) bool { return !in(a, e) },
		"contains":   contains,
		"answered":   func(any, any) bool { return true },
		"gt":         compare(func(c int) bool { return c > 0 }),
		"gte":        compare(func(c int) bool { return c >= 0 }),
		"lt":         compare(func(c int) bool { return c < 0 }),
		"lte":        compare(func(c int) bool { return c <= 0 }),
	}
)

// RegisterOperator adds or replaces a rule operator.
func RegisterOperator(name string, op Operator) {
	operatorsMu.Lock()
	defer operatorsMu.Unlock()
	operators[name] = op
}

func operator(name string) (Operator, bool) {
	operatorsMu.RLock()
	defer operatorsMu.RUnlock()
	if name == "" {
		name = "equals"
	}
	op, ok := operators[name]
	return op, ok
}

// Evaluate reports whether a question guarded by rule is shown. A nil rule is
// always true. A leaf whose prerequisite is unanswered is false whatever its
// operator, and so is a leaf with an unknown operator.
func Evaluate(rule *model.Condition, answers Answers) bool {
	if rule == nil {
		return true
	}

	if rule.QuestionID != "" {
		actual, ok := answers.Get(rule.QuestionID)
		if !ok {
			return false
		}
		op, known := operator(rule.Operator)
		if !known || !op(actual, rule.Value) {
			return false
		}
	}

	for i := range rule.All {
		if !Evaluate(&rule.All[i], answers) {
			return false
		}
	}

	if len(rule.Any) > 0 {
		for i := range rule.Any {
			if Evaluate(&rule.Any[i], answers) {
				return true
			}
		}
		return false
	}
	return true
}

// visibility resolves which questions are shown. An answer only counts as a
// prerequisite when its own question is shown; rule cycles resolve to hidden.
type visibility struct {
	questions map[string]model.Question
	answers   AnswerSet
	memo      map[string]bool
	visiting  map[string]bool
}

func newVisibility(questions []model.Question, answers AnswerSet) *visibility {
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	return &visibility{
		questions: byID,
		answers:   answers,
		memo:      map[string]bool{},
		visiting:  map[string]bool{},
	}
}

func (v *visibility) Get(questionID string) (any, bool) {
	if _, known := v.questions[questionID]; known && !v.visible(questionID) {
		return nil, false
	}
	return v.answers.Get(questionID)
}

func (v *visibility) visible(questionID string) bool {
	if shown, ok := v.memo[questionID]; ok {
		return shown
	}
	if v.visiting[questionID] {
		return false
	}

	v.visiting[questionID] = true
	shown := Evaluate(v.questions[questionID].ShowIf, v)
	delete(v.visiting, questionID)

	v.memo[questionID] = shown
	return shown
}

func equals(actual, expected any) bool {
	if list, ok := expected.([]any); ok {
		return in(actual, list)
	}
	want, ok := scalar(expected)
	if !ok {
		return false
	}
	if items, ok := actual.([]string); ok {
		for _, item := range items {
			if canonical(item) == canonical(want) {
				return true
			}
		}
		return false
	}
	got, ok := scalar(actual)
	return ok && canonical(got) == canonical(want)
}

// canonical folds case and treats true/false as yes/no.
func canonical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true":
		return "yes"
	case "false":
		return "no"
	}
	return s
}

func in(actual, expected any) bool {
	candidates, ok := expected.([]any)
	if !ok {
		return equals(actual, expected)
	}
	for _, c := range candidates {
		if _, nested := c.([]any); !nested && equals(actual, c) {
			return true
		}
	}
	return false
}

func contains(actual, expected any) bool {
	if s, ok := actual.(string); ok {
		want, ok := scalar(expected)
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(want))
	}
	return equals(actual, expected)
}

func compare(accept func(int) bool) Operator {
	return func(actual, expected any) bool {
		a, ok := number(actual)
		if !ok {
			return false
		}
		e, ok := number(expected)
		if !ok {
			return false
		}
		switch {
		case a < e:
			return accept(-1)
		case a > e:
			return accept(1)
		}
		return accept(0)
	}
}

func scalar(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

func number(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

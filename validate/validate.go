// Package validate checks a sanitized submission against the structure of
// its questionnaire.
package validate

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/mbolis/field-survey/model"
)

const (
	msgRequired = "is required"
	msgIgnored  = "question is not shown; answer ignored"
	msgUnknown  = "unknown question; answer ignored"
)

var rePhone = regexp.MustCompile(`^\d{3}-\d{3}-\d{4}$`)

// Validator is safe for concurrent use.
type Validator struct {
	v *validator.Validate

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("us_phone", func(fl validator.FieldLevel) bool {
		return rePhone.MatchString(fl.Field().String())
	})
	return &Validator{v: v, patterns: map[string]*regexp.Regexp{}}
}

// Validate produces the verdict for req. Only questions whose show_if rule
// holds are checked; answers to hidden questions are ignored.
func (v *Validator) Validate(req model.SubmissionRequest, q model.Questionnaire) model.Verdict {
	verdict := model.Verdict{
		Errors:   map[string][]string{},
		Warnings: map[string][]string{},
	}

	v.checkEnvelope(req, verdict.Errors)

	questions := q.Questions()
	known := make(map[string]bool, len(questions))
	for _, question := range questions {
		known[question.ID] = true
	}

	answered := AnswerSet{}
	for _, a := range req.Answers {
		if a.QuestionID == "" {
			continue
		}
		if !known[a.QuestionID] {
			addMsg(verdict.Warnings, "answers."+a.QuestionID, msgUnknown)
			continue
		}
		if value, ok := answerValue(a); ok {
			answered[a.QuestionID] = value
		}
	}

	shown := newVisibility(questions, answered)

	required, done := 0, 0
	for _, question := range questions {
		if !shown.visible(question.ID) {
			if _, ok := answered[question.ID]; ok {
				addMsg(verdict.Warnings, question.ID, msgIgnored)
			}
			continue
		}

		value, isAnswered := answered[question.ID]
		if question.Required {
			required++
			if isAnswered {
				done++
			}
		}

		if !isAnswered {
			if question.Required {
				addMsg(verdict.Errors, question.ID, msgRequired)
			}
			continue
		}

		for _, msg := range v.checkAnswer(question, value) {
			addMsg(verdict.Errors, question.ID, msg)
		}
	}

	if m := req.Metadata; m.StartTime != nil && m.CompletionTime != nil && m.CompletionTime.Before(*m.StartTime) {
		addMsg(verdict.Warnings, "metadata.completion_time", "is before start_time")
	}

	verdict.CompletionPercentage = 100
	if required > 0 {
		verdict.CompletionPercentage = done * 100 / required
	}
	verdict.IsValid = len(verdict.Errors) == 0
	return verdict
}

func (v *Validator) checkEnvelope(req model.SubmissionRequest, errs map[string][]string) {
	err := v.v.Struct(req)
	if err == nil {
		return
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		addMsg(errs, "request", err.Error())
		return
	}
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		addMsg(errs, path, envelopeMessage(fe))
	}
}

func envelopeMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return msgRequired
	case "email":
		return "must be a valid email address"
	case "us_phone":
		return "must match NNN-NNN-NNNN"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}

// answerValue returns the effective value of an answer, or false when the
// question counts as unanswered.
func answerValue(a model.Answer) (any, bool) {
	if a.Skipped {
		return nil, false
	}
	switch v := a.Value.(type) {
	case nil:
	case string:
		if v != "" {
			return v, true
		}
	case []string:
		if len(v) > 0 {
			return v, true
		}
	case []any:
		if len(v) > 0 {
			return v, true
		}
	default:
		return v, true
	}
	if a.Text != "" {
		return a.Text, true
	}
	return nil, false
}

func (v *Validator) checkAnswer(q model.Question, value any) []string {
	r := q.Rules
	switch q.Type {
	case model.QuestionText, model.QuestionTextarea:
		s, ok := value.(string)
		if !ok {
			return []string{"must be text"}
		}
		return v.checkText(s, r)

	case model.QuestionEmail:
		s, ok := value.(string)
		if !ok || v.v.Var(s, "required,email") != nil {
			return []string{"must be a valid email address"}
		}

	case model.QuestionPhone:
		s, ok := value.(string)
		if !ok || !rePhone.MatchString(s) {
			return []string{"must match NNN-NNN-NNNN"}
		}

	case model.QuestionNumber, model.QuestionScale:
		n, ok := number(value)
		if !ok {
			return []string{"must be a number"}
		}
		if q.Type == model.QuestionScale && r.Min == nil && r.Max == nil {
			lo, hi := 1.0, 10.0
			r.Min, r.Max = &lo, &hi
		}
		return checkRange(n, r)

	case model.QuestionRadio, model.QuestionSelect:
		s, ok := scalar(value)
		if !ok {
			return []string{"must be a single choice"}
		}
		if !q.AllowOther && !oneOf(s, q.Options) {
			return []string{"must be one of the options"}
		}

	case model.QuestionCheckbox:
		items, ok := stringList(value)
		if !ok {
			return []string{"must be a list of choices"}
		}
		var msgs []string
		if !q.AllowOther {
			for _, item := range items {
				if !oneOf(item, q.Options) {
					msgs = append(msgs, fmt.Sprintf("%q is not one of the options", item))
				}
			}
		}
		if r.MinSelections != nil && len(items) < *r.MinSelections {
			msgs = append(msgs, fmt.Sprintf("select at least %d", *r.MinSelections))
		}
		if r.MaxSelections != nil && len(items) > *r.MaxSelections {
			msgs = append(msgs, fmt.Sprintf("select at most %d", *r.MaxSelections))
		}
		return msgs

	case model.QuestionYesNo:
		switch value := value.(type) {
		case bool:
		case string:
			if c := canonical(value); c != "yes" && c != "no" {
				return []string{"must be yes or no"}
			}
		default:
			return []string{"must be yes or no"}
		}

	case model.QuestionDate:
		s, ok := value.(string)
		if !ok || !isDate(s) {
			return []string{"must be a date (YYYY-MM-DD)"}
		}
	}
	return nil
}

func (v *Validator) checkText(s string, r model.Rules) []string {
	var msgs []string
	n := utf8.RuneCountInString(s)
	if r.MinLength != nil && n < *r.MinLength {
		msgs = append(msgs, fmt.Sprintf("must be at least %d characters", *r.MinLength))
	}
	if r.MaxLength != nil && n > *r.MaxLength {
		msgs = append(msgs, fmt.Sprintf("must be at most %d characters", *r.MaxLength))
	}
	if r.Pattern != "" {
		if re := v.pattern(r.Pattern); re != nil && !re.MatchString(s) {
			msgs = append(msgs, "has an invalid format")
		}
	}
	return msgs
}

// pattern compiles and caches a question's pattern. Invalid patterns are
// cached as nil and not enforced.
func (v *Validator) pattern(expr string) *regexp.Regexp {
	v.mu.Lock()
	defer v.mu.Unlock()
	re, ok := v.patterns[expr]
	if !ok {
		re, _ = regexp.Compile(expr)
		v.patterns[expr] = re
	}
	return re
}

func checkRange(n float64, r model.Rules) []string {
	if r.Min != nil && n < *r.Min {
		return []string{fmt.Sprintf("must be at least %g", *r.Min)}
	}
	if r.Max != nil && n > *r.Max {
		return []string{fmt.Sprintf("must be at most %g", *r.Max)}
	}
	return nil
}

func oneOf(s string, options []string) bool {
	if len(options) == 0 {
		return true
	}
	for _, o := range options {
		if strings.EqualFold(o, s) {
			return true
		}
	}
	return false
}

func stringList(v any) ([]string, bool) {
	switch v := v.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := scalar(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	if s, ok := scalar(v); ok {
		return []string{s}, true
	}
	return nil, false
}

func isDate(s string) bool {
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func addMsg(m map[string][]string, key, msg string) {
	m[key] = append(m[key], msg)
}

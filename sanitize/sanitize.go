// Package sanitize normalizes a submission before validation. It never
// rejects input; it only removes markup, collapses whitespace, bounds field
// lengths and puts answer values into the shapes the validator expects.
package sanitize

import (
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mbolis/field-survey/model"
)

const (
	MaxTextLength  = 5000
	MaxNameLength  = 200
	MaxEmailLength = 254
	MaxPhoneLength = 32
	MaxIDLength    = 128
	MaxMetaLength  = 512
	MaxListItems   = 100
)

// maxPasses bounds the re-sanitization of nested, entity-encoded markup.
const maxPasses = 8

var policy = bluemonday.StrictPolicy()

// Submission returns a cleaned copy of req. Questions declared as checkbox in
// q get list-shaped values; q may be nil. Submission(Submission(x)) == Submission(x).
func Submission(req model.SubmissionRequest, q *model.Questionnaire) model.SubmissionRequest {
	lists := map[string]bool{}
	if q != nil {
		for _, question := range q.Questions() {
			if question.Type == model.QuestionCheckbox {
				lists[question.ID] = true
			}
		}
	}

	out := req
	out.ResponseID = Line(req.ResponseID, MaxIDLength)
	out.QuestionnaireID = Line(req.QuestionnaireID, MaxIDLength)
	out.RespondentName = Line(req.RespondentName, MaxNameLength)
	out.RespondentEmail = strings.ToLower(Line(req.RespondentEmail, MaxEmailLength))
	out.RespondentPhone = Line(req.RespondentPhone, MaxPhoneLength)
	out.PrecinctID = Line(req.PrecinctID, MaxIDLength)
	if req.IsDraft != nil {
		draft := *req.IsDraft
		out.IsDraft = &draft
	}

	out.Metadata = req.Metadata
	out.Metadata.DeviceInfo = model.DeviceInfo{
		UserAgent:      Line(req.Metadata.DeviceInfo.UserAgent, MaxMetaLength),
		ScreenSize:     Line(req.Metadata.DeviceInfo.ScreenSize, MaxMetaLength),
		ConnectionType: Line(req.Metadata.DeviceInfo.ConnectionType, MaxMetaLength),
		Platform:       Line(req.Metadata.DeviceInfo.Platform, MaxMetaLength),
	}
	if req.Metadata.Location != nil {
		loc := *req.Metadata.Location
		out.Metadata.Location = &loc
	}

	if req.Answers != nil {
		// a repeated question keeps its first position and its last answer
		out.Answers = make([]model.Answer, 0, len(req.Answers))
		seen := map[string]int{}
		for _, a := range req.Answers {
			id := Line(a.QuestionID, MaxIDLength)
			value := Value(a.Value)
			if lists[id] {
				value = asList(value)
			}
			clean := model.Answer{
				QuestionID: id,
				Value:      value,
				Text:       Text(a.Text, MaxTextLength),
				Skipped:    a.Skipped,
			}
			if i, ok := seen[id]; ok && id != "" {
				out.Answers[i] = clean
				continue
			}
			seen[id] = len(out.Answers)
			out.Answers = append(out.Answers, clean)
		}
	}
	return out
}

// Value brings an answer value into one of the canonical shapes: nil, string,
// float64, bool or []string. Objects are not a valid answer shape and become nil.
func Value(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return Text(v, MaxTextLength)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case int:
		return float64(v)
	case bool:
		return v
	case []string:
		return list(v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := scalarString(item); ok {
				items = append(items, s)
			}
		}
		return list(items)
	}
	return nil
}

func list(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if len(out) == MaxListItems {
			break
		}
		if s := Line(item, MaxTextLength); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asList(v any) any {
	switch v := v.(type) {
	case nil, []string:
		return v
	case string:
		return list([]string{v})
	}
	if s, ok := scalarString(v); ok {
		return list([]string{s})
	}
	return nil
}

func scalarString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return fmt.Sprint(v), true
	}
	return "", false
}

// Line cleans a single-line field: markup removed, all whitespace runs
// collapsed to one space.
func Line(s string, max int) string {
	return fixpoint(s, func(s string) string {
		return truncate(strings.Join(strings.Fields(stripMarkup(s)), " "), max)
	})
}

// Text cleans free text, keeping line breaks but collapsing blank lines and
// runs of spaces.
func Text(s string, max int) string {
	return fixpoint(s, func(s string) string {
		return truncate(collapse(stripMarkup(s)), max)
	})
}

func fixpoint(s string, pass func(string) string) string {
	out := pass(s)
	for i := 1; i < maxPasses; i++ {
		next := pass(out)
		if next == out {
			return out
		}
		out = next
	}
	// still changing: drop anything that could be markup
	return pass(strings.NewReplacer("<", "", ">", "", "&", "").Replace(out))
}

func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return s
	}
	return html.UnescapeString(policy.Sanitize(s))
}

func collapse(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}

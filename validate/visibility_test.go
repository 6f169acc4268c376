package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbolis/field-survey/model"
)

func TestEvaluate(t *testing.T) {
	answers := AnswerSet{
		"leans":   "No",
		"issues":  []string{"housing", "transit"},
		"age":     34.0,
		"contact": true,
		"notes":   "Call after 6pm",
	}

	testCases := []struct {
		name string
		rule *model.Condition
		want bool
	}{
		{"no rule", nil, true},
		{"equals folds case", &model.Condition{QuestionID: "leans", Operator: "equals", Value: "no"}, true},
		{"default operator is equals", &model.Condition{QuestionID: "leans", Value: "yes"}, false},
		{"not equals", &model.Condition{QuestionID: "leans", Operator: "not_equals", Value: "yes"}, true},
		{"bool matches yes", &model.Condition{QuestionID: "contact", Value: "yes"}, true},
		{"list contains", &model.Condition{QuestionID: "issues", Operator: "contains", Value: "transit"}, true},
		{"list equals any", &model.Condition{QuestionID: "issues", Value: "housing"}, true},
		{"in", &model.Condition{QuestionID: "leans", Operator: "in", Value: []any{"maybe", "no"}}, true},
		{"not in", &model.Condition{QuestionID: "leans", Operator: "not_in", Value: []any{"no"}}, false},
		{"substring", &model.Condition{QuestionID: "notes", Operator: "contains", Value: "AFTER"}, true},
		{"gte", &model.Condition{QuestionID: "age", Operator: "gte", Value: 18.0}, true},
		{"lt", &model.Condition{QuestionID: "age", Operator: "lt", Value: "30"}, false},
		{"answered", &model.Condition{QuestionID: "notes", Operator: "answered"}, true},
		{"missing prerequisite", &model.Condition{QuestionID: "party", Operator: "not_equals", Value: "x"}, false},
		{"unknown operator", &model.Condition{QuestionID: "leans", Operator: "sounds_like", Value: "no"}, false},
		{"all", &model.Condition{All: []model.Condition{
			{QuestionID: "leans", Value: "no"},
			{QuestionID: "age", Operator: "gt", Value: 18.0},
		}}, true},
		{"all with one false", &model.Condition{All: []model.Condition{
			{QuestionID: "leans", Value: "no"},
			{QuestionID: "party", Operator: "answered"},
		}}, false},
		{"any", &model.Condition{Any: []model.Condition{
			{QuestionID: "party", Operator: "answered"},
			{QuestionID: "contact", Value: true},
		}}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.rule, answers))
		})
	}
}

func TestRegisterOperator(t *testing.T) {
	RegisterOperator("starts_with", func(actual, expected any) bool {
		a, _ := actual.(string)
		e, _ := expected.(string)
		return len(a) >= len(e) && a[:len(e)] == e
	})

	rule := &model.Condition{QuestionID: "zip", Operator: "starts_with", Value: "191"}
	assert.True(t, Evaluate(rule, AnswerSet{"zip": "19103"}))
	assert.False(t, Evaluate(rule, AnswerSet{"zip": "08002"}))
}

func TestVisibilityCycle(t *testing.T) {
	questions := []model.Question{
		{ID: "a", ShowIf: &model.Condition{QuestionID: "b", Operator: "answered"}},
		{ID: "b", ShowIf: &model.Condition{QuestionID: "a", Operator: "answered"}},
		{ID: "c"},
	}
	v := newVisibility(questions, AnswerSet{"a": "x", "b": "y"})

	assert.False(t, v.visible("a"))
	assert.False(t, v.visible("b"))
	assert.True(t, v.visible("c"))
}

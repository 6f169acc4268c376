package sanitize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolis/field-survey/model"
)

func TestLine(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Jose Garcia", "Jose Garcia"},
		{"whitespace", "  Jose \t\n Garcia  ", "Jose Garcia"},
		{"tags", "<b>Jose</b> Garcia", "Jose Garcia"},
		{"script", `Jose<script>alert("x")</script>`, "Jose"},
		{"ampersand", "Tom & Jerry", "Tom & Jerry"},
		{"comparison", "5 < 6", "5 < 6"},
		{"apostrophe", "O'Brien", "O'Brien"},
		{"encoded markup", "&lt;script&gt;alert(1)&lt;/script&gt;", ""},
		{"unicode", "José García", "José García"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Line(tc.in, MaxNameLength)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, Line(got, MaxNameLength), "idempotent")
		})
	}
}

func TestText(t *testing.T) {
	got := Text("First line  \r\n\r\n\r\n  second   line\n<i>third</i>", MaxTextLength)
	assert.Equal(t, "First line\n\nsecond line\nthird", got)
	assert.Equal(t, got, Text(got, MaxTextLength))
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", MaxNameLength+10)
	got := Line(long, MaxNameLength)
	assert.Equal(t, MaxNameLength, len([]rune(got)))
	assert.Equal(t, got, Line(got, MaxNameLength))
}

func TestValue(t *testing.T) {
	assert.Nil(t, Value(nil))
	assert.Equal(t, 3.0, Value(3.0))
	assert.Equal(t, true, Value(true))
	assert.Equal(t, "yes", Value(" <b>yes</b> "))
	assert.Equal(t, []string{"a", "2", "true"}, Value([]any{"a", 2.0, true, map[string]any{"x": 1}, ""}))
	assert.Nil(t, Value(map[string]any{"x": 1}))
}

func submission(t *testing.T, body string) model.SubmissionRequest {
	t.Helper()
	var req model.SubmissionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return req
}

var questionnaire = &model.Questionnaire{
	Sections: []model.Section{{
		Questions: []model.Question{
			{ID: "issues", Type: model.QuestionCheckbox},
			{ID: "notes", Type: model.QuestionTextarea},
		},
	}},
}

func TestSubmission(t *testing.T) {
	req := submission(t, `{
		"questionnaire_id": " q1 ",
		"is_draft": false,
		"respondent_name": "  <em>Jose</em>   Garcia ",
		"respondent_email": " Jose@Example.COM ",
		"answers": [
			{"question_id": "issues", "answer_value": "housing"},
			{"question_id": "notes", "answer_value": "<img src=x onerror=alert(1)>call back\n\n\n later", "answer_text": "<p>hi</p>"}
		],
		"metadata": {
			"start_time": "2024-01-15T10:00:00Z",
			"device_info": {"user_agent": "Mozilla <script>x</script>", "screen_size": "390x844"}
		}
	}`)

	clean := Submission(req, questionnaire)

	assert.Equal(t, "q1", clean.QuestionnaireID)
	assert.Equal(t, "Jose Garcia", clean.RespondentName)
	assert.Equal(t, "jose@example.com", clean.RespondentEmail)
	assert.Equal(t, []string{"housing"}, clean.Answers[0].Value, "scalar coerced to list")
	assert.Equal(t, "call back\n\nlater", clean.Answers[1].Value)
	assert.Equal(t, "hi", clean.Answers[1].Text)
	assert.Equal(t, "Mozilla", clean.Metadata.DeviceInfo.UserAgent)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), clean.Metadata.StartTime.UTC())
	assert.Equal(t, "  <em>Jose</em>   Garcia ", req.RespondentName, "input is not modified")
}

func TestSubmissionIdempotent(t *testing.T) {
	bodies := []string{
		`{"questionnaire_id":"q1","is_draft":true,"respondent_name":"A &amp; B","answers":[{"question_id":"issues","answer_value":["x","<b>y</b>",3]}],"metadata":{"start_time":"2024-01-15T10:00:00Z"}}`,
		`{"questionnaire_id":"q1","respondent_name":"&amp;lt;b&amp;gt;nested&amp;lt;/b&amp;gt;","answers":[{"question_id":"notes","answer_value":"a\r\n\r\nb","skipped":true}],"metadata":{"start_time":"2024-01-15T10:00:00Z","location":{"latitude":1,"longitude":2}}}`,
		`{"questionnaire_id":"q1","respondent_name":"x","answers":[{"question_id":"issues","answer_value":"multi\nline"}],"metadata":{"start_time":"2024-01-15T10:00:00Z"}}`,
	}

	for _, body := range bodies {
		once := Submission(submission(t, body), questionnaire)
		twice := Submission(once, questionnaire)

		a, err := json.Marshal(once)
		require.NoError(t, err)
		b, err := json.Marshal(twice)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
}

func TestSubmissionRepeatedQuestion(t *testing.T) {
	req := submission(t, `{"answers":[
		{"question_id":"a","answer_value":"first"},
		{"question_id":"b","answer_value":"x"},
		{"question_id":" a ","answer_value":"last"}
	]}`)

	clean := Submission(req, nil)

	require.Len(t, clean.Answers, 2)
	assert.Equal(t, "a", clean.Answers[0].QuestionID)
	assert.Equal(t, "last", clean.Answers[0].Value)
	assert.Equal(t, "b", clean.Answers[1].QuestionID)
}

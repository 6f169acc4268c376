package submission

import (
	"net/http"
	"time"

	"github.com/mbolis/field-survey/ratelimit"
)

// Stable error codes reported to callers.
const (
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeTooLarge             = "PAYLOAD_TOO_LARGE"
	CodeUnauthorized         = "UNAUTHORIZED_ACCESS"
	CodeForbidden            = "FORBIDDEN"
	CodeQuestionnaireMissing = "QUESTIONNAIRE_NOT_FOUND"
	CodeResponseMissing      = "RESPONSE_NOT_FOUND"
	CodeDuplicate            = "DUPLICATE_SUBMISSION"
	CodeNotEditable          = "RESPONSE_NOT_EDITABLE"
	CodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	CodePartial              = "PARTIAL_SUBMISSION"
	CodeNetwork              = "NETWORK_ERROR"
	CodeServer               = "SERVER_ERROR"

	// success codes, used in logs and telemetry only
	CodeCreated = "CREATED"
	CodeUpdated = "UPDATED"
)

// State is a step of the submission state machine. States are entered in
// declaration order; a request stops at the first failing transition.
type State string

const (
	Received          State = "RECEIVED"
	RateChecked       State = "RATE_CHECKED"
	Authenticated     State = "AUTHENTICATED"
	Sanitized         State = "SANITIZED"
	Validated         State = "VALIDATED"
	DupChecked        State = "DUP_CHECKED"
	ResponsePersisted State = "RESPONSE_PERSISTED"
	AnswersPersisted  State = "ANSWERS_PERSISTED"
	TelemetrySent     State = "TELEMETRY_SENT"
	Responded         State = "RESPONDED"
)

type Result struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	AnswerCount          int    `json:"answer_count"`
	CompletionPercentage int    `json:"completion_percentage"`
	ResponseTimeMS       int64  `json:"response_time_ms"`
}

// Outcome is the transport-neutral result of a submission.
type Outcome struct {
	RequestID  string
	HTTPStatus int
	Code       string
	Message    string
	Details    map[string]any
	Warnings   map[string][]string
	Data       *Result
	// RetrySuggested marks failures the caller may retry as-is.
	RetrySuggested bool
	RetryAfter     time.Duration
	// RateLimit is nil when the limiter could not be consulted.
	RateLimit *ratelimit.Decision
	// State is the last state reached.
	State State
	// Err is the internal cause; it is only shown outside production.
	Err error
}

func (o Outcome) Success() bool {
	return o.Data != nil
}

func fail(status int, code, msg string) Outcome {
	return Outcome{HTTPStatus: status, Code: code, Message: msg}
}

func (o Outcome) with(key string, value any) Outcome {
	if o.Details == nil {
		o.Details = map[string]any{}
	}
	o.Details[key] = value
	return o
}

func (o Outcome) cause(err error) Outcome {
	o.Err = err
	return o
}

func validationFailed(errs, warnings map[string][]string) Outcome {
	o := fail(http.StatusBadRequest, CodeValidationFailed, "submission is not valid")
	o.Details = make(map[string]any, len(errs))
	for field, msgs := range errs {
		o.Details[field] = msgs
	}
	if len(warnings) > 0 {
		o.Warnings = warnings
	}
	return o
}

package httpx

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/mbolis/field-survey/log"
	"github.com/mbolis/field-survey/store"
	"github.com/mbolis/field-survey/submission"
)

// API codes shared with the submission pipeline.
const (
	CodeInvalidRequest       = submission.CodeInvalidRequest
	CodeUnauthorized         = submission.CodeUnauthorized
	CodeForbidden            = submission.CodeForbidden
	CodeNotEditable          = submission.CodeNotEditable
	CodeResponseMissing      = submission.CodeResponseMissing
	CodeQuestionnaireMissing = submission.CodeQuestionnaireMissing
	CodeNetwork              = submission.CodeNetwork
	CodeServer               = submission.CodeServer
)

// Error is the body of every failed API call.
type Error struct {
	Success        bool                `json:"success"`
	Error          string              `json:"error"`
	Code           string              `json:"code"`
	Details        map[string]any      `json:"details,omitempty"`
	Warnings       map[string][]string `json:"warnings,omitempty"`
	RetrySuggested bool                `json:"retry_suggested,omitempty"`
	RequestID      string              `json:"request_id"`
}

type ctxKey struct{ name string }

var exposeErrorsKey = &ctxKey{"expose-errors"}

// ExposeErrors makes internal error messages part of SERVER_ERROR bodies.
// It is meant for non-production deployments.
func ExposeErrors(expose bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), exposeErrorsKey, expose)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func exposeErrors(r *http.Request) bool {
	expose, _ := r.Context().Value(exposeErrorsKey).(bool)
	return expose
}

func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// Logger returns the request scoped log entry.
func Logger(r *http.Request) *log.Entry {
	return log.WithField("request_id", RequestID(r))
}

// WriteError renders body with the request id filled in.
func WriteError(w http.ResponseWriter, r *http.Request, status int, body Error) {
	body.Success = false
	body.RequestID = RequestID(r)
	render.Status(r, status)
	render.JSON(w, r, body)
}

// Will log an error, and send an HTTP response with status 500 and code SERVER_ERROR
func LogInternalError(w http.ResponseWriter, r *http.Request, code string, err error) {
	Logger(r).Errorf("%s: %s", code, err)
	body := Error{Error: http.StatusText(http.StatusInternalServerError), Code: CodeServer}
	if exposeErrors(r) {
		body.Details = map[string]any{"message": err.Error()}
	}
	WriteError(w, r, http.StatusInternalServerError, body)
}

// Will log a debug message, and send an HTTP response with status 404
func LogNotFound(w http.ResponseWriter, r *http.Request, code string, apiCode string, id any) {
	Logger(r).Debugf("%s: not found (%v)", code, id)
	WriteError(w, r, http.StatusNotFound, Error{Error: http.StatusText(http.StatusNotFound), Code: apiCode})
}

// Will log an error code at the given level, and send
// an HTTP response with status and default text
func LogStatus(w http.ResponseWriter, r *http.Request, status int, level log.Level, code string, apiCode string) {
	Logger(r).Log(level.Logrus(), code)
	WriteError(w, r, status, Error{Error: http.StatusText(status), Code: apiCode})
}

// Will log an error code and message at the given level,
// and send an HTTP response with the given status and formatted message
func LogStatusMsg(w http.ResponseWriter, r *http.Request, status int, level log.Level, code string, apiCode string, msg string, args ...any) {
	errMsg := fmt.Sprintf(msg, args...)
	Logger(r).Log(level.Logrus(), code+": "+errMsg)
	WriteError(w, r, status, Error{Error: errMsg, Code: apiCode})
}

// Will log a store failure, answering 503 when it is transient and 500 otherwise
func LogStoreError(w http.ResponseWriter, r *http.Request, code string, err error) {
	if !store.IsTransient(err) {
		LogInternalError(w, r, code, err)
		return
	}
	Logger(r).Warnf("%s: %s", code, err)
	w.Header().Set("Retry-After", "30")
	WriteError(w, r, http.StatusServiceUnavailable, Error{
		Error:          "storage is temporarily unavailable",
		Code:           CodeNetwork,
		RetrySuggested: true,
	})
}

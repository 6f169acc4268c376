package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"github.com/mbolis/field-survey/submission"
)

// Success is the body of a stored submission.
type Success struct {
	Success   bool                `json:"success"`
	Data      *submission.Result  `json:"data"`
	Warnings  map[string][]string `json:"warnings,omitempty"`
	RequestID string              `json:"request_id"`
}

// WriteOutcome renders a pipeline outcome with its rate limit headers.
func WriteOutcome(w http.ResponseWriter, r *http.Request, out submission.Outcome) {
	h := w.Header()
	if d := out.RateLimit; d != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAtEpochMs(), 10))
	}
	if out.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(out.RetryAfter.Round(time.Second)/time.Second)))
	}
	if out.RequestID != "" {
		h.Set("X-Request-Id", out.RequestID)
	}

	if out.Success() {
		render.Status(r, out.HTTPStatus)
		render.JSON(w, r, Success{
			Success:   true,
			Data:      out.Data,
			Warnings:  out.Warnings,
			RequestID: out.RequestID,
		})
		return
	}

	body := Error{
		Success:        false,
		Error:          out.Message,
		Code:           out.Code,
		Details:        out.Details,
		Warnings:       out.Warnings,
		RetrySuggested: out.RetrySuggested,
		RequestID:      out.RequestID,
	}
	if out.Err != nil && out.HTTPStatus >= 500 && exposeErrors(r) {
		if body.Details == nil {
			body.Details = map[string]any{}
		}
		body.Details["message"] = out.Err.Error()
	}
	render.Status(r, out.HTTPStatus)
	render.JSON(w, r, body)
}

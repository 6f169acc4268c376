package routes

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/jwtauth/v5"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/submission"
)

const maxSubmissionBytes = 1 << 20

func SubmitResponse(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// a client navigating away must not abort persistence
		ctx := context.WithoutCancel(r.Context())

		out := app.Pipeline.Submit(ctx, submission.Request{
			RequestID:   httpx.RequestID(r),
			ClientKey:   clientKey(r),
			BearerToken: jwtauth.TokenFromHeader(r),
			Body:        http.MaxBytesReader(w, r.Body, maxSubmissionBytes),
		})
		httpx.WriteOutcome(w, r, out)
	}
}

// clientKey is the caller address, as rewritten by middleware.RealIP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

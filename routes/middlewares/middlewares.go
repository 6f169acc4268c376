package middlewares

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/gofrs/uuid"

	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/identity"
	"github.com/mbolis/field-survey/log"
	"github.com/mbolis/field-survey/model"
)

const RequestIDHeader = "X-Request-Id"

// RequestID tags the request with a UUID, reusing the caller's one when it is
// a valid UUID. The id is echoed in the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.FromString(r.Header.Get(RequestIDHeader))
		if err != nil || id == uuid.Nil {
			id = uuid.Must(uuid.NewV4())
		}

		w.Header().Set(RequestIDHeader, id.String())
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type identityKey struct{}

type Resolver interface {
	Resolve(ctx context.Context, bearer string) (model.Identity, error)
}

// Authenticate resolves the bearer token into an identity for the handlers
// below it.
func Authenticate(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r.Context(), jwtauth.TokenFromHeader(r))
			if errors.Is(err, identity.ErrUnauthenticated) {
				httpx.LogStatus(w, r, http.StatusUnauthorized, log.DebugLevel, "auth.resolve", httpx.CodeUnauthorized)
				return
			}
			if err != nil {
				httpx.LogStoreError(w, r, "auth.resolve", err)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require lets through identities accepted by allow, others get a 403.
func Require(allow func(model.Identity) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				httpx.LogStatus(w, r, http.StatusUnauthorized, log.DebugLevel, "auth.missing", httpx.CodeUnauthorized)
				return
			}
			if !allow(id) {
				httpx.LogStatusMsg(w, r, http.StatusForbidden, log.DebugLevel, "auth.role", httpx.CodeForbidden,
					"role %s may not access this resource", id.Role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(model.Identity)
	return id, ok
}

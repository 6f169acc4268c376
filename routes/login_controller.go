package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/log"
)

func Login(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			httpx.LogStatus(w, r, http.StatusUnauthorized, log.DebugLevel, "login.basic_auth", httpx.CodeUnauthorized)
			return
		}

		profile, err := app.Credentials.ValidateUser(r.Context(), user, pass)
		if errors.Is(err, httpx.ErrBadCredentials) {
			httpx.LogStatus(w, r, http.StatusUnauthorized, log.InfoLevel, "login.credentials", httpx.CodeUnauthorized)
			return
		}
		if err != nil {
			httpx.LogStoreError(w, r, "login.profile", err)
			return
		}

		token, expiry, err := app.Identity.Issue(profile)
		if err != nil {
			httpx.LogInternalError(w, r, "login.issue", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   int(time.Until(expiry).Seconds()),
			"user_id":      profile.UserID,
			"tenant_id":    profile.TenantID,
			"role":         profile.Role,
		})
	}
}
